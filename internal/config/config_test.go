package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, FormatText, cfg.Format)
	assert.Equal(t, RiskMedium, cfg.RiskTier)
	assert.Equal(t, []string{"main", "master"}, cfg.ProtectedBranchPatterns)
	assert.Equal(t, 30, cfg.ValidatorBudgetSecs)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSaveThenLoad_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.RiskTier = RiskHigh
	cfg.Deterministic = true
	cfg.ProtectedBranchPatterns = []string{"main", "release/*"}

	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, loaded.RiskTier)
	assert.True(t, loaded.Deterministic)
	assert.Equal(t, []string{"main", "release/*"}, loaded.ProtectedBranchPatterns)
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("DECAPOD_STORE", "user")
	t.Setenv("DECAPOD_DIAGNOSTICS", "true")
	t.Setenv("DECAPOD_RELEASE_RISK_TIER", "critical")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	assert.Equal(t, "user", cfg.Store)
	assert.True(t, cfg.Diagnostics)
	assert.Equal(t, RiskCritical, cfg.RiskTier)
}

func TestValidatorBudget_DefaultsWhenUnset(t *testing.T) {
	cfg := &Config{ValidatorBudgetSecs: 0}
	assert.Equal(t, 30*time.Second, cfg.ValidatorBudget())
}
