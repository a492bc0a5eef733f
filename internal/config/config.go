// Package config holds decapod's kernel configuration (spec.md §9 "Config
// objects"): store selection, output format, determinism, validator
// budget, protected-branch patterns, risk tier, and diagnostics. Mirrors
// the teacher's yaml.v3-backed Config / DefaultConfig() shape.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Format selects CLI output rendering.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// RiskTier gates mandate and capsule-scope decisions.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// Config is the full set of recognized kernel options.
type Config struct {
	Store                   string        `yaml:"store"` // "repo" | "user"
	Format                  Format        `yaml:"format"`
	Deterministic           bool          `yaml:"deterministic"`
	ValidatorBudgetSecs     int           `yaml:"validator_budget_secs"`
	ProtectedBranchPatterns []string      `yaml:"protected_branch_patterns"`
	RiskTier                RiskTier      `yaml:"risk_tier"`
	Diagnostics             bool          `yaml:"diagnostics"`
	DebugLogging            bool          `yaml:"debug_logging"`
	JSONLogging             bool          `yaml:"json_logging"`
	SessionTTL              time.Duration `yaml:"session_ttl"`
}

// DefaultConfig returns decapod's built-in defaults, matching spec.md §9.
func DefaultConfig() *Config {
	return &Config{
		Store:                   "",
		Format:                  FormatText,
		Deterministic:           false,
		ValidatorBudgetSecs:     30,
		ProtectedBranchPatterns: []string{"main", "master"},
		RiskTier:                RiskMedium,
		Diagnostics:             false,
		DebugLogging:            false,
		JSONLogging:             false,
		SessionTTL:              24 * time.Hour,
	}
}

// Load reads a YAML config file if present, starting from DefaultConfig()
// and overlaying whatever fields the file sets. A missing file is not an
// error — the kernel runs on defaults alone.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays the environment variables recognized by spec.md §6 on
// top of cfg. Called after Load, so a set env var overrides the value read
// from the config file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DECAPOD_STORE"); v != "" {
		c.Store = v
	}
	if v := os.Getenv("DECAPOD_DIAGNOSTICS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Diagnostics = b
		} else if v == "1" {
			c.Diagnostics = true
		}
	}
	if v := os.Getenv("DECAPOD_RELEASE_RISK_TIER"); v != "" {
		c.RiskTier = RiskTier(v)
	}
}

// ValidatorBudget returns the configured validator budget as a Duration.
func (c *Config) ValidatorBudget() time.Duration {
	if c.ValidatorBudgetSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ValidatorBudgetSecs) * time.Second
}

// AgentID returns the agent identity bound to this invocation, per
// DECAPOD_AGENT_ID (spec.md §6). Empty if unset.
func AgentID() string { return os.Getenv("DECAPOD_AGENT_ID") }

// SessionPassword returns the ephemeral password presented for
// authenticated operations, per DECAPOD_SESSION_PASSWORD.
func SessionPassword() string { return os.Getenv("DECAPOD_SESSION_PASSWORD") }
