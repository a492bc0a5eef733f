package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decapod/internal/broker"
	"decapod/internal/kerrors"
	"decapod/internal/storepath"
)

func newTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0755))
	store, err := storepath.Resolve(storepath.Repo, root)
	require.NoError(t, err)
	require.NoError(t, store.EnsureExists())

	b, err := broker.New(store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, EnsureSchema(context.Background(), b))
	return b
}

func TestAcquire_SupersedesPriorSession(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	first, err := Acquire(ctx, b, "agent-1", time.Hour)
	require.NoError(t, err)

	second, err := Acquire(ctx, b, "agent-1", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	priorSess, err := Get(ctx, b, first.SessionID)
	require.NoError(t, err)
	assert.True(t, priorSess.Revoked)
	assert.Equal(t, second.SessionID, priorSess.SupersededBySessID)
}

func TestValidate_SucceedsWithCorrectCredentials(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	res, err := Acquire(ctx, b, "agent-1", time.Hour)
	require.NoError(t, err)

	sess, err := Validate(ctx, b, "agent-1", res.Password, res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, sess.ID)
}

func TestValidate_FailsOnWrongPassword(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	_, err := Acquire(ctx, b, "agent-1", time.Hour)
	require.NoError(t, err)

	_, err = Validate(ctx, b, "agent-1", "wrong-password", "")
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.SessionRequired, kerr.Code)
}

func TestValidate_FailsWhenNoSessionExists(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	_, err := Validate(ctx, b, "ghost-agent", "anything", "")
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.SessionRequired, kerr.Code)
}

func TestValidate_EvictsExpiredSession(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	res, err := Acquire(ctx, b, "agent-1", -time.Minute)
	require.NoError(t, err)

	_, err = Validate(ctx, b, "agent-1", res.Password, res.Token)
	require.Error(t, err)

	sess, err := Get(ctx, b, res.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.Revoked)
}

func TestRelease_RevokesActiveSession(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	res, err := Acquire(ctx, b, "agent-1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, Release(ctx, b, res.SessionID))

	err = Release(ctx, b, res.SessionID)
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.NotFound, kerr.Code)
}

func TestRequireCheckpoints_ReportsMissingAndStale(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	res, err := Acquire(ctx, b, "agent-1", time.Hour)
	require.NoError(t, err)

	err = RequireCheckpoints(ctx, b, res.SessionID, []Checkpoint{CheckpointValidate}, time.Hour)
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.AwarenessRequired, kerr.Code)
	assert.Contains(t, kerr.Blockers, string(CheckpointValidate))

	require.NoError(t, RecordCheckpoint(ctx, b, res.SessionID, CheckpointValidate))
	require.NoError(t, RequireCheckpoints(ctx, b, res.SessionID, []Checkpoint{CheckpointValidate}, time.Hour))
}
