package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decapod/internal/broker"
	"decapod/internal/config"
	"decapod/internal/kerrors"
	"decapod/internal/ledger"
	"decapod/internal/session"
	"decapod/internal/storepath"
)

func TestAllowedNextOps_NoSessionOffersOnlyBootstrap(t *testing.T) {
	ops := AllowedNextOps(State{HasSession: false})
	assert.Equal(t, []Operation{OpAgentInit, OpSessionAcquire}, ops)
}

func TestAllowedNextOps_NoWorkspaceOffersEnsure(t *testing.T) {
	ops := AllowedNextOps(State{HasSession: true, HasWorkspace: false})
	assert.Contains(t, ops, OpWorkspaceEnsure)
	assert.NotContains(t, ops, OpWorkspacePublish)
}

func TestAllowedNextOps_DraftOffersClaim(t *testing.T) {
	ops := AllowedNextOps(State{HasSession: true, HasWorkspace: true, TaskState: ledger.StateDraft})
	assert.Contains(t, ops, OpTodoClaim)
	assert.NotContains(t, ops, OpTodoDone)
}

func TestAllowedNextOps_ClaimedByOtherAgentOffersNoMutation(t *testing.T) {
	ops := AllowedNextOps(State{
		HasSession: true, HasWorkspace: true,
		TaskState: ledger.StateClaimed, TaskOwner: "agent-1", ActorAgent: "agent-2",
	})
	assert.NotContains(t, ops, OpTodoRelease)
	assert.NotContains(t, ops, OpTodoDone)
}

func TestAllowedNextOps_ClaimedWithNoOutstandingGatesOffersDone(t *testing.T) {
	ops := AllowedNextOps(State{
		HasSession: true, HasWorkspace: true,
		TaskState: ledger.StateClaimed, TaskOwner: "agent-1", ActorAgent: "agent-1",
	})
	assert.Contains(t, ops, OpTodoDone)
}

func TestAllowedNextOps_ClaimedWithOutstandingGatesWithholdsDone(t *testing.T) {
	ops := AllowedNextOps(State{
		HasSession: true, HasWorkspace: true,
		TaskState: ledger.StateClaimed, TaskOwner: "agent-1", ActorAgent: "agent-1",
		OutstandingGates: []string{"validate.run"},
	})
	assert.Contains(t, ops, OpValidateRun)
	assert.NotContains(t, ops, OpTodoDone)
}

func TestAllowedNextOps_VerifiedOffersArchiveAndReleaseCheck(t *testing.T) {
	ops := AllowedNextOps(State{HasSession: true, HasWorkspace: true, TaskState: ledger.StateVerified})
	assert.Contains(t, ops, OpTodoArchive)
	assert.Contains(t, ops, OpReleaseCheck)
}

func TestToError_NilForNilError(t *testing.T) {
	assert.Nil(t, ToError(nil))
}

func TestToError_PrefersStructuredKerror(t *testing.T) {
	err := kerrors.New(kerrors.SessionRequired, "no session")
	env := ToError(err)
	assert.Equal(t, string(kerrors.SessionRequired), env.Code)
	assert.Equal(t, "no session", env.Message)
}

func TestToError_FallsBackToInternalForPlainError(t *testing.T) {
	env := ToError(errors.New("boom"))
	assert.Equal(t, "INTERNAL", env.Code)
	assert.Equal(t, "boom", env.Message)
}

func TestResolveTimeout_UsesConfigBudget(t *testing.T) {
	cfg := &config.Config{ValidatorBudgetSecs: 45}
	assert.Equal(t, 45*time.Second, ResolveTimeout(cfg))
}

func TestAuthenticateIfPresent_NilRefReturnsNil(t *testing.T) {
	sess, err := AuthenticateIfPresent(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestAuthenticateIfPresent_ValidatesAgainstSessionSubsystem(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0755))
	store, err := storepath.Resolve(storepath.Repo, root)
	require.NoError(t, err)
	require.NoError(t, store.EnsureExists())

	b, err := broker.New(store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, session.EnsureSchema(context.Background(), b))

	res, err := session.Acquire(context.Background(), b, "agent-1", time.Hour)
	require.NoError(t, err)

	sess, err := AuthenticateIfPresent(context.Background(), b, &SessionRef{AgentID: "agent-1", Password: res.Password, Token: res.Token})
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, sess.ID)

	_, err = AuthenticateIfPresent(context.Background(), b, &SessionRef{AgentID: "agent-1", Password: "wrong"})
	assert.Error(t, err)
}
