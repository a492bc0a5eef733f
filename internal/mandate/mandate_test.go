package mandate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"decapod/internal/kerrors"
	"decapod/internal/workspace"
)

func TestEvaluate_AllowsWhenAllFactsSatisfied(t *testing.T) {
	d := Evaluate(Facts{
		Operation:         "todo.done",
		SessionPresent:    true,
		SessionValid:      true,
		StoreKindResolved: "repo",
		WorkspaceExists:   true,
	})
	assert.True(t, d.Allow)
	assert.Empty(t, d.Blockers)
}

func TestEvaluate_BlockersAreDeterministicallyOrdered(t *testing.T) {
	f := Facts{
		StoreKindRequested:  "user",
		StoreKindResolved:   "repo",
		SessionPresent:      false,
		MissingCheckpoints:  []string{"validate"},
		WorkspaceRequired:     true,
		WorkspaceExists:       false,
		OnProtectedBranch:     true,
		RiskZoneTrustRequired: true,
	}
	first := Evaluate(f)
	second := Evaluate(f)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{
		string(kerrors.StoreBoundaryViolation),
		string(kerrors.SessionRequired),
		string(kerrors.AwarenessRequired),
		string(kerrors.WorkspaceRequired),
		string(kerrors.MandateViolation),
	}, first.Blockers)
}

func TestEvaluate_ActiveWorktreeAllowsMutationOnProtectedBranch(t *testing.T) {
	d := Evaluate(Facts{
		SessionPresent:    true,
		SessionValid:      true,
		WorkspaceRequired: true,
		OnProtectedBranch: true,
		WorkspaceExists:   true,
	})
	assert.True(t, d.Allow)
}

func TestEvaluate_NonProtectedBranchAllowsMutationWithoutWorktree(t *testing.T) {
	d := Evaluate(Facts{
		SessionPresent:    true,
		SessionValid:      true,
		WorkspaceRequired: true,
		OnProtectedBranch: false,
		WorkspaceExists:   false,
	})
	assert.True(t, d.Allow)
}

func TestEvaluate_ProtectedBranchWithoutWorktreeBlocks(t *testing.T) {
	d := Evaluate(Facts{
		SessionPresent:    true,
		SessionValid:      true,
		WorkspaceRequired: true,
		OnProtectedBranch: true,
		WorkspaceExists:   false,
	})
	assert.False(t, d.Allow)
	assert.Contains(t, d.Blockers, string(kerrors.WorkspaceRequired))
}

func TestEvaluate_TaskOwnerScopeBlocksOtherAgents(t *testing.T) {
	d := Evaluate(Facts{
		SessionPresent:  true,
		SessionValid:    true,
		TaskOwnerScoped: true,
		TaskOwner:       "agent-1",
		ActorAgent:      "agent-2",
	})
	assert.False(t, d.Allow)
	assert.Contains(t, d.Blockers, string(kerrors.MandateViolation))
}

func TestDecision_AsError_NilWhenAllowed(t *testing.T) {
	d := Decision{Allow: true}
	assert.Nil(t, d.AsError())
}

func TestDecision_AsError_UsesFirstBlockerAsCode(t *testing.T) {
	d := Decision{Allow: false, Blockers: []string{string(kerrors.SessionRequired), string(kerrors.WorkspaceRequired)}}
	err := d.AsError()
	kerr, ok := kerrors.As(err)
	assert.True(t, ok)
	assert.Equal(t, kerrors.SessionRequired, kerr.Code)
	assert.Equal(t, d.Blockers, kerr.Blockers)
}

func TestWorkspaceFacts_NilStatusMeansNoWorktree(t *testing.T) {
	exists, onProtected := WorkspaceFacts(nil, []string{"main"})
	assert.False(t, exists)
	assert.False(t, onProtected)
}

func TestWorkspaceFacts_DetectsProtectedBranch(t *testing.T) {
	exists, onProtected := WorkspaceFacts(&workspace.Status{Exists: true, Branch: "main"}, []string{"main", "master"})
	assert.True(t, exists)
	assert.True(t, onProtected)
}
