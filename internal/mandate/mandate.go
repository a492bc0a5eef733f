// Package mandate implements decapod's mandate & policy engine (spec.md
// C8): a deterministic, side-effect-free precondition evaluator. Given
// identical inputs it always produces an identical {allow, deny} decision
// with an ordered blocker list — callers never see a decision that
// depends on anything but the facts they pass in.
package mandate

import (
	"decapod/internal/kerrors"
	"decapod/internal/ledger"
	"decapod/internal/workspace"
)

// Decision is the outcome of evaluating one operation's preconditions.
type Decision struct {
	Allow    bool
	Blockers []string
}

// Facts carries every input the engine may need to decide an operation.
// Dispatch is responsible for assembling Facts from C5/C6/C7 state before
// calling Evaluate; the engine itself never reaches out to read state.
type Facts struct {
	Operation string

	SessionPresent bool
	SessionValid   bool
	SessionStale   bool

	MissingCheckpoints []string

	WorkspaceRequired bool
	WorkspaceExists   bool
	OnProtectedBranch bool

	TaskOwnerScoped bool
	TaskOwner       string
	ActorAgent      string
	TaskState       ledger.State

	RiskZoneTrustRequired bool
	RiskZoneTrustGranted  bool

	StoreKindRequested string
	StoreKindResolved  string
}

// Evaluate is total: for any Facts value it returns a Decision, never an
// error. Order of blocker checks is fixed so the blocker list itself is
// deterministic across calls with identical Facts.
func Evaluate(f Facts) Decision {
	var blockers []string

	if f.StoreKindRequested != "" && f.StoreKindRequested != f.StoreKindResolved {
		blockers = append(blockers, string(kerrors.StoreBoundaryViolation))
	}

	if !f.SessionPresent || !f.SessionValid || f.SessionStale {
		blockers = append(blockers, string(kerrors.SessionRequired))
	}

	if len(f.MissingCheckpoints) > 0 {
		blockers = append(blockers, string(kerrors.AwarenessRequired))
	}

	// A protected current branch only blocks the op when no per-task
	// worktree is active; an active worktree confines mutation away from
	// the protected branch regardless of what the caller's checkout is on.
	if f.WorkspaceRequired && f.OnProtectedBranch && !f.WorkspaceExists {
		blockers = append(blockers, string(kerrors.WorkspaceRequired))
	}

	if f.TaskOwnerScoped && f.TaskOwner != "" && f.TaskOwner != f.ActorAgent {
		blockers = append(blockers, string(kerrors.MandateViolation))
	}

	if f.RiskZoneTrustRequired && !f.RiskZoneTrustGranted {
		blockers = append(blockers, string(kerrors.MandateViolation))
	}

	return Decision{Allow: len(blockers) == 0, Blockers: blockers}
}

// AsError converts a deny Decision into the structured kerrors.Error the
// dispatcher surfaces to the caller, picking the first (highest-priority)
// blocker as the error's code.
func (d Decision) AsError() error {
	if d.Allow {
		return nil
	}
	code := kerrors.Code(d.Blockers[0])
	return kerrors.New(code, "mandate denied operation: blocked by %v", d.Blockers).WithBlockers(d.Blockers)
}

// WorkspaceFacts derives the workspace-related Facts fields from a
// workspace.Status lookup (nil status means no worktree exists yet).
func WorkspaceFacts(status *workspace.Status, protectedBranches []string) (exists bool, onProtected bool) {
	if status == nil {
		return false, false
	}
	exists = status.Exists
	for _, p := range protectedBranches {
		if status.Branch == p {
			onProtected = true
		}
	}
	return exists, onProtected
}
