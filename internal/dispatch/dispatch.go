// Package dispatch implements decapod's control-plane dispatcher (spec.md
// C10): the single normalization point for both CLI and JSON-RPC
// invocations. Every invocation becomes a typed Operation; every result
// becomes an Envelope carrying the computed allowed-next-ops set, and a
// structured error on failure. The Envelope's Receipt field exists but no
// code path sets it, so it is omitted from every response.
package dispatch

import (
	"context"
	"time"

	"decapod/internal/broker"
	"decapod/internal/config"
	"decapod/internal/kerrors"
	"decapod/internal/ledger"
	"decapod/internal/logging"
	"decapod/internal/mandate"
	"decapod/internal/session"
	"decapod/internal/workspace"
)

// Operation names every op the kernel recognizes (spec.md §6 "Operation
// set (minimum)").
type Operation string

const (
	OpAgentInit        Operation = "agent.init"
	OpSessionAcquire    Operation = "session.acquire"
	OpSessionRelease    Operation = "session.release"
	OpContextResolve    Operation = "context.resolve"
	OpWorkspaceEnsure   Operation = "workspace.ensure"
	OpWorkspacePublish  Operation = "workspace.publish"
	OpWorkspaceStatus   Operation = "workspace.status"
	OpTodoAdd           Operation = "todo.add"
	OpTodoClaim         Operation = "todo.claim"
	OpTodoRelease       Operation = "todo.release"
	OpTodoComment       Operation = "todo.comment"
	OpTodoEdit          Operation = "todo.edit"
	OpTodoDone          Operation = "todo.done"
	OpTodoArchive       Operation = "todo.archive"
	OpTodoList          Operation = "todo.list"
	OpTodoRebuild       Operation = "todo.rebuild"
	OpValidateRun       Operation = "validate.run"
	OpStoreUpsert       Operation = "store.upsert"
	OpSchemaGet         Operation = "schema.get"
	OpReleaseCheck      Operation = "release.check"
)

// Request is the normalized form of either a CLI invocation or a
// JSON-RPC request's {id, op, params, session?} envelope.
type Request struct {
	ID      string                 `json:"id,omitempty"`
	Op      Operation              `json:"op"`
	Params  map[string]interface{} `json:"params"`
	Session *SessionRef            `json:"session,omitempty"`
}

// SessionRef is the credential bundle a caller presents per operation.
type SessionRef struct {
	AgentID  string `json:"agent_id"`
	Password string `json:"password"`
	Token    string `json:"token,omitempty"`
}

// ErrorEnvelope is the JSON-RPC error shape (spec.md §7).
type ErrorEnvelope struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Remediation string   `json:"remediation,omitempty"`
	Blockers    []string `json:"blockers,omitempty"`
}

// Envelope is the normalized response for both CLI and JSON-RPC surfaces.
type Envelope struct {
	ID             string         `json:"id,omitempty"`
	Success        bool           `json:"success"`
	Receipt        interface{}    `json:"receipt,omitempty"`
	Result         interface{}    `json:"result,omitempty"`
	AllowedNextOps []Operation    `json:"allowed_next_ops"`
	BlockedBy      []string       `json:"blocked_by,omitempty"`
	Error          *ErrorEnvelope `json:"error,omitempty"`
}

// State is the state-machine position dispatch uses to compute
// allowed_next_ops deterministically from current facts.
type State struct {
	HasSession        bool
	HasWorkspace      bool
	TaskState         ledger.State
	TaskOwner         string
	ActorAgent        string
	OutstandingGates  []string
}

// AllowedNextOps derives the closed set of operations valid from s,
// matching spec.md §4.7's requirement that the set is computed from
// current state, not hand-maintained per handler.
func AllowedNextOps(s State) []Operation {
	if !s.HasSession {
		return []Operation{OpAgentInit, OpSessionAcquire}
	}

	ops := []Operation{OpSessionRelease, OpContextResolve, OpTodoAdd, OpTodoList, OpSchemaGet}

	if !s.HasWorkspace {
		ops = append(ops, OpWorkspaceEnsure)
		return ops
	}
	ops = append(ops, OpWorkspaceStatus, OpWorkspacePublish)

	switch s.TaskState {
	case ledger.StateDraft:
		ops = append(ops, OpTodoClaim)
	case ledger.StateClaimed:
		if s.TaskOwner == "" || s.TaskOwner == s.ActorAgent {
			ops = append(ops, OpTodoRelease, OpTodoComment, OpTodoEdit, OpValidateRun)
			if len(s.OutstandingGates) == 0 {
				ops = append(ops, OpTodoDone)
			}
		}
	case ledger.StateVerified:
		ops = append(ops, OpTodoArchive, OpReleaseCheck)
	}

	ops = append(ops, OpTodoRebuild)
	return ops
}

// ToError converts any error into the Envelope's ErrorEnvelope shape,
// preferring a structured kerrors.Error when present.
func ToError(err error) *ErrorEnvelope {
	if err == nil {
		return nil
	}
	if kerr, ok := kerrors.As(err); ok {
		return &ErrorEnvelope{Code: string(kerr.Code), Message: kerr.Message, Remediation: kerr.Remediation, Blockers: kerr.Blockers}
	}
	return &ErrorEnvelope{Code: "INTERNAL", Message: err.Error()}
}

// AuthenticateIfPresent validates the caller's session ref against the
// session subsystem, if one was supplied. It is the dispatcher's single
// point of contact with C5 so every handler sees an already-authenticated
// request.
func AuthenticateIfPresent(ctx context.Context, b *broker.Broker, ref *SessionRef) (*session.Session, error) {
	if ref == nil {
		return nil, nil
	}
	return session.Validate(ctx, b, ref.AgentID, ref.Password, ref.Token)
}

// ResolveTimeout returns the validator/operation timeout to apply for an
// invocation, derived from cfg.
func ResolveTimeout(cfg *config.Config) time.Duration {
	return cfg.ValidatorBudget()
}

// GateDeps bundles the C5/C6 handles Gate needs to assemble mandate
// Facts for one invocation. Workspace may be nil for ops that never
// require a workspace check.
type GateDeps struct {
	Broker            *broker.Broker
	Workspace         *workspace.Workspace
	ProtectedBranches []string
}

// mutatingOps requires an authenticated session before running: the
// workspace and task-ledger writes plus store.upsert. The session ops
// (agent.init, session.acquire, session.release) are not in the set.
var mutatingOps = map[Operation]bool{
	OpWorkspaceEnsure:  true,
	OpWorkspacePublish: true,
	OpTodoAdd:          true,
	OpTodoClaim:        true,
	OpTodoRelease:      true,
	OpTodoComment:      true,
	OpTodoEdit:         true,
	OpTodoDone:         true,
	OpTodoArchive:      true,
	OpStoreUpsert:      true,
}

// worktreeScopedOps requires an active per-task worktree before running
// unless the caller's current branch is unprotected (spec.md's
// protected-branch refusal: "if branch matches a protected pattern... and
// no per-task worktree is active, the operation fails").
var worktreeScopedOps = map[Operation]bool{
	OpTodoClaim:   true,
	OpTodoRelease: true,
	OpTodoComment: true,
	OpTodoEdit:    true,
	OpTodoDone:    true,
	OpTodoArchive: true,
}

// Gate is the dispatcher's single point of contact with the mandate
// engine (spec.md C8). It authenticates ref against the session
// subsystem, assembles Facts from the resulting session state plus a
// workspace lookup keyed by taskID, and evaluates every precondition
// before a handler is allowed to run. Call it once per invocation, before
// dispatching to a handler — never from inside one.
func Gate(ctx context.Context, deps GateDeps, op Operation, ref *SessionRef, actorAgent, taskID string) (*session.Session, error) {
	needsSession := mutatingOps[op]
	needsWorkspace := worktreeScopedOps[op]

	var sess *session.Session
	var authErr error
	if needsSession {
		if err := session.EnsureSchema(ctx, deps.Broker); err != nil {
			return nil, err
		}
		sess, authErr = AuthenticateIfPresent(ctx, deps.Broker, ref)
		if ref != nil && authErr != nil {
			return nil, authErr
		}
	}

	var wsExists, onProtected bool
	if needsWorkspace && deps.Workspace != nil {
		var exists bool
		if status, err := deps.Workspace.Status(ctx, taskID); err == nil {
			exists = status.Exists
		}
		branch, _ := deps.Workspace.CurrentBranch(ctx)
		wsExists, onProtected = mandate.WorkspaceFacts(&workspace.Status{Exists: exists, Branch: branch}, deps.ProtectedBranches)
	}

	facts := mandate.Facts{
		Operation:         string(op),
		SessionPresent:    !needsSession || ref != nil,
		SessionValid:      !needsSession || (ref != nil && authErr == nil),
		WorkspaceRequired: needsWorkspace,
		WorkspaceExists:   wsExists,
		OnProtectedBranch: onProtected,
		ActorAgent:        actorAgent,
	}

	if decision := mandate.Evaluate(facts); !decision.Allow {
		return nil, decision.AsError()
	}
	return sess, nil
}

func logOp(op Operation, start time.Time) {
	logging.Dispatch("op=%s duration=%s", op, time.Since(start))
}
