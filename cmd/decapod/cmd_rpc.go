package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"decapod/internal/broker"
	"decapod/internal/capsule"
	"decapod/internal/config"
	"decapod/internal/dispatch"
	"decapod/internal/kerrors"
	"decapod/internal/ledger"
	"decapod/internal/provenance"
	"decapod/internal/session"
	"decapod/internal/validator"
)

// rpcCmd implements the JSON-RPC v1 invocation surface (spec.md §6): it
// reads the first non-empty line of stdin as one request object and writes
// one response envelope to stdout. The response carries the request's id,
// or a freshly generated one when the request has none.
var rpcCmd = &cobra.Command{
	Use:   "rpc",
	Short: "Serve one JSON-RPC request from stdin and write its response to stdout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		enc := json.NewEncoder(os.Stdout)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var req dispatch.Request
			if err := json.Unmarshal(line, &req); err != nil {
				_ = enc.Encode(dispatch.Envelope{Success: false, Error: &dispatch.ErrorEnvelope{Code: "INVALID_ARGUMENT", Message: err.Error()}})
				return nil
			}
			env := handleRequest(cmd, req)
			if err := enc.Encode(env); err != nil {
				return fmt.Errorf("rpc: encode response: %w", err)
			}
			return nil
		}
		return scanner.Err()
	},
}

func handleRequest(cmd *cobra.Command, req dispatch.Request) dispatch.Envelope {
	requestID := req.ID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	result, allowed, err := dispatchOp(cmd, req)
	env := dispatch.Envelope{ID: requestID, AllowedNextOps: allowed}
	if err != nil {
		env.Success = false
		env.Error = dispatch.ToError(err)
		if kerr, ok := kerrors.As(err); ok {
			env.BlockedBy = kerr.Blockers
		}
		return env
	}
	env.Success = true
	env.Result = result
	return env
}

func paramString(params map[string]interface{}, key string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func dispatchOp(cmd *cobra.Command, req dispatch.Request) (interface{}, []dispatch.Operation, error) {
	ctx := cmd.Context()
	p := req.Params

	actorAgent := paramString(p, "agent_id")
	taskID := paramString(p, "task_id")

	ref := req.Session
	if ref == nil && actorAgent != "" {
		ref = &dispatch.SessionRef{AgentID: actorAgent, Password: config.SessionPassword()}
	}

	deps := dispatch.GateDeps{Broker: kernel.broker, ProtectedBranches: kernel.cfg.ProtectedBranchPatterns}
	if ws, err := newWorkspace(); err == nil {
		deps.Workspace = ws
	}

	if _, err := dispatch.Gate(ctx, deps, req.Op, ref, actorAgent, taskID); err != nil {
		return nil, nil, err
	}

	switch req.Op {
	case dispatch.OpAgentInit, dispatch.OpSessionAcquire:
		if err := session.EnsureSchema(ctx, kernel.broker); err != nil {
			return nil, nil, err
		}
		agentID := paramString(p, "agent_id")
		res, err := session.Acquire(ctx, kernel.broker, agentID, kernel.cfg.SessionTTL)
		if err != nil {
			return nil, nil, err
		}
		return res, dispatch.AllowedNextOps(dispatch.State{HasSession: true}), nil

	case dispatch.OpSessionRelease:
		if err := session.Release(ctx, kernel.broker, paramString(p, "session_id")); err != nil {
			return nil, nil, err
		}
		return map[string]bool{"released": true}, dispatch.AllowedNextOps(dispatch.State{}), nil

	case dispatch.OpWorkspaceEnsure:
		ws, err := newWorkspace()
		if err != nil {
			return nil, nil, err
		}
		status, err := ws.Ensure(ctx, paramString(p, "task_id"), paramString(p, "base_branch"))
		if err != nil {
			return nil, nil, err
		}
		return status, dispatch.AllowedNextOps(dispatch.State{HasSession: true, HasWorkspace: true}), nil

	case dispatch.OpWorkspaceStatus:
		ws, err := newWorkspace()
		if err != nil {
			return nil, nil, err
		}
		status, err := ws.Status(ctx, paramString(p, "task_id"))
		return status, nil, err

	case dispatch.OpWorkspacePublish:
		ws, err := newWorkspace()
		if err != nil {
			return nil, nil, err
		}
		if err := provenance.RequireForPublish(kernel.store); err != nil {
			return nil, nil, err
		}
		commit, err := ws.Publish(ctx, paramString(p, "task_id"), paramString(p, "message"))
		if err != nil {
			return nil, nil, err
		}
		return map[string]string{"commit": commit}, nil, nil

	case dispatch.OpTodoAdd:
		l, err := ledger.Open(ctx, kernel.broker, kernel.store)
		if err != nil {
			return nil, nil, err
		}
		defer l.Close()
		t, err := l.Add(ctx, paramString(p, "title"), paramString(p, "agent_id"))
		return t, nil, err

	case dispatch.OpTodoClaim:
		l, err := ledger.Open(ctx, kernel.broker, kernel.store)
		if err != nil {
			return nil, nil, err
		}
		defer l.Close()
		t, err := l.Claim(ctx, paramString(p, "task_id"), paramString(p, "agent_id"))
		return t, nil, err

	case dispatch.OpTodoRelease:
		l, err := ledger.Open(ctx, kernel.broker, kernel.store)
		if err != nil {
			return nil, nil, err
		}
		defer l.Close()
		t, err := l.Release(ctx, paramString(p, "task_id"), paramString(p, "agent_id"))
		return t, nil, err

	case dispatch.OpTodoComment:
		l, err := ledger.Open(ctx, kernel.broker, kernel.store)
		if err != nil {
			return nil, nil, err
		}
		defer l.Close()
		err = l.Comment(ctx, paramString(p, "task_id"), paramString(p, "agent_id"), paramString(p, "body"))
		return map[string]bool{"recorded": true}, nil, err

	case dispatch.OpTodoEdit:
		l, err := ledger.Open(ctx, kernel.broker, kernel.store)
		if err != nil {
			return nil, nil, err
		}
		defer l.Close()
		err = l.Edit(ctx, paramString(p, "task_id"), paramString(p, "agent_id"), paramString(p, "body"))
		return map[string]bool{"recorded": true}, nil, err

	case dispatch.OpTodoDone:
		l, err := ledger.Open(ctx, kernel.broker, kernel.store)
		if err != nil {
			return nil, nil, err
		}
		defer l.Close()
		t, err := l.Done(ctx, paramString(p, "task_id"), paramString(p, "agent_id"), paramString(p, "receipt_hash"))
		return t, nil, err

	case dispatch.OpTodoArchive:
		l, err := ledger.Open(ctx, kernel.broker, kernel.store)
		if err != nil {
			return nil, nil, err
		}
		defer l.Close()
		t, err := l.Archive(ctx, paramString(p, "task_id"), paramString(p, "agent_id"))
		return t, nil, err

	case dispatch.OpTodoList:
		l, err := ledger.Open(ctx, kernel.broker, kernel.store)
		if err != nil {
			return nil, nil, err
		}
		defer l.Close()
		tasks, err := l.List(ctx)
		return tasks, nil, err

	case dispatch.OpTodoRebuild:
		l, err := ledger.Open(ctx, kernel.broker, kernel.store)
		if err != nil {
			return nil, nil, err
		}
		defer l.Close()
		rebuilt, err := l.Rebuild(ctx)
		if err != nil {
			return nil, nil, err
		}
		live, err := l.LiveProjectionHash(ctx)
		if err != nil {
			return nil, nil, err
		}
		return map[string]interface{}{"rebuilt_hash": rebuilt, "live_hash": live, "match": rebuilt == live}, nil, nil

	case dispatch.OpValidateRun:
		l, err := ledger.Open(ctx, kernel.broker, kernel.store)
		if err != nil {
			return nil, nil, err
		}
		defer l.Close()
		v := validator.New(kernel.store, l, kernel.cfg.Deterministic)
		receipt, err := v.Run(ctx, kernel.cfg.ValidatorBudget())
		return receipt, nil, err

	case dispatch.OpReleaseCheck:
		result, err := provenance.Check(kernel.store)
		return result, nil, err

	case dispatch.OpSchemaGet:
		rows, err := kernel.broker.Read(ctx, paramString(p, "db"), `SELECT name, sql FROM sqlite_master WHERE type = 'table'`)
		return rows, nil, err

	case dispatch.OpContextResolve:
		root, err := repoRoot()
		if err != nil {
			return nil, nil, err
		}
		q := capsule.Query{
			Operation: paramString(p, "operation"),
			Topic:     paramString(p, "topic"),
			Scope:     paramString(p, "scope"),
			RiskTier:  paramString(p, "risk_tier"),
			TaskID:    paramString(p, "task_id"),
		}
		binding := capsule.Binding{ByOperation: map[string][]string{}, ByPath: map[string][]string{}, ByTag: map[string][]string{}}
		policy := capsule.PolicyContract{DeniedScopes: map[string][]string{}}
		c, err := capsule.Resolve(q, binding, policy, fsCorpus{root: filepath.Join(root, "constitution")})
		if err != nil {
			return nil, nil, err
		}
		path, err := capsule.Write(kernel.store, c)
		if err != nil {
			return nil, nil, err
		}
		return map[string]interface{}{"path": path, "hash": c.CapsuleHash, "fragments": len(c.Fragments)}, nil, nil

	case dispatch.OpStoreUpsert:
		db := paramString(p, "db")
		statement := paramString(p, "statement")
		var args []interface{}
		if raw, ok := p["args"].([]interface{}); ok {
			args = raw
		}
		intent := broker.Intent{
			OperationType:  "store.upsert",
			ActorAgentID:   paramString(p, "agent_id"),
			IdempotencyKey: paramString(p, "idempotency_key"),
			AffectedKeys:   []string{db},
		}
		receipt, err := kernel.broker.Write(ctx, db, statement, args, intent)
		return receipt, nil, err

	default:
		return nil, nil, kerrors.New(kerrors.InvalidArgument, "unknown operation %q", req.Op)
	}
}
