// Package session implements decapod's session & identity subsystem
// (spec.md C5): binds an agent identity to a credentialed, time-bounded
// session, validates presented credentials on every authenticated
// operation, evicts stale sessions, and tracks the awareness checkpoints
// high-authority operations require.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"decapod/internal/broker"
	"decapod/internal/kerrors"
	"decapod/internal/logging"
)

const dbName = "sessions"

// Checkpoint names the awareness checkpoints spec.md §4.2 requires for
// high-authority operations.
type Checkpoint string

const (
	CheckpointValidate       Checkpoint = "validate"
	CheckpointDocIngest      Checkpoint = "doc_ingest"
	CheckpointContextResolve Checkpoint = "context_resolve"
)

// Session is the immutable-once-created record spec.md §3 defines. The
// PasswordHash and TokenHash fields hold SHA-256 hashes; the plaintext
// password and token are never stored.
type Session struct {
	ID                 string
	AgentID            string
	TokenHash          string
	PasswordHash       string
	IssuedAt           time.Time
	TTL                time.Duration
	Scope              string
	AttestationDigest  string
	Revoked            bool
	RevokedAt          *time.Time
	SupersededBySessID string
}

// Expired reports whether the session's TTL has elapsed as of now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.IssuedAt.Add(s.TTL))
}

// AcquireResult is returned exactly once from Acquire; the caller must
// hand {SessionID, Token, Password} to the agent and never persist
// Password anywhere but DECAPOD_SESSION_PASSWORD for subsequent calls.
type AcquireResult struct {
	SessionID string
	Token     string
	Password  string
}

func schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			issued_at TEXT NOT NULL,
			ttl_seconds INTEGER NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			attestation_digest TEXT NOT NULL DEFAULT '',
			revoked INTEGER NOT NULL DEFAULT 0,
			revoked_at TEXT,
			superseded_by TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id, revoked)`,
		`CREATE TABLE IF NOT EXISTS session_checkpoints (
			session_id TEXT NOT NULL,
			checkpoint TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (session_id, checkpoint)
		)`,
	}
}

// EnsureSchema creates the session tables if they don't already exist.
func EnsureSchema(ctx context.Context, b *broker.Broker) error {
	return b.EnsureSchema(ctx, dbName, schema())
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Acquire creates a new session for agentID, superseding and auditing any
// prior active session for that agent (spec.md §3 "exactly one active
// session per (agent-id, store)").
func Acquire(ctx context.Context, b *broker.Broker, agentID string, ttl time.Duration) (*AcquireResult, error) {
	if agentID == "" {
		return nil, kerrors.New(kerrors.InvalidArgument, "agent-id required")
	}

	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	password, err := randomToken()
	if err != nil {
		return nil, err
	}

	id := ulid.Make().String()
	now := time.Now().UTC()

	prior, err := activeForAgent(ctx, b, agentID)
	if err != nil {
		return nil, err
	}

	if prior != nil {
		if _, err := b.Write(ctx, dbName,
			`UPDATE sessions SET revoked = 1, revoked_at = ?, superseded_by = ? WHERE id = ?`,
			[]interface{}{now.Format(time.RFC3339Nano), id, prior.ID},
			broker.Intent{OperationType: "session.supersede", ActorAgentID: agentID, AffectedKeys: []string{prior.ID}},
		); err != nil {
			return nil, err
		}
		logging.Session("session %s superseded by %s for agent=%s", prior.ID, id, agentID)
	}

	_, err = b.Write(ctx, dbName,
		`INSERT INTO sessions (id, agent_id, token_hash, password_hash, issued_at, ttl_seconds, scope, attestation_digest)
		 VALUES (?, ?, ?, ?, ?, ?, '', '')`,
		[]interface{}{id, agentID, hashString(token), hashString(password), now.Format(time.RFC3339Nano), int64(ttl.Seconds())},
		broker.Intent{OperationType: "session.acquire", ActorAgentID: agentID, AffectedKeys: []string{id}},
	)
	if err != nil {
		return nil, err
	}

	logging.Session("session acquired id=%s agent=%s", id, agentID)
	return &AcquireResult{SessionID: id, Token: token, Password: password}, nil
}

func activeForAgent(ctx context.Context, b *broker.Broker, agentID string) (*Session, error) {
	rows, err := b.Read(ctx, dbName,
		`SELECT id, agent_id, token_hash, password_hash, issued_at, ttl_seconds, revoked, revoked_at
		 FROM sessions WHERE agent_id = ? AND revoked = 0 ORDER BY issued_at DESC LIMIT 1`, agentID)
	if err != nil {
		return nil, fmt.Errorf("session: lookup active: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rowToSession(rows[0])
}

func rowToSession(row broker.Row) (*Session, error) {
	issuedAt, err := time.Parse(time.RFC3339Nano, fmt.Sprintf("%v", row["issued_at"]))
	if err != nil {
		return nil, fmt.Errorf("session: parse issued_at: %w", err)
	}
	ttlSecs, _ := toInt64(row["ttl_seconds"])
	revoked, _ := toInt64(row["revoked"])
	s := &Session{
		ID:           fmt.Sprintf("%v", row["id"]),
		AgentID:      fmt.Sprintf("%v", row["agent_id"]),
		TokenHash:    fmt.Sprintf("%v", row["token_hash"]),
		PasswordHash: fmt.Sprintf("%v", row["password_hash"]),
		IssuedAt:     issuedAt,
		TTL:          time.Duration(ttlSecs) * time.Second,
		Revoked:      revoked != 0,
	}
	if v, ok := row["superseded_by"]; ok && v != nil {
		s.SupersededBySessID = fmt.Sprintf("%v", v)
	}
	return s, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Validate authenticates agentID/password (and, if provided, token)
// against the stored active session, using constant-time comparison, and
// evicts it in place if its TTL has elapsed.
func Validate(ctx context.Context, b *broker.Broker, agentID, password, token string) (*Session, error) {
	sess, err := activeForAgent(ctx, b, agentID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, kerrors.New(kerrors.SessionRequired, "no active session for agent %s", agentID)
	}

	now := time.Now().UTC()
	if sess.Expired(now) {
		if err := evict(ctx, b, sess); err != nil {
			logging.Get(logging.CategorySession).Warn("failed to evict expired session %s: %v", sess.ID, err)
		}
		return nil, kerrors.New(kerrors.SessionRequired, "session %s expired", sess.ID)
	}

	if subtle.ConstantTimeCompare([]byte(hashString(password)), []byte(sess.PasswordHash)) != 1 {
		return nil, kerrors.New(kerrors.SessionRequired, "password mismatch for agent %s", agentID)
	}
	if token != "" && subtle.ConstantTimeCompare([]byte(hashString(token)), []byte(sess.TokenHash)) != 1 {
		return nil, kerrors.New(kerrors.SessionRequired, "token mismatch for agent %s", agentID)
	}

	return sess, nil
}

// evict revokes a stale session. Task ownership held by the expired
// session's agent in the task ledger is left unchanged.
func evict(ctx context.Context, b *broker.Broker, sess *Session) error {
	_, err := b.Write(ctx, dbName,
		`UPDATE sessions SET revoked = 1, revoked_at = ? WHERE id = ?`,
		[]interface{}{time.Now().UTC().Format(time.RFC3339Nano), sess.ID},
		broker.Intent{OperationType: "session.evict", AffectedKeys: []string{sess.ID}},
	)
	return err
}

// Release explicitly revokes a session before its TTL expires.
func Release(ctx context.Context, b *broker.Broker, sessionID string) error {
	res, err := b.Write(ctx, dbName,
		`UPDATE sessions SET revoked = 1, revoked_at = ? WHERE id = ? AND revoked = 0`,
		[]interface{}{time.Now().UTC().Format(time.RFC3339Nano), sessionID},
		broker.Intent{OperationType: "session.release", AffectedKeys: []string{sessionID}},
	)
	if err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return kerrors.New(kerrors.NotFound, "no active session %s", sessionID)
	}
	logging.Session("session released id=%s", sessionID)
	return nil
}

// RecordCheckpoint marks that sessionID has just satisfied an awareness
// checkpoint (a successful validate, doc ingest, or context resolve).
func RecordCheckpoint(ctx context.Context, b *broker.Broker, sessionID string, cp Checkpoint) error {
	_, err := b.Write(ctx, dbName,
		`INSERT OR REPLACE INTO session_checkpoints (session_id, checkpoint, recorded_at) VALUES (?, ?, ?)`,
		[]interface{}{sessionID, string(cp), time.Now().UTC().Format(time.RFC3339Nano)},
		broker.Intent{OperationType: "session.checkpoint", AffectedKeys: []string{sessionID}},
	)
	return err
}

// RequireCheckpoints fails with AWARENESS_REQUIRED naming every checkpoint
// in required that is missing or older than maxAge.
func RequireCheckpoints(ctx context.Context, b *broker.Broker, sessionID string, required []Checkpoint, maxAge time.Duration) error {
	var missing []string
	now := time.Now().UTC()
	for _, cp := range required {
		rows, err := b.Read(ctx, dbName,
			`SELECT recorded_at FROM session_checkpoints WHERE session_id = ? AND checkpoint = ?`, sessionID, string(cp))
		if err != nil {
			return fmt.Errorf("session: read checkpoint %s: %w", cp, err)
		}
		if len(rows) == 0 {
			missing = append(missing, string(cp))
			continue
		}
		recordedAt, err := time.Parse(time.RFC3339Nano, fmt.Sprintf("%v", rows[0]["recorded_at"]))
		if err != nil || now.Sub(recordedAt) > maxAge {
			missing = append(missing, string(cp))
		}
	}
	if len(missing) > 0 {
		return kerrors.New(kerrors.AwarenessRequired, "missing or stale checkpoints: %v", missing).WithBlockers(missing)
	}
	return nil
}

// Get loads a session by id regardless of revocation state, for read-only
// inspection.
func Get(ctx context.Context, b *broker.Broker, sessionID string) (*Session, error) {
	rows, err := b.Read(ctx, dbName,
		`SELECT id, agent_id, token_hash, password_hash, issued_at, ttl_seconds, revoked, revoked_at, superseded_by
		 FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, sql.ErrNoRows
	}
	return rowToSession(rows[0])
}
