// Package broker implements decapod's DB broker (spec.md C2): the single
// gateway to relational storage. Per-database writes are serialized by a
// mutex, reads are cached with TTL+invalidation and in-flight
// de-duplication, every write is audited, and persistent lock contention
// is retried with jittered backoff before surfacing as DB_LOCKED.
package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"

	"decapod/internal/eventlog"
	"decapod/internal/kerrors"
	"decapod/internal/logging"
	"decapod/internal/storepath"
)

// Intent carries the correlation/idempotency metadata spec.md §4.1
// requires every write to provide.
type Intent struct {
	RequestID      string
	CorrelationID  string
	CausationID    string
	IdempotencyKey string
	SessionID      string
	ActorAgentID   string
	OperationType  string
	AffectedKeys   []string
}

// AuditRecord is one broker audit log entry (spec.md §3).
type AuditRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id"`
	Actor          string    `json:"actor"`
	Store          string    `json:"store"`
	Database       string    `json:"database"`
	OperationType  string    `json:"operation_type"`
	AffectedKeys   []string  `json:"affected_keys,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	LatencyMs      int64     `json:"latency_ms"`
}

// WriteReceipt is returned by a successful (or idempotently replayed) write.
type WriteReceipt struct {
	RowsAffected int64
	LastInsertID int64
	Replayed     bool // true if this returned a prior write's result unchanged
	Audit        AuditRecord
}

// Row is one decoded result row from Read, column name to Go value.
type Row map[string]interface{}

const (
	cacheTTL        = 2 * time.Second
	retryBudget     = 2 * time.Second
	idempotencyDB   = "broker_idempotency"
	auditLogName    = "audit"
)

// Broker is the single gateway to the store's relational databases. One
// Broker is constructed per invocation (spec.md §5: no cross-invocation
// in-memory state) and torn down at exit.
type Broker struct {
	store *storepath.Store

	dbMu sync.Mutex
	dbs  map[string]*sql.DB

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	cache *gocache.Cache
	group singleflight.Group

	audit *eventlog.Log
}

// New constructs a Broker rooted at store. Opening individual databases is
// lazy: New never touches the filesystem beyond the audit log.
func New(store *storepath.Store) (*Broker, error) {
	audit, err := eventlog.Open(store.JSONLPath(auditLogName))
	if err != nil {
		return nil, fmt.Errorf("broker: open audit log: %w", err)
	}
	return &Broker{
		store: store,
		dbs:   make(map[string]*sql.DB),
		locks: make(map[string]*sync.Mutex),
		cache: gocache.New(cacheTTL, cacheTTL*2),
		audit: audit,
	}, nil
}

// Close releases every open database handle and the audit log.
func (b *Broker) Close() error {
	b.dbMu.Lock()
	defer b.dbMu.Unlock()
	var firstErr error
	for name, db := range b.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("broker: close db %s: %w", name, err)
		}
	}
	if err := b.audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (b *Broker) db(name string) (*sql.DB, error) {
	b.dbMu.Lock()
	defer b.dbMu.Unlock()
	if db, ok := b.dbs[name]; ok {
		return db, nil
	}
	dsn := b.store.DBPath(name) + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("broker: open %s: %w", name, err)
	}
	b.dbs[name] = db
	logging.BrokerDebug("opened database %s at %s", name, dsn)
	return db, nil
}

func (b *Broker) writeLock(name string) *sync.Mutex {
	b.lockMu.Lock()
	defer b.lockMu.Unlock()
	if l, ok := b.locks[name]; ok {
		return l
	}
	l := &sync.Mutex{}
	b.locks[name] = l
	return l
}

func fingerprint(dbName, query string, args []interface{}) string {
	var sb strings.Builder
	sb.WriteString(dbName)
	sb.WriteByte('|')
	sb.WriteString(query)
	sb.WriteByte('|')
	for _, a := range args {
		sb.WriteString(fmt.Sprintf("%v", a))
		sb.WriteByte(',')
	}
	return sb.String()
}

// Read executes a query against dbName, serving from the TTL cache when
// possible and coalescing concurrent identical reads via singleflight, per
// spec.md §4.1.
func (b *Broker) Read(ctx context.Context, dbName, query string, args ...interface{}) ([]Row, error) {
	timer := logging.StartTimer(logging.CategoryBroker, "Read:"+dbName)
	defer timer.Stop()

	key := fingerprint(dbName, query, args)
	if cached, ok := b.cache.Get(key); ok {
		logging.BrokerDebug("cache hit db=%s", dbName)
		return cached.([]Row), nil
	}

	result, err, _ := b.group.Do(key, func() (interface{}, error) {
		db, err := b.db(dbName)
		if err != nil {
			return nil, err
		}
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("broker: read %s: %w", dbName, err)
		}
		defer rows.Close()
		decoded, err := decodeRows(rows)
		if err != nil {
			return nil, err
		}
		b.cache.Set(key, decoded, cacheTTL)
		return decoded, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]Row), nil
}

func decodeRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("broker: columns: %w", err)
	}
	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("broker: scan: %w", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = normalizeScanned(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func normalizeScanned(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Write executes statement against dbName under the database's write
// mutex, retries DB_LOCKED with jittered backoff up to retryBudget, and
// appends an audit record whether the statement succeeds or fails. A
// repeated write with the same Intent.IdempotencyKey returns the original
// result without re-executing and without appending a new audit record.
func (b *Broker) Write(ctx context.Context, dbName, statement string, args []interface{}, intent Intent) (*WriteReceipt, error) {
	timer := logging.StartTimer(logging.CategoryBroker, "Write:"+dbName)
	defer timer.Stop()
	start := time.Now()

	if intent.IdempotencyKey != "" {
		if prior, ok, err := b.lookupIdempotent(ctx, dbName, intent.IdempotencyKey); err != nil {
			return nil, err
		} else if ok {
			logging.Broker("idempotent replay db=%s key=%s", dbName, intent.IdempotencyKey)
			prior.Replayed = true
			return prior, nil
		}
	}

	lock := b.writeLock(dbName)
	lock.Lock()
	defer lock.Unlock()

	var result sql.Result
	op := func() error {
		db, err := b.db(dbName)
		if err != nil {
			return backoff.Permanent(err)
		}
		res, execErr := db.ExecContext(ctx, statement, args...)
		if execErr != nil {
			if isLocked(execErr) {
				return execErr // retryable
			}
			return backoff.Permanent(execErr)
		}
		result = res
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = retryBudget
	execErr := backoff.Retry(op, backoff.WithContext(expBackoff, ctx))

	rec := AuditRecord{
		Timestamp:      start,
		RequestID:      intent.RequestID,
		Actor:          intent.ActorAgentID,
		Store:          string(b.store.Kind),
		Database:       dbName,
		OperationType:  intent.OperationType,
		AffectedKeys:   intent.AffectedKeys,
		IdempotencyKey: intent.IdempotencyKey,
		LatencyMs:      time.Since(start).Milliseconds(),
	}

	if execErr != nil {
		rec.Status = "error"
		if isLocked(execErr) {
			rec.Error = "DB_LOCKED: retry budget exhausted"
			_ = b.audit.Append(rec)
			return nil, kerrors.Wrap(kerrors.DBLocked, execErr, "database %s locked past retry budget", dbName)
		}
		rec.Error = execErr.Error()
		_ = b.audit.Append(rec)
		return nil, fmt.Errorf("broker: write %s: %w", dbName, execErr)
	}

	rec.Status = "ok"
	if err := b.audit.Append(rec); err != nil {
		logging.Get(logging.CategoryBroker).Warn("failed to append audit record: %v", err)
	}

	b.invalidate(dbName)

	rows, _ := result.RowsAffected()
	lastID, _ := result.LastInsertId()
	receipt := &WriteReceipt{RowsAffected: rows, LastInsertID: lastID, Audit: rec}

	if intent.IdempotencyKey != "" {
		if err := b.recordIdempotent(ctx, dbName, intent.IdempotencyKey, receipt); err != nil {
			logging.Get(logging.CategoryBroker).Warn("failed to record idempotency key: %v", err)
		}
	}

	return receipt, nil
}

func isLocked(err error) bool {
	if err == nil {
		return false
	}
	if sqliteErr, ok := err.(sqlite3.Error); ok {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "database is locked")
}

// invalidate drops every cached read result for dbName. spec.md describes
// write-scoped keyspace hints for finer-grained invalidation; this
// implementation invalidates the whole database instead (see DESIGN.md
// Open Question d) — correct, if coarser than necessary.
func (b *Broker) invalidate(dbName string) {
	prefix := dbName + "|"
	for key := range b.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			b.cache.Delete(key)
		}
	}
}

func (b *Broker) idempotencyTable(ctx context.Context) error {
	db, err := b.db(idempotencyDB)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS idempotent_writes (
		db TEXT NOT NULL,
		key TEXT NOT NULL,
		rows_affected INTEGER NOT NULL,
		last_insert_id INTEGER NOT NULL,
		audit_json TEXT NOT NULL,
		PRIMARY KEY (db, key)
	)`)
	return err
}

func (b *Broker) lookupIdempotent(ctx context.Context, dbName, key string) (*WriteReceipt, bool, error) {
	if err := b.idempotencyTable(ctx); err != nil {
		return nil, false, err
	}
	db, err := b.db(idempotencyDB)
	if err != nil {
		return nil, false, err
	}
	var rows, lastID int64
	var auditJSON string
	err = db.QueryRowContext(ctx, `SELECT rows_affected, last_insert_id, audit_json FROM idempotent_writes WHERE db = ? AND key = ?`, dbName, key).
		Scan(&rows, &lastID, &auditJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("broker: lookup idempotency key: %w", err)
	}
	receipt := &WriteReceipt{RowsAffected: rows, LastInsertID: lastID}
	_ = json.Unmarshal([]byte(auditJSON), &receipt.Audit)
	return receipt, true, nil
}

func (b *Broker) recordIdempotent(ctx context.Context, dbName, key string, receipt *WriteReceipt) error {
	db, err := b.db(idempotencyDB)
	if err != nil {
		return err
	}
	auditJSON, err := json.Marshal(receipt.Audit)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotent_writes (db, key, rows_affected, last_insert_id, audit_json) VALUES (?, ?, ?, ?, ?)`,
		dbName, key, receipt.RowsAffected, receipt.LastInsertID, string(auditJSON))
	return err
}

// EnsureSchema runs a set of idempotent DDL statements against dbName
// outside the normal write path (DDL is not meaningfully retried the same
// way as DML, and schema setup happens once per fresh database).
func (b *Broker) EnsureSchema(ctx context.Context, dbName string, statements []string) error {
	db, err := b.db(dbName)
	if err != nil {
		return err
	}
	lock := b.writeLock(dbName)
	lock.Lock()
	defer lock.Unlock()
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("broker: schema %s: %w", dbName, err)
		}
	}
	return nil
}
