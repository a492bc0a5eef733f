// Package ledger implements decapod's task ledger (spec.md C7): an
// append-only, event-sourced task aggregate with a strict state machine
// (Draft → Claimed → Verified, with Archived reachable from any state),
// dual-written to a JSONL event log and a relational projection, and
// deterministic rebuild parity between the two.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"decapod/internal/broker"
	"decapod/internal/eventlog"
	"decapod/internal/hashing"
	"decapod/internal/kerrors"
	"decapod/internal/logging"
	"decapod/internal/storepath"
)

const dbName = "ledger"

// State is a task's position in the C7 state machine.
type State string

const (
	StateDraft    State = "draft"
	StateClaimed  State = "claimed"
	StateVerified State = "verified"
	StateArchived State = "archived"
)

// EventType enumerates the task ledger's event vocabulary.
type EventType string

const (
	EventCreated  EventType = "created"
	EventClaimed  EventType = "claimed"
	EventReleased EventType = "released"
	EventComment  EventType = "comment"
	EventEdited   EventType = "edited"
	EventDone     EventType = "done"
	EventArchived EventType = "archived"
)

// Event is one immutable ledger entry, appended in strict order per task.
type Event struct {
	Seq         int64                  `json:"seq"`
	TaskID      string                 `json:"task_id"`
	Type        EventType              `json:"type"`
	ActorAgent  string                 `json:"actor_agent"`
	Timestamp   time.Time              `json:"timestamp"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
	ReceiptHash string                 `json:"receipt_hash,omitempty"`
}

// Task is the current projection of one task aggregate.
type Task struct {
	ID          string
	Title       string
	State       State
	Owner       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Comments    []string
	ReceiptHash string
	EventCount  int
}

// Ledger is the task-ledger subsystem for one store.
type Ledger struct {
	b   *broker.Broker
	log *eventlog.Log
}

func schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			state TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			receipt_hash TEXT NOT NULL DEFAULT '',
			event_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS task_comments (
			task_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (task_id, seq)
		)`,
	}
}

// Open wires a Ledger against store, creating its projection schema and
// opening its event log.
func Open(ctx context.Context, b *broker.Broker, store *storepath.Store) (*Ledger, error) {
	if err := b.EnsureSchema(ctx, dbName, schema()); err != nil {
		return nil, err
	}
	log, err := eventlog.Open(store.JSONLPath("tasks"))
	if err != nil {
		return nil, fmt.Errorf("ledger: open event log: %w", err)
	}
	return &Ledger{b: b, log: log}, nil
}

// Close releases the ledger's event log handle.
func (l *Ledger) Close() error { return l.log.Close() }

func (l *Ledger) nextSeq(ctx context.Context, taskID string) (int64, error) {
	rows, err := l.b.Read(ctx, dbName, `SELECT event_count FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	n, _ := toInt64(rows[0]["event_count"])
	return n, nil
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

func toString(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// Add creates a new task in Draft state, emitting a created event.
func (l *Ledger) Add(ctx context.Context, title, actorAgent string) (*Task, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	evt := Event{Seq: 0, TaskID: id, Type: EventCreated, ActorAgent: actorAgent, Timestamp: now, Fields: map[string]interface{}{"title": title}}
	if err := l.log.Append(evt); err != nil {
		return nil, err
	}

	_, err := l.b.Write(ctx, dbName,
		`INSERT INTO tasks (id, title, state, owner, created_at, updated_at, event_count) VALUES (?, ?, ?, '', ?, ?, 1)`,
		[]interface{}{id, title, string(StateDraft), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)},
		broker.Intent{OperationType: "todo.add", ActorAgentID: actorAgent, AffectedKeys: []string{id}},
	)
	if err != nil {
		return nil, err
	}

	logging.Ledger("task %s created by %s", id, actorAgent)
	return l.Get(ctx, id)
}

// Get loads a task's current projection.
func (l *Ledger) Get(ctx context.Context, taskID string) (*Task, error) {
	rows, err := l.b.Read(ctx, dbName,
		`SELECT id, title, state, owner, created_at, updated_at, receipt_hash, event_count FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, kerrors.New(kerrors.NotFound, "task %s not found", taskID)
	}
	return rowToTask(rows[0])
}

func rowToTask(row broker.Row) (*Task, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, toString(row["created_at"]))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, toString(row["updated_at"]))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse updated_at: %w", err)
	}
	eventCount, _ := toInt64(row["event_count"])
	return &Task{
		ID:          toString(row["id"]),
		Title:       toString(row["title"]),
		State:       State(toString(row["state"])),
		Owner:       toString(row["owner"]),
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		ReceiptHash: toString(row["receipt_hash"]),
		EventCount:  int(eventCount),
	}, nil
}

// List returns every task in the projection, ordered by creation time.
func (l *Ledger) List(ctx context.Context) ([]*Task, error) {
	rows, err := l.b.Read(ctx, dbName,
		`SELECT id, title, state, owner, created_at, updated_at, receipt_hash, event_count FROM tasks ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(rows))
	for _, row := range rows {
		t, err := rowToTask(row)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Claim transitions a Draft task to Claimed under actorAgent. Claiming by
// the current owner again is a no-op (spec.md idempotency rule).
func (l *Ledger) Claim(ctx context.Context, taskID, actorAgent string) (*Task, error) {
	task, err := l.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State == StateClaimed && task.Owner == actorAgent {
		return task, nil
	}
	if task.State != StateDraft {
		return nil, kerrors.New(kerrors.MandateViolation, "task %s is %s, cannot claim", taskID, task.State)
	}

	seq, err := l.nextSeq(ctx, taskID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	evt := Event{Seq: seq, TaskID: taskID, Type: EventClaimed, ActorAgent: actorAgent, Timestamp: now}
	if err := l.log.Append(evt); err != nil {
		return nil, err
	}

	_, err = l.b.Write(ctx, dbName,
		`UPDATE tasks SET state = ?, owner = ?, updated_at = ?, event_count = event_count + 1 WHERE id = ?`,
		[]interface{}{string(StateClaimed), actorAgent, now.Format(time.RFC3339Nano), taskID},
		broker.Intent{OperationType: "todo.claim", ActorAgentID: actorAgent, AffectedKeys: []string{taskID}},
	)
	if err != nil {
		return nil, err
	}
	logging.Ledger("task %s claimed by %s", taskID, actorAgent)
	return l.Get(ctx, taskID)
}

// Release reverts a Claimed task to Draft. Only the current owner may
// release it.
func (l *Ledger) Release(ctx context.Context, taskID, actorAgent string) (*Task, error) {
	task, err := l.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State != StateClaimed {
		return nil, kerrors.New(kerrors.MandateViolation, "task %s is %s, cannot release", taskID, task.State)
	}
	if task.Owner != actorAgent {
		return nil, kerrors.New(kerrors.MandateViolation, "task %s is owned by %s, not %s", taskID, task.Owner, actorAgent)
	}

	seq, err := l.nextSeq(ctx, taskID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	evt := Event{Seq: seq, TaskID: taskID, Type: EventReleased, ActorAgent: actorAgent, Timestamp: now}
	if err := l.log.Append(evt); err != nil {
		return nil, err
	}

	_, err = l.b.Write(ctx, dbName,
		`UPDATE tasks SET state = ?, owner = '', updated_at = ?, event_count = event_count + 1 WHERE id = ?`,
		[]interface{}{string(StateDraft), now.Format(time.RFC3339Nano), taskID},
		broker.Intent{OperationType: "todo.release", ActorAgentID: actorAgent, AffectedKeys: []string{taskID}},
	)
	if err != nil {
		return nil, err
	}
	logging.Ledger("task %s released by %s", taskID, actorAgent)
	return l.Get(ctx, taskID)
}

// Comment appends a comment event without changing state.
func (l *Ledger) Comment(ctx context.Context, taskID, actorAgent, body string) error {
	return l.appendNote(ctx, taskID, actorAgent, EventComment, body, "todo.comment")
}

// Edit appends an edit event without changing state.
func (l *Ledger) Edit(ctx context.Context, taskID, actorAgent, body string) error {
	return l.appendNote(ctx, taskID, actorAgent, EventEdited, body, "todo.edit")
}

func (l *Ledger) appendNote(ctx context.Context, taskID, actorAgent string, evtType EventType, body, opType string) error {
	if _, err := l.Get(ctx, taskID); err != nil {
		return err
	}
	seq, err := l.nextSeq(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	evt := Event{Seq: seq, TaskID: taskID, Type: evtType, ActorAgent: actorAgent, Timestamp: now, Fields: map[string]interface{}{"body": body}}
	if err := l.log.Append(evt); err != nil {
		return err
	}

	_, err = l.b.Write(ctx, dbName,
		`UPDATE tasks SET updated_at = ?, event_count = event_count + 1 WHERE id = ?`,
		[]interface{}{now.Format(time.RFC3339Nano), taskID},
		broker.Intent{OperationType: opType, ActorAgentID: actorAgent, AffectedKeys: []string{taskID}},
	)
	if err != nil {
		return err
	}
	if evtType == EventComment {
		_, err = l.b.Write(ctx, dbName,
			`INSERT INTO task_comments (task_id, seq, body) VALUES (?, ?, ?)`,
			[]interface{}{taskID, seq, body},
			broker.Intent{OperationType: opType, ActorAgentID: actorAgent, AffectedKeys: []string{taskID}},
		)
	}
	return err
}

// Done transitions a Claimed task to Verified, requiring a non-empty
// receiptHash, which is recorded on the done event. The hash is not
// checked against any validator receipt, so Done does not confirm that it
// names a passing run. A repeated Done call with the same receiptHash is
// a no-op.
func (l *Ledger) Done(ctx context.Context, taskID, actorAgent, receiptHash string) (*Task, error) {
	if receiptHash == "" {
		return nil, kerrors.New(kerrors.VerificationRequired, "todo.done requires a passing validator receipt hash")
	}
	task, err := l.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State == StateVerified && task.ReceiptHash == receiptHash {
		return task, nil
	}
	if task.State != StateClaimed {
		return nil, kerrors.New(kerrors.MandateViolation, "task %s is %s, cannot mark done", taskID, task.State)
	}

	seq, err := l.nextSeq(ctx, taskID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	evt := Event{Seq: seq, TaskID: taskID, Type: EventDone, ActorAgent: actorAgent, Timestamp: now, ReceiptHash: receiptHash}
	if err := l.log.Append(evt); err != nil {
		return nil, err
	}

	_, err = l.b.Write(ctx, dbName,
		`UPDATE tasks SET state = ?, receipt_hash = ?, updated_at = ?, event_count = event_count + 1 WHERE id = ?`,
		[]interface{}{string(StateVerified), receiptHash, now.Format(time.RFC3339Nano), taskID},
		broker.Intent{OperationType: "todo.done", ActorAgentID: actorAgent, AffectedKeys: []string{taskID}},
	)
	if err != nil {
		return nil, err
	}
	logging.Ledger("task %s verified by %s receipt=%s", taskID, actorAgent, receiptHash)
	return l.Get(ctx, taskID)
}

// Archive moves a task to Archived from any non-archived state.
func (l *Ledger) Archive(ctx context.Context, taskID, actorAgent string) (*Task, error) {
	task, err := l.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State == StateArchived {
		return task, nil
	}

	seq, err := l.nextSeq(ctx, taskID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	evt := Event{Seq: seq, TaskID: taskID, Type: EventArchived, ActorAgent: actorAgent, Timestamp: now}
	if err := l.log.Append(evt); err != nil {
		return nil, err
	}

	_, err = l.b.Write(ctx, dbName,
		`UPDATE tasks SET state = ?, updated_at = ?, event_count = event_count + 1 WHERE id = ?`,
		[]interface{}{string(StateArchived), now.Format(time.RFC3339Nano), taskID},
		broker.Intent{OperationType: "todo.archive", ActorAgentID: actorAgent, AffectedKeys: []string{taskID}},
	)
	if err != nil {
		return nil, err
	}
	logging.Ledger("task %s archived by %s", taskID, actorAgent)
	return l.Get(ctx, taskID)
}

// projectionSnapshot is the subset of a task's fields that both the live
// DB projection and an event-log replay can produce identically, used as
// the comparison shape for the rebuild-parity gate. Comments are tracked
// by both paths but are append-only detail, not state-machine position,
// so they are intentionally excluded here.
type projectionSnapshot struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	State       State  `json:"state"`
	Owner       string `json:"owner"`
	ReceiptHash string `json:"receipt_hash"`
	EventCount  int    `json:"event_count"`
}

func snapshotOf(t *Task) projectionSnapshot {
	return projectionSnapshot{ID: t.ID, Title: t.Title, State: t.State, Owner: t.Owner, ReceiptHash: t.ReceiptHash, EventCount: t.EventCount}
}

// Rebuild replays the event log from offset zero and returns the
// canonical hash of the reconstructed projection, for comparison against
// the live projection's canonical hash (the rebuild-parity validator
// gate).
func (l *Ledger) Rebuild(ctx context.Context) (string, error) {
	events, err := eventlog.ReadAll[Event](l.log.Path())
	if err != nil {
		return "", fmt.Errorf("ledger: rebuild: %w", err)
	}

	byTask := make(map[string][]Event)
	for _, e := range events {
		byTask[e.TaskID] = append(byTask[e.TaskID], e)
	}

	rebuilt := make([]projectionSnapshot, 0, len(byTask))
	for taskID, evts := range byTask {
		sort.Slice(evts, func(i, j int) bool { return evts[i].Seq < evts[j].Seq })
		t, err := replay(taskID, evts)
		if err != nil {
			return "", err
		}
		rebuilt = append(rebuilt, snapshotOf(t))
	}
	sort.Slice(rebuilt, func(i, j int) bool { return rebuilt[i].ID < rebuilt[j].ID })

	return hashing.Hash(rebuilt)
}

func replay(taskID string, events []Event) (*Task, error) {
	t := &Task{ID: taskID, State: StateDraft}
	for _, e := range events {
		t.UpdatedAt = e.Timestamp
		switch e.Type {
		case EventCreated:
			t.CreatedAt = e.Timestamp
			if title, ok := e.Fields["title"].(string); ok {
				t.Title = title
			}
			t.State = StateDraft
		case EventClaimed:
			t.State = StateClaimed
			t.Owner = e.ActorAgent
		case EventReleased:
			t.State = StateDraft
			t.Owner = ""
		case EventComment:
			if body, ok := e.Fields["body"].(string); ok {
				t.Comments = append(t.Comments, body)
			}
		case EventEdited:
			// edit history lives in the event log; projection does not
			// track prior edit bodies.
		case EventDone:
			t.State = StateVerified
			t.ReceiptHash = e.ReceiptHash
		case EventArchived:
			t.State = StateArchived
		}
		t.EventCount++
	}
	return t, nil
}

// LiveProjectionHash returns the canonical hash of the current DB
// projection, for comparison against Rebuild's output.
func (l *Ledger) LiveProjectionHash(ctx context.Context) (string, error) {
	tasks, err := l.List(ctx)
	if err != nil {
		return "", err
	}
	snapshots := make([]projectionSnapshot, 0, len(tasks))
	for _, t := range tasks {
		snapshots = append(snapshots, snapshotOf(t))
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ID < snapshots[j].ID })
	return hashing.Hash(snapshots)
}
