package broker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decapod/internal/storepath"
)

func newTestStore(t *testing.T) *storepath.Store {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0755))
	store, err := storepath.Resolve(storepath.Repo, root)
	require.NoError(t, err)
	require.NoError(t, store.EnsureExists())
	return store
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := New(newTestStore(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestWrite_CreatesRowsAndInvalidatesCache(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.EnsureSchema(ctx, "widgets", []string{
		`CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`,
	}))

	receipt, err := b.Write(ctx, "widgets", `INSERT INTO widgets (name) VALUES (?)`, []interface{}{"gear"}, Intent{OperationType: "test.insert"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), receipt.RowsAffected)
	assert.False(t, receipt.Replayed)

	rows, err := b.Read(ctx, "widgets", `SELECT name FROM widgets`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "gear", rows[0]["name"])
}

func TestWrite_IdempotencyKeyReplaysResult(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.EnsureSchema(ctx, "widgets", []string{
		`CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`,
	}))

	intent := Intent{OperationType: "test.insert", IdempotencyKey: "key-1"}
	first, err := b.Write(ctx, "widgets", `INSERT INTO widgets (name) VALUES (?)`, []interface{}{"gear"}, intent)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := b.Write(ctx, "widgets", `INSERT INTO widgets (name) VALUES (?)`, []interface{}{"gear"}, intent)
	require.NoError(t, err)
	assert.True(t, second.Replayed)

	rows, err := b.Read(ctx, "widgets", `SELECT COUNT(*) as n FROM widgets`)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows[0]["n"])
}

func TestRead_CachesIdenticalQueries(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.EnsureSchema(ctx, "widgets", []string{
		`CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`,
	}))
	_, err := b.Write(ctx, "widgets", `INSERT INTO widgets (name) VALUES (?)`, []interface{}{"gear"}, Intent{OperationType: "test.insert"})
	require.NoError(t, err)

	first, err := b.Read(ctx, "widgets", `SELECT name FROM widgets`)
	require.NoError(t, err)

	key := fingerprint("widgets", `SELECT name FROM widgets`, nil)
	cached, ok := b.cache.Get(key)
	require.True(t, ok)
	assert.Equal(t, first, cached.([]Row))
}

func TestIsLocked_DetectsLockMessage(t *testing.T) {
	assert.True(t, isLocked(errAsError("database is locked")))
	assert.False(t, isLocked(nil))
}

type errString string

func (e errString) Error() string { return string(e) }

func errAsError(msg string) error { return errString(msg) }
