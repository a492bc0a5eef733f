package storepath

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_RepoWalksUpToGitRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0755))
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0755))

	store, err := Resolve(Repo, nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".decapod"), store.Root)
	assert.Equal(t, Repo, store.Kind)
}

func TestResolve_RepoWithoutGitErrors(t *testing.T) {
	root := t.TempDir()
	_, err := Resolve(Repo, root)
	assert.Error(t, err)
}

func TestResolve_UserRootsAtHome(t *testing.T) {
	store, err := Resolve(User, t.TempDir())
	require.NoError(t, err)
	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".decapod"), store.Root)
}

func TestDefaultKind(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0755))
	assert.Equal(t, Repo, DefaultKind(root))

	noGit := t.TempDir()
	assert.Equal(t, User, DefaultKind(noGit))
}

func TestStore_ContainsAndCheckBoundary(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0755))
	store, err := Resolve(Repo, root)
	require.NoError(t, err)
	require.NoError(t, store.EnsureExists())

	inside := store.DBPath("sessions")
	ok, err := store.Contains(inside)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, store.CheckBoundary(inside))

	outside := filepath.Join(root, "outside.db")
	ok, err = store.Contains(outside)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Error(t, store.CheckBoundary(outside))
}

func TestStore_EnsureExistsCreatesStandardSubdirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0755))
	store, err := Resolve(Repo, root)
	require.NoError(t, err)
	require.NoError(t, store.EnsureExists())

	for _, dir := range []string{store.DataDir(), store.WorkspacesDir(), store.GeneratedContextDir(), store.ProvenanceDir(), store.DiagnosticsDir(), store.LogsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
