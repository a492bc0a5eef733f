package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decapod/internal/kerrors"
	"decapod/internal/storepath"
)

func initRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init")
	run("symbolic-ref", "HEAD", "refs/heads/main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("hello\n"), 0644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return root
}

func newTestWorkspace(t *testing.T, repoRoot string) *Workspace {
	t.Helper()
	store, err := storepath.Resolve(storepath.Repo, repoRoot)
	require.NoError(t, err)
	require.NoError(t, store.EnsureExists())
	return New(store, repoRoot, []string{"main", "master"})
}

func TestEnsure_CreatesWorktreeOnTaskBranch(t *testing.T) {
	repoRoot := initRepo(t)
	w := newTestWorkspace(t, repoRoot)
	ctx := context.Background()

	status, err := w.Ensure(ctx, "task-1", "main")
	require.NoError(t, err)
	assert.True(t, status.Exists)
	assert.Equal(t, "decapod/task-1", status.Branch)
	assert.False(t, status.Dirty)
	assert.NotEmpty(t, status.HeadCommit)

	info, err := os.Stat(status.Path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEnsure_IsIdempotent(t *testing.T) {
	repoRoot := initRepo(t)
	w := newTestWorkspace(t, repoRoot)
	ctx := context.Background()

	first, err := w.Ensure(ctx, "task-1", "main")
	require.NoError(t, err)

	second, err := w.Ensure(ctx, "task-1", "main")
	require.NoError(t, err)
	assert.Equal(t, first.HeadCommit, second.HeadCommit)
}

func TestEnsure_RefusesProtectedBranchName(t *testing.T) {
	repoRoot := initRepo(t)
	store, err := storepath.Resolve(storepath.Repo, repoRoot)
	require.NoError(t, err)
	require.NoError(t, store.EnsureExists())
	w := New(store, repoRoot, []string{"decapod/task-1"})

	_, err = w.Ensure(context.Background(), "task-1", "main")
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.MandateViolation, kerr.Code)
}

func TestPublish_CommitsPendingChanges(t *testing.T) {
	repoRoot := initRepo(t)
	w := newTestWorkspace(t, repoRoot)
	ctx := context.Background()

	status, err := w.Ensure(ctx, "task-1", "main")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(status.Path, "new.txt"), []byte("data\n"), 0644))

	commit, err := w.Publish(ctx, "task-1", "add new file")
	require.NoError(t, err)
	assert.NotEmpty(t, commit)

	after, err := w.Status(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, after.Dirty)
	assert.Equal(t, commit, after.HeadCommit)
}

func TestPublish_FailsWithoutWorktree(t *testing.T) {
	repoRoot := initRepo(t)
	w := newTestWorkspace(t, repoRoot)

	_, err := w.Publish(context.Background(), "no-such-task", "msg")
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.WorkspaceRequired, kerr.Code)
}

func TestRemove_DeletesWorktreeAndBranch(t *testing.T) {
	repoRoot := initRepo(t)
	w := newTestWorkspace(t, repoRoot)
	ctx := context.Background()

	status, err := w.Ensure(ctx, "task-1", "main")
	require.NoError(t, err)

	require.NoError(t, w.Remove(ctx, "task-1"))

	_, err = os.Stat(status.Path)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, w.localBranchExists(ctx, "decapod/task-1"))
}

func TestCurrentBranch_ReportsRepoRootCheckout(t *testing.T) {
	repoRoot := initRepo(t)
	w := newTestWorkspace(t, repoRoot)

	branch, err := w.CurrentBranch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}

func TestCheckMutationBoundary_RejectsOutsideTarget(t *testing.T) {
	repoRoot := initRepo(t)
	w := newTestWorkspace(t, repoRoot)
	ctx := context.Background()

	status, err := w.Ensure(ctx, "task-1", "main")
	require.NoError(t, err)

	assert.NoError(t, w.CheckMutationBoundary("task-1", filepath.Join(status.Path, "file.go")))

	err = w.CheckMutationBoundary("task-1", filepath.Join(repoRoot, "outside.go"))
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.StoreBoundaryViolation, kerr.Code)
}
