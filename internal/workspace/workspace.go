// Package workspace implements decapod's mutation-isolation boundary
// (spec.md C6): every task's filesystem mutations happen inside a
// dedicated git worktree checked out from a task-scoped branch, never on
// a protected branch, and never directly in the caller's checkout.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"decapod/internal/kerrors"
	"decapod/internal/logging"
	"decapod/internal/storepath"
)

// Status describes a task worktree's current state.
type Status struct {
	TaskID       string
	Branch       string
	Path         string
	Exists       bool
	Dirty        bool
	AheadOfBase  int
	BehindBase   int
	HeadCommit   string
}

// Workspace manages git worktrees for a single repo-kind store.
type Workspace struct {
	store      *storepath.Store
	repoRoot   string
	protected  []string
}

// New constructs a Workspace rooted at repoRoot (the git repository the
// store was resolved from), guarding the branches named in protected.
func New(store *storepath.Store, repoRoot string, protected []string) *Workspace {
	return &Workspace{store: store, repoRoot: repoRoot, protected: protected}
}

func (w *Workspace) branchName(taskID string) string {
	return "decapod/" + taskID
}

func (w *Workspace) isProtected(branch string) bool {
	for _, p := range w.protected {
		if branch == p {
			return true
		}
	}
	return false
}

func (w *Workspace) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Ensure creates (or verifies) the task's isolated worktree, checking out
// a task-scoped branch from baseBranch when that branch does not exist
// yet. It refuses
// to operate if the resolved branch is a protected branch name.
func (w *Workspace) Ensure(ctx context.Context, taskID, baseBranch string) (*Status, error) {
	branch := w.branchName(taskID)
	if w.isProtected(branch) {
		return nil, kerrors.New(kerrors.MandateViolation, "refusing to isolate task %s onto protected branch %s", taskID, branch)
	}

	path := w.store.WorktreePath(taskID)
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		logging.Workspace("worktree for task %s already exists at %s", taskID, path)
		return w.Status(ctx, taskID)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("workspace: create parent dir: %w", err)
	}

	branchExists := w.localBranchExists(ctx, branch)
	var args []string
	if branchExists {
		args = []string{"worktree", "add", path, branch}
	} else {
		args = []string{"worktree", "add", "-b", branch, path, baseBranch}
	}

	if _, err := w.runGit(ctx, w.repoRoot, args...); err != nil {
		return nil, fmt.Errorf("workspace: git worktree add: %w", err)
	}

	logging.Workspace("created worktree for task %s at %s on branch %s", taskID, path, branch)
	return w.Status(ctx, taskID)
}

// CurrentBranch reports the branch currently checked out at repoRoot —
// the caller's own checkout, distinct from any task's decapod/<id>
// branch. The dispatcher consults this before mutation ops to decide
// whether an isolated worktree is required (spec.md's protected-branch
// refusal).
func (w *Workspace) CurrentBranch(ctx context.Context) (string, error) {
	out, err := w.runGit(ctx, w.repoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("workspace: current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (w *Workspace) localBranchExists(ctx context.Context, branch string) bool {
	_, err := w.runGit(ctx, w.repoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// Status reports the current state of a task's worktree, including
// dirtiness and ahead/behind counts relative to the store's protected
// base (the first entry in protected, if any).
func (w *Workspace) Status(ctx context.Context, taskID string) (*Status, error) {
	branch := w.branchName(taskID)
	path := w.store.WorktreePath(taskID)

	st := &Status{TaskID: taskID, Branch: branch, Path: path}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			st.Exists = false
			return st, nil
		}
		return nil, fmt.Errorf("workspace: stat %s: %w", path, err)
	}
	st.Exists = true

	porcelain, err := w.runGit(ctx, path, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	st.Dirty = strings.TrimSpace(porcelain) != ""

	head, err := w.runGit(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	st.HeadCommit = strings.TrimSpace(head)

	if len(w.protected) > 0 {
		base := w.protected[0]
		countOut, err := w.runGit(ctx, path, "rev-list", "--left-right", "--count", base+"..."+branch)
		if err == nil {
			fields := strings.Fields(strings.TrimSpace(countOut))
			if len(fields) == 2 {
				fmt.Sscanf(fields[0], "%d", &st.BehindBase)
				fmt.Sscanf(fields[1], "%d", &st.AheadOfBase)
			}
		}
	}

	return st, nil
}

// Publish stages and commits all pending changes in the task's worktree
// with message, then returns the resulting commit hash. It never merges,
// pushes, or touches the protected base branch — publication of the
// branch itself is an operator/CI concern outside this kernel's scope.
func (w *Workspace) Publish(ctx context.Context, taskID, message string) (string, error) {
	status, err := w.Status(ctx, taskID)
	if err != nil {
		return "", err
	}
	if !status.Exists {
		return "", kerrors.New(kerrors.WorkspaceRequired, "no worktree for task %s; run workspace ensure first", taskID)
	}
	if w.isProtected(status.Branch) {
		return "", kerrors.New(kerrors.MandateViolation, "refusing to publish onto protected branch %s", status.Branch)
	}

	if _, err := w.runGit(ctx, status.Path, "add", "-A"); err != nil {
		return "", fmt.Errorf("workspace: git add: %w", err)
	}
	if _, err := w.runGit(ctx, status.Path, "commit", "--allow-empty-message", "-m", message); err != nil {
		return "", fmt.Errorf("workspace: git commit: %w", err)
	}

	head, err := w.runGit(ctx, status.Path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	commit := strings.TrimSpace(head)
	logging.Workspace("published task %s at commit %s", taskID, commit)
	return commit, nil
}

// Remove tears down a task's worktree and its branch. Archiving a task
// does not call it.
func (w *Workspace) Remove(ctx context.Context, taskID string) error {
	path := w.store.WorktreePath(taskID)
	if _, err := os.Stat(path); err == nil {
		if _, err := w.runGit(ctx, w.repoRoot, "worktree", "remove", "--force", path); err != nil {
			return fmt.Errorf("workspace: git worktree remove: %w", err)
		}
	}
	branch := w.branchName(taskID)
	if w.localBranchExists(ctx, branch) {
		if _, err := w.runGit(ctx, w.repoRoot, "branch", "-D", branch); err != nil {
			logging.Get(logging.CategoryWorkspace).Warn("failed to delete branch %s: %v", branch, err)
		}
	}
	logging.Workspace("removed worktree and branch for task %s", taskID)
	return nil
}

// CheckMutationBoundary verifies that target lies inside the task's
// worktree, enforcing the invariant that mutation is confined to the
// isolated worktree and never reaches the caller's checkout directly.
func (w *Workspace) CheckMutationBoundary(taskID, target string) error {
	path := w.store.WorktreePath(taskID)
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(absPath, absTarget)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return kerrors.New(kerrors.StoreBoundaryViolation, "mutation target %s is outside worktree %s for task %s", target, path, taskID)
	}
	return nil
}
