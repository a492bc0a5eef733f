// Package storepath resolves decapod's two disjoint store roots (spec.md
// §3 "Stores") and owns every canonical subpath beneath them: relational
// databases, event logs, worktrees, generated artifacts. No other package
// builds a path into a store by hand.
package storepath

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"decapod/internal/kerrors"
)

// Kind selects which of the two disjoint roots an invocation targets.
type Kind string

const (
	Repo Kind = "repo"
	User Kind = "user"
)

// Store is a resolved, absolute store root plus its kind. Every path
// helper hangs off Store so a caller can never accidentally mix roots.
type Store struct {
	Kind Kind
	Root string
}

// Resolve picks a store root for the given kind, rooted at workingDir for
// Kind == Repo (walking up to find a .git directory, and returning an
// error if none is found) or at the user's home directory for Kind == User.
func Resolve(kind Kind, workingDir string) (*Store, error) {
	switch kind {
	case Repo:
		repoRoot, err := findRepoRoot(workingDir)
		if err != nil {
			return nil, err
		}
		return &Store{Kind: Repo, Root: filepath.Join(repoRoot, ".decapod")}, nil
	case User:
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("storepath: resolve user home: %w", err)
		}
		return &Store{Kind: User, Root: filepath.Join(home, ".decapod")}, nil
	default:
		return nil, kerrors.New(kerrors.InvalidArgument, "unknown store kind %q", kind)
	}
}

// DefaultKind implements spec.md §6's "default derived from current
// working directory": repo if a .git directory is found above cwd, user
// otherwise.
func DefaultKind(workingDir string) Kind {
	if _, err := findRepoRoot(workingDir); err == nil {
		return Repo
	}
	return User
}

func findRepoRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("storepath: abs %s: %w", start, err)
	}
	for {
		if info, statErr := os.Stat(filepath.Join(dir, ".git")); statErr == nil && info != nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("storepath: no .git directory found above %s", start)
		}
		dir = parent
	}
}

// EnsureExists creates the store root and its standard subdirectories.
func (s *Store) EnsureExists() error {
	dirs := []string{
		s.Root,
		s.DataDir(),
		s.WorkspacesDir(),
		s.GeneratedContextDir(),
		s.GeneratedPolicyDir(),
		s.ProvenanceDir(),
		s.DiagnosticsDir(),
		s.LogsDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("storepath: create %s: %w", d, err)
		}
	}
	return nil
}

func (s *Store) DataDir() string              { return filepath.Join(s.Root, "data") }
func (s *Store) DBPath(name string) string    { return filepath.Join(s.DataDir(), name+".db") }
func (s *Store) JSONLPath(name string) string { return filepath.Join(s.DataDir(), name+".jsonl") }
func (s *Store) WorkspacesDir() string        { return filepath.Join(s.Root, "workspaces") }
func (s *Store) WorktreePath(taskID string) string {
	return filepath.Join(s.WorkspacesDir(), taskID)
}
func (s *Store) GeneratedDir() string        { return filepath.Join(s.Root, "generated") }
func (s *Store) GeneratedContextDir() string { return filepath.Join(s.GeneratedDir(), "context") }
func (s *Store) CapsulePath(taskID string) string {
	return filepath.Join(s.GeneratedContextDir(), taskID+".json")
}
func (s *Store) GeneratedPolicyDir() string { return filepath.Join(s.GeneratedDir(), "policy") }
func (s *Store) CapsulePolicyPath() string {
	return filepath.Join(s.GeneratedPolicyDir(), "context_capsule_policy.json")
}
func (s *Store) ArtifactsDir() string  { return filepath.Join(s.GeneratedDir(), "artifacts") }
func (s *Store) ProvenanceDir() string { return filepath.Join(s.ArtifactsDir(), "provenance") }
func (s *Store) ArtifactManifestPath() string {
	return filepath.Join(s.ProvenanceDir(), "artifact_manifest.json")
}
func (s *Store) ProofManifestPath() string {
	return filepath.Join(s.ProvenanceDir(), "proof_manifest.json")
}
func (s *Store) PolicyLineageManifestPath() string {
	return filepath.Join(s.ProvenanceDir(), "policy_lineage_manifest.json")
}
func (s *Store) DiagnosticsDir() string {
	return filepath.Join(s.ArtifactsDir(), "diagnostics", "validate")
}
func (s *Store) DiagnosticPath(runID string) string {
	return filepath.Join(s.DiagnosticsDir(), runID+".json")
}
func (s *Store) LogsDir() string { return filepath.Join(s.Root, "logs") }
func (s *Store) ConfigPath() string { return filepath.Join(s.Root, "config.yaml") }

// Contains reports whether target falls within this store's root,
// enforcing the "write bound for one root may never touch the other"
// invariant from spec.md §3.
func (s *Store) Contains(target string) (bool, error) {
	absRoot, err := filepath.Abs(s.Root)
	if err != nil {
		return false, err
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(absRoot, absTarget)
	if err != nil {
		return false, err
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != ".."), nil
}

// CheckBoundary returns STORE_BOUNDARY_VIOLATION if target is not inside
// this store's root.
func (s *Store) CheckBoundary(target string) error {
	ok, err := s.Contains(target)
	if err != nil {
		return fmt.Errorf("storepath: check boundary: %w", err)
	}
	if !ok {
		return kerrors.New(kerrors.StoreBoundaryViolation, "path %s is outside %s store root %s", target, s.Kind, s.Root)
	}
	return nil
}
