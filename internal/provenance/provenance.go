// Package provenance implements decapod's provenance & release gates
// (spec.md C12): three sibling manifests (artifact, proof, policy-lineage)
// whose presence and normalized structure `release.check` verifies before
// a task's worktree may be published.
package provenance

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"decapod/internal/kerrors"
	"decapod/internal/storepath"
)

// Entry is one normalized {path, sha256} pair.
type Entry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// PolicyLineage is carried by every manifest so release.check can verify
// the three files agree on which policy produced them.
type PolicyLineage struct {
	PolicyHash     string `json:"policy_hash"`
	PolicyRevision string `json:"policy_revision"`
	RiskTier       string `json:"risk_tier"`
	CapsulePath    string `json:"capsule_path"`
	CapsuleHash    string `json:"capsule_hash"`
}

// Manifest is the shape shared by all three sibling files.
type Manifest struct {
	Kind    string        `json:"kind"` // "artifact" | "proof" | "policy_lineage"
	Entries []Entry       `json:"entries"`
	Lineage PolicyLineage `json:"lineage"`
}

func normalize(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	deduped := out[:0:0]
	var lastPath string
	seen := false
	for _, e := range out {
		if seen && e.Path == lastPath {
			continue
		}
		deduped = append(deduped, e)
		lastPath = e.Path
		seen = true
	}
	return deduped
}

// WriteArtifactManifest normalizes and writes the artifact manifest.
func WriteArtifactManifest(store *storepath.Store, entries []Entry, lineage PolicyLineage) error {
	return writeManifest(store.ArtifactManifestPath(), Manifest{Kind: "artifact", Entries: normalize(entries), Lineage: lineage})
}

// WriteProofManifest normalizes and writes the proof manifest.
func WriteProofManifest(store *storepath.Store, entries []Entry, lineage PolicyLineage) error {
	return writeManifest(store.ProofManifestPath(), Manifest{Kind: "proof", Entries: normalize(entries), Lineage: lineage})
}

// WritePolicyLineageManifest normalizes and writes the policy-lineage manifest.
func WritePolicyLineageManifest(store *storepath.Store, entries []Entry, lineage PolicyLineage) error {
	return writeManifest(store.PolicyLineageManifestPath(), Manifest{Kind: "policy_lineage", Entries: normalize(entries), Lineage: lineage})
}

func writeManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("provenance: marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(dirOf(path), 0755); err != nil {
		return fmt.Errorf("provenance: create dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("provenance: write %s: %w", path, err)
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("provenance: parse %s: %w", path, err)
	}
	return &m, nil
}

// CheckResult is release.check's verdict.
type CheckResult struct {
	OK      bool
	Reasons []string
}

// Check verifies all three manifests are present, structurally valid, and
// agree on policy lineage — release.check (spec.md C12).
func Check(store *storepath.Store) (*CheckResult, error) {
	paths := map[string]string{
		"artifact":       store.ArtifactManifestPath(),
		"proof":          store.ProofManifestPath(),
		"policy_lineage": store.PolicyLineageManifestPath(),
	}

	manifests := make(map[string]*Manifest)
	var reasons []string
	for kind, path := range paths {
		m, err := readManifest(path)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s manifest missing or invalid: %v", kind, err))
			continue
		}
		manifests[kind] = m
	}

	if len(reasons) > 0 {
		return &CheckResult{OK: false, Reasons: reasons}, nil
	}

	artifact, proof, lineage := manifests["artifact"], manifests["proof"], manifests["policy_lineage"]
	if artifact.Lineage != proof.Lineage || proof.Lineage != lineage.Lineage {
		reasons = append(reasons, "policy lineage fields diverge across manifests")
	}

	return &CheckResult{OK: len(reasons) == 0, Reasons: reasons}, nil
}

// RequireForPublish returns WORKSPACE_REQUIRED-adjacent mandate failure
// if the manifests aren't present/valid — workspace.publish refuses to
// proceed without them (spec.md C12).
func RequireForPublish(store *storepath.Store) error {
	result, err := Check(store)
	if err != nil {
		return err
	}
	if !result.OK {
		return kerrors.New(kerrors.MandateViolation, "publish blocked: provenance manifests incomplete: %v", result.Reasons).WithBlockers(result.Reasons)
	}
	return nil
}
