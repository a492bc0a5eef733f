// Package capsule implements decapod's context capsule assembly (spec.md
// C11): a deterministic selection of governing-document fragments for an
// operation/scope/risk-tier/task-id query, emitted as a canonical,
// policy-bound artifact.
package capsule

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"decapod/internal/hashing"
	"decapod/internal/kerrors"
	"decapod/internal/storepath"
)

// Fragment is one governing-document fragment bound into a capsule.
type Fragment struct {
	Path    string `json:"path"`
	Index   int    `json:"index"`
	Digest  string `json:"digest"`
	Content string `json:"content"`
}

// Query selects which fragments a capsule should contain.
type Query struct {
	Operation string
	Topic     string
	Scope     string
	RiskTier  string
	TaskID    string
}

// Capsule is the deterministic artifact emitted for a Query.
type Capsule struct {
	Query       Query      `json:"query"`
	Fragments   []Fragment `json:"fragments"`
	PolicyHash  string     `json:"policy_hash"`
	CapsuleHash string     `json:"-"`
}

// Binding maps operations, affected paths, and tags to corpus fragments.
// Corpus is the governing-document tree this kernel draws fragments from;
// spec.md's Open Question (a) resolves ambiguity about parallel corpus
// trees by treating Corpus as the single canonical tree passed in by the
// caller, never guessed at.
type Binding struct {
	ByOperation map[string][]string // operation -> fragment paths
	ByPath      map[string][]string // affected path prefix -> fragment paths
	ByTag       map[string][]string // tag -> fragment paths
}

// PolicyContract gates which (operation, scope) combinations a capsule
// query is permitted to resolve.
type PolicyContract struct {
	Hash          string              `json:"policy_hash"`
	DeniedScopes  map[string][]string `json:"denied_scopes"` // operation -> denied scopes
}

const (
	maxFragments  = 24
	maxTotalBytes = 64 * 1024
)

// Corpus resolves a fragment path to its raw content and is supplied by
// the caller; capsule assembly never reads the filesystem directly beyond
// what Corpus exposes, keeping corpus-tree selection an external decision.
type Corpus interface {
	Read(path string) (string, error)
}

// Resolve assembles a Capsule for q against binding and corpus, gated by
// policy. Fragment order is deterministic: path lexical, then fragment
// index; duplicates are removed; the result is truncated to a bounded
// count and byte budget.
func Resolve(q Query, binding Binding, policy PolicyContract, corpus Corpus) (*Capsule, error) {
	if denied, ok := policy.DeniedScopes[q.Operation]; ok {
		for _, scope := range denied {
			if scope == q.Scope {
				return nil, kerrors.New(kerrors.CapsuleScopeDenied, "operation %s scope %s denied by capsule policy", q.Operation, q.Scope)
			}
		}
	}

	paths := collectPaths(q, binding)
	sort.Strings(paths)

	var fragments []Fragment
	var totalBytes int
	seen := make(map[string]bool)
	for _, path := range paths {
		if seen[path] {
			continue
		}
		seen[path] = true
		content, err := corpus.Read(path)
		if err != nil {
			continue // a binding may reference a fragment no longer present
		}
		if len(fragments) >= maxFragments {
			break
		}
		if totalBytes+len(content) > maxTotalBytes {
			continue
		}
		fragments = append(fragments, Fragment{
			Path:    path,
			Index:   len(fragments),
			Digest:  hashing.SHA256Hex([]byte(content)),
			Content: content,
		})
		totalBytes += len(content)
	}

	c := &Capsule{Query: q, Fragments: fragments, PolicyHash: policy.Hash}
	h, err := hashing.Hash(c)
	if err != nil {
		return nil, fmt.Errorf("capsule: hash: %w", err)
	}
	c.CapsuleHash = h
	return c, nil
}

func collectPaths(q Query, binding Binding) []string {
	var paths []string
	if ps, ok := binding.ByOperation[q.Operation]; ok {
		paths = append(paths, ps...)
	}
	for prefix, ps := range binding.ByPath {
		if strings.HasPrefix(q.Scope, prefix) {
			paths = append(paths, ps...)
		}
	}
	if ps, ok := binding.ByTag[q.Topic]; ok {
		paths = append(paths, ps...)
	}
	return paths
}

// Write emits the capsule artifact to the store's canonical path, keyed
// by task-id when present, or by a hash of the query otherwise.
func Write(store *storepath.Store, c *Capsule) (string, error) {
	key := c.Query.TaskID
	if key == "" {
		h, err := hashing.Hash(c.Query)
		if err != nil {
			return "", err
		}
		key = h
	}
	path := store.CapsulePath(key)
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("capsule: marshal: %w", err)
	}
	if err := os.MkdirAll(store.GeneratedContextDir(), 0755); err != nil {
		return "", fmt.Errorf("capsule: create dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("capsule: write %s: %w", path, err)
	}
	return path, nil
}
