// Package hashing implements decapod's canonical JSON encoding and
// receipt/capsule hashing (spec.md §6 "Canonical hashing rules"): keys
// sorted lexicographically at every level, arrays of objects sorted by a
// stable per-schema key then deduplicated, no inter-token whitespace,
// UTF-8, SHA-256 over the result.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize re-marshals v with map keys sorted at every level and no
// whitespace. v must already be JSON-marshalable (structs, maps, slices,
// primitives). It does not sort arrays — use CanonicalizeSorted for arrays
// of objects that need a stable order independent of caller-supplied order.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize: unmarshal: %w", err)
	}
	var buf []byte
	buf, err = encode(buf, generic)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func encode(buf []byte, v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if val {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case string:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, b...), nil
	case float64:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, b...), nil
	case []interface{}:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = encode(buf, item)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf, err = encode(buf, val[k])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	default:
		return nil, fmt.Errorf("canonicalize: unsupported type %T", v)
	}
}

// SortKeyFunc extracts the stable sort key from an object in an array that
// needs deterministic ordering (e.g. gate results sorted by gate name,
// manifest entries sorted by path).
type SortKeyFunc func(item interface{}) string

// CanonicalizeSorted behaves like Canonicalize but additionally sorts
// top-level array elements by keyFn and deduplicates consecutive elements
// with an identical key, matching spec.md's "arrays of objects sorted by a
// per-schema stable key then deduplicated" rule.
func CanonicalizeSorted(items []interface{}, keyFn SortKeyFunc) ([]byte, error) {
	sorted := make([]interface{}, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return keyFn(sorted[i]) < keyFn(sorted[j])
	})

	deduped := sorted[:0:0]
	var lastKey string
	seen := false
	for _, item := range sorted {
		k := keyFn(item)
		if seen && k == lastKey {
			continue
		}
		deduped = append(deduped, item)
		lastKey = k
		seen = true
	}
	return Canonicalize(deduped)
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Hash canonicalizes v and returns its SHA-256 hex digest. This is the
// single entry point receipts, capsules, and provenance manifests use to
// guarantee "identical inputs hash identically" (spec.md §3).
func Hash(v interface{}) (string, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(canon), nil
}
