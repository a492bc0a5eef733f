package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_KeyOrderIndependent(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2}
	b := map[string]interface{}{"a": 2, "b": 1}

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)

	assert.Equal(t, string(ca), string(cb))
	assert.Equal(t, `{"a":2,"b":1}`, string(ca))
}

func TestCanonicalize_Nested(t *testing.T) {
	v := map[string]interface{}{
		"z": []interface{}{1, 2, 3},
		"a": map[string]interface{}{"y": true, "x": nil},
	}
	out, err := Canonicalize(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"x":null,"y":true},"z":[1,2,3]}`, string(out))
}

func TestHash_IdenticalInputsHashIdentically(t *testing.T) {
	type receipt struct {
		Op     string `json:"op"`
		Fields map[string]interface{} `json:"fields"`
	}
	r1 := receipt{Op: "validate.run", Fields: map[string]interface{}{"b": 1, "a": 2}}
	r2 := receipt{Op: "validate.run", Fields: map[string]interface{}{"a": 2, "b": 1}}

	h1, err := Hash(r1)
	require.NoError(t, err)
	h2, err := Hash(r2)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestCanonicalizeSorted_DedupesByKey(t *testing.T) {
	items := []interface{}{
		map[string]interface{}{"path": "b.txt", "sha256": "2"},
		map[string]interface{}{"path": "a.txt", "sha256": "1"},
		map[string]interface{}{"path": "a.txt", "sha256": "1-dup"},
	}
	keyFn := func(item interface{}) string {
		return item.(map[string]interface{})["path"].(string)
	}

	out, err := CanonicalizeSorted(items, keyFn)
	require.NoError(t, err)
	assert.Equal(t, `[{"path":"a.txt","sha256":"1"},{"path":"b.txt","sha256":"2"}]`, string(out))
}

func TestSHA256Hex(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", SHA256Hex([]byte{}))
}
