package capsule

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decapod/internal/kerrors"
	"decapod/internal/storepath"
)

type fakeCorpus struct {
	files map[string]string
}

func (c fakeCorpus) Read(path string) (string, error) {
	content, ok := c.files[path]
	if !ok {
		return "", fmt.Errorf("not found: %s", path)
	}
	return content, nil
}

func TestResolve_OrdersAndDedupesFragments(t *testing.T) {
	binding := Binding{
		ByOperation: map[string][]string{"todo.done": {"b.md", "a.md", "a.md"}},
	}
	corpus := fakeCorpus{files: map[string]string{"a.md": "alpha", "b.md": "beta"}}

	c, err := Resolve(Query{Operation: "todo.done"}, binding, PolicyContract{}, corpus)
	require.NoError(t, err)
	require.Len(t, c.Fragments, 2)
	assert.Equal(t, "a.md", c.Fragments[0].Path)
	assert.Equal(t, "b.md", c.Fragments[1].Path)
	assert.Equal(t, 0, c.Fragments[0].Index)
	assert.Equal(t, 1, c.Fragments[1].Index)
	assert.NotEmpty(t, c.CapsuleHash)
}

func TestResolve_SkipsMissingCorpusEntries(t *testing.T) {
	binding := Binding{ByOperation: map[string][]string{"todo.done": {"missing.md", "a.md"}}}
	corpus := fakeCorpus{files: map[string]string{"a.md": "alpha"}}

	c, err := Resolve(Query{Operation: "todo.done"}, binding, PolicyContract{}, corpus)
	require.NoError(t, err)
	require.Len(t, c.Fragments, 1)
	assert.Equal(t, "a.md", c.Fragments[0].Path)
}

func TestResolve_DeniesScopeByPolicy(t *testing.T) {
	policy := PolicyContract{DeniedScopes: map[string][]string{"todo.done": {"private"}}}

	_, err := Resolve(Query{Operation: "todo.done", Scope: "private"}, Binding{}, policy, fakeCorpus{})
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.CapsuleScopeDenied, kerr.Code)
}

func TestResolve_TruncatesToMaxFragments(t *testing.T) {
	files := make(map[string]string)
	var paths []string
	for i := 0; i < maxFragments+5; i++ {
		path := fmt.Sprintf("doc-%02d.md", i)
		files[path] = "content"
		paths = append(paths, path)
	}
	binding := Binding{ByOperation: map[string][]string{"todo.done": paths}}

	c, err := Resolve(Query{Operation: "todo.done"}, binding, PolicyContract{}, fakeCorpus{files: files})
	require.NoError(t, err)
	assert.Len(t, c.Fragments, maxFragments)
}

func TestResolve_CollectsAcrossOperationPathAndTagBindings(t *testing.T) {
	binding := Binding{
		ByOperation: map[string][]string{"todo.done": {"op.md"}},
		ByPath:      map[string][]string{"scope-a": {"path.md"}},
		ByTag:       map[string][]string{"topic-a": {"tag.md"}},
	}
	corpus := fakeCorpus{files: map[string]string{"op.md": "x", "path.md": "y", "tag.md": "z"}}

	c, err := Resolve(Query{Operation: "todo.done", Scope: "scope-a", Topic: "topic-a"}, binding, PolicyContract{}, corpus)
	require.NoError(t, err)
	paths := []string{c.Fragments[0].Path, c.Fragments[1].Path, c.Fragments[2].Path}
	assert.ElementsMatch(t, []string{"op.md", "path.md", "tag.md"}, paths)
}

func TestWrite_KeysByTaskIDWhenPresent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0755))
	store, err := storepath.Resolve(storepath.Repo, root)
	require.NoError(t, err)
	require.NoError(t, store.EnsureExists())

	c := &Capsule{Query: Query{TaskID: "task-123"}}
	path, err := Write(store, c)
	require.NoError(t, err)
	assert.Equal(t, store.CapsulePath("task-123"), path)

	_, err = os.Stat(path)
	require.NoError(t, err)
}
