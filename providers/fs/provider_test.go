package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alloy-run/alloy"
	"github.com/alloy-run/alloy/state"
)

func newScope() *alloy.Scope {
	return alloy.NewScope("fstest", alloy.ScopeOptions{
		Stage: "test",
		Store: state.NewMemStore(),
	})
}

func TestFileCreate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greeting.txt")
	ctx := context.Background()

	scope := newScope()
	out, err := scope.Apply(ctx, File("greeting", path, "hello"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, path, m["path"])
	assert.Equal(t, 5, m["size"])
}

func TestFileCreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "c.txt")

	scope := newScope()
	_, err := scope.Apply(context.Background(), File("nested", path, "x"))
	require.NoError(t, err)

	assert.FileExists(t, path)
}

func TestFileUpdateMovesFile(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.txt")
	newPath := filepath.Join(dir, "new.txt")
	store := state.NewMemStore()
	ctx := context.Background()

	run1 := alloy.NewScope("fstest", alloy.ScopeOptions{Stage: "test", Store: store})
	_, err := run1.Apply(ctx, File("f", oldPath, "v1"))
	require.NoError(t, err)

	run2 := alloy.NewScope("fstest", alloy.ScopeOptions{Stage: "test", Store: store})
	_, err = run2.Apply(ctx, File("f", newPath, "v2"))
	require.NoError(t, err)

	assert.NoFileExists(t, oldPath)
	data, err := os.ReadFile(newPath)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestFileDeletedWhenOrphaned(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doomed.txt")
	store := state.NewMemStore()
	ctx := context.Background()

	run1 := alloy.NewScope("fstest", alloy.ScopeOptions{Stage: "test", Store: store})
	_, err := run1.Apply(ctx, File("doomed", path, "x"))
	require.NoError(t, err)
	require.NoError(t, run1.Finalize(ctx))
	require.FileExists(t, path)

	reg := alloy.NewRegistry()
	reg.Register(TypeFile, New())
	run2 := alloy.NewScope("fstest", alloy.ScopeOptions{Stage: "test", Store: store, Providers: reg})
	require.NoError(t, run2.Finalize(ctx))

	assert.NoFileExists(t, path)
}

func TestFileDeleteIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.txt")
	store := state.NewMemStore()
	ctx := context.Background()

	run1 := alloy.NewScope("fstest", alloy.ScopeOptions{Stage: "test", Store: store})
	_, err := run1.Apply(ctx, File("gone", path, "x"))
	require.NoError(t, err)

	// Someone removed the file out of band; teardown still succeeds.
	require.NoError(t, os.Remove(path))
	require.NoError(t, run1.Destroy(ctx))
}

func TestFolderCreateAndDestroy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	ctx := context.Background()

	scope := newScope()
	_, err := scope.Apply(ctx, Folder("data", path))
	require.NoError(t, err)
	assert.DirExists(t, path)

	require.NoError(t, scope.Destroy(ctx))
	assert.NoDirExists(t, path)
}

func TestFileContentFromAnotherResource(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	scope := newScope()
	folder := Folder("dir", filepath.Join(dir, "sub"))
	file := File("f", folder.Field("path").Map(func(v any) (any, error) {
		return filepath.Join(v.(string), "inside.txt"), nil
	}), "wired")

	_, err := scope.Apply(ctx, file)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "sub", "inside.txt"))
	require.NoError(t, err)
	assert.Equal(t, "wired", string(data))
}

func TestNonStringPathRejected(t *testing.T) {
	scope := newScope()
	_, err := scope.Apply(context.Background(), File("bad", 42, "content"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a string")
}
