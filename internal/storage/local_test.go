package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_PutGet(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	content := []byte("hello world")
	etag, err := store.Put(ctx, "snapshots/a.jsonl.sz", content)
	require.NoError(t, err)
	assert.Len(t, etag, 32)

	exists, err := store.Exists(ctx, "snapshots/a.jsonl.sz")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := store.Get(ctx, "snapshots/a.jsonl.sz")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Overwrite
	_, err = store.Put(ctx, "snapshots/a.jsonl.sz", []byte("v2"))
	require.NoError(t, err)
	got, err = store.Get(ctx, "snapshots/a.jsonl.sz")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestLocalStorage_GetMissing(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	exists, err := store.Exists(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalStorage_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(ctx, "x", []byte("1"))
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "x"))
	require.NoError(t, store.Delete(ctx, "x"))

	exists, err := store.Exists(ctx, "x")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalStorage_List(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store, err := NewLocalStorage(base)
	require.NoError(t, err)

	for _, p := range []string{"snapshots/b", "snapshots/a", "other/c"} {
		_, err := store.Put(ctx, p, []byte(p))
		require.NoError(t, err)
	}
	// Leftover temp files are not objects.
	require.NoError(t, os.WriteFile(filepath.Join(base, "snapshots", ".put-123"), nil, 0644))

	objects, err := store.List(ctx, "snapshots/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshots/a", "snapshots/b"}, objects)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLocalStorage_RejectsEscapingPaths(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "../outside", []byte("x"))
	assert.Error(t, err)
	_, err = store.Get(context.Background(), "")
	assert.Error(t, err)
}

func TestLocalStorage_CancelledContext(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.Put(ctx, "x", []byte("1"))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.List(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}
