package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sddion/chainbox/pkg/storage"
)

func newFS(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFileStoreRoundTrip(t *testing.T) {
	kv := newFS(t).Namespace("kv/User")
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "profile:u1", []byte(`{"name":"dev"}`)))
	data, ok, err := kv.Get(ctx, "profile:u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"dev"}`, string(data))
}

func TestFileStoreKeysSurviveAwkwardCharacters(t *testing.T) {
	kv := newFS(t).Namespace("kv/X")
	ctx := context.Background()

	key := "a/b c?d=e&f#g"
	require.NoError(t, kv.Set(ctx, key, []byte("v")))
	data, ok, err := kv.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(data))

	keys, err := kv.List(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)
}

func TestFileStoreDelete(t *testing.T) {
	kv := newFS(t).Namespace("kv/X")
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", []byte("v")))
	require.NoError(t, kv.Delete(ctx, "k"))
	_, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is not an error.
	assert.NoError(t, kv.Delete(ctx, "k"))
}

func TestFileStoreListByPrefix(t *testing.T) {
	kv := newFS(t).Namespace("kv/X")
	ctx := context.Background()

	for _, k := range []string{"user:1", "user:2", "order:1"} {
		require.NoError(t, kv.Set(ctx, k, []byte("v")))
	}
	keys, err := kv.List(ctx, "user:")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:1", "user:2"}, keys)

	all, err := kv.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestNamespacesAreIsolated(t *testing.T) {
	store := newFS(t)
	ctx := context.Background()

	a := store.Namespace("kv/A")
	b := store.Namespace("kv/B")
	require.NoError(t, a.Set(ctx, "k", []byte("from-a")))

	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLastWriterWins(t *testing.T) {
	kv := newFS(t).Namespace("kv/X")
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", []byte("one")))
	require.NoError(t, kv.Set(ctx, "k", []byte("two")))
	data, _, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}
