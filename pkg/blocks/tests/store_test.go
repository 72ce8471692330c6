package blocks_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/medshare/pkg/blocks"
)

func setupTestStore(t *testing.T) (*blocks.Store, string, func()) {
	tmpDir, err := os.MkdirTemp("", "medshare-blocks-test-*")
	require.NoError(t, err)

	store, err := blocks.NewStore(tmpDir)
	require.NoError(t, err)

	return store, tmpDir, func() { os.RemoveAll(tmpDir) }
}

func TestPutGet(t *testing.T) {
	store, _, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	data := []byte("scan pixels")

	hash, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, blocks.Hash(data), hash)

	got, err := store.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSharedBlocksAreRefCounted(t *testing.T) {
	store, _, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	data := []byte("same payload")

	h1, err := store.Put(ctx, data)
	require.NoError(t, err)
	h2, err := store.Put(ctx, data)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	assert.Equal(t, 2, store.Refs(h1))

	require.NoError(t, store.Release(ctx, h1))
	_, err = store.Get(ctx, h1)
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, h1))
	_, err = store.Get(ctx, h1)
	assert.True(t, errors.Is(err, blocks.ErrBlockNotFound))
}

func TestCorruptBlockDetected(t *testing.T) {
	store, dir, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	hash, err := store.Put(ctx, []byte("original"))
	require.NoError(t, err)

	path := filepath.Join(dir, hash[:2], hash)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0644))

	_, err = store.Get(ctx, hash)
	assert.True(t, errors.Is(err, blocks.ErrBlockCorrupt))
}
