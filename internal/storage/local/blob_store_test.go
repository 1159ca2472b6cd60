package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
	"github.com/JakeFAU/bulk-registrar/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("ValidConfig", func(t *testing.T) {
		t.Parallel()
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "nested", "blobs")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "uploads/u1/abc.xlsx", "application/octet-stream", []byte("sheet"))
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(dir, "uploads/u1/abc.xlsx"), uri)

	byURI, err := store.GetObject(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "sheet", string(byURI))

	byPath, err := store.GetObject(ctx, "uploads/u1/abc.xlsx")
	require.NoError(t, err)
	assert.Equal(t, byURI, byPath)

	require.NoError(t, store.DeleteObject(ctx, uri))
	require.NoError(t, store.DeleteObject(ctx, uri))
	_, err = store.GetObject(ctx, uri)
	require.ErrorIs(t, err, registrar.ErrNotFound)
}

func TestBlobStoreRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.PutObject(ctx, "../escape.txt", "", []byte("x"))
	require.ErrorIs(t, err, registrar.ErrInvalidArgument)
	_, err = store.GetObject(ctx, "file:///etc/passwd")
	require.ErrorIs(t, err, registrar.ErrInvalidArgument)
	_, err = store.PutObject(ctx, "", "", nil)
	require.ErrorIs(t, err, registrar.ErrInvalidArgument)
}
