package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	payload := []byte("content")
	uri, err := store.PutObject(ctx, "uploads/u1/abc.csv", "text/csv", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://uploads/u1/abc.csv", uri)

	payload[0] = 'C'
	got, err := store.GetObject(ctx, uri)
	require.NoError(t, err)
	require.Equal(t, "content", string(got))

	got[0] = 'X'
	again, err := store.GetObject(ctx, "uploads/u1/abc.csv")
	require.NoError(t, err)
	require.Equal(t, "content", string(again))
}

func TestBlobStoreDeleteAndMissing(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	_, err := store.PutObject(ctx, "a", "", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, store.DeleteObject(ctx, "a"))
	_, err = store.GetObject(ctx, "a")
	require.ErrorIs(t, err, registrar.ErrNotFound)

	_, err = store.PutObject(ctx, " ", "", nil)
	require.ErrorIs(t, err, registrar.ErrInvalidArgument)
}
