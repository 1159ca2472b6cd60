package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestUploadKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "uploads/user-1/abc.xlsx", UploadKey("user-1", "상품목록.XLSX", "abc"))
	require.Equal(t, "uploads/user-1/abc.csv", UploadKey("user-1", "dir/products.csv", "abc"))
	require.Equal(t, "uploads/user-1/abc", UploadKey("user-1", "noext", "abc"))
}
