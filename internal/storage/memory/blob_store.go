package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject persists the content and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required: %w", registrar.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return "memory://" + path, nil
}

// GetObject returns a copy of the stored bytes.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[strings.TrimPrefix(path, "memory://")]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", path, registrar.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// DeleteObject removes the object. Deleting a missing object is not an error.
func (s *BlobStore) DeleteObject(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, strings.TrimPrefix(path, "memory://"))
	return nil
}
