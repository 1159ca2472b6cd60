package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// CredentialStore keeps registration API credentials in memory.
type CredentialStore struct {
	mu    sync.RWMutex
	creds map[string]registrar.Credential
}

// NewCredentialStore constructs a CredentialStore.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]registrar.Credential)}
}

// CreateCredential stores a credential.
func (s *CredentialStore) CreateCredential(_ context.Context, cred registrar.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.creds[cred.ID]; exists {
		return fmt.Errorf("credential %s: %w", cred.ID, registrar.ErrConflict)
	}
	s.creds[cred.ID] = cred
	return nil
}

// GetCredential fetches a credential by ID.
func (s *CredentialStore) GetCredential(_ context.Context, credentialID string) (registrar.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[credentialID]
	if !ok {
		return registrar.Credential{}, fmt.Errorf("credential %s: %w", credentialID, registrar.ErrNotFound)
	}
	return cred, nil
}

// ListCredentials returns the owner's credentials ordered by name.
func (s *CredentialStore) ListCredentials(_ context.Context, owner string) ([]registrar.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []registrar.Credential
	for _, c := range s.creds {
		if c.Owner == owner {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
