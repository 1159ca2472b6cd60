package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// Revoker is an in-process revocation list with per-entry expiry.
type Revoker struct {
	mu      sync.Mutex
	clock   registrar.Clock
	revoked map[string]time.Time
}

// NewRevoker constructs a Revoker. A nil clock uses wall time.
func NewRevoker(clock registrar.Clock) *Revoker {
	return &Revoker{clock: clock, revoked: make(map[string]time.Time)}
}

func (r *Revoker) now() time.Time {
	if r.clock == nil {
		return time.Now().UTC()
	}
	return r.clock.Now()
}

// Revoke marks jti revoked for ttl. A non-positive ttl keeps it for a day.
func (r *Revoker) Revoke(_ context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for id, until := range r.revoked {
		if !until.After(now) {
			delete(r.revoked, id)
		}
	}
	r.revoked[jti] = now.Add(ttl)
	return nil
}

// IsRevoked reports whether jti is still revoked.
func (r *Revoker) IsRevoked(_ context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.revoked[jti]
	if !ok {
		return false, nil
	}
	return until.After(r.now()), nil
}
