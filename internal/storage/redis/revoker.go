package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Revoker keeps revoked token ids until the token would have expired anyway.
type Revoker struct {
	client goredis.UniversalClient
	prefix string
}

// NewRevoker wraps client.
func NewRevoker(client goredis.UniversalClient, prefix string) *Revoker {
	return &Revoker{client: client, prefix: prefix}
}

// Revoke marks jti revoked for ttl. A non-positive ttl keeps it for a day.
func (r *Revoker) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := r.client.Set(ctx, formatKey(r.prefix, "revoked", jti), 1, ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether jti was revoked.
func (r *Revoker) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	err := r.client.Get(ctx, formatKey(r.prefix, "revoked", jti)).Err()
	switch {
	case errors.Is(err, goredis.Nil):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return true, nil
}
