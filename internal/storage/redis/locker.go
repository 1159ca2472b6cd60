package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out per-key locks using SET NX PX.
type Locker struct {
	client goredis.UniversalClient
	prefix string
	poll   time.Duration
}

// NewLocker wraps client.
func NewLocker(client goredis.UniversalClient, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix, poll: 50 * time.Millisecond}
}

// Lock blocks until key is acquired or ctx ends. The lock expires after ttl
// even if the holder never calls the returned unlock.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	name := formatKey(l.prefix, "lock", key)
	token := uuid.NewString()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, name, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func(ctx context.Context) error {
				if err := releaseScript.Run(ctx, l.client, []string{name}, token).Err(); err != nil {
					return fmt.Errorf("release lock %s: %w", key, err)
				}
				return nil
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}
