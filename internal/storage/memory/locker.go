package memory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Locker is a keyed mutex for a single process. ttl is ignored.
type Locker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocker constructs a Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]chan struct{})}
}

// Lock blocks until key is free or ctx ends.
func (l *Locker) Lock(ctx context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	for {
		l.mu.Lock()
		held, busy := l.locks[key]
		if !busy {
			done := make(chan struct{})
			l.locks[key] = done
			l.mu.Unlock()
			var once sync.Once
			return func(context.Context) error {
				once.Do(func() {
					l.mu.Lock()
					delete(l.locks, key)
					l.mu.Unlock()
					close(done)
				})
				return nil
			}, nil
		}
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		case <-held:
		}
	}
}
