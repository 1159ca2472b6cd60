package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	pool := New("test-bounds", 2, zap.NewNop())
	require.Equal(t, 2, pool.Size())

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < 10; i++ {
		err := pool.Go(context.Background(), func(context.Context) {
			n := active.Add(1)
			for {
				seen := maxSeen.Load()
				if n <= seen || maxSeen.CompareAndSwap(seen, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
		})
		require.NoError(t, err)
	}
	pool.Wait()
	require.LessOrEqual(t, maxSeen.Load(), int32(2))
	require.Zero(t, active.Load())
}

func TestPoolGoHonorsContext(t *testing.T) {
	t.Parallel()

	pool := New("test-ctx", 1, nil)
	release := make(chan struct{})
	require.NoError(t, pool.Go(context.Background(), func(context.Context) { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Go(ctx, func(context.Context) {})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
}

func TestGroupWaitsOnlyForItsUnits(t *testing.T) {
	t.Parallel()

	pool := New("test-group", 4, zap.NewNop())
	block := make(chan struct{})
	require.NoError(t, pool.Go(context.Background(), func(context.Context) { <-block }))

	group := pool.Group(nil)
	var mu sync.Mutex
	done := 0
	for i := 0; i < 3; i++ {
		require.NoError(t, group.Go(context.Background(), func(context.Context) {
			mu.Lock()
			done++
			mu.Unlock()
		}))
	}

	waited := make(chan struct{})
	go func() {
		group.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("group wait blocked on a foreign unit")
	}
	mu.Lock()
	assert.Equal(t, 3, done)
	mu.Unlock()

	close(block)
	pool.Wait()
}

func TestPoolRecoversPanics(t *testing.T) {
	t.Parallel()

	pool := New("test-panic", 1, zap.NewNop())
	require.NoError(t, pool.Go(context.Background(), func(context.Context) { panic("boom") }))
	pool.Wait()

	ran := make(chan struct{})
	require.NoError(t, pool.Go(context.Background(), func(context.Context) { close(ran) }))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("slot was not released after panic")
	}
	pool.Wait()
}

func TestGroupRechecksReadyAfterAcquire(t *testing.T) {
	t.Parallel()

	pool := New("test-ready", 1, zap.NewNop())
	var stopped atomic.Bool
	group := pool.Group(func() bool { return !stopped.Load() })

	release := make(chan struct{})
	require.NoError(t, group.Go(context.Background(), func(context.Context) { <-release }))

	var ran atomic.Bool
	errc := make(chan error, 1)
	go func() {
		errc <- group.Go(context.Background(), func(context.Context) { ran.Store(true) })
	}()

	stopped.Store(true)
	close(release)
	require.ErrorIs(t, <-errc, ErrStopped)
	group.Wait()
	assert.False(t, ran.Load())

	require.NoError(t, pool.Go(context.Background(), func(context.Context) {}))
	pool.Wait()
}
