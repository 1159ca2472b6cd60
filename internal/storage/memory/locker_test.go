package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-registrar/internal/clock/system"
)

func TestLockerSerializesHolders(t *testing.T) {
	t.Parallel()

	locker := NewLocker()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "payment-1", time.Second)
			if err != nil {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			_ = unlock(context.Background())
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxSeen)
}

func TestLockerHonorsContext(t *testing.T) {
	t.Parallel()

	locker := NewLocker()
	unlock, err := locker.Lock(context.Background(), "k", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "k", 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock(context.Background()))
	require.NoError(t, unlock(context.Background()))
	other, err := locker.Lock(context.Background(), "k", 0)
	require.NoError(t, err)
	require.NoError(t, other(context.Background()))
}

func TestRevokerExpires(t *testing.T) {
	t.Parallel()

	clock := system.NewManual(time.Unix(1700000000, 0).UTC())
	revoker := NewRevoker(clock)
	ctx := context.Background()

	require.NoError(t, revoker.Revoke(ctx, "jti", time.Minute))
	revoked, err := revoker.IsRevoked(ctx, "jti")
	require.NoError(t, err)
	require.True(t, revoked)

	clock.Advance(2 * time.Minute)
	revoked, err = revoker.IsRevoked(ctx, "jti")
	require.NoError(t, err)
	require.False(t, revoked)
}
