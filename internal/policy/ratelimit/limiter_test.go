package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitThrottlesPerDomain(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.com/a"))

	// 10 RPS with burst 1 means the next token arrives in ~100ms.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// A different domain has its own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example/a"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.example"))
}

func TestLimiterPenalizeDelaysDomain(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	l.Penalize("https://shop.example/items", 80*time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "https://shop.example/other"))
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	l.Penalize("https://shop.example", time.Second)
	require.ErrorIs(t, l.Wait(ctx, "https://shop.example"), context.DeadlineExceeded)
}

func TestDomain(t *testing.T) {
	t.Parallel()

	require.Equal(t, "www.coupang.com", Domain("https://WWW.Coupang.com/np/search?q=1"))
	require.Equal(t, "unknown", Domain("::not a url"))
	require.Equal(t, "unknown", Domain(""))
}
