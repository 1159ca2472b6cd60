package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

func TestSubscriptionStoreUpsert(t *testing.T) {
	t.Parallel()

	store := NewSubscriptionStore()
	ctx := context.Background()

	// fn that leaves ID empty does not insert
	_, err := store.UpdateSubscription(ctx, "u1", func(*registrar.Subscription) error { return nil })
	require.NoError(t, err)
	_, err = store.GetSubscription(ctx, "u1")
	require.ErrorIs(t, err, registrar.ErrNotFound)

	sub, err := store.UpdateSubscription(ctx, "u1", func(s *registrar.Subscription) error {
		s.ID = "s1"
		s.PlanName = "free"
		s.Usage = map[registrar.Feature]int{registrar.FeatureCrawlJobs: 1}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "u1", sub.UserID)

	_, err = store.UpdateSubscription(ctx, "u1", func(s *registrar.Subscription) error {
		s.Usage[registrar.FeatureCrawlJobs] = 99
		return errors.New("abort")
	})
	require.Error(t, err)
	got, err := store.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, got.Usage[registrar.FeatureCrawlJobs])
}

func TestSubscriptionStoreSerializesUpdates(t *testing.T) {
	t.Parallel()

	store := NewSubscriptionStore()
	ctx := context.Background()
	_, err := store.UpdateSubscription(ctx, "u1", func(s *registrar.Subscription) error {
		s.ID = "s1"
		s.Usage = map[registrar.Feature]int{}
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateSubscription(ctx, "u1", func(s *registrar.Subscription) error {
				s.Usage[registrar.FeatureRegistrations]++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	got, err := store.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 100, got.Usage[registrar.FeatureRegistrations])
}

func TestSubscriptionStoreSweeps(t *testing.T) {
	t.Parallel()

	store := NewSubscriptionStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	seed := func(user string, reset time.Time, ends *time.Time, renew bool) {
		_, err := store.UpdateSubscription(ctx, user, func(s *registrar.Subscription) error {
			s.ID = "s-" + user
			s.UsageResetAt = reset
			s.EndsAt = ends
			s.AutoRenew = renew
			return nil
		})
		require.NoError(t, err)
	}
	seed("due", now, nil, false)
	seed("fresh", future, nil, false)
	seed("expired", future, &past, false)
	seed("renewing", future, &past, true)

	due, err := store.ListUsersDue(ctx, now)
	require.NoError(t, err)
	require.Equal(t, []string{"due"}, due)

	expired, err := store.ListUsersExpired(ctx, now)
	require.NoError(t, err)
	require.Equal(t, []string{"expired"}, expired)
}
