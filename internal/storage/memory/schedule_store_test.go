package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

func TestScheduleStoreDueAndCounts(t *testing.T) {
	t.Parallel()

	store := NewScheduleStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, s := range []registrar.CrawlSchedule{
		{ID: "s1", Owner: "u1", Active: true, NextRunAt: now.Add(-time.Minute), CreatedAt: now},
		{ID: "s2", Owner: "u1", Active: true, NextRunAt: now.Add(time.Hour), CreatedAt: now.Add(time.Second)},
		{ID: "s3", Owner: "u1", Active: false, NextRunAt: now.Add(-time.Hour)},
		{ID: "s4", Owner: "u2", Active: true, NextRunAt: now.Add(-time.Hour)},
	} {
		require.NoError(t, store.CreateSchedule(ctx, s))
	}
	require.ErrorIs(t, store.CreateSchedule(ctx, registrar.CrawlSchedule{ID: "s1"}), registrar.ErrConflict)

	due, err := store.ListDueSchedules(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"s4", "s1"}, due)

	n, err := store.CountActiveSchedules(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, total, err := store.ListSchedules(ctx, "u1", registrar.Page{Number: 1, Size: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, list, 1)
	assert.Equal(t, "s2", list[0].ID)
}

func TestScheduleStoreUpdateKeepsOldOnError(t *testing.T) {
	t.Parallel()

	store := NewScheduleStore()
	ctx := context.Background()
	require.NoError(t, store.CreateSchedule(ctx, registrar.CrawlSchedule{ID: "s1", Owner: "u1", Active: true}))

	_, err := store.UpdateSchedule(ctx, "s1", func(s *registrar.CrawlSchedule) error {
		s.Active = false
		return errors.New("nope")
	})
	require.Error(t, err)
	got, err := store.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.Active)

	ran := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	updated, err := store.UpdateSchedule(ctx, "s1", func(s *registrar.CrawlSchedule) error {
		s.TotalRuns++
		s.LastRunAt = &ran
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.TotalRuns)

	require.NoError(t, store.DeleteSchedule(ctx, "s1"))
	require.ErrorIs(t, store.DeleteSchedule(ctx, "s1"), registrar.ErrNotFound)
	_, err = store.GetSchedule(ctx, "s1")
	require.ErrorIs(t, err, registrar.ErrNotFound)
}
