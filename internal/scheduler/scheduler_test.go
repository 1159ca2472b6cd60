package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsBadSpecs(t *testing.T) {
	t.Parallel()

	noop := func(context.Context) (int, error) { return 0, nil }
	_, err := New([]Task{{Name: "bad", Spec: "every tuesday", Run: noop}}, 0, nil)
	require.Error(t, err)

	_, err = New([]Task{{Name: "empty", Spec: "@hourly"}}, 0, nil)
	require.Error(t, err)

	s, err := New([]Task{
		{Name: "usage-reset", Spec: "@every 1h", Run: noop},
		{Name: "subscription-expiry", Spec: "*/5 * * * *", Run: noop},
	}, time.Minute, nil)
	require.NoError(t, err)
	assert.Len(t, s.cron.Entries(), 2)
}

func TestScheduledSweepRuns(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s, err := New([]Task{{
		Name: "tick",
		Spec: "@every 1s",
		Run: func(context.Context) (int, error) {
			runs.Add(1)
			return 1, nil
		},
	}}, time.Second, nil)
	require.NoError(t, err)

	s.Start()
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestRunNowLogsFailures(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	s, err := New(nil, 0, zap.New(core))
	require.NoError(t, err)

	s.RunNow(context.Background(), Task{Name: "boom", Run: func(context.Context) (int, error) {
		return 2, errors.New("database down")
	}})
	failed := logs.FilterMessage("sweep failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].ContextMap()["task"])

	s.RunNow(context.Background(), Task{Name: "ok", Run: func(context.Context) (int, error) {
		return 3, nil
	}})
	assert.Equal(t, 1, logs.FilterMessage("sweep finished").Len())
}
