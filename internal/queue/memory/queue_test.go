package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan registrar.QueueItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), registrar.QueueItem{Kind: registrar.KindJob, JobID: "job-1"}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "job-1", got.JobID)
		require.Equal(t, registrar.KindJob, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueFullReturnsErrQueueFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), registrar.QueueItem{JobID: "primed"}))
	require.Equal(t, 1, q.Len())

	err := q.Enqueue(context.Background(), registrar.QueueItem{JobID: "overflow"})
	require.ErrorIs(t, err, registrar.ErrQueueFull)
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := NewQueue(1)
	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	err = q.Enqueue(ctx, registrar.QueueItem{})
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	q.Close()
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, q.Enqueue(context.Background(), registrar.QueueItem{}), ErrClosed)
	// Closing twice should be safe.
	q.Close()
}
