// Package memory provides the bounded in-process work queue each manager
// owns.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan registrar.QueueItem
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan registrar.QueueItem, capacity),
	}
}

// Enqueue pushes an item without blocking. A full buffer yields
// registrar.ErrQueueFull so callers can surface back-pressure.
func (q *Queue) Enqueue(ctx context.Context, item registrar.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return fmt.Errorf("enqueue %s %s: %w", item.Kind, item.JobID, registrar.ErrQueueFull)
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (registrar.QueueItem, error) {
	select {
	case <-ctx.Done():
		return registrar.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return registrar.QueueItem{}, ErrClosed
		}
		return item, nil
	}
}

// Len reports the number of buffered items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
