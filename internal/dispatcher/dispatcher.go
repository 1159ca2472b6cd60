// Package dispatcher manages runner fan-out over a manager's work queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// Handler executes one dequeued item.
type Handler interface {
	Handle(ctx context.Context, item registrar.QueueItem) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item registrar.QueueItem) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, item registrar.QueueItem) error {
	return f(ctx, item)
}

// Dispatcher fans out queue work to a fixed number of runners.
type Dispatcher struct {
	queue   registrar.Queue
	handler Handler
	runners int
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue registrar.Queue, handler Handler, runners int, logger *zap.Logger) *Dispatcher {
	if runners <= 0 {
		runners = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		handler: handler,
		runners: runners,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts all runners and blocks until the context finishes and every
// in-flight item has been handled.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.runners; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.run(ctx, id)
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, id int) {
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("queue dequeue failed", zap.Int("runner", id), zap.Error(err))
			return
		}
		d.logger.Debug("dequeued item",
			zap.Int("runner", id),
			zap.String("kind", string(item.Kind)),
			zap.String("job_id", item.JobID))
		if err := d.handler.Handle(ctx, item); err != nil {
			d.logger.Error("handle item failed",
				zap.String("kind", string(item.Kind)),
				zap.String("job_id", item.JobID),
				zap.Error(err))
		}
	}
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item registrar.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
