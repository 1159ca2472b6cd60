// Package worker provides the bounded goroutine pools that run row and crawl
// item units.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/bulk-registrar/internal/metrics"
)

// ErrStopped is returned by Group.Go when the group's ready check fails
// after a slot was acquired.
var ErrStopped = errors.New("worker: group stopped")

// Pool caps how many units run at once across every job sharing it.
type Pool struct {
	name   string
	size   int64
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New constructs a Pool with size slots. name labels the active-units gauge.
func New(name string, size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		name:   name,
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger.Named("pool").With(zap.String("pool", name)),
	}
}

// Size returns the slot count.
func (p *Pool) Size() int {
	return int(p.size)
}

// Go blocks until a slot is free, then runs fn on its own goroutine. It
// returns an error only when ctx ends before a slot frees up.
func (p *Pool) Go(ctx context.Context, fn func(context.Context)) error {
	return p.spawn(ctx, &p.wg, nil, fn)
}

func (p *Pool) spawn(
	ctx context.Context,
	wg *sync.WaitGroup,
	ready func() bool,
	fn func(context.Context),
) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire %s slot: %w", p.name, err)
	}
	if ready != nil && !ready() {
		p.sem.Release(1)
		return ErrStopped
	}
	wg.Add(1)
	metrics.IncActiveUnits(p.name)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("unit panicked", zap.Any("panic", r))
			}
			metrics.DecActiveUnits(p.name)
			p.sem.Release(1)
			wg.Done()
		}()
		fn(ctx)
	}()
	return nil
}

// Wait blocks until every unit started through Go has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Group returns a view of the pool whose Wait covers only the units it started.
// ready, when non-nil, is consulted once a slot is held; a false result gives
// the slot back and Go returns ErrStopped.
func (p *Pool) Group(ready func() bool) *Group {
	return &Group{pool: p, ready: ready}
}

// Group shares its pool's slots but tracks its own units, so one job can wait
// for its rows without waiting on other jobs.
type Group struct {
	pool  *Pool
	ready func() bool
	wg    sync.WaitGroup
}

// Go blocks for a pool slot and runs fn on it.
func (g *Group) Go(ctx context.Context, fn func(context.Context)) error {
	g.pool.wg.Add(1)
	err := g.pool.spawn(ctx, &g.wg, g.ready, func(ctx context.Context) {
		defer g.pool.wg.Done()
		fn(ctx)
	})
	if err != nil {
		g.pool.wg.Done()
	}
	return err
}

// Wait blocks until every unit started by this group has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
