// Package scheduler runs the periodic maintenance sweeps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweep is one periodic task. It returns how many records it changed.
type Sweep func(ctx context.Context) (int, error)

// Task names a sweep and its cron spec.
type Task struct {
	Name string
	Spec string
	Run  Sweep
}

// Scheduler runs Tasks on cron schedules. Runs of one task never overlap.
type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// Parser accepts five-field specs and descriptors such as "@every 1h".
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New registers tasks. Each run is bounded by timeout when it is positive.
func New(tasks []Task, timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger: logger.Sugar()}
	c := cron.New(
		cron.WithParser(Parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s := &Scheduler{cron: c, logger: logger, timeout: timeout}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, task := range tasks {
		if task.Run == nil {
			return nil, fmt.Errorf("task %q has no sweep", task.Name)
		}
		if _, err := s.cron.AddFunc(task.Spec, s.wrap(task)); err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", task.Name, task.Spec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) wrap(task Task) func() {
	return func() {
		ctx := s.ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		s.RunNow(ctx, task)
	}
}

// RunNow executes task synchronously and logs the outcome.
func (s *Scheduler) RunNow(ctx context.Context, task Task) {
	start := time.Now()
	changed, err := task.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("sweep failed", zap.String("task", task.Name), zap.Int("changed", changed), zap.Error(err))
		return
	}
	s.logger.Debug("sweep finished",
		zap.String("task", task.Name),
		zap.Int("changed", changed),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// Start begins running tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("tasks", len(s.cron.Entries())))
}

// Stop halts scheduling, cancels running sweeps and waits for them or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
