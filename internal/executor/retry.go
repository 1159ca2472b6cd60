// Package executor runs single registration units with bounded retries and
// persists every outcome before reporting it.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// Retry calls fn until it succeeds or policy declines another attempt. It
// returns the number of attempts made and the last error.
func Retry(
	ctx context.Context,
	policy registrar.RetryPolicy,
	fn func(ctx context.Context, attempt int) error,
) (int, error) {
	attempt := 0
	for {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if policy == nil || !policy.ShouldRetry(err, attempt) {
			return attempt, err
		}
		if err := sleep(ctx, policy.Backoff(err, attempt)); err != nil {
			return attempt, fmt.Errorf("retry interrupted after attempt %d: %w", attempt, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
