// Package simple contains the permissive fetch policy used when per-domain
// rate limiting is switched off.
package simple

import (
	"context"
	"fmt"
	"time"
)

// Policy never delays a fetch.
type Policy struct{}

// New creates a new Policy.
func New() *Policy {
	return &Policy{}
}

// Wait returns immediately unless ctx is already done.
func (Policy) Wait(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("wait canceled: %w", err)
	}
	return nil
}

// Penalize ignores throttling hints.
func (Policy) Penalize(string, time.Duration) {}
