package registrar

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"time"
)

// RetryPolicy decides whether and when to retry a failed attempt.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(err error, attempt int) time.Duration
}

// ExponentialRetryPolicy implements RetryPolicy with jittered backoff.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy with sane defaults.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{
		maxAttempts: 3,
		baseDelay:   250 * time.Millisecond,
		maxDelay:    5 * time.Second,
	}
}

// NewRetryPolicy builds a policy from explicit knobs, falling back to the
// defaults for non-positive values.
func NewRetryPolicy(maxAttempts int, base, limit time.Duration) *ExponentialRetryPolicy {
	p := NewExponentialRetryPolicy()
	if maxAttempts > 0 {
		p.maxAttempts = maxAttempts
	}
	if base > 0 {
		p.baseDelay = base
	}
	if limit > 0 {
		p.maxDelay = limit
	}
	return p
}

// MaxAttempts returns the attempt ceiling.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry retries transient failures and network timeouts only. attempt
// is the 1-based number of the attempt that just failed.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if IsTransient(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Backoff returns the wait before the next attempt. A Retry-After hint on a
// TransientError wins, capped at the policy maximum.
func (p *ExponentialRetryPolicy) Backoff(err error, attempt int) time.Duration {
	var te *TransientError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		if te.RetryAfter > p.maxDelay {
			return p.maxDelay
		}
		return te.RetryAfter
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
// Missing, malformed or past values yield zero.
func RetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
