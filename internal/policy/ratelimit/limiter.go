// Package ratelimit implements per-domain token buckets for crawl fetches.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/bulk-registrar/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

type domainState struct {
	limiter   *rate.Limiter
	notBefore time.Time
}

// Limiter manages per-domain rate limits.
type Limiter struct {
	mu           sync.Mutex
	domains      map[string]*domainState
	defaultRate  rate.Limit
	defaultBurst int
	now          func() time.Time
}

// New creates a new Limiter. A non-positive rate disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		domains:      make(map[string]*domainState),
		defaultRate:  r,
		defaultBurst: burst,
		now:          time.Now,
	}
}

func (l *Limiter) state(domain string) *domainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.domains[domain]
	if !ok {
		st = &domainState{limiter: rate.NewLimiter(l.defaultRate, l.defaultBurst)}
		l.domains[domain] = st
	}
	return st
}

// Wait blocks until a token is available for the URL's domain, respecting
// any penalty window and the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := Domain(rawURL)
	st := l.state(domain)
	start := l.now()

	l.mu.Lock()
	pause := st.notBefore.Sub(start)
	l.mu.Unlock()
	if pause > 0 {
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	if err := st.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := l.now().Sub(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

// Penalize holds off every fetch to the URL's domain for d, typically the
// Retry-After of a 429 response.
func (l *Limiter) Penalize(rawURL string, d time.Duration) {
	if d <= 0 {
		return
	}
	st := l.state(Domain(rawURL))
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if until.After(st.notBefore) {
		st.notBefore = until
	}
}

// Domain returns the lowercased host of rawURL, or "unknown".
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
