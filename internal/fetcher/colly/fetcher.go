// Package collyfetcher implements the static page Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodySize   int
}

// Limiter throttles fetches per domain.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
	Penalize(rawURL string, d time.Duration)
}

// Fetcher implements registrar.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       Limiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Limiter) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 10 << 20
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.MaxBodySize = cfg.MaxBodySize
	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET. Throttling and server errors come back as
// registrar.TransientError, other non-2xx statuses as registrar.PermanentError.
func (f *Fetcher) Fetch(ctx context.Context, request registrar.FetchRequest) (registrar.FetchResponse, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, request.URL); err != nil {
			return registrar.FetchResponse{}, err
		}
	}
	var (
		result   registrar.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return registrar.FetchResponse{}, f.classify(request.URL, result, err)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request registrar.FetchRequest,
	start time.Time,
	result *registrar.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !(f.cfg.RespectRobots || request.RespectRobots)
	collector.SetRequestTimeout(f.cfg.Timeout)
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request registrar.FetchRequest,
	start time.Time,
	result *registrar.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = snapshot(r, start)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			*result = snapshot(r, start)
		}
		*fetchErr = err
	})
}

func snapshot(r *colly.Response, start time.Time) registrar.FetchResponse {
	resp := registrar.FetchResponse{
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(start),
	}
	if r.Request != nil && r.Request.URL != nil {
		resp.URL = r.Request.URL.String()
	}
	if r.Headers != nil {
		resp.Headers = r.Headers.Clone()
	}
	return resp
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) classify(rawURL string, resp registrar.FetchResponse, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		retryAfter := registrar.RetryAfter(resp.Headers)
		if f.limiter != nil {
			f.limiter.Penalize(rawURL, retryAfter)
		}
		return &registrar.TransientError{StatusCode: status, RetryAfter: retryAfter, Err: err}
	case status >= 500:
		return &registrar.TransientError{StatusCode: status, Err: err}
	case status >= 400:
		return &registrar.PermanentError{StatusCode: status, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &registrar.TransientError{Err: err}
	}
	return err
}

func copyHeaders(request registrar.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
