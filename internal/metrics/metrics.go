// Package metrics exposes Prometheus collectors for the registrar service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                  *prometheus.CounterVec
	rowsTotal                  *prometheus.CounterVec
	rowAttemptsTotal           *prometheus.CounterVec
	quotaDenialsTotal          *prometheus.CounterVec
	crawlItemsTotal            *prometheus.CounterVec
	paymentsTotal              *prometheus.CounterVec
	scheduledCrawlsTotal       *prometheus.CounterVec
	priceAlertsTotal           *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeUnits                *prometheus.GaugeVec
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_jobs_total",
				Help: "Job status transitions, labeled by job kind and target status.",
			},
			[]string{"kind", "status"},
		)

		rowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_rows_total",
				Help: "Rows executed against the registration API, labeled by result.",
			},
			[]string{"result"},
		)

		rowAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_row_attempts_total",
				Help: "Individual execution attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		quotaDenialsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_quota_denials_total",
				Help: "Quota reservations denied, labeled by feature.",
			},
			[]string{"feature"},
		)

		crawlItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_crawl_items_total",
				Help: "Crawled items, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		paymentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_payments_total",
				Help: "Payment status changes, labeled by status.",
			},
			[]string{"status"},
		)

		scheduledCrawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_scheduled_crawls_total",
				Help: "Scheduled crawl runs, labeled by result.",
			},
			[]string{"result"},
		)

		priceAlertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrar_price_alerts_fired_total",
				Help: "Price alerts fired, labeled by alert type.",
			},
			[]string{"type"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeUnits = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "registrar_active_units",
				Help: "Units currently executing, labeled by worker pool.",
			},
			[]string{"pool"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "registrar_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob counts a job transition.
func ObserveJob(kind, status string) {
	Init()
	jobsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveRow counts one executed row; result is "success" or "failure".
func ObserveRow(result string) {
	Init()
	rowsTotal.WithLabelValues(result).Inc()
}

// ObserveRowAttempt counts one attempt; outcome is "ok", "transient" or "permanent".
func ObserveRowAttempt(outcome string) {
	Init()
	rowAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveQuotaDenial counts a denied reservation.
func ObserveQuotaDenial(feature string) {
	Init()
	quotaDenialsTotal.WithLabelValues(feature).Inc()
}

// ObserveCrawlItem counts a crawled item for the host of rawURL.
func ObserveCrawlItem(rawURL, result string) {
	Init()
	crawlItemsTotal.WithLabelValues(SanitizeSite(rawURL), result).Inc()
}

// ObservePayment counts a payment status change.
func ObservePayment(status string) {
	Init()
	paymentsTotal.WithLabelValues(status).Inc()
}

// ObserveScheduledCrawl counts one scheduled crawl run.
func ObserveScheduledCrawl(result string) {
	Init()
	scheduledCrawlsTotal.WithLabelValues(result).Inc()
}

// ObservePriceAlert counts a fired price alert.
func ObservePriceAlert(alertType string) {
	Init()
	priceAlertsTotal.WithLabelValues(alertType).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveUnits increments the active units gauge for pool.
func IncActiveUnits(pool string) {
	Init()
	activeUnits.WithLabelValues(pool).Inc()
}

// DecActiveUnits decrements the active units gauge for pool.
func DecActiveUnits(pool string) {
	Init()
	activeUnits.WithLabelValues(pool).Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
