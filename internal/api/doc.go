// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/jobs for bulk uploads, their results and exports.
//   - /v1/crawl-jobs, /v1/quick-crawl and /v1/crawled-products for crawling.
//   - /v1/subscriptions and /v1/payments for plans and billing.
//
// Everything under /v1 runs as the caller named by the bearer token, or by
// the X-User-ID header when authentication is disabled.
package api
