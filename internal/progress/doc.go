// Package progress carries lifecycle events (job and crawl transitions, usage
// alerts, payment outcomes) from the managers to pluggable sinks. Emit never
// blocks the caller; a background goroutine batches events and fans them out
// to logs, Prometheus and the event publisher.
package progress
