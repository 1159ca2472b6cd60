package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/bulk-registrar/internal/progress"
)

// PrometheusSink derives collectors from lifecycle events: per-stage counts,
// usage alerts, terminal outcomes with their runtime and a gauge of jobs in
// flight.
type PrometheusSink struct {
	events      *prometheus.CounterVec
	usageAlerts *prometheus.CounterVec
	finished    *prometheus.CounterVec
	running     *prometheus.GaugeVec
	runtime     *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registrar_events_total",
			Help: "Lifecycle events seen, partitioned by stage.",
		}, []string{"stage"}),
		usageAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registrar_usage_alerts_total",
			Help: "Usage warnings and limit hits, partitioned by feature and level.",
		}, []string{"feature", "level"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registrar_jobs_finished_total",
			Help: "Jobs reaching a terminal status, partitioned by kind and status.",
		}, []string{"kind", "status"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "registrar_jobs_running",
			Help: "Jobs currently between start and a terminal status.",
		}, []string{"kind"}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "registrar_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"kind"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.usageAlerts,
		s.finished,
		s.running,
		s.runtime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Stage)).Inc()
		switch evt.Stage {
		case progress.StageJobTransition, progress.StageCrawlTransition:
			s.handleTransition(evt)
		case progress.StageUsageWarning:
			s.usageAlerts.WithLabelValues(evt.Feature, "warning").Inc()
		case progress.StageUsageLimit:
			s.usageAlerts.WithLabelValues(evt.Feature, "limit").Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) handleTransition(evt progress.Event) {
	kind := evt.Kind()
	switch evt.To {
	case "RUNNING":
		if s.tracker.start(kind, evt.SubjectID) {
			s.running.WithLabelValues(kind).Inc()
		}
	case "COMPLETED", "FAILED", "CANCELLED":
		s.finished.WithLabelValues(kind, evt.To).Inc()
		if evt.Dur > 0 {
			s.runtime.WithLabelValues(kind).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(kind, evt.SubjectID) {
			s.running.WithLabelValues(kind).Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(kind, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := kind + "/" + id
	if _, ok := t.running[key]; ok {
		return false
	}
	t.running[key] = struct{}{}
	return true
}

func (t *runTracker) complete(kind, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := kind + "/" + id
	if _, ok := t.running[key]; !ok {
		return false
	}
	delete(t.running, key)
	return true
}
