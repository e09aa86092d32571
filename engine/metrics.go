package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sodazone/xcmon/metric"
)

// engineMetrics holds prometheus metrics for the matching engine
type engineMetrics struct {
	processed *prometheus.CounterVec
	pending   *prometheus.CounterVec
	resolved  *prometheus.CounterVec
	duration  prometheus.Histogram
}

// NewMetrics creates and registers the engine's metrics.
func NewMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &engineMetrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xcmon",
			Subsystem: "engine",
			Name:      "events_processed_total",
			Help:      "Total events processed by the matching engine",
		}, []string{"type", "status"}),
		pending: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xcmon",
			Subsystem: "engine",
			Name:      "pending_created_total",
			Help:      "Total pending correlation rows created",
		}, []string{"kind"}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xcmon",
			Subsystem: "engine",
			Name:      "journeys_resolved_total",
			Help:      "Total journeys resolved by terminal status",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "xcmon",
			Subsystem: "engine",
			Name:      "process_duration_seconds",
			Help:      "Per-event processing duration",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if err := registry.Register("engine", "events_processed_total", m.processed); err != nil {
		return nil, err
	}
	if err := registry.Register("engine", "pending_created_total", m.pending); err != nil {
		return nil, err
	}
	if err := registry.Register("engine", "journeys_resolved_total", m.resolved); err != nil {
		return nil, err
	}
	if err := registry.Register("engine", "process_duration_seconds", m.duration); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *engineMetrics) recordProcessed(eventType string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.processed.WithLabelValues(eventType, status).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *engineMetrics) recordPending(kind string) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(kind).Inc()
}

func (m *engineMetrics) recordResolved(status string) {
	if m == nil {
		return
	}
	m.resolved.WithLabelValues(status).Inc()
}
