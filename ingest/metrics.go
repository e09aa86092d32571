package ingest

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sodazone/xcmon/metric"
)

// ingestMetrics holds prometheus metrics for the event feed consumer
type ingestMetrics struct {
	ingested *prometheus.CounterVec
	retried  *prometheus.CounterVec
	dropped  *prometheus.CounterVec
}

func newIngestMetrics(registry *metric.MetricsRegistry) (*ingestMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &ingestMetrics{
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xcmon",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total events ingested by chain and type",
		}, []string{"chain", "type"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xcmon",
			Subsystem: "ingest",
			Name:      "redeliveries_requested_total",
			Help:      "Total events naked for redelivery after transient failures",
		}, []string{"chain"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xcmon",
			Subsystem: "ingest",
			Name:      "dropped_total",
			Help:      "Total events dropped as undecodable or unprocessable",
		}, []string{"chain"}),
	}

	if err := registry.Register("ingest", "events_total", m.ingested); err != nil {
		return nil, err
	}
	if err := registry.Register("ingest", "redeliveries_requested_total", m.retried); err != nil {
		return nil, err
	}
	if err := registry.Register("ingest", "dropped_total", m.dropped); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *ingestMetrics) recordIngested(chain, eventType string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(chain, eventType).Inc()
}

func (m *ingestMetrics) recordRetried(chain string) {
	if m == nil {
		return
	}
	m.retried.WithLabelValues(chain).Inc()
}

func (m *ingestMetrics) recordDropped(chain string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(chain).Inc()
}
