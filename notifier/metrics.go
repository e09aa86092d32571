package notifier

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sodazone/xcmon/metric"
)

// dispatcherMetrics holds prometheus metrics for notification delivery
type dispatcherMetrics struct {
	delivered *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

func newDispatcherMetrics(registry *metric.MetricsRegistry) (*dispatcherMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &dispatcherMetrics{
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xcmon",
			Subsystem: "notifier",
			Name:      "deliveries_total",
			Help:      "Total notification deliveries by channel type and status",
		}, []string{"channel", "status"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xcmon",
			Subsystem: "notifier",
			Name:      "dropped_total",
			Help:      "Total notifications dropped before delivery",
		}, []string{"channel"}),
	}

	if err := registry.Register("notifier", "deliveries_total", m.delivered); err != nil {
		return nil, err
	}
	if err := registry.Register("notifier", "dropped_total", m.dropped); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *dispatcherMetrics) recordDelivery(channel string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.delivered.WithLabelValues(channel, status).Inc()
}

func (m *dispatcherMetrics) recordDropped(channel string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(channel).Inc()
}
