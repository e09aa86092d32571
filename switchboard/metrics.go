package switchboard

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sodazone/xcmon/metric"
)

// switchboardMetrics holds prometheus metrics for notification routing
type switchboardMetrics struct {
	active prometheus.Gauge
	routed *prometheus.CounterVec
}

func newSwitchboardMetrics(registry *metric.MetricsRegistry) (*switchboardMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &switchboardMetrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xcmon",
			Subsystem: "switchboard",
			Name:      "active_subscriptions",
			Help:      "Number of live subscriptions",
		}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xcmon",
			Subsystem: "switchboard",
			Name:      "notifications_routed_total",
			Help:      "Total notifications evaluated against the subscription set",
		}, []string{"type"}),
	}

	if err := registry.Register("switchboard", "active_subscriptions", m.active); err != nil {
		return nil, err
	}
	if err := registry.Register("switchboard", "notifications_routed_total", m.routed); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *switchboardMetrics) recordActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

func (m *switchboardMetrics) recordRouted(notificationType string) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(notificationType).Inc()
}
