package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sodazone/xcmon/metric"
)

// schedulerMetrics holds prometheus metrics for the scheduler
type schedulerMetrics struct {
	scheduled prometheus.Counter
	fired     *prometheus.CounterVec
	errors    *prometheus.CounterVec
}

func newSchedulerMetrics(registry *metric.MetricsRegistry) (*schedulerMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &schedulerMetrics{
		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xcmon",
			Subsystem: "scheduler",
			Name:      "tasks_scheduled_total",
			Help:      "Total tasks persisted for deferred execution",
		}),
		fired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xcmon",
			Subsystem: "scheduler",
			Name:      "tasks_fired_total",
			Help:      "Total due tasks delivered to their handler",
		}, []string{"type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xcmon",
			Subsystem: "scheduler",
			Name:      "errors_total",
			Help:      "Total scheduler errors by stage",
		}, []string{"stage"}),
	}

	if err := registry.Register("scheduler", "tasks_scheduled_total", m.scheduled); err != nil {
		return nil, err
	}
	if err := registry.Register("scheduler", "tasks_fired_total", m.fired); err != nil {
		return nil, err
	}
	if err := registry.Register("scheduler", "errors_total", m.errors); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *schedulerMetrics) recordScheduled() {
	if m == nil {
		return
	}
	m.scheduled.Inc()
}

func (m *schedulerMetrics) recordFired(taskType string) {
	if m == nil {
		return
	}
	m.fired.WithLabelValues(taskType).Inc()
}

func (m *schedulerMetrics) recordError(stage string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(stage).Inc()
}
