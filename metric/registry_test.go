package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xcmon",
		Subsystem: "test",
		Name:      name,
	})
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewMetricsRegistry()

	require.NoError(t, r.Register("engine", "ops_total", newTestCounter("ops_total")))
	assert.Error(t, r.Register("engine", "ops_total", newTestCounter("ops_total")))
}

func TestSameNameDifferentService(t *testing.T) {
	r := NewMetricsRegistry()

	require.NoError(t, r.Register("engine", "a_total", newTestCounter("a_total")))
	// Same registry key namespace differs, but prometheus still rejects
	// an identical fully-qualified metric name.
	assert.Error(t, r.Register("scheduler", "a_total", newTestCounter("a_total")))
}

func TestUnregister(t *testing.T) {
	r := NewMetricsRegistry()

	c := newTestCounter("gone_total")
	require.NoError(t, r.Register("engine", "gone_total", c))

	assert.True(t, r.Unregister("engine", "gone_total"))
	assert.False(t, r.Unregister("engine", "gone_total"))

	// The slot is free for re-registration after removal.
	require.NoError(t, r.Register("engine", "gone_total", newTestCounter("gone_total")))
}

func TestCoreMetricsRecorders(t *testing.T) {
	r := NewMetricsRegistry()
	m := r.CoreMetrics()

	m.RecordServiceStatus("xcmon", 2)
	m.RecordEventIngested("urn:ocn:local:0", "sent")
	m.RecordNATSStatus(true)
	m.RecordNATSReconnect()

	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]struct{}, len(families))
	for _, f := range families {
		names[f.GetName()] = struct{}{}
	}
	assert.Contains(t, names, "xcmon_service_status")
	assert.Contains(t, names, "xcmon_ingest_events_total")
	assert.Contains(t, names, "xcmon_nats_connected")
	assert.Contains(t, names, "xcmon_nats_reconnects_total")
}
