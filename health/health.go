// Package health aggregates component health into one service status and
// serves it over HTTP.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Check reports the health of one named subsystem.
type Check func() Status

// Status is the health state of a component or of the whole service.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"subStatuses,omitempty"`
}

// Healthy returns a healthy status for the component.
func Healthy(component string) Status {
	return Status{Component: component, Healthy: true, Timestamp: time.Now()}
}

// Unhealthy returns an unhealthy status with a reason.
func Unhealthy(component, message string) Status {
	return Status{Component: component, Healthy: false, Message: message, Timestamp: time.Now()}
}

// Monitor aggregates registered checks. The service is healthy only when
// every check is.
type Monitor struct {
	service string

	mu     sync.RWMutex
	checks []Check
}

// NewMonitor creates a monitor for the named service.
func NewMonitor(service string) *Monitor {
	return &Monitor{service: service}
}

// Register adds a health check. Checks run on every status request.
func (m *Monitor) Register(check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, check)
}

// Status runs all checks and aggregates the result.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	checks := make([]Check, len(m.checks))
	copy(checks, m.checks)
	m.mu.RUnlock()

	agg := Status{
		Component: m.service,
		Healthy:   true,
		Timestamp: time.Now(),
	}
	for _, check := range checks {
		sub := check()
		if !sub.Healthy {
			agg.Healthy = false
		}
		agg.SubStatuses = append(agg.SubStatuses, sub)
	}
	return agg
}

// Handler serves the aggregated status as JSON; unhealthy services get
// 503 so load balancers and orchestrators can act on it.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := m.Status()
		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
