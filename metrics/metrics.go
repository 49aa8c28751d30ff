// Package metrics exposes Prometheus instrumentation for the onboard client.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics collects per-request metrics for one client. A nil
// *ClientMetrics is a valid no-op collector, so instrumented call sites never
// need to nil-check.
type ClientMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// New builds the collectors and registers them with reg. A nil registerer
// skips registration, which is handy for tests that only poke the collectors
// directly.
func New(reg prometheus.Registerer) *ClientMetrics {
	m := &ClientMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devcade",
			Subsystem: "onboard_client",
			Name:      "requests_total",
			Help:      "Requests issued to the onboard daemon, by body type and outcome.",
		}, []string{"type", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devcade",
			Subsystem: "onboard_client",
			Name:      "request_duration_seconds",
			Help:      "Round-trip time from enqueue to completion, by body type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devcade",
			Subsystem: "onboard_client",
			Name:      "in_flight_requests",
			Help:      "Requests written to the daemon and still awaiting a response.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.inFlight)
	}
	return m
}

// ObserveRequest records one completed send call.
func (m *ClientMetrics) ObserveRequest(bodyType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(bodyType, status).Inc()
	m.duration.WithLabelValues(bodyType).Observe(elapsed.Seconds())
}

// InFlightInc marks one request as pending.
func (m *ClientMetrics) InFlightInc() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// InFlightDec marks one pending request as resolved.
func (m *ClientMetrics) InFlightDec() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

// InFlightSub removes n pending requests at once, used when a dying
// connection fails out everything still in its table.
func (m *ClientMetrics) InFlightSub(n int) {
	if m == nil || n == 0 {
		return
	}
	m.inFlight.Sub(float64(n))
}
