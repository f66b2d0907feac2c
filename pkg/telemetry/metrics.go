package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the four counter/gauge/histogram families named in §4.6.
// Each Sink owns its own registry so tests can instantiate independent
// Sinks without colliding on prometheus's global default registry.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	generationLatency *prometheus.HistogramVec
	activeSessions    *prometheus.GaugeVec
	sessionRotations  *prometheus.CounterVec
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total upstream chat-completion attempts by outcome.",
		}, []string{"status"}),
		generationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "generation_latency_seconds",
			Help:    "Upstream attempt latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Current session count by effective status.",
		}, []string{"status"}),
		sessionRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_rotations_total",
			Help: "Total session status transitions by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.requestsTotal, m.generationLatency, m.activeSessions, m.sessionRotations)
	return m
}

// Registry exposes the Sink's private registry for /admin/metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observeAttempt(status string, latencySeconds float64) {
	m.requestsTotal.WithLabelValues(status).Inc()
	m.generationLatency.WithLabelValues(status).Observe(latencySeconds)
}

// SetActiveSessions overwrites the active_sessions gauge for every status in
// counts, zeroing any status not present so stale values don't linger.
func (m *Metrics) SetActiveSessions(counts map[string]int) {
	for _, status := range []string{"healthy", "quarantined", "expired", "revoked"} {
		m.activeSessions.WithLabelValues(status).Set(float64(counts[status]))
	}
}

func (m *Metrics) recordRotation(reason string) {
	m.sessionRotations.WithLabelValues(reason).Inc()
}
