package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the range feeder and its HTTP API.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	segmentsFetched   *prometheus.CounterVec
	bytesFetched      prometheus.Counter
	fetchDuration     prometheus.Histogram
	fetchRetries      prometheus.Counter
	stallsTotal       prometheus.Counter
	phaseTransitions  *prometheus.CounterVec
	sessionsCompleted *prometheus.CounterVec
	activeSessions    prometheus.Gauge
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangefeed_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangefeed_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		segmentsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rangefeed_segments_fetched_total",
			Help: "Range fetches by session phase at issue time",
		}, []string{"phase"}),
		bytesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangefeed_bytes_fetched_total",
			Help: "Total payload bytes received from range fetches",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rangefeed_fetch_duration_seconds",
			Help:    "Duration of a range fetch including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		fetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangefeed_fetch_retries_total",
			Help: "Total number of retried fetch attempts",
		}),
		stallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangefeed_playback_stalls_total",
			Help: "Sessions that stopped feeding because a fetch or append failed",
		}),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rangefeed_phase_transitions_total",
			Help: "Session phase transitions by target phase",
		}, []string{"to"}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rangefeed_sessions_completed_total",
			Help: "Finished sessions by outcome",
		}, []string{"outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rangefeed_active_sessions",
			Help: "Number of sessions whose control loop is running",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.segmentsFetched,
		m.bytesFetched,
		m.fetchDuration,
		m.fetchRetries,
		m.stallsTotal,
		m.phaseTransitions,
		m.sessionsCompleted,
		m.activeSessions,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// ObserveFetch records one completed range fetch.
func (m *Metrics) ObserveFetch(phase string, bytes int, d time.Duration) {
	if m == nil {
		return
	}
	m.segmentsFetched.WithLabelValues(phase).Inc()
	m.bytesFetched.Add(float64(bytes))
	m.fetchDuration.Observe(d.Seconds())
}

// IncRetries counts one retried attempt.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.fetchRetries.Inc()
}

// IncStalls counts a surfaced playback stall.
func (m *Metrics) IncStalls() {
	if m == nil {
		return
	}
	m.stallsTotal.Inc()
}

// IncPhaseTransition counts a move into phase.
func (m *Metrics) IncPhaseTransition(phase string) {
	if m == nil {
		return
	}
	m.phaseTransitions.WithLabelValues(phase).Inc()
}

// IncSessionsCompleted counts a finished session ("drained", "direct", "failed", "cancelled").
func (m *Metrics) IncSessionsCompleted(outcome string) {
	if m == nil {
		return
	}
	m.sessionsCompleted.WithLabelValues(outcome).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
