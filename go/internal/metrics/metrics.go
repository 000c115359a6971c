// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on its own registry so tests can build
// independent instances.
type Metrics struct {
	registry *prometheus.Registry

	finalizations   *prometheus.CounterVec
	degraded        *prometheus.CounterVec
	finalizeLatency prometheus.Histogram
	clockDrift      prometheus.Counter
	focusLosses     *prometheus.CounterVec
	leaders         *prometheus.CounterVec
	activeSessions  prometheus.Gauge

	outboxEvents   *prometheus.CounterVec
	outboxDuration *prometheus.HistogramVec
	outboxBatch    prometheus.Histogram

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_finalizations_total",
			Help: "Attempts finalized, by reason",
		}, []string{"reason"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_finalizations_degraded_total",
			Help: "Finalizations whose persistence could not be confirmed, by stage",
		}, []string{"stage"}),
		finalizeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exam_finalize_duration_seconds",
			Help:    "Duration of the finalization pipeline",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		clockDrift: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exam_clock_drift_total",
			Help: "Timer ticks that arrived outside the drift threshold",
		}),
		focusLosses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_focus_losses_total",
			Help: "Counted focus losses, by policy",
		}, []string{"policy"}),
		leaders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_leader_decisions_total",
			Help: "Leader election outcomes",
		}, []string{"role"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exam_active_sessions",
			Help: "Sessions currently open",
		}),
		outboxEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_outbox_events_total",
			Help: "Outbox events published, by type and status",
		}, []string{"event_type", "status"}),
		outboxDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exam_outbox_publish_duration_seconds",
			Help:    "Time spent publishing one outbox event",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),
		outboxBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exam_outbox_batch_size",
			Help:    "Events published per fallback sweep",
			Buckets: []float64{0, 1, 5, 10, 50, 100},
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exam_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		}, []string{"method", "endpoint"}),
	}

	m.registry.MustRegister(
		m.finalizations, m.degraded, m.finalizeLatency, m.clockDrift,
		m.focusLosses, m.leaders, m.activeSessions,
		m.outboxEvents, m.outboxDuration, m.outboxBatch,
		m.requests, m.requestDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordFinalization(reason string, d time.Duration) {
	m.finalizations.WithLabelValues(reason).Inc()
	m.finalizeLatency.Observe(d.Seconds())
}

func (m *Metrics) RecordDegraded(stage string) {
	m.degraded.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordClockDrift() { m.clockDrift.Inc() }

func (m *Metrics) RecordFocusLoss(policy string) {
	m.focusLosses.WithLabelValues(policy).Inc()
}

func (m *Metrics) RecordLeaderDecision(leader bool) {
	role := "follower"
	if leader {
		role = "leader"
	}
	m.leaders.WithLabelValues(role).Inc()
}

func (m *Metrics) SessionOpened() { m.activeSessions.Inc() }
func (m *Metrics) SessionClosed() { m.activeSessions.Dec() }

// RecordEventProcessed satisfies outbox.MetricsCollector.
func (m *Metrics) RecordEventProcessed(eventType string, success bool, d time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.outboxEvents.WithLabelValues(eventType, status).Inc()
	m.outboxDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

func (m *Metrics) RecordBatchProcessed(count int, _ time.Duration) {
	m.outboxBatch.Observe(float64(count))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware counts requests by the route name given.
func (m *Metrics) Middleware(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		m.requests.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}
