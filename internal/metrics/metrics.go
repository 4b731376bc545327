// Package metrics exposes Prometheus instrumentation for the pipeline and the
// HTTP transport.
//
// Collectors live on a private registry so tests and multiple servers in one
// process do not collide on the global default.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "proctorlens"

// Drop reasons reported by EventsDropped.
const (
	ReasonInvalidTimestamp = "invalid_timestamp"
	ReasonMalformed        = "malformed_activity"
	ReasonUnknownQuestion  = "unknown_question"
)

// Session statuses reported by SessionProcessed.
const (
	StatusOK     = "ok"
	StatusEmpty  = "empty"
	StatusFailed = "failed"
)

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	EventsDropped     *prometheus.CounterVec
	SessionsProcessed *prometheus.CounterVec
	BatchDuration     prometheus.Histogram
	CohortQuestions   prometheus.Gauge

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events or metrics discarded during processing, by reason.",
		}, []string{"reason"}),

		SessionsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_processed_total",
			Help:      "Sessions processed, by outcome.",
		}, []string{"status"}),

		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time to process one batch.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),

		CohortQuestions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cohort_questions",
			Help:      "Questions in the most recently built cohort.",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "endpoint", "status"}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"method", "endpoint"}),
	}
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDropped adds n dropped items for reason. Zero is ignored.
func (m *Metrics) RecordDropped(reason string, n int) {
	if n <= 0 {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Add(float64(n))
}

// RecordSession counts one processed session.
func (m *Metrics) RecordSession(status string) {
	m.SessionsProcessed.WithLabelValues(status).Inc()
}

// RecordBatch observes a finished batch.
func (m *Metrics) RecordBatch(d time.Duration, questions int) {
	m.BatchDuration.Observe(d.Seconds())
	m.CohortQuestions.Set(float64(questions))
}
