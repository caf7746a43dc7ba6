package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the analysis pipeline. All
// methods are nil-safe so wiring metrics stays optional in tests.
type Metrics struct {
	Registry               *prometheus.Registry
	InferenceRequestsTotal *prometheus.CounterVec
	InferenceDuration      prometheus.Histogram
	RetriesTotal           prometheus.Counter
	RowsProcessedTotal     prometheus.Counter
	ErrorsTotal            *prometheus.CounterVec
	JobsTotal              *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	inferenceRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_inference_requests_total",
			Help: "Total inference calls issued, labeled by outcome.",
		},
		[]string{"outcome"},
	)
	inferenceDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_inference_duration_seconds",
			Help:    "Latency of individual inference calls.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_inference_retries_total",
			Help: "Total inference retry attempts scheduled.",
		},
	)
	rowsProcessed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_rows_processed_total",
			Help: "Total source rows covered by completed extraction windows.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_errors_total",
			Help: "Total row- and chunk-level errors by kind.",
		},
		[]string{"error_kind"},
	)
	jobsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_total",
			Help: "Total finished jobs by terminal status.",
		},
		[]string{"status"},
	)

	registry.MustRegister(inferenceRequests, inferenceDuration, retries, rowsProcessed, errorsTotal, jobsTotal)

	return &Metrics{
		Registry:               registry,
		InferenceRequestsTotal: inferenceRequests,
		InferenceDuration:      inferenceDuration,
		RetriesTotal:           retries,
		RowsProcessedTotal:     rowsProcessed,
		ErrorsTotal:            errorsTotal,
		JobsTotal:              jobsTotal,
	}
}

// InferenceCall records one inference attempt; implements extract.Observer.
func (m *Metrics) InferenceCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.InferenceRequestsTotal.WithLabelValues(outcome).Inc()
	m.InferenceDuration.Observe(d.Seconds())
}

// Retry records one scheduled retry; implements extract.Observer.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// AddRows counts source rows covered by completed windows.
func (m *Metrics) AddRows(n int) {
	if m == nil {
		return
	}
	m.RowsProcessedTotal.Add(float64(n))
}

// IncError increments the error counter for a kind label.
func (m *Metrics) IncError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// IncJob counts a finished job by terminal status.
func (m *Metrics) IncJob(status string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(status).Inc()
}
