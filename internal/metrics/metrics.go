// Package metrics holds the Prometheus collectors of the engine. All
// Record* methods are safe on a nil *Metrics so components can run without
// instrumentation in tests and tools.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meddx"

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Inference metrics
	AnalyzeRequests *prometheus.CounterVec
	AnalyzeLatency  prometheus.Histogram
	UnknownLabels   prometheus.Counter

	// Training metrics
	TrainingRuns     *prometheus.CounterVec
	TrainingDuration prometheus.Histogram
	ModelAccuracy    prometheus.Gauge

	// Reference cache metrics
	CacheResults     *prometheus.CounterVec
	UpstreamAttempts *prometheus.CounterVec

	// Interaction metrics
	InteractionChecks *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	// Scheduler metrics
	ScheduledJobs *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		AnalyzeRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyze_requests_total",
			Help:      "Diagnoses produced, by result status",
		}, []string{"status"}),

		AnalyzeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analyze_duration_seconds",
			Help:      "Time spent producing a diagnosis",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		UnknownLabels: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_labels_total",
			Help:      "Classifier labels dropped because they have no canonical mapping",
		}),

		TrainingRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_runs_total",
			Help:      "Training runs by outcome",
		}, []string{"outcome"}),

		TrainingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "training_duration_seconds",
			Help:      "Wall time of successful training runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),

		ModelAccuracy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_held_out_accuracy",
			Help:      "Held-out accuracy of the active model",
		}),

		CacheResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refcache_results_total",
			Help:      "Reference cache fetches by source and result status",
		}, []string{"source", "status"}),

		UpstreamAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "External service attempts by source and outcome",
		}, []string{"source", "outcome"}),

		InteractionChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interaction_checks_total",
			Help:      "Medication list checks by aggregated risk level",
		}, []string{"risk_level"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code",
		}, []string{"method", "route", "code"}),

		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		ScheduledJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_jobs_total",
			Help:      "Scheduled job runs by job and outcome",
		}, []string{"job", "outcome"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordAnalyze records a diagnosis and its latency
func (m *Metrics) RecordAnalyze(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.AnalyzeRequests.WithLabelValues(status).Inc()
	m.AnalyzeLatency.Observe(d.Seconds())
}

// RecordUnknownLabels counts dropped classifier labels
func (m *Metrics) RecordUnknownLabels(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.UnknownLabels.Add(float64(n))
}

// RecordTraining records a training run; accuracy is set only on success
func (m *Metrics) RecordTraining(outcome string, d time.Duration, accuracy float64) {
	if m == nil {
		return
	}
	m.TrainingRuns.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.TrainingDuration.Observe(d.Seconds())
		m.ModelAccuracy.Set(accuracy)
	}
}

// SetModelAccuracy publishes the accuracy of a model loaded at startup
func (m *Metrics) SetModelAccuracy(accuracy float64) {
	if m == nil {
		return
	}
	m.ModelAccuracy.Set(accuracy)
}

// RecordCacheResult records the status of a reference cache fetch
func (m *Metrics) RecordCacheResult(source, status string) {
	if m == nil {
		return
	}
	m.CacheResults.WithLabelValues(source, status).Inc()
}

// RecordUpstreamAttempt records one external call attempt
func (m *Metrics) RecordUpstreamAttempt(source, outcome string) {
	if m == nil {
		return
	}
	m.UpstreamAttempts.WithLabelValues(source, outcome).Inc()
}

// RecordInteractionCheck records a medication list check
func (m *Metrics) RecordInteractionCheck(risk string) {
	if m == nil {
		return
	}
	m.InteractionChecks.WithLabelValues(risk).Inc()
}

// RecordHTTPRequest records a served HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, code).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(d.Seconds())
}

// RecordScheduledJob records one run of a scheduled job
func (m *Metrics) RecordScheduledJob(job, outcome string) {
	if m == nil {
		return
	}
	m.ScheduledJobs.WithLabelValues(job, outcome).Inc()
}
