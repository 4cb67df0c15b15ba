// Package metrics exposes pipeline counters to Prometheus. Every method is
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "norms"

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	reg *prometheus.Registry

	Documents       *prometheus.CounterVec
	QueueFailures   prometheus.Counter
	Attempts        *prometheus.CounterVec
	EscalationDepth prometheus.Histogram
	Similarity      *prometheus.HistogramVec
	ModelCost       *prometheus.CounterVec
	CacheWrites     *prometheus.CounterVec
	StorageCommits  *prometheus.CounterVec
	Replays         *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	ProcessingTime  prometheus.Histogram
}

// New registers every collector on a fresh registry, plus the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		Documents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_total",
			Help:      "Documents processed by the structuring worker, by outcome",
		}, []string{"outcome"}),
		QueueFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_failures_total",
			Help:      "Verified documents that could not be sent downstream",
		}),
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_attempts_total",
			Help:      "Model extraction attempts, by model and verification result",
		}, []string{"model", "passed"}),
		EscalationDepth: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "escalation_depth",
			Help:      "Number of models tried per document",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		Similarity: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "similarity_score",
			Help:      "Verification similarity per attempt",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"model"}),
		ModelCost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_cost_usd_total",
			Help:      "Estimated model spend in USD",
		}, []string{"model"}),
		CacheWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Versioned cache writes, by stage and status",
		}, []string{"stage", "status"}),
		StorageCommits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_commits_total",
			Help:      "Storage commit phases, by phase and status",
		}, []string{"phase", "status"}),
		Replays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Cache replays, by status",
		}, []string{"status"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code",
		}, []string{"route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		ProcessingTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "document_processing_seconds",
			Help:      "Wall time per structured document",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Document counts one processed document.
func (m *Metrics) Document(outcome string) {
	if m == nil {
		return
	}
	m.Documents.WithLabelValues(outcome).Inc()
}

// QueueFailure counts one failed outbound send.
func (m *Metrics) QueueFailure() {
	if m == nil {
		return
	}
	m.QueueFailures.Inc()
}

// Attempt records one extraction attempt.
func (m *Metrics) Attempt(modelName string, passed bool, similarity, costUSD float64) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(modelName, strconv.FormatBool(passed)).Inc()
	m.Similarity.WithLabelValues(modelName).Observe(similarity)
	if costUSD > 0 {
		m.ModelCost.WithLabelValues(modelName).Add(costUSD)
	}
}

// Escalation records how many models a document needed.
func (m *Metrics) Escalation(depth int, took time.Duration) {
	if m == nil {
		return
	}
	m.EscalationDepth.Observe(float64(depth))
	m.ProcessingTime.Observe(took.Seconds())
}

// CacheWrite counts a cache put.
func (m *Metrics) CacheWrite(stage string, err error) {
	if m == nil {
		return
	}
	m.CacheWrites.WithLabelValues(stage, status(err == nil)).Inc()
}

// StorageCommit counts one commit phase.
func (m *Metrics) StorageCommit(phase string, ok bool) {
	if m == nil {
		return
	}
	m.StorageCommits.WithLabelValues(phase, status(ok)).Inc()
}

// Replay counts one replay by result label.
func (m *Metrics) Replay(result string) {
	if m == nil {
		return
	}
	m.Replays.WithLabelValues(result).Inc()
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(route string, code int, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(took.Seconds())
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
