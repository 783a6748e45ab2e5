package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce         sync.Once
	requestsTotal        *prometheus.CounterVec
	latencySeconds       *prometheus.HistogramVec
	errorsTotal          *prometheus.CounterVec
	documentUploadsTotal *prometheus.CounterVec
	documentRejected     *prometheus.CounterVec
	documentSubmissions  prometheus.Counter
	evaluationsTotal     *prometheus.CounterVec
	activitiesTotal      *prometheus.CounterVec
	linkAttemptsTotal    *prometheus.CounterVec
	feedClientsActive    prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors.
func RegisterMetrics() {
	registerOnce.Do(func() {
		requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stde",
			Name:      "requests_total",
			Help:      "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		latencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stde",
			Name:      "latency_seconds",
			Help:      "Latency distribution for API requests.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}, []string{"method", "route"})

		errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stde",
			Name:      "errors_total",
			Help:      "Total number of error responses returned.",
		}, []string{"method", "route", "status"})

		documentUploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stde",
			Name:      "document_uploads_total",
			Help:      "Documents accepted into the store, by source.",
		}, []string{"source"})

		documentRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stde",
			Name:      "document_rejected_total",
			Help:      "Documents rejected before storage, by reason.",
		}, []string{"reason"})

		documentSubmissions = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stde",
			Name:      "document_submissions_total",
			Help:      "Documents turned in to classrooms.",
		})

		evaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stde",
			Name:      "evaluations_total",
			Help:      "Evaluation attempts, by outcome.",
		}, []string{"outcome"})

		activitiesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stde",
			Name:      "activities_recorded_total",
			Help:      "Audit trail entries recorded, by action.",
		}, []string{"action"})

		linkAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stde",
			Name:      "link_attempts_total",
			Help:      "Provider account link attempts, by outcome.",
		}, []string{"outcome"})

		feedClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stde",
			Name:      "feed_clients_active",
			Help:      "Currently connected live activity feed clients.",
		})

		prometheus.MustRegister(
			requestsTotal, latencySeconds, errorsTotal,
			documentUploadsTotal, documentRejected, documentSubmissions,
			evaluationsTotal, activitiesTotal, linkAttemptsTotal, feedClientsActive,
		)
	})
}

// Requests exposes the counter for API requests.
func Requests() *prometheus.CounterVec {
	RegisterMetrics()
	return requestsTotal
}

// Latency exposes the latency histogram for API requests.
func Latency() *prometheus.HistogramVec {
	RegisterMetrics()
	return latencySeconds
}

// Errors exposes the counter for error responses.
func Errors() *prometheus.CounterVec {
	RegisterMetrics()
	return errorsTotal
}

// DocumentUploadsTotal counts accepted documents by source (upload, import).
func DocumentUploadsTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return documentUploadsTotal
}

// DocumentRejected counts rejected documents by reason.
func DocumentRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return documentRejected
}

// DocumentSubmissionsTotal counts classroom submissions.
func DocumentSubmissionsTotal() prometheus.Counter {
	RegisterMetrics()
	return documentSubmissions
}

// EvaluationsTotal counts evaluation attempts by outcome.
func EvaluationsTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return evaluationsTotal
}

// ActivitiesRecordedTotal counts audit entries by action.
func ActivitiesRecordedTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return activitiesTotal
}

// LinkAttemptsTotal counts provider link attempts by outcome.
func LinkAttemptsTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return linkAttemptsTotal
}

// FeedClientsActive gauges connected live feed clients.
func FeedClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return feedClientsActive
}
