// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ConversationsAcceptedTotal tracks conversations accepted for analysis.
	ConversationsAcceptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_accepted_total",
			Help: "Conversations accepted into the processing queue",
		},
	)

	// AdmissionRejectedTotal tracks submissions denied by the inbound gate.
	AdmissionRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_rejected_total",
			Help: "Submissions rejected by the inbound rate gate",
		},
	)

	// BatchesDispatchedTotal tracks batches sent for analysis.
	BatchesDispatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batches_dispatched_total",
			Help: "Batches dispatched to the analysis client",
		},
	)

	// BatchSize tracks the size distribution of dispatched batches.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_size",
			Help:    "Number of conversations per dispatched batch",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20, 30, 50},
		},
	)

	// AnalysisCallDuration tracks external analysis call duration.
	AnalysisCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analysis_call_duration_seconds",
			Help:    "External analysis call duration including retries",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"model", "status"},
	)

	// AnalysisRetriesTotal tracks analysis attempts that backed off.
	AnalysisRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analysis_retries_total",
			Help: "Analysis attempts retried after a transient failure",
		},
	)

	// AnalysisThrottledTotal tracks upstream 429 responses.
	AnalysisThrottledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analysis_throttled_total",
			Help: "Analysis calls throttled by upstream",
		},
	)

	// InsightsStoredTotal tracks persisted insights.
	InsightsStoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insights_stored_total",
			Help: "Insights persisted to storage",
		},
	)

	// ConversationsFailedTotal tracks conversations resolved as failed.
	ConversationsFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_failed_total",
			Help: "Conversations whose analysis permanently failed",
		},
	)

	// QueueDepth tracks ids waiting in the in-memory queue.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_queue_depth",
			Help: "Conversations waiting in the scheduler queue",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordBatch records metrics for a dispatched batch.
func RecordBatch(size int) {
	BatchesDispatchedTotal.Inc()
	BatchSize.Observe(float64(size))
}

// RecordAnalysisCall records one external analysis round trip.
func RecordAnalysisCall(model, status string, duration float64) {
	AnalysisCallDuration.WithLabelValues(model, status).Observe(duration)
}

// RecordOutcomes records reconciliation results for a batch.
func RecordOutcomes(completed, failed int) {
	InsightsStoredTotal.Add(float64(completed))
	ConversationsFailedTotal.Add(float64(failed))
}
