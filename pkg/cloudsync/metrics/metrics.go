// Package metrics holds the Prometheus instruments for the cloud sync engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Retry executor
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_tasks_submitted_total",
			Help: "Total number of operations submitted to the retry executor",
		},
		[]string{"operation"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_tasks_completed_total",
			Help: "Total number of operations finished, by outcome",
		},
		[]string{"operation", "outcome"}, // "success", "exhausted", "permanent"
	)

	TaskAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_task_attempts_total",
			Help: "Total number of attempts made by the retry executor",
		},
		[]string{"operation"},
	)

	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudsync_tasks_in_flight",
			Help: "Operations currently holding or waiting for a worker slot",
		},
	)

	// Remote API
	RemoteCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudsync_remote_call_duration_seconds",
			Help:    "Duration of calls to the cloud backend in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	RemoteCallErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_remote_call_errors_total",
			Help: "Total number of failed calls to the cloud backend, by status code",
		},
		[]string{"endpoint", "code"},
	)

	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudsync_circuit_breaker_state",
			Help: "Cloud backend circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Batch reconciliation
	ReconcileItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_reconcile_items_total",
			Help: "Items processed by batch reconciliation, by kind and result",
		},
		[]string{"kind", "result"},
	)
)

// RecordRemoteCall records a call to the cloud backend. code is the OCS
// status code of a failure, or 0 on success.
func RecordRemoteCall(method, endpoint string, duration time.Duration, code int) {
	RemoteCallDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	if code != 0 {
		RemoteCallErrors.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	}
}

// RecordTaskOutcome records how a retried operation finished
func RecordTaskOutcome(operation, outcome string, attempts int) {
	TasksCompleted.WithLabelValues(operation, outcome).Inc()
	TaskAttempts.WithLabelValues(operation).Add(float64(attempts))
}
