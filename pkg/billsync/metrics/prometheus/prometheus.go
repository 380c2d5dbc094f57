package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements billsync.Metrics using Prometheus.
type Metrics struct {
	applyTotal                 *prometheus.CounterVec
	applyDuration              *prometheus.HistogramVec
	statusTransitionsTotal     *prometheus.CounterVec
	lockWaitDuration           prometheus.Histogram
	notificationsTotal         *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		applyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "updates_total",
			Help:      "Total number of reconciliation updates by source and outcome.",
		}, []string{"source", "outcome"}),

		applyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "update_duration_seconds",
			Help:      "Latency of reconciliation updates.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		statusTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "status_transitions_total",
			Help:      "Total number of committed subscription status changes.",
		}, []string{"from", "to"}),

		lockWaitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the per-user lock.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),

		notificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of notifier events by sink and status.",
		}, []string{"sink", "status"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"name", "state"}),
	}
}

func (m *Metrics) RecordApply(source, outcome string, duration time.Duration) {
	m.applyTotal.WithLabelValues(source, outcome).Inc()
	m.applyDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func (m *Metrics) RecordStatusTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	m.statusTransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordLockWait(duration time.Duration) {
	m.lockWaitDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordNotification(sink, status string) {
	m.notificationsTotal.WithLabelValues(sink, status).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(name, state string) {
	m.circuitBreakerStateChanges.WithLabelValues(name, state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
