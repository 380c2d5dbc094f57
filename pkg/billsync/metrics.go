package billsync

import "time"

// Metrics defines the interface for tracking reconciliation operations.
type Metrics interface {
	// RecordApply records one Engine.Apply call and its outcome
	// ("applied", "stale", "conflict", "error").
	RecordApply(source, outcome string, duration time.Duration)

	// RecordStatusTransition records a committed status change.
	RecordStatusTransition(from, to string)

	// RecordLockWait records how long Apply waited for the per-user lock.
	RecordLockWait(duration time.Duration)

	// RecordNotification records a notifier event ("queued", "dropped", "delivered", "failed").
	RecordNotification(sink, status string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(name, state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordApply(source, outcome string, duration time.Duration)                 {}
func (n *NoopMetrics) RecordStatusTransition(from, to string)                                     {}
func (n *NoopMetrics) RecordLockWait(duration time.Duration)                                      {}
func (n *NoopMetrics) RecordNotification(sink, status string)                                     {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(name, state string)                         {}
