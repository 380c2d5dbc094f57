package billsync

import (
	"context"
	"errors"
	"time"
)

// CircuitBreakerStore wraps a Store with circuit breaker protection and
// storage operation metrics.
type CircuitBreakerStore struct {
	store   Store
	cb      CircuitBreaker
	metrics Metrics
}

// NewCircuitBreakerStore creates a new store wrapper. The breaker should be
// built with IsStoreFailure as its classifier so lookups of missing records
// and lost compare-and-swap races do not open the circuit.
func NewCircuitBreakerStore(store Store, cb CircuitBreaker, metrics Metrics) *CircuitBreakerStore {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &CircuitBreakerStore{store: store, cb: cb, metrics: metrics}
}

// IsStoreFailure reports whether err indicates an unhealthy store rather than
// an expected domain result.
func IsStoreFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrVersionConflict) &&
		!errors.Is(err, ErrAlreadyExists) &&
		!errors.Is(err, context.Canceled)
}

func (s *CircuitBreakerStore) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub *Subscription
	err := s.run(ctx, "get_subscription", func() error {
		var e error
		sub, e = s.store.GetSubscription(ctx, subscriptionID)
		return e
	})
	return sub, err
}

func (s *CircuitBreakerStore) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	var subs []*Subscription
	err := s.run(ctx, "list_by_user", func() error {
		var e error
		subs, e = s.store.ListByUser(ctx, userID)
		return e
	})
	return subs, err
}

func (s *CircuitBreakerStore) SaveSubscription(ctx context.Context, sub *Subscription, expectedVersion int64) error {
	return s.run(ctx, "save_subscription", func() error {
		return s.store.SaveSubscription(ctx, sub, expectedVersion)
	})
}

func (s *CircuitBreakerStore) DeleteByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.run(ctx, "delete_by_user", func() error {
		var e error
		n, e = s.store.DeleteByUser(ctx, userID)
		return e
	})
	return n, err
}

// LogAuditEntry forwards to the wrapped store when it implements AuditLogger.
func (s *CircuitBreakerStore) LogAuditEntry(ctx context.Context, entry *AuditLogEntry) error {
	al, ok := s.store.(AuditLogger)
	if !ok {
		return nil
	}
	return s.run(ctx, "log_audit_entry", func() error {
		return al.LogAuditEntry(ctx, entry)
	})
}

// GetAuditLogs forwards to the wrapped store when it implements AuditLogger.
func (s *CircuitBreakerStore) GetAuditLogs(ctx context.Context, filter AuditLogFilter) ([]*AuditLogEntry, error) {
	al, ok := s.store.(AuditLogger)
	if !ok {
		return nil, nil
	}
	var entries []*AuditLogEntry
	err := s.run(ctx, "get_audit_logs", func() error {
		var e error
		entries, e = al.GetAuditLogs(ctx, filter)
		return e
	})
	return entries, err
}

func (s *CircuitBreakerStore) run(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := s.cb.Execute(ctx, fn)
	if errors.Is(err, ErrCircuitOpen) {
		err = errors.Join(ErrStorageUnavailable, err)
	}
	var recorded error
	if IsStoreFailure(err) {
		recorded = err
	}
	s.metrics.RecordStorageOperation(op, time.Since(start), recorded)
	return err
}
