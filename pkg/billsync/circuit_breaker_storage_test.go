package billsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// stubStore returns fixed results for every call.
type stubStore struct {
	err   error
	sub   *Subscription
	calls int
}

func (s *stubStore) GetSubscription(_ context.Context, _ string) (*Subscription, error) {
	s.calls++
	return s.sub, s.err
}

func (s *stubStore) ListByUser(_ context.Context, _ string) ([]*Subscription, error) {
	s.calls++
	if s.sub == nil {
		return nil, s.err
	}
	return []*Subscription{s.sub}, s.err
}

func (s *stubStore) SaveSubscription(_ context.Context, _ *Subscription, _ int64) error {
	s.calls++
	return s.err
}

func (s *stubStore) DeleteByUser(_ context.Context, _ string) (int, error) {
	s.calls++
	return 0, s.err
}

type countingMetrics struct {
	NoopMetrics
	ops    map[string]int
	errors int
}

func (m *countingMetrics) RecordStorageOperation(op string, _ time.Duration, err error) {
	if m.ops == nil {
		m.ops = make(map[string]int)
	}
	m.ops[op]++
	if err != nil {
		m.errors++
	}
}

func TestCircuitBreakerStore_DomainErrorsDoNotTrip(t *testing.T) {
	inner := &stubStore{err: ErrNotFound}
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, IsFailure: IsStoreFailure})
	metrics := &countingMetrics{}
	store := NewCircuitBreakerStore(inner, cb, metrics)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.GetSubscription(ctx, "sub_1")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	inner.err = ErrVersionConflict
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, store.SaveSubscription(ctx, &Subscription{}, 1), ErrVersionConflict)
	}

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 5, metrics.ops["get_subscription"])
	assert.Equal(t, 5, metrics.ops["save_subscription"])
	assert.Equal(t, 0, metrics.errors)
}

func TestCircuitBreakerStore_OpensOnFailures(t *testing.T) {
	inner := &stubStore{err: errors.New("connection refused")}
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, IsFailure: IsStoreFailure})
	store := NewCircuitBreakerStore(inner, cb, nil)
	ctx := context.Background()

	_, _ = store.ListByUser(ctx, "user1")
	_, _ = store.DeleteByUser(ctx, "user1")
	assert.Equal(t, StateOpen, cb.State())

	calls := inner.calls
	_, err := store.GetSubscription(ctx, "sub_1")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, calls, inner.calls, "open circuit must not reach the store")
}

func TestCircuitBreakerStore_AuditPassThrough(t *testing.T) {
	cb := NewDefaultCircuitBreaker(CircuitBreakerConfig{})
	store := NewCircuitBreakerStore(&stubStore{}, cb, nil)

	// The stub has no audit support, so audit calls are no-ops
	assert.NoError(t, store.LogAuditEntry(context.Background(), &AuditLogEntry{}))
	logs, err := store.GetAuditLogs(context.Background(), AuditLogFilter{})
	assert.NoError(t, err)
	assert.Nil(t, logs)
}

func TestIsStoreFailure(t *testing.T) {
	assert.False(t, IsStoreFailure(nil))
	assert.False(t, IsStoreFailure(ErrNotFound))
	assert.False(t, IsStoreFailure(ErrAlreadyExists))
	assert.False(t, IsStoreFailure(errors.Join(errors.New("wrap"), ErrVersionConflict)))
	assert.True(t, IsStoreFailure(errors.New("timeout")))
}
