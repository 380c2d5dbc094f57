// Package memory provides an in-memory implementation of the billsync.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Storage implements billsync.Store and billsync.AuditLogger using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*billsync.Subscription
	byUser        map[string]map[string]struct{}
	audit         []*billsync.AuditLogEntry
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*billsync.Subscription),
		byUser:        make(map[string]map[string]struct{}),
	}
}

// GetSubscription implements billsync.Store
func (s *Storage) GetSubscription(_ context.Context, subscriptionID string) (*billsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return nil, billsync.ErrNotFound
	}

	// Return a copy to prevent external mutations
	return sub.Clone(), nil
}

// ListByUser implements billsync.Store
func (s *Storage) ListByUser(_ context.Context, userID string) ([]*billsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*billsync.Subscription, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		out = append(out, s.subscriptions[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastEventSequence > out[j].LastEventSequence
	})
	return out, nil
}

// SaveSubscription implements billsync.Store with version compare-and-swap
func (s *Storage) SaveSubscription(_ context.Context, sub *billsync.Subscription, expectedVersion int64) error {
	if sub == nil || sub.ProviderSubscriptionID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subscriptions[sub.ProviderSubscriptionID]
	switch {
	case !ok && expectedVersion != 0:
		return billsync.ErrVersionConflict
	case ok && expectedVersion == 0:
		return billsync.ErrAlreadyExists
	case ok && existing.Version != expectedVersion:
		return billsync.ErrVersionConflict
	case ok && existing.UserID != sub.UserID:
		return fmt.Errorf("subscription %s: user id is immutable", sub.ProviderSubscriptionID)
	}

	// Store a copy to prevent external mutations
	s.subscriptions[sub.ProviderSubscriptionID] = sub.Clone()
	if s.byUser[sub.UserID] == nil {
		s.byUser[sub.UserID] = make(map[string]struct{})
	}
	s.byUser[sub.UserID][sub.ProviderSubscriptionID] = struct{}{}
	return nil
}

// DeleteByUser implements billsync.Store
func (s *Storage) DeleteByUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byUser[userID]
	for id := range ids {
		delete(s.subscriptions, id)
	}
	delete(s.byUser, userID)
	return len(ids), nil
}

// LogAuditEntry implements billsync.AuditLogger
func (s *Storage) LogAuditEntry(_ context.Context, entry *billsync.AuditLogEntry) error {
	if entry == nil {
		return fmt.Errorf("invalid audit entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := *entry
	s.audit = append(s.audit, &e)
	return nil
}

// GetAuditLogs implements billsync.AuditLogger
func (s *Storage) GetAuditLogs(_ context.Context, filter billsync.AuditLogFilter) ([]*billsync.AuditLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = billsync.DefaultAuditLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*billsync.AuditLogEntry
	// Newest first
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.Matches(s.audit[i]) {
			e := *s.audit[i]
			out = append(out, &e)
		}
	}
	return out, nil
}
