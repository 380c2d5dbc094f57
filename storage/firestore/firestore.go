// Package firestore provides a Firestore implementation of the billsync.Store interface.
// Version compare-and-swap runs inside Firestore transactions.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// errOwnerMismatch aborts a transaction that would move a record to another user.
var errOwnerMismatch = errors.New("user id is immutable")

// Storage implements billsync.Store and billsync.AuditLogger using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	auditCollection         string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection is the Firestore collection for subscription records
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// AuditCollection is the Firestore collection for audit entries
	// Default: "billing_subscription_audit"
	AuditCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.AuditCollection == "" {
		config.AuditCollection = "billing_subscription_audit"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		auditCollection:         config.AuditCollection,
	}, nil
}

// GetSubscription implements billsync.Store
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*billsync.Subscription, error) {
	snap, err := s.subscriptionDoc(subscriptionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billsync.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, billsync.ErrNotFound
	}
	return fromDocument(snap.Ref.ID, snap.Data()), nil
}

// ListByUser implements billsync.Store. Ordering is done client side so the
// query needs only the single-field index on userId.
func (s *Storage) ListByUser(ctx context.Context, userID string) ([]*billsync.Subscription, error) {
	docs, err := s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", userID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	out := make([]*billsync.Subscription, 0, len(docs))
	for _, snap := range docs {
		out = append(out, fromDocument(snap.Ref.ID, snap.Data()))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastEventSequence > out[j].LastEventSequence
	})
	return out, nil
}

// SaveSubscription implements billsync.Store
func (s *Storage) SaveSubscription(ctx context.Context, sub *billsync.Subscription, expectedVersion int64) error {
	if sub == nil || sub.ProviderSubscriptionID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	doc := s.subscriptionDoc(sub.ProviderSubscriptionID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		exists := err == nil && snap.Exists()
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		switch {
		case !exists && expectedVersion != 0:
			return billsync.ErrVersionConflict
		case exists && expectedVersion == 0:
			return billsync.ErrAlreadyExists
		case exists:
			data := snap.Data()
			if getInt64(data, "version") != expectedVersion {
				return billsync.ErrVersionConflict
			}
			if getString(data, "userId") != sub.UserID {
				return errOwnerMismatch
			}
		}

		return tx.Set(doc, toDocument(sub))
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, billsync.ErrVersionConflict), errors.Is(err, billsync.ErrAlreadyExists):
		return err
	case errors.Is(err, errOwnerMismatch):
		return fmt.Errorf("subscription %s: %w", sub.ProviderSubscriptionID, err)
	default:
		return fmt.Errorf("failed to save subscription: %w", err)
	}
}

// DeleteByUser implements billsync.Store
func (s *Storage) DeleteByUser(ctx context.Context, userID string) (int, error) {
	var deleted int
	query := s.client.Collection(s.subscriptionsCollection).Where("userId", "==", userID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		deleted = 0
		docs, err := tx.Documents(query).GetAll()
		if err != nil {
			return err
		}
		for _, snap := range docs {
			if err := tx.Delete(snap.Ref); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete subscriptions: %w", err)
	}
	return deleted, nil
}

// LogAuditEntry implements billsync.AuditLogger
func (s *Storage) LogAuditEntry(ctx context.Context, entry *billsync.AuditLogEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	data := map[string]interface{}{
		"userId":         entry.UserID,
		"subscriptionId": entry.SubscriptionID,
		"action":         entry.Action,
		"fromStatus":     string(entry.FromStatus),
		"toStatus":       string(entry.ToStatus),
		"sequence":       entry.Sequence,
		"source":         string(entry.Source),
		"eventId":        entry.EventID,
		"timestamp":      entry.Timestamp,
		"actor":          entry.Actor,
		"reason":         entry.Reason,
	}
	if len(entry.Metadata) > 0 {
		data["metadata"] = entry.Metadata
	}

	_, err := s.client.Collection(s.auditCollection).Doc(entry.ID).Set(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to log audit entry: %w", err)
	}
	return nil
}

// GetAuditLogs implements billsync.AuditLogger
func (s *Storage) GetAuditLogs(ctx context.Context, filter billsync.AuditLogFilter) ([]*billsync.AuditLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = billsync.DefaultAuditLimit
	}

	query := s.client.Collection(s.auditCollection).Query
	if filter.UserID != "" {
		query = query.Where("userId", "==", filter.UserID)
	}
	if filter.SubscriptionID != "" {
		query = query.Where("subscriptionId", "==", filter.SubscriptionID)
	}
	if filter.Action != "" {
		query = query.Where("action", "==", filter.Action)
	}
	if filter.StartTime != nil {
		query = query.Where("timestamp", ">=", *filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("timestamp", "<=", *filter.EndTime)
	}
	query = query.OrderBy("timestamp", firestore.Desc).Limit(limit)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*billsync.AuditLogEntry
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query audit logs: %w", err)
		}
		data := snap.Data()
		e := &billsync.AuditLogEntry{
			ID:             snap.Ref.ID,
			UserID:         getString(data, "userId"),
			SubscriptionID: getString(data, "subscriptionId"),
			Action:         getString(data, "action"),
			FromStatus:     billsync.Status(getString(data, "fromStatus")),
			ToStatus:       billsync.Status(getString(data, "toStatus")),
			Sequence:       getInt64(data, "sequence"),
			Source:         billsync.Source(getString(data, "source")),
			EventID:        getString(data, "eventId"),
			Timestamp:      getTime(data, "timestamp"),
			Actor:          getString(data, "actor"),
			Reason:         getString(data, "reason"),
		}
		if md, ok := data["metadata"].(map[string]interface{}); ok {
			e.Metadata = make(map[string]string, len(md))
			for k, v := range md {
				if str, ok := v.(string); ok {
					e.Metadata[k] = str
				}
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Storage) subscriptionDoc(subscriptionID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(subscriptionID)
}

func toDocument(sub *billsync.Subscription) map[string]interface{} {
	return map[string]interface{}{
		"userId":            sub.UserID,
		"status":            string(sub.Status),
		"currentPeriodEnd":  sub.CurrentPeriodEnd,
		"priceId":           sub.PriceID,
		"cancelAtPeriodEnd": sub.CancelAtPeriodEnd,
		"lastEventSequence": sub.LastEventSequence,
		"lastEventId":       sub.LastEventID,
		"version":           sub.Version,
		"lastSource":        string(sub.LastSource),
		"createdAt":         sub.CreatedAt,
		"updatedAt":         sub.UpdatedAt,
	}
}

func fromDocument(id string, data map[string]interface{}) *billsync.Subscription {
	return &billsync.Subscription{
		UserID:                 getString(data, "userId"),
		ProviderSubscriptionID: id,
		Status:                 billsync.Status(getString(data, "status")),
		CurrentPeriodEnd:       getTime(data, "currentPeriodEnd"),
		PriceID:                getString(data, "priceId"),
		CancelAtPeriodEnd:      getBool(data, "cancelAtPeriodEnd"),
		LastEventSequence:      getInt64(data, "lastEventSequence"),
		LastEventID:            getString(data, "lastEventId"),
		Version:                getInt64(data, "version"),
		LastSource:             billsync.Source(getString(data, "lastSource")),
		CreatedAt:              getTime(data, "createdAt"),
		UpdatedAt:              getTime(data, "updatedAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
