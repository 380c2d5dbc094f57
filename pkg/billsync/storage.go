package billsync

import (
	"context"
	"time"
)

// Store defines the interface for subscription persistence.
// The Engine is its only writer.
type Store interface {
	// GetSubscription retrieves a record by provider subscription id.
	// Returns ErrNotFound if no record exists.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// ListByUser returns every record of a user, newest sequence first.
	// Returns an empty slice (not an error) if the user has none.
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)

	// SaveSubscription writes sub if the stored version equals expectedVersion.
	// expectedVersion 0 means the record must not exist yet (ErrAlreadyExists otherwise).
	// Returns ErrVersionConflict when the stored version differs.
	SaveSubscription(ctx context.Context, sub *Subscription, expectedVersion int64) error

	// DeleteByUser removes every record of a user and returns how many were deleted.
	DeleteByUser(ctx context.Context, userID string) (int, error)
}

// Audit actions written by the Engine.
const (
	AuditActionConflict    = "conflict"
	AuditActionPlaceholder = "placeholder"
	AuditActionSuperseded  = "superseded"
	AuditActionPurge       = "purge"
)

// AuditLogEntry represents a single operator-visible audit entry.
type AuditLogEntry struct {
	// ID is a unique identifier for this audit log entry
	ID string

	UserID         string
	SubscriptionID string

	// Action is the type of action recorded (e.g., "conflict", "superseded", "purge")
	Action string

	FromStatus Status
	ToStatus   Status
	Sequence   int64
	Source     Source
	EventID    string

	// Timestamp is when the action occurred
	Timestamp time.Time

	// Actor is "system" for engine decisions
	Actor string

	// Reason is a human readable explanation
	Reason string

	// Metadata contains additional context about the action
	Metadata map[string]string
}

// AuditLogFilter defines filters for querying audit logs.
type AuditLogFilter struct {
	UserID         string
	SubscriptionID string
	Action         string

	// StartTime filters entries after this time (optional)
	StartTime *time.Time

	// EndTime filters entries before this time (optional)
	EndTime *time.Time

	// Limit limits the number of results returned (default: 100)
	Limit int
}

// Matches reports whether an entry passes the filter.
func (f AuditLogFilter) Matches(e *AuditLogEntry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.SubscriptionID != "" && e.SubscriptionID != f.SubscriptionID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// AuditLogger defines the interface for audit logging.
// Store implementations can optionally implement this interface.
type AuditLogger interface {
	// LogAuditEntry logs an audit entry.
	LogAuditEntry(ctx context.Context, entry *AuditLogEntry) error

	// GetAuditLogs retrieves audit logs matching the filter, newest first.
	GetAuditLogs(ctx context.Context, filter AuditLogFilter) ([]*AuditLogEntry, error)
}

// DefaultAuditLimit is applied when AuditLogFilter.Limit is not set.
const DefaultAuditLimit = 100
