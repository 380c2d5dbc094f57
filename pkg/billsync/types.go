package billsync

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusIncomplete, StatusTrialing, StatusActive, StatusPastDue, StatusCanceled:
		return true
	}
	return false
}

// Entitled reports whether a subscription in this status counts as the
// user's active subscription. At most one entitled record exists per user.
func (s Status) Entitled() bool {
	return s == StatusTrialing || s == StatusActive || s == StatusPastDue
}

// Terminal reports whether no transition out of s is possible.
func (s Status) Terminal() bool {
	return s == StatusCanceled
}

// Source identifies which write path produced an update.
type Source string

const (
	// SourceDirectCall is an optimistic write following an application-initiated provider call.
	SourceDirectCall Source = "direct_call"
	// SourceWebhook is an authoritative event pushed by the provider.
	SourceWebhook Source = "webhook"
	// SourceSync is a snapshot fetched from the provider on demand.
	SourceSync Source = "sync"
)

// Subscription is the locally persisted view of one provider subscription.
type Subscription struct {
	// UserID is the identity provider's user id (immutable)
	UserID string `json:"user_id"`

	// ProviderSubscriptionID is the billing provider's id (immutable, store key)
	ProviderSubscriptionID string `json:"provider_subscription_id"`

	Status           Status    `json:"status"`
	CurrentPeriodEnd time.Time `json:"current_period_end"`
	PriceID          string    `json:"price_id"`

	// CancelAtPeriodEnd is a scheduled cancellation; Status stays unchanged until the period ends
	CancelAtPeriodEnd bool `json:"cancel_at_period_end"`

	// LastEventSequence is the provider sequence of the last accepted
	// provider-ordered update. Writes ordered by the local clock leave it alone.
	LastEventSequence int64 `json:"last_event_sequence"`

	// LastEventID is the event id that set LastEventSequence
	LastEventID string `json:"last_event_id,omitempty"`

	// Version is incremented on every accepted write and used for compare-and-swap
	Version int64 `json:"version"`

	LastSource Source    `json:"last_source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Update is a single reconciliation input, from either write path.
type Update struct {
	Source Source

	// EventID is the provider event id for webhooks, empty for direct calls
	EventID string

	// SubscriptionID is the provider subscription id. May be empty when only
	// the user is known, in which case the user's entitled record is targeted.
	SubscriptionID string

	// UserID is used to resolve or create the record when the subscription is unknown
	UserID string

	// Sequence is the provider-derived order of the update. Higher wins.
	// Zero means the provider gave no order and IssuedAt is used instead.
	Sequence int64

	// IssuedAt is when a direct call or sync started on this host. It orders
	// updates without a Sequence against the record's last local write.
	IssuedAt time.Time

	Event Event
}

// Validate checks the update is structurally usable.
func (u *Update) Validate() error {
	if u.Event == nil {
		return fmt.Errorf("%w: missing event", ErrInvalidUpdate)
	}
	if u.SubscriptionID == "" && u.UserID == "" {
		return fmt.Errorf("%w: subscription id or user id required", ErrInvalidUpdate)
	}
	if u.Sequence < 0 {
		return fmt.Errorf("%w: sequence must be positive", ErrInvalidUpdate)
	}
	switch u.Source {
	case SourceWebhook:
		if u.Sequence == 0 {
			return fmt.Errorf("%w: sequence must be positive", ErrInvalidUpdate)
		}
	case SourceDirectCall, SourceSync:
		if u.Sequence == 0 && u.IssuedAt.IsZero() {
			return fmt.Errorf("%w: sequence or issue time required", ErrInvalidUpdate)
		}
	default:
		return fmt.Errorf("%w: unknown source %q", ErrInvalidUpdate, u.Source)
	}
	return nil
}

// Outcome describes what Apply did with an update.
type Outcome string

const (
	// OutcomeApplied means the update was committed.
	OutcomeApplied Outcome = "applied"
	// OutcomeStale means the update was a duplicate or older than the stored state.
	OutcomeStale Outcome = "stale"
	// OutcomeConflict means the update was rejected and recorded in the audit trail.
	OutcomeConflict Outcome = "conflict"
)

// CommitResult is returned by Engine.Apply.
type CommitResult struct {
	Outcome Outcome

	// Previous is the record before the update, nil when the record was created
	Previous *Subscription

	// Current is the stored record after the update
	Current *Subscription

	// Created is true when a placeholder record was created for this update
	Created bool

	// Superseded lists records retired so that the user keeps a single entitled
	// record. It includes Current when the update itself lost to a newer record.
	// Retirement is local; the provider subscriptions may still be live.
	Superseded []*Subscription

	// Reason explains a stale or conflict outcome (wraps ErrOutOfOrder or ErrConflict)
	Reason error
}

// Transition is handed to the Notifier after a commit that changed a record.
type Transition struct {
	ID             string
	UserID         string
	SubscriptionID string
	From           Status
	To             Status
	Source         Source
	EventID        string
	Subscription   *Subscription
	OccurredAt     time.Time
}

// StatusChanged reports whether the transition moved the record to a new status.
func (t Transition) StatusChanged() bool {
	return t.From != t.To
}
