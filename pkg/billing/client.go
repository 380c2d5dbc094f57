package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// ProrationPolicy controls how a plan change is billed.
type ProrationPolicy string

const (
	ProrationCreateProrations ProrationPolicy = "create_prorations"
	ProrationNone             ProrationPolicy = "none"
	ProrationAlwaysInvoice    ProrationPolicy = "always_invoice"
)

// Valid reports whether p is a known policy.
func (p ProrationPolicy) Valid() bool {
	switch p {
	case ProrationCreateProrations, ProrationNone, ProrationAlwaysInvoice:
		return true
	}
	return false
}

// ParseProrationPolicy parses p, defaulting to create_prorations when empty.
func ParseProrationPolicy(p string) (ProrationPolicy, error) {
	if p == "" {
		return ProrationCreateProrations, nil
	}
	policy := ProrationPolicy(p)
	if !policy.Valid() {
		return "", fmt.Errorf("%w: unknown proration behavior %q", ErrInvalidRequest, p)
	}
	return policy, nil
}

// CreateRequest creates a subscription for a user.
type CreateRequest struct {
	UserID  string
	PriceID string
}

// UpdateRequest changes the price of a subscription.
type UpdateRequest struct {
	PriceID   string
	Proration ProrationPolicy
}

// ProviderSubscription is the provider's view of a subscription as returned
// by a client call.
type ProviderSubscription struct {
	ID                string
	UserID            string
	Status            billsync.Status
	PriceID           string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool

	// Sequence is a provider-supplied ordering marker for this state, 0 if the
	// provider has none.
	Sequence int64
}

// Snapshot converts the provider state to an event snapshot.
func (p *ProviderSubscription) Snapshot() billsync.Snapshot {
	return billsync.Snapshot{
		Status:            p.Status,
		PriceID:           p.PriceID,
		CurrentPeriodEnd:  p.CurrentPeriodEnd,
		CancelAtPeriodEnd: p.CancelAtPeriodEnd,
	}
}

// Client is the outbound contract to a billing provider.
//
// Implementations return errors wrapping ErrProviderUnavailable for transient
// failures (timeouts, network errors, 5xx, rate limiting) and *RejectedError
// for terminal refusals.
type Client interface {
	CreateSubscription(ctx context.Context, req CreateRequest) (*ProviderSubscription, error)
	UpdateSubscription(ctx context.Context, subscriptionID string, req UpdateRequest) (*ProviderSubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*ProviderSubscription, error)
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
}
