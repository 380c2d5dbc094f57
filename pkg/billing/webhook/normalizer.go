package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Canonical event types.
const (
	TypeSubscriptionCreated  = "subscription.created"
	TypeSubscriptionUpdated  = "subscription.updated"
	TypeSubscriptionCanceled = "subscription.canceled"
	TypePaymentFailed        = "payment.failed"
	TypePaymentSucceeded     = "payment.succeeded"
)

// Payload is the canonical webhook body.
type Payload struct {
	Type string `json:"type"`

	// Sequence is an optional provider ordering marker. When absent the
	// signed timestamp orders the event.
	Sequence int64 `json:"sequence,omitempty"`

	Data PayloadData `json:"data"`
}

// PayloadData carries the fields of every canonical event type; each type
// reads only the fields it needs.
type PayloadData struct {
	SubscriptionID    string          `json:"subscription_id"`
	UserID            string          `json:"user_id,omitempty"`
	Status            billsync.Status `json:"status,omitempty"`
	PriceID           string          `json:"price_id,omitempty"`
	CurrentPeriodEnd  *time.Time      `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool            `json:"cancel_at_period_end,omitempty"`
	CanceledAt        *time.Time      `json:"canceled_at,omitempty"`
	InvoiceID         string          `json:"invoice_id,omitempty"`
	PeriodEnd         *time.Time      `json:"period_end,omitempty"`
}

// JSONNormalizer decodes canonical payloads.
type JSONNormalizer struct{}

// Normalize implements Normalizer.
func (JSONNormalizer) Normalize(_ context.Context, ev *VerifiedEvent) (*NormalizedEvent, error) {
	var p Payload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if p.Data.SubscriptionID == "" && p.Data.UserID == "" {
		return nil, fmt.Errorf("%w: subscription_id or user_id is required", ErrMalformedPayload)
	}

	var event billsync.Event
	switch p.Type {
	case TypeSubscriptionCreated:
		event = billsync.Created{Snapshot: p.Data.snapshot()}
	case TypeSubscriptionUpdated:
		event = billsync.Updated{Snapshot: p.Data.snapshot()}
	case TypeSubscriptionCanceled:
		event = billsync.Canceled{Snapshot: p.Data.snapshot(), CanceledAt: timeOrZero(p.Data.CanceledAt)}
	case TypePaymentFailed:
		event = billsync.PaymentFailed{InvoiceID: p.Data.InvoiceID}
	case TypePaymentSucceeded:
		event = billsync.PaymentSucceeded{InvoiceID: p.Data.InvoiceID, PeriodEnd: timeOrZero(p.Data.PeriodEnd)}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnrecognizedEventType, p.Type)
	}

	seq := p.Sequence
	if seq <= 0 {
		seq = billsync.EventSequence(ev.Timestamp)
	}

	return &NormalizedEvent{
		EventID:        ev.ID,
		SubscriptionID: p.Data.SubscriptionID,
		UserID:         p.Data.UserID,
		Sequence:       seq,
		Event:          event,
	}, nil
}

func (d PayloadData) snapshot() billsync.Snapshot {
	return billsync.Snapshot{
		Status:            d.Status,
		PriceID:           d.PriceID,
		CurrentPeriodEnd:  timeOrZero(d.CurrentPeriodEnd),
		CancelAtPeriodEnd: d.CancelAtPeriodEnd,
	}
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
