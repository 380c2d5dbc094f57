// Package webhook verifies, normalizes and reconciles billing provider
// webhooks.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

var (
	// ErrInvalidSignature is returned when no signature matches the payload
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrStaleTimestamp is returned when the signed timestamp is outside the tolerance
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")

	// ErrMalformedHeaders is returned when signature headers are missing or unparseable
	ErrMalformedHeaders = errors.New("malformed webhook headers")

	// ErrUnrecognizedEventType is returned for event types outside the internal vocabulary
	ErrUnrecognizedEventType = errors.New("unrecognized webhook event type")

	// ErrMalformedPayload is returned when a verified payload cannot be decoded
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// IsVerificationError reports whether err is a signature, timestamp or header failure.
func IsVerificationError(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrStaleTimestamp) ||
		errors.Is(err, ErrMalformedHeaders)
}

// VerifiedEvent is an authenticated, not yet interpreted webhook delivery.
type VerifiedEvent struct {
	// ID is the provider's delivery or event id
	ID string

	// Type is the provider event type, empty when only the payload carries it
	Type string

	// Timestamp is the signed delivery or event creation time
	Timestamp time.Time

	Payload  []byte
	Provider string
}

// Verifier authenticates a raw webhook delivery. Implementations must not
// have side effects.
type Verifier interface {
	Verify(body []byte, headers http.Header) (*VerifiedEvent, error)
}

// NormalizedEvent is a verified event translated into the internal vocabulary.
type NormalizedEvent struct {
	EventID        string
	SubscriptionID string
	UserID         string
	Sequence       int64
	Event          billsync.Event
}

// Update converts the event into a reconciliation update.
func (e *NormalizedEvent) Update() billsync.Update {
	return billsync.Update{
		Source:         billsync.SourceWebhook,
		EventID:        e.EventID,
		SubscriptionID: e.SubscriptionID,
		UserID:         e.UserID,
		Sequence:       e.Sequence,
		Event:          e.Event,
	}
}

// Normalizer maps a verified provider event to a NormalizedEvent. Unknown
// event types return ErrUnrecognizedEventType.
type Normalizer interface {
	Normalize(ctx context.Context, ev *VerifiedEvent) (*NormalizedEvent, error)
}
