package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	stripewebhook "github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/webhook"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Stripe event types this package understands.
const (
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaid             = "invoice.paid"
)

const signatureHeader = "Stripe-Signature"

// Verifier checks the Stripe-Signature header.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a verifier for the endpoint secret (whsec_...).
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	if tolerance <= 0 {
		tolerance = billing.DefaultWebhookTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}, nil
}

// Verify implements webhook.Verifier
func (v *Verifier) Verify(body []byte, headers http.Header) (*webhook.VerifiedEvent, error) {
	sig := headers.Get(signatureHeader)
	if sig == "" {
		return nil, fmt.Errorf("%w: missing %s", webhook.ErrMalformedHeaders, signatureHeader)
	}

	event, err := stripewebhook.ConstructEventWithOptions(body, sig, v.secret, stripewebhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, stripewebhook.ErrNotSigned), errors.Is(err, stripewebhook.ErrInvalidHeader):
			return nil, fmt.Errorf("%w: %w", webhook.ErrMalformedHeaders, err)
		case errors.Is(err, stripewebhook.ErrTooOld):
			return nil, fmt.Errorf("%w: %w", webhook.ErrStaleTimestamp, err)
		default:
			return nil, fmt.Errorf("%w: %w", webhook.ErrInvalidSignature, err)
		}
	}

	return &webhook.VerifiedEvent{
		ID:        event.ID,
		Type:      string(event.Type),
		Timestamp: time.Unix(event.Created, 0).UTC(),
		Payload:   body,
		Provider:  providerName,
	}, nil
}

// Normalizer maps Stripe events to the internal vocabulary.
type Normalizer struct {
	// sc is used to look up customer metadata when a subscription carries
	// no user_id. May be nil.
	sc *stripe.Client
}

// NewNormalizer creates a normalizer. sc may be nil.
func NewNormalizer(sc *stripe.Client) *Normalizer {
	return &Normalizer{sc: sc}
}

// Normalize implements webhook.Normalizer
func (n *Normalizer) Normalize(ctx context.Context, ev *webhook.VerifiedEvent) (*webhook.NormalizedEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(ev.Payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %w", webhook.ErrMalformedPayload, err)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data", webhook.ErrMalformedPayload, event.ID)
	}

	out := &webhook.NormalizedEvent{
		EventID:  event.ID,
		Sequence: billsync.EventSequence(time.Unix(event.Created, 0)),
	}

	switch string(event.Type) {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription: %w", webhook.ErrMalformedPayload, err)
		}
		ps := toProviderSubscription(&sub)
		userID, err := n.userID(ctx, &sub)
		if err != nil {
			return nil, err
		}
		out.SubscriptionID = sub.ID
		out.UserID = userID

		snap := ps.Snapshot()
		switch {
		case string(event.Type) == EventSubscriptionDeleted, ps.Status == billsync.StatusCanceled:
			var canceledAt time.Time
			if sub.CanceledAt > 0 {
				canceledAt = time.Unix(sub.CanceledAt, 0).UTC()
			}
			out.Event = billsync.Canceled{Snapshot: snap, CanceledAt: canceledAt}
		case string(event.Type) == EventSubscriptionCreated:
			out.Event = billsync.Created{Snapshot: snap}
		default:
			out.Event = billsync.Updated{Snapshot: snap}
		}

	case EventInvoicePaymentFailed, EventInvoicePaymentSucceeded, EventInvoicePaid:
		inv, err := decodeInvoice(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		if inv.subscriptionID == "" {
			// One-off invoice, nothing to reconcile.
			return nil, fmt.Errorf("%w: invoice %s has no subscription", webhook.ErrUnrecognizedEventType, inv.id)
		}
		out.SubscriptionID = inv.subscriptionID
		out.UserID = inv.userID
		if string(event.Type) == EventInvoicePaymentFailed {
			out.Event = billsync.PaymentFailed{InvoiceID: inv.id}
		} else {
			out.Event = billsync.PaymentSucceeded{InvoiceID: inv.id, PeriodEnd: inv.periodEnd}
		}

	default:
		return nil, fmt.Errorf("%w: %s", webhook.ErrUnrecognizedEventType, event.Type)
	}

	return out, nil
}

// userID reads user_id from the subscription metadata, then from the
// customer's metadata. A customer lookup that fails transiently is returned
// as billing.ErrProviderUnavailable so the event is redelivered; a missing
// customer yields "".
func (n *Normalizer) userID(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if sub.Metadata != nil && sub.Metadata[metadataUserID] != "" {
		return sub.Metadata[metadataUserID], nil
	}
	if sub.Customer == nil {
		return "", nil
	}
	if sub.Customer.Metadata != nil && sub.Customer.Metadata[metadataUserID] != "" {
		return sub.Customer.Metadata[metadataUserID], nil
	}
	if n.sc == nil || sub.Customer.ID == "" {
		return "", nil
	}
	cust, err := n.sc.V1Customers.Retrieve(ctx, sub.Customer.ID, nil)
	if err != nil {
		err = classify("retrieve_customer", err)
		if billing.IsUnavailable(err) {
			return "", err
		}
		return "", nil
	}
	if cust.Metadata == nil {
		return "", nil
	}
	return cust.Metadata[metadataUserID], nil
}

type invoiceRef struct {
	id             string
	subscriptionID string
	userID         string
	periodEnd      time.Time
}

// rawInvoice covers both the legacy top-level subscription field and the
// parent.subscription_details shape of newer API versions.
type rawInvoice struct {
	ID           string          `json:"id"`
	Subscription json.RawMessage `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage   `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Lines *struct {
		Data []struct {
			Period *struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func decodeInvoice(raw []byte) (*invoiceRef, error) {
	var inv rawInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: invoice: %w", webhook.ErrMalformedPayload, err)
	}

	ref := &invoiceRef{id: inv.ID, subscriptionID: expandableID(inv.Subscription)}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		if ref.subscriptionID == "" {
			ref.subscriptionID = expandableID(inv.Parent.SubscriptionDetails.Subscription)
		}
		ref.userID = inv.Parent.SubscriptionDetails.Metadata[metadataUserID]
	}
	if ref.userID == "" && inv.SubscriptionDetails != nil {
		ref.userID = inv.SubscriptionDetails.Metadata[metadataUserID]
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line.Period != nil && line.Period.End > 0 {
				end := time.Unix(line.Period.End, 0).UTC()
				if end.After(ref.periodEnd) {
					ref.periodEnd = end
				}
			}
		}
	}
	return ref, nil
}

// expandableID returns the id of a Stripe expandable field, which is either
// a string or an object with an id.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
