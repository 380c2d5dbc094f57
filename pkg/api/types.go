package api

import "time"

// SubscriptionResponse is the subscription view returned by every direct call
type SubscriptionResponse struct {
	UserID            string     `json:"user_id"`
	SubscriptionID    string     `json:"subscription_id"`
	Status            string     `json:"status"`
	PriceID           string     `json:"price_id,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	Entitled          bool       `json:"entitled"`

	// Stale is set when the provider could not be reached and the view is
	// the last committed local record
	Stale bool `json:"stale"`

	// Live is the provider's own view, present on reads when it could be fetched
	Live *LiveSnapshot `json:"live,omitempty"`
}

// LiveSnapshot is the provider's state of the subscription
type LiveSnapshot struct {
	Status            string     `json:"status"`
	PriceID           string     `json:"price_id,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
}

// CreateSubscriptionRequest is the body of POST /subscriptions
type CreateSubscriptionRequest struct {
	PriceID string `json:"price_id"`
}

// UpdateSubscriptionRequest is the body of PATCH /subscriptions
type UpdateSubscriptionRequest struct {
	PriceID           string `json:"price_id"`
	ProrationBehavior string `json:"proration_behavior,omitempty"` // create_prorations (default), none, always_invoice
}

// CancelSubscriptionRequest is the body of DELETE /subscriptions. An empty
// body or a missing field cancels at period end.
type CancelSubscriptionRequest struct {
	CancelAtPeriodEnd *bool `json:"cancel_at_period_end,omitempty"`
}

// DeleteAccountResponse reports how many records were purged
type DeleteAccountResponse struct {
	Deleted int `json:"deleted"`
}

// ErrorResponse is the error envelope of every failed direct call
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes a failed direct call
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}
