package billsync

import "time"

// Event is a provider-agnostic subscription event. The set of variants is
// closed: Created, Updated, Canceled, PaymentFailed and PaymentSucceeded.
type Event interface {
	// Kind returns the stable event name used in logs and metrics.
	Kind() string

	isEvent()
}

// Snapshot carries the provider-side subscription fields of a created or
// updated event. Zero values mean "not reported" for PriceID and
// CurrentPeriodEnd.
type Snapshot struct {
	Status            Status
	PriceID           string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
}

// Created is emitted when the provider creates a subscription.
type Created struct {
	Snapshot
}

// Updated is emitted when any subscription field changes.
type Updated struct {
	Snapshot
}

// Canceled is emitted when the subscription ends. The embedded snapshot is
// optional; its Status is ignored.
type Canceled struct {
	Snapshot
	CanceledAt time.Time
}

// PaymentFailed is emitted when a renewal or initial invoice fails.
type PaymentFailed struct {
	InvoiceID string
}

// PaymentSucceeded is emitted when an invoice is paid. PeriodEnd is the end
// of the period the invoice covers, zero if unknown.
type PaymentSucceeded struct {
	InvoiceID string
	PeriodEnd time.Time
}

func (Created) Kind() string          { return "created" }
func (Updated) Kind() string          { return "updated" }
func (Canceled) Kind() string         { return "canceled" }
func (PaymentFailed) Kind() string    { return "payment_failed" }
func (PaymentSucceeded) Kind() string { return "payment_succeeded" }

func (Created) isEvent()          {}
func (Updated) isEvent()          {}
func (Canceled) isEvent()         {}
func (PaymentFailed) isEvent()    {}
func (PaymentSucceeded) isEvent() {}
