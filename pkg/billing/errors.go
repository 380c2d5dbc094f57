package billing

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrProviderUnavailable is returned for transient provider failures. Callers may retry.
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	// ErrProviderRejected is returned when the provider refuses a request. Retrying will not help.
	ErrProviderRejected = errors.New("billing provider rejected request")

	// ErrInvalidRequest is returned for malformed direct-call requests
	ErrInvalidRequest = errors.New("invalid billing request")

	// ErrSubscriptionExists is returned when a user with an entitled subscription tries to create another
	ErrSubscriptionExists = errors.New("user already has an active subscription")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")
)

// RejectedError carries the provider's reason for a terminal refusal.
type RejectedError struct {
	// Code is the provider's machine readable code, if any
	Code string

	// Reason is the provider-supplied message
	Reason string

	// StatusCode is the provider's HTTP status, if any
	StatusCode int
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", ErrProviderRejected, e.Reason, e.Code)
	}
	return fmt.Sprintf("%s: %s", ErrProviderRejected, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return ErrProviderRejected
}

// Unavailable wraps err as a transient provider failure.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
}

// IsUnavailable reports whether err is a transient provider failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
