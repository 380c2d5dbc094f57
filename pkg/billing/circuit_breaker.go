package billing

import (
	"context"
	"errors"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// CircuitBreakerClient wraps a Client with a circuit breaker. An open circuit
// is reported as ErrProviderUnavailable so callers treat it as retriable.
type CircuitBreakerClient struct {
	client Client
	cb     billsync.CircuitBreaker
}

// NewCircuitBreakerClient wraps client. Configure cb with IsFailure set to
// IsUnavailable so that provider rejections do not trip it.
func NewCircuitBreakerClient(client Client, cb billsync.CircuitBreaker) *CircuitBreakerClient {
	return &CircuitBreakerClient{client: client, cb: cb}
}

// CreateSubscription implements Client
func (c *CircuitBreakerClient) CreateSubscription(ctx context.Context, req CreateRequest) (*ProviderSubscription, error) {
	return c.do(ctx, func(ctx context.Context) (*ProviderSubscription, error) {
		return c.client.CreateSubscription(ctx, req)
	})
}

// UpdateSubscription implements Client
func (c *CircuitBreakerClient) UpdateSubscription(ctx context.Context, subscriptionID string, req UpdateRequest) (*ProviderSubscription, error) {
	return c.do(ctx, func(ctx context.Context) (*ProviderSubscription, error) {
		return c.client.UpdateSubscription(ctx, subscriptionID, req)
	})
}

// CancelSubscription implements Client
func (c *CircuitBreakerClient) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*ProviderSubscription, error) {
	return c.do(ctx, func(ctx context.Context) (*ProviderSubscription, error) {
		return c.client.CancelSubscription(ctx, subscriptionID, atPeriodEnd)
	})
}

// RetrieveSubscription implements Client
func (c *CircuitBreakerClient) RetrieveSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	return c.do(ctx, func(ctx context.Context) (*ProviderSubscription, error) {
		return c.client.RetrieveSubscription(ctx, subscriptionID)
	})
}

func (c *CircuitBreakerClient) do(ctx context.Context, fn func(ctx context.Context) (*ProviderSubscription, error)) (*ProviderSubscription, error) {
	var ps *ProviderSubscription
	err := c.cb.Execute(ctx, func() error {
		var err error
		ps, err = fn(ctx)
		return err
	})
	if errors.Is(err, billsync.ErrCircuitOpen) {
		return nil, Unavailable(err)
	}
	return ps, err
}
