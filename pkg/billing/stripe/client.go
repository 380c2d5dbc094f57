package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Client implements billing.Client with the Stripe API.
type Client struct {
	sc                 *stripe.Client
	customerIDResolver func(context.Context, string) (string, error)
	logger             billsync.Logger
}

// NewClient creates a Stripe subscription client.
func NewClient(config Config) (*Client, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	logger := config.Logger
	if logger == nil {
		logger = &billsync.NoopLogger{}
	}
	return &Client{
		sc:                 newStripeClient(config),
		customerIDResolver: config.CustomerIDResolver,
		logger:             logger,
	}, nil
}

// CreateSubscription implements billing.Client. The customer is resolved
// from the user id, and created with user_id metadata if none exists.
func (c *Client) CreateSubscription(ctx context.Context, req billing.CreateRequest) (*billing.ProviderSubscription, error) {
	customerID, err := c.resolveCustomerID(ctx, req.UserID)
	if errors.Is(err, billing.ErrCustomerNotFound) {
		customerID, err = c.createCustomer(ctx, req.UserID)
	}
	if err != nil {
		return nil, err
	}

	params := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionCreateItemParams{
			{Price: stripe.String(req.PriceID)},
		},
	}
	params.AddMetadata(metadataUserID, req.UserID)

	sub, err := c.sc.V1Subscriptions.Create(ctx, params)
	if err != nil {
		return nil, classify("create subscription", err)
	}
	return toProviderSubscription(sub), nil
}

// UpdateSubscription implements billing.Client. The price of the first
// subscription item is replaced.
func (c *Client) UpdateSubscription(ctx context.Context, subscriptionID string, req billing.UpdateRequest) (*billing.ProviderSubscription, error) {
	current, err := c.sc.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return nil, classify("retrieve subscription", err)
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, &billing.RejectedError{Code: "no_items", Reason: "subscription " + subscriptionID + " has no items"}
	}

	proration := req.Proration
	if proration == "" {
		proration = billing.ProrationCreateProrations
	}
	params := &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(req.PriceID),
			},
		},
		ProrationBehavior: stripe.String(string(proration)),
	}

	sub, err := c.sc.V1Subscriptions.Update(ctx, subscriptionID, params)
	if err != nil {
		return nil, classify("update subscription", err)
	}
	return toProviderSubscription(sub), nil
}

// CancelSubscription implements billing.Client
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*billing.ProviderSubscription, error) {
	var (
		sub *stripe.Subscription
		err error
	)
	if atPeriodEnd {
		sub, err = c.sc.V1Subscriptions.Update(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		})
	} else {
		sub, err = c.sc.V1Subscriptions.Cancel(ctx, subscriptionID, nil)
	}
	if err != nil {
		return nil, classify("cancel subscription", err)
	}
	return toProviderSubscription(sub), nil
}

// RetrieveSubscription implements billing.Client
func (c *Client) RetrieveSubscription(ctx context.Context, subscriptionID string) (*billing.ProviderSubscription, error) {
	sub, err := c.sc.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return nil, classify("retrieve subscription", err)
	}
	return toProviderSubscription(sub), nil
}

// resolveCustomerID finds the Stripe customer of a user: the resolver hook
// first, then the Search API.
func (c *Client) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	if c.customerIDResolver != nil {
		customerID, err := c.customerIDResolver(ctx, userID)
		if err == nil && customerID != "" {
			return customerID, nil
		}
		if err != nil {
			c.logger.Debug("customer resolver failed, falling back to search",
				billsync.F("user_id", userID),
				billsync.F("error", err.Error()),
			)
		}
	}
	return c.searchCustomerByMetadata(ctx, userID)
}

// searchCustomerByMetadata searches for a customer by metadata using Stripe Search API
func (c *Client) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserID, strings.ReplaceAll(userID, "'", "\\'"))

	for cust, err := range c.sc.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", classify("search customers", err)
		}
		// Search can return partial matches
		if cust.Metadata != nil && cust.Metadata[metadataUserID] == userID {
			return cust.ID, nil
		}
	}
	return "", billing.ErrCustomerNotFound
}

func (c *Client) createCustomer(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerCreateParams{}
	params.AddMetadata(metadataUserID, userID)
	cust, err := c.sc.V1Customers.Create(ctx, params)
	if err != nil {
		return "", classify("create customer", err)
	}
	return cust.ID, nil
}

// classify maps a stripe-go error to the provider error contract: rate
// limits, server errors and transport failures are retriable, everything
// else is a rejection carrying Stripe's reason.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests ||
			se.HTTPStatusCode >= http.StatusInternalServerError ||
			se.Type == stripe.ErrorTypeAPI {
			return billing.Unavailable(fmt.Errorf("stripe %s: %w", op, err))
		}
		reason := se.Msg
		if reason == "" {
			reason = op + " failed"
		}
		return &billing.RejectedError{Code: string(se.Code), Reason: reason, StatusCode: se.HTTPStatusCode}
	}
	return billing.Unavailable(fmt.Errorf("stripe %s: %w", op, err))
}

// mapStatus maps Stripe's statuses onto the internal lifecycle. Unknown
// statuses map to "", which leaves the stored status unchanged.
func mapStatus(s stripe.SubscriptionStatus) billsync.Status {
	switch s {
	case stripe.SubscriptionStatusIncomplete:
		return billsync.StatusIncomplete
	case stripe.SubscriptionStatusTrialing:
		return billsync.StatusTrialing
	case stripe.SubscriptionStatusActive:
		return billsync.StatusActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusPaused:
		return billsync.StatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return billsync.StatusCanceled
	default:
		return ""
	}
}

func toProviderSubscription(sub *stripe.Subscription) *billing.ProviderSubscription {
	ps := &billing.ProviderSubscription{
		ID:                sub.ID,
		Status:            mapStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Metadata != nil {
		ps.UserID = sub.Metadata[metadataUserID]
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			ps.PriceID = item.Price.ID
		}
		if item.CurrentPeriodEnd > 0 {
			ps.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return ps
}
