// Package stripe implements the billing provider contract on top of
// stripe-go: a subscription client, a Stripe-Signature verifier and an event
// normalizer.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/webhook"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

const (
	providerName       = "stripe"
	defaultHTTPTimeout = 10 * time.Second
	metadataUserID     = "user_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// CustomerIDResolver maps a user to a Stripe customer id. If nil or it
	// fails, the client falls back to the Search API.
	CustomerIDResolver func(ctx context.Context, userID string) (string, error)

	// BackendURL overrides the Stripe API base URL (stripe-mock, tests)
	BackendURL string

	// MaxNetworkRetries is the stripe-go retry budget for a single call.
	// Default: 0; retries are left to the caller.
	MaxNetworkRetries int64
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	client     *Client
	verifier   *Verifier
	normalizer *Normalizer
	handler    http.Handler
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Reconciler == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if config.Logger == nil {
		config.Logger = &billsync.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}

	client, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	verifier, err := NewVerifier(config.WebhookSecret, config.WebhookTolerance)
	if err != nil {
		return nil, err
	}
	normalizer := NewNormalizer(client.sc)

	handler, err := webhook.NewHandler(webhook.HandlerConfig{
		Provider:   providerName,
		Verifier:   verifier,
		Normalizer: normalizer,
		Reconciler: config.Reconciler,
		Logger:     config.Logger,
		Metrics:    config.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &Provider{
		client:     client,
		verifier:   verifier,
		normalizer: normalizer,
		handler:    handler,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// Client returns the outbound subscription client
func (p *Provider) Client() billing.Client {
	return p.client
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.handler
}

func newStripeClient(config Config) *stripe.Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	backendConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(config.MaxNetworkRetries),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if config.BackendURL != "" {
		backendConfig.URL = stripe.String(strings.TrimRight(config.BackendURL, "/"))
	}
	return stripe.NewClient(strings.TrimSpace(config.APIKey),
		stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig)))
}
