package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

// DefaultWebhookPath is where WebhookHandler is mounted when WebhookPath is empty.
const DefaultWebhookPath = "/webhooks/billing"

// Config holds configuration for the subscription API handler
type Config struct {
	// Service runs direct calls through the reconciliation engine (required)
	Service *billing.Service

	// Client is the billing provider client passed to every direct call (required)
	Client billing.Client

	// GetUserID extracts the authenticated user ID from the request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// WebhookHandler receives provider webhooks. If nil, no webhook route is mounted.
	WebhookHandler http.Handler

	// WebhookPath is the webhook route (default: DefaultWebhookPath)
	WebhookPath string

	// MaxBodyBytes limits direct-call request bodies (default: 64KB)
	MaxBodyBytes int64

	// OnError handles errors (auth, internal, etc.)
	// If nil, writes the JSON error envelope
	OnError func(http.ResponseWriter, *http.Request, error)

	Logger billsync.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.Client == nil {
		return fmt.Errorf("client is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new subscription API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.WebhookPath == "" {
		config.WebhookPath = DefaultWebhookPath
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 64 * 1024
	}
	if config.Logger == nil {
		config.Logger = &billsync.NoopLogger{}
	}
	return &Handler{
		config: config,
		logger: config.Logger,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
