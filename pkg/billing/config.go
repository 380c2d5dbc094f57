package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Reconciler applies normalized updates. *billsync.Engine implements it.
type Reconciler interface {
	Apply(ctx context.Context, u billsync.Update) (*billsync.CommitResult, error)
}

// Config defines the standard configuration all providers should accept
type Config struct {
	// Reconciler receives normalized webhook events. Usually the billsync Engine.
	Reconciler Reconciler

	// WebhookSecret is used to verify incoming webhook requests.
	WebhookSecret string

	// WebhookTolerance is the maximum accepted age of a webhook timestamp.
	// Defaults to 5 minutes.
	WebhookTolerance time.Duration

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Logger is an optional structured logger. Defaults to a no-op logger.
	Logger billsync.Logger

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics
}

// DefaultWebhookTolerance is the default maximum age of a webhook timestamp.
const DefaultWebhookTolerance = 5 * time.Minute
