package billing

import "net/http"

// Provider is the generic interface that any billing backend must implement.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// Client returns the outbound API client for direct calls.
	Client() Client

	// WebhookHandler returns the HTTP handler that verifies, normalizes and
	// reconciles provider events.
	WebhookHandler() http.Handler
}
