package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// status: "applied", "stale", "conflict", "ignored" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook rejection or processing error.
	// errorType: e.g. "invalid_signature", "stale_timestamp", "payload_too_large", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordSync records a provider snapshot synchronization.
	// status: "success", "unavailable" or "error"
	RecordSync(provider, status string)

	// RecordSyncDuration records how long a sync took.
	RecordSyncDuration(provider string, duration time.Duration)

	// RecordAPICall records an API call to the billing provider.
	// operation: e.g. "create_subscription"
	// status: "success", "unavailable" or "rejected"
	RecordAPICall(provider, operation, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, operation string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordSync(_, _ string)                                       {}
func (n *NoopMetrics) RecordSyncDuration(_ string, _ time.Duration)                 {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}

// CallStatus classifies a client error for metrics.
func CallStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsUnavailable(err):
		return "unavailable"
	default:
		return "rejected"
	}
}
