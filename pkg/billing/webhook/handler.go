package webhook

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/internal"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

const (
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// HandlerConfig configures the webhook endpoint.
type HandlerConfig struct {
	// Provider labels logs and metrics (default: "billing")
	Provider string

	Verifier   Verifier
	Normalizer Normalizer
	Reconciler billing.Reconciler

	// MaxBodyBytes caps the payload size (default: 256KiB)
	MaxBodyBytes int64

	// RateLimitRequests per client IP per RateLimitWindow (default: 100 per minute).
	// A negative value disables rate limiting.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	Logger  billsync.Logger
	Metrics billing.Metrics
}

type handler struct {
	config  HandlerConfig
	logger  billsync.Logger
	metrics billing.Metrics
}

// NewHandler returns the webhook endpoint. It answers 400 to verification
// failures, 200 to everything the provider should not redeliver, including
// authentic payloads that cannot be used, and 500 only for transient failures
// of the provider or the store.
func NewHandler(config HandlerConfig) (http.Handler, error) {
	if config.Verifier == nil || config.Normalizer == nil || config.Reconciler == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if config.Provider == "" {
		config.Provider = "billing"
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = internal.DefaultMaxBodyBytes
	}
	if config.RateLimitRequests == 0 {
		config.RateLimitRequests = defaultRateLimitRequests
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = defaultRateLimitWindow
	}
	if config.Logger == nil {
		config.Logger = &billsync.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}

	h := &handler{config: config, logger: config.Logger, metrics: config.Metrics}
	if config.RateLimitRequests < 0 {
		return h, nil
	}
	return internal.NewRateLimiter(config.RateLimitRequests, config.RateLimitWindow).Middleware(h), nil
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	provider := h.config.Provider
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, h.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			h.metrics.RecordWebhookError(provider, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			h.metrics.RecordWebhookError(provider, "invalid_payload")
		}
		return
	}

	verified, err := h.config.Verifier.Verify(body, r.Header)
	if err != nil {
		reason := verificationReason(err)
		h.logger.Warn("webhook rejected",
			billsync.F("provider", provider),
			billsync.F("reason", reason),
			billsync.F("remote_ip", internal.GetClientIP(r)),
		)
		h.metrics.RecordWebhookError(provider, reason)
		http.Error(w, "webhook verification failed", http.StatusBadRequest)
		return
	}

	eventType := verified.Type
	normalized, err := h.config.Normalizer.Normalize(r.Context(), verified)
	switch {
	case errors.Is(err, ErrUnrecognizedEventType):
		h.logger.Debug("ignoring webhook event",
			billsync.F("provider", provider),
			billsync.F("event_id", verified.ID),
			billsync.F("event_type", eventType),
		)
		h.done(w, provider, typeLabel(eventType), "ignored", start)
		return
	case billing.IsUnavailable(err):
		h.logger.Warn("webhook normalization needs the provider, asking for redelivery",
			billsync.F("provider", provider),
			billsync.F("event_id", verified.ID),
			billsync.F("error", err.Error()),
		)
		h.fail(w, provider, typeLabel(eventType), "provider_unavailable", start)
		return
	case err != nil:
		// Authentic but unusable; redelivery would fail the same way.
		h.logger.Warn("webhook payload rejected",
			billsync.F("provider", provider),
			billsync.F("event_id", verified.ID),
			billsync.F("event_type", eventType),
			billsync.F("error", err.Error()),
		)
		h.metrics.RecordWebhookError(provider, "invalid_payload")
		h.done(w, provider, typeLabel(eventType), "rejected", start)
		return
	}
	if eventType == "" {
		eventType = normalized.Event.Kind()
	}

	res, err := h.config.Reconciler.Apply(r.Context(), normalized.Update())
	switch {
	case err == nil:
		h.done(w, provider, eventType, string(res.Outcome), start)
	case errors.Is(err, billsync.ErrNotFound):
		h.logger.Warn("webhook for unknown subscription without user",
			billsync.F("provider", provider),
			billsync.F("event_id", verified.ID),
			billsync.F("subscription_id", normalized.SubscriptionID),
		)
		h.done(w, provider, eventType, "unresolved", start)
	case errors.Is(err, billsync.ErrInvalidUpdate):
		h.logger.Warn("webhook update rejected",
			billsync.F("provider", provider),
			billsync.F("event_id", verified.ID),
			billsync.F("event_type", eventType),
			billsync.F("error", err.Error()),
		)
		h.metrics.RecordWebhookError(provider, "invalid_payload")
		h.done(w, provider, eventType, "rejected", start)
	default:
		h.logger.Error("failed to process webhook",
			billsync.F("provider", provider),
			billsync.F("event_id", verified.ID),
			billsync.F("event_type", eventType),
			billsync.F("error", err.Error()),
		)
		h.fail(w, provider, eventType, "processing_error", start)
	}
}

func (h *handler) done(w http.ResponseWriter, provider, eventType, status string, start time.Time) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, "ok")
	h.metrics.RecordWebhookEvent(provider, eventType, status)
	h.metrics.RecordWebhookProcessingDuration(provider, eventType, time.Since(start))
}

// fail answers 500 so the provider redelivers the event.
func (h *handler) fail(w http.ResponseWriter, provider, eventType, reason string, start time.Time) {
	http.Error(w, "failed to process webhook", http.StatusInternalServerError)
	h.metrics.RecordWebhookEvent(provider, eventType, "error")
	h.metrics.RecordWebhookError(provider, reason)
	h.metrics.RecordWebhookProcessingDuration(provider, eventType, time.Since(start))
}

func verificationReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, ErrMalformedHeaders):
		return "malformed_headers"
	default:
		return "auth_failed"
	}
}

func typeLabel(t string) string {
	if t == "" {
		return "unknown"
	}
	return t
}
