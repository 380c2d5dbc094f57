// Package notify provides billsync.Sink implementations for downstream
// systems interested in subscription transitions.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Workflow triggers sent to the automation dispatcher.
const (
	TriggerActivated = "subscription.activated"
	TriggerPastDue   = "subscription.past_due"
	TriggerCanceled  = "subscription.canceled"
	TriggerChanged   = "subscription.changed"
)

// TriggerFor maps a transition to the workflow trigger name.
func TriggerFor(t billsync.Transition) string {
	if !t.StatusChanged() {
		return TriggerChanged
	}
	switch t.To {
	case billsync.StatusActive, billsync.StatusTrialing:
		return TriggerActivated
	case billsync.StatusPastDue:
		return TriggerPastDue
	case billsync.StatusCanceled:
		return TriggerCanceled
	}
	return TriggerChanged
}

// WorkflowConfig configures WorkflowSink.
type WorkflowConfig struct {
	// URL is the workflow-automation endpoint that receives triggers
	URL string

	// Token is sent as a Bearer token when set
	Token string

	// MaxRetries is the number of retries after the first attempt (default: 2)
	MaxRetries int

	// InitialBackoff is the wait before the first retry, doubled per retry (default: 500ms)
	InitialBackoff time.Duration

	// HTTPClient is an optional HTTP client. Default: 10s timeout.
	HTTPClient *http.Client
}

// WorkflowSink posts a JSON trigger to a workflow-automation dispatcher.
type WorkflowSink struct {
	config WorkflowConfig
	client *http.Client
}

// WorkflowPayload is the body posted to the dispatcher.
type WorkflowPayload struct {
	ID                string    `json:"id"`
	Trigger           string    `json:"trigger"`
	UserID            string    `json:"user_id"`
	SubscriptionID    string    `json:"subscription_id"`
	From              string    `json:"from,omitempty"`
	To                string    `json:"to"`
	PriceID           string    `json:"price_id,omitempty"`
	CancelAtPeriodEnd bool      `json:"cancel_at_period_end"`
	CurrentPeriodEnd  time.Time `json:"current_period_end,omitempty"`
	Source            string    `json:"source"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// NewWorkflowSink creates a sink for the given dispatcher URL.
func NewWorkflowSink(config WorkflowConfig) (*WorkflowSink, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("workflow sink: url is required")
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	} else if config.MaxRetries == 0 {
		config.MaxRetries = 2
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 500 * time.Millisecond
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WorkflowSink{config: config, client: client}, nil
}

func (s *WorkflowSink) Name() string { return "workflow" }

// Deliver posts the trigger, retrying server errors with exponential backoff
// until ctx is done.
func (s *WorkflowSink) Deliver(ctx context.Context, t billsync.Transition) error {
	payload := WorkflowPayload{
		ID:             t.ID,
		Trigger:        TriggerFor(t),
		UserID:         t.UserID,
		SubscriptionID: t.SubscriptionID,
		From:           string(t.From),
		To:             string(t.To),
		Source:         string(t.Source),
		OccurredAt:     t.OccurredAt,
	}
	if t.Subscription != nil {
		payload.PriceID = t.Subscription.PriceID
		payload.CancelAtPeriodEnd = t.Subscription.CancelAtPeriodEnd
		payload.CurrentPeriodEnd = t.Subscription.CurrentPeriodEnd
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal workflow payload: %w", err)
	}

	backoff := s.config.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return fmt.Errorf("workflow sink: %w (last error: %v)", ctx.Err(), lastErr)
			}
		}

		retry, err := s.send(ctx, body, t.ID)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}
	return lastErr
}

func (s *WorkflowSink) send(ctx context.Context, body []byte, id string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build workflow request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", id)
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("workflow request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024)) //nolint:errcheck // drain for reuse

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("workflow dispatcher returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("workflow dispatcher returned %d", resp.StatusCode)
	}
}
