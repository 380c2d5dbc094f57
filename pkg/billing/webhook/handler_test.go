package webhook_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/webhook"
	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/storage/memory"
)

const testSecret = "test-secret"

type countingNotifier struct {
	mu          sync.Mutex
	transitions []billsync.Transition
}

func (n *countingNotifier) Notify(_ context.Context, t billsync.Transition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions = append(n.transitions, t)
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.transitions)
}

type harness struct {
	handler  http.Handler
	store    *memory.Storage
	notifier *countingNotifier
}

func newHarness(t *testing.T, reconciler interface {
	Apply(context.Context, billsync.Update) (*billsync.CommitResult, error)
}) *harness {
	t.Helper()
	store := memory.New()
	notifier := &countingNotifier{}
	if reconciler == nil {
		engine, err := billsync.NewEngine(store, billsync.EngineConfig{Notifier: notifier})
		require.NoError(t, err)
		reconciler = engine
	}
	verifier, err := webhook.NewHMACVerifier(webhook.HMACConfig{Secrets: []string{testSecret}})
	require.NoError(t, err)

	h, err := webhook.NewHandler(webhook.HandlerConfig{
		Provider:          "test",
		Verifier:          verifier,
		Normalizer:        webhook.JSONNormalizer{},
		Reconciler:        reconciler,
		MaxBodyBytes:      1024,
		RateLimitRequests: -1,
	})
	require.NoError(t, err)
	return &harness{handler: h, store: store, notifier: notifier}
}

func (h *harness) deliver(t *testing.T, id, body string) *httptest.ResponseRecorder {
	t.Helper()
	headers, err := webhook.SignedHeaders(testSecret, id, time.Now(), []byte(body))
	require.NoError(t, err)
	return h.send(headers, body)
}

func (h *harness) send(headers http.Header, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader(body))
	for k, v := range headers {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_RequiresDependencies(t *testing.T) {
	_, err := webhook.NewHandler(webhook.HandlerConfig{})
	assert.Error(t, err)
}

func TestHandler_AppliesEvent(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.deliver(t, "msg_1", `{"type":"subscription.created","sequence":10,"data":{"subscription_id":"sub_1","user_id":"u1","status":"active","price_id":"price_basic","current_period_end":"2026-04-01T00:00:00Z"}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	sub, err := h.store.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billsync.StatusActive, sub.Status)
	assert.Equal(t, "price_basic", sub.PriceID)
	assert.Equal(t, int64(10), sub.LastEventSequence)
	assert.Equal(t, billsync.SourceWebhook, sub.LastSource)
}

// Redelivery of an already applied cancellation is a no-op that still
// answers 200 and notifies only once.
func TestHandler_DuplicateDelivery(t *testing.T) {
	h := newHarness(t, nil)

	created := h.deliver(t, "msg_1", `{"type":"subscription.created","sequence":10,"data":{"subscription_id":"sub_1","user_id":"u1","status":"active","price_id":"price_basic"}}`)
	require.Equal(t, http.StatusOK, created.Code)
	before := h.notifier.count()

	cancel := `{"type":"subscription.canceled","sequence":20,"data":{"subscription_id":"sub_1"}}`
	for i := 0; i < 3; i++ {
		rec := h.deliver(t, "msg_2", cancel)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, before+1, h.notifier.count())
	sub, err := h.store.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billsync.StatusCanceled, sub.Status)
	assert.Equal(t, int64(2), sub.Version)
}

// A delivery that fails verification answers 400 and leaves the record as it was.
func TestHandler_VerificationFailureLeavesRecordUntouched(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.deliver(t, "msg_1", `{"type":"subscription.created","sequence":10,"data":{"subscription_id":"sub_1","user_id":"u1","status":"active"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := `{"type":"subscription.canceled","sequence":20,"data":{"subscription_id":"sub_1"}}`
	good, err := webhook.SignedHeaders(testSecret, "msg_2", time.Now(), []byte(body))
	require.NoError(t, err)
	forged, err := webhook.SignedHeaders("attacker", "msg_2", time.Now(), []byte(body))
	require.NoError(t, err)
	stale, err := webhook.SignedHeaders(testSecret, "msg_2", time.Now().Add(-time.Hour), []byte(body))
	require.NoError(t, err)

	tests := []struct {
		name    string
		headers http.Header
	}{
		{name: "forged signature", headers: forged},
		{name: "stale timestamp", headers: stale},
		{name: "no headers", headers: http.Header{}},
		{name: "signature for another id", headers: func() http.Header {
			h := good.Clone()
			h.Set(webhook.HeaderID, "msg_3")
			return h
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.send(tt.headers, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotContains(t, rec.Body.String(), "signature")

			sub, err := h.store.GetSubscription(context.Background(), "sub_1")
			require.NoError(t, err)
			assert.Equal(t, billsync.StatusActive, sub.Status)
			assert.Equal(t, int64(1), sub.Version)
		})
	}
}

func TestHandler_StatusCodes(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "unrecognized type", body: `{"type":"customer.created","data":{"subscription_id":"sub_9"}}`, want: http.StatusOK},
		{name: "unknown subscription without user", body: `{"type":"payment.failed","data":{"subscription_id":"sub_9"}}`, want: http.StatusOK},
		{name: "malformed payload", body: `not json`, want: http.StatusOK},
		{name: "missing subscription and user", body: `{"type":"subscription.updated","data":{"status":"active"}}`, want: http.StatusOK},
		{name: "unknown status", body: `{"type":"subscription.created","data":{"subscription_id":"sub_9","user_id":"u9","status":"paused_forever"}}`, want: http.StatusOK},
		{name: "oversized payload", body: `{"type":"x","pad":"` + strings.Repeat("a", 2048) + `"}`, want: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.deliver(t, "msg_x", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	_, err := h.store.GetSubscription(context.Background(), "sub_9")
	assert.ErrorIs(t, err, billsync.ErrNotFound)
	assert.Zero(t, h.notifier.count())

	req := httptest.NewRequest(http.MethodGet, "/webhooks/billing", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type failingReconciler struct{}

func (failingReconciler) Apply(context.Context, billsync.Update) (*billsync.CommitResult, error) {
	return nil, errors.Join(billsync.ErrStorageUnavailable, errors.New("connection refused"))
}

func TestHandler_StorageFailureAsksForRedelivery(t *testing.T) {
	h := newHarness(t, failingReconciler{})
	rec := h.deliver(t, "msg_1", `{"type":"subscription.updated","sequence":10,"data":{"subscription_id":"sub_1","user_id":"u1","status":"active"}}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

type unavailableNormalizer struct{}

func (unavailableNormalizer) Normalize(context.Context, *webhook.VerifiedEvent) (*webhook.NormalizedEvent, error) {
	return nil, billing.Unavailable(errors.New("customer lookup timed out"))
}

func TestHandler_ProviderOutageDuringNormalizeAsksForRedelivery(t *testing.T) {
	verifier, err := webhook.NewHMACVerifier(webhook.HMACConfig{Secrets: []string{testSecret}})
	require.NoError(t, err)
	engine, err := billsync.NewEngine(memory.New(), billsync.EngineConfig{})
	require.NoError(t, err)
	handler, err := webhook.NewHandler(webhook.HandlerConfig{
		Verifier:          verifier,
		Normalizer:        unavailableNormalizer{},
		Reconciler:        engine,
		RateLimitRequests: -1,
	})
	require.NoError(t, err)
	h := &harness{handler: handler}

	rec := h.deliver(t, "msg_1", `{"type":"subscription.created","data":{"subscription_id":"sub_1"}}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "timed out")
}

func TestHandler_RateLimited(t *testing.T) {
	verifier, err := webhook.NewHMACVerifier(webhook.HMACConfig{Secrets: []string{testSecret}})
	require.NoError(t, err)
	h, err := webhook.NewHandler(webhook.HandlerConfig{
		Verifier:          verifier,
		Normalizer:        webhook.JSONNormalizer{},
		Reconciler:        failingReconciler{},
		RateLimitRequests: 1,
	})
	require.NoError(t, err)

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusTooManyRequests}, codes)
}
