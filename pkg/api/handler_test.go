package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/billingtest"
	"github.com/mihaimyh/billsync/pkg/billing/webhook"
	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/storage/memory"
)

const (
	testUserID    = "user123"
	testSecret    = "api-test-secret"
	testPriceFree = "price_basic"
	testPricePro  = "price_pro"
)

type recordingNotifier struct {
	mu          sync.Mutex
	transitions []billsync.Transition
}

func (n *recordingNotifier) Notify(_ context.Context, t billsync.Transition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions = append(n.transitions, t)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.transitions)
}

type testServer struct {
	router   http.Handler
	store    *memory.Storage
	client   *billingtest.Client
	notifier *recordingNotifier
}

// newTestServer wires the API the way billsyncd does, with client as the
// provider. A nil client uses a fresh fake.
func newTestServer(t *testing.T, client billing.Client) *testServer {
	t.Helper()
	store := memory.New()
	notifier := &recordingNotifier{}
	engine, err := billsync.NewEngine(store, billsync.EngineConfig{Notifier: notifier})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	service, err := billing.NewService(billing.ServiceConfig{Engine: engine, ProviderName: "fake"})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	verifier, err := webhook.NewHMACVerifier(webhook.HMACConfig{Secrets: []string{testSecret}})
	if err != nil {
		t.Fatalf("NewHMACVerifier: %v", err)
	}
	wh, err := webhook.NewHandler(webhook.HandlerConfig{
		Provider:          "fake",
		Verifier:          verifier,
		Normalizer:        webhook.JSONNormalizer{},
		Reconciler:        engine,
		RateLimitRequests: -1,
	})
	if err != nil {
		t.Fatalf("webhook.NewHandler: %v", err)
	}

	fake := billingtest.NewClient()
	if client == nil {
		client = fake
	}
	h, err := NewHandler(Config{
		Service:        service,
		Client:         client,
		GetUserID:      FromHeader("X-User-ID"),
		WebhookHandler: wh,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return &testServer{router: h.Routes(), store: store, client: fake, notifier: notifier}
}

func (s *testServer) do(method, path, userID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) deliver(t *testing.T, id string, payload webhook.Payload) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	headers, err := webhook.SignedHeaders(testSecret, id, time.Now(), body)
	if err != nil {
		t.Fatalf("SignedHeaders: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, DefaultWebhookPath, bytes.NewReader(body))
	for k, v := range headers {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeSubscription(t *testing.T, w *httptest.ResponseRecorder) SubscriptionResponse {
	t.Helper()
	var resp SubscriptionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (%s)", err, w.Body.String())
	}
	return resp
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal error: %v (%s)", err, w.Body.String())
	}
	return resp.Error
}

func TestNewHandler_Validation(t *testing.T) {
	service, err := billing.NewService(billing.ServiceConfig{Engine: mustEngine(t)})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	getUser := func(*http.Request) string { return testUserID }

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "missing service", config: Config{Client: billingtest.NewClient(), GetUserID: getUser}, wantErr: true},
		{name: "missing client", config: Config{Service: service, GetUserID: getUser}, wantErr: true},
		{name: "missing user extractor", config: Config{Service: service, Client: billingtest.NewClient()}, wantErr: true},
		{name: "valid", config: Config{Service: service, Client: billingtest.NewClient(), GetUserID: getUser}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewHandler(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewHandler() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if h.config.WebhookPath != DefaultWebhookPath {
					t.Errorf("WebhookPath = %q, want default", h.config.WebhookPath)
				}
				if h.config.MaxBodyBytes != 64*1024 {
					t.Errorf("MaxBodyBytes = %d, want 64KB", h.config.MaxBodyBytes)
				}
			}
		})
	}
}

func mustEngine(t *testing.T) *billsync.Engine {
	t.Helper()
	engine, err := billsync.NewEngine(memory.New(), billsync.EngineConfig{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func TestHandler_SubscriptionLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/subscriptions", testUserID, `{"price_id":"price_basic"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decodeSubscription(t, w)
	if created.UserID != testUserID || created.SubscriptionID != "sub_1" {
		t.Errorf("unexpected create response %+v", created)
	}
	if created.Status != string(billsync.StatusActive) || !created.Entitled {
		t.Errorf("expected active entitled subscription, got %+v", created)
	}
	if created.CurrentPeriodEnd == nil {
		t.Error("expected current_period_end to be set")
	}

	w = s.do(http.MethodPatch, "/subscriptions", testUserID, `{"price_id":"price_pro","proration_behavior":"always_invoice"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decodeSubscription(t, w).PriceID; got != testPricePro {
		t.Errorf("update: price = %s, want %s", got, testPricePro)
	}

	w = s.do(http.MethodGet, "/subscriptions", testUserID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	view := decodeSubscription(t, w)
	if view.Stale {
		t.Error("expected a fresh view")
	}
	if view.Live == nil || view.Live.PriceID != testPricePro {
		t.Errorf("expected live snapshot with %s, got %+v", testPricePro, view.Live)
	}

	w = s.do(http.MethodDelete, "/subscriptions", testUserID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	canceled := decodeSubscription(t, w)
	if !canceled.CancelAtPeriodEnd || canceled.Status != string(billsync.StatusActive) {
		t.Errorf("empty cancel body should cancel at period end, got %+v", canceled)
	}

	w = s.do(http.MethodDelete, "/subscriptions", testUserID, `{"cancel_at_period_end":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("immediate cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decodeSubscription(t, w); got.Status != string(billsync.StatusCanceled) || got.Entitled {
		t.Errorf("expected canceled subscription, got %+v", got)
	}
}

func TestHandler_ErrorStatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(s *testServer)
		method     string
		userID     string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing user",
			method:     http.MethodGet,
			wantStatus: http.StatusUnauthorized,
			wantCode:   CodeUnauthenticated,
		},
		{
			name:       "oversized user id",
			method:     http.MethodGet,
			userID:     strings.Repeat("u", maxUserIDLen+1),
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeInvalidRequest,
		},
		{
			name:       "malformed body",
			method:     http.MethodPost,
			userID:     testUserID,
			body:       `{"price_id":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeInvalidRequest,
		},
		{
			name:       "unknown field",
			method:     http.MethodPost,
			userID:     testUserID,
			body:       `{"price":"price_basic"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeInvalidRequest,
		},
		{
			name:       "missing body on create",
			method:     http.MethodPost,
			userID:     testUserID,
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeInvalidRequest,
		},
		{
			name:       "unknown proration",
			method:     http.MethodPatch,
			userID:     testUserID,
			body:       `{"price_id":"price_pro","proration_behavior":"sometimes"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeInvalidRequest,
		},
		{
			name:       "no subscription",
			method:     http.MethodGet,
			userID:     testUserID,
			wantStatus: http.StatusNotFound,
			wantCode:   CodeNotFound,
		},
		{
			name: "second create",
			setup: func(s *testServer) {
				s.do(http.MethodPost, "/subscriptions", testUserID, `{"price_id":"price_basic"}`)
			},
			method:     http.MethodPost,
			userID:     testUserID,
			body:       `{"price_id":"price_pro"}`,
			wantStatus: http.StatusConflict,
			wantCode:   CodeSubscriptionExists,
		},
		{
			name: "provider unavailable",
			setup: func(s *testServer) {
				s.client.SetErr(billing.Unavailable(errors.New("connection reset")))
			},
			method:     http.MethodPost,
			userID:     testUserID,
			body:       `{"price_id":"price_basic"}`,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   CodeProviderUnavailable,
		},
		{
			name: "provider rejected",
			setup: func(s *testServer) {
				s.client.SetErr(&billing.RejectedError{Code: "card_declined", Reason: "Your card was declined.", StatusCode: 402})
			},
			method:     http.MethodPost,
			userID:     testUserID,
			body:       `{"price_id":"price_basic"}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "card_declined",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			if tt.setup != nil {
				tt.setup(s)
			}
			w := s.do(tt.method, "/subscriptions", tt.userID, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			body := decodeError(t, w)
			if body.Code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, body.Code)
			}
			if body.Retriable != (tt.wantStatus == http.StatusServiceUnavailable) {
				t.Errorf("unexpected retriable flag %v", body.Retriable)
			}
		})
	}
}

func TestHandler_GetFallsBackToStoredRecord(t *testing.T) {
	s := newTestServer(t, nil)
	if w := s.do(http.MethodPost, "/subscriptions", testUserID, `{"price_id":"price_basic"}`); w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", w.Code)
	}

	s.client.SetErr(billing.Unavailable(errors.New("timeout")))
	w := s.do(http.MethodGet, "/subscriptions", testUserID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	view := decodeSubscription(t, w)
	if !view.Stale || view.Live != nil {
		t.Errorf("expected stale view without live snapshot, got %+v", view)
	}
	if view.PriceID != testPriceFree {
		t.Errorf("expected stored price %s, got %s", testPriceFree, view.PriceID)
	}
}

func TestHandler_DeleteAccount(t *testing.T) {
	s := newTestServer(t, nil)
	if w := s.do(http.MethodPost, "/subscriptions", testUserID, `{"price_id":"price_basic"}`); w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", w.Code)
	}

	w := s.do(http.MethodDelete, "/account", testUserID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp DeleteAccountResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp.Deleted != 1 {
		t.Errorf("expected 1 deleted record, got %d", resp.Deleted)
	}

	subs, err := s.store.ListByUser(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("expected no records after purge, got %d", len(subs))
	}
	live, _ := s.client.Subscription("sub_1")
	if live.Status != billsync.StatusCanceled {
		t.Errorf("expected provider subscription canceled, got %s", live.Status)
	}
}

func TestHandler_WebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t, nil)
	if w := s.do(http.MethodPost, "/subscriptions", testUserID, `{"price_id":"price_basic"}`); w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", w.Code)
	}
	before, err := s.store.GetSubscription(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}

	body := `{"type":"subscription.canceled","data":{"subscription_id":"sub_1","status":"canceled"}}`
	headers, err := webhook.SignedHeaders("forged-secret", "evt_forged", time.Now(), []byte(body))
	if err != nil {
		t.Fatalf("SignedHeaders: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, DefaultWebhookPath, strings.NewReader(body))
	for k, v := range headers {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	after, err := s.store.GetSubscription(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if after.Version != before.Version || after.Status != before.Status {
		t.Errorf("record changed after forged webhook: before %+v after %+v", before, after)
	}
}

// racingClient delivers the provider's webhook for an update before the
// direct call returns, the way a fast provider can.
type racingClient struct {
	*billingtest.Client
	deliver func(ps *billing.ProviderSubscription)
}

func (c *racingClient) UpdateSubscription(ctx context.Context, id string, req billing.UpdateRequest) (*billing.ProviderSubscription, error) {
	ps, err := c.Client.UpdateSubscription(ctx, id, req)
	if err == nil && c.deliver != nil {
		c.deliver(ps)
	}
	return ps, err
}

func TestHandler_WebhookBeatsDirectResponse(t *testing.T) {
	fake := billingtest.NewClient()
	racing := &racingClient{Client: fake}
	s := newTestServer(t, racing)
	s.client = fake

	if w := s.do(http.MethodPost, "/subscriptions", testUserID, `{"price_id":"price_basic"}`); w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var webhookSeq int64
	racing.deliver = func(ps *billing.ProviderSubscription) {
		webhookSeq = ps.Sequence + 1
		end := ps.CurrentPeriodEnd
		w := s.deliver(t, "evt_race", webhook.Payload{
			Type:     webhook.TypeSubscriptionUpdated,
			Sequence: webhookSeq,
			Data: webhook.PayloadData{
				SubscriptionID:    ps.ID,
				UserID:            testUserID,
				Status:            billsync.StatusActive,
				PriceID:           ps.PriceID,
				CurrentPeriodEnd:  &end,
				CancelAtPeriodEnd: true,
			},
		})
		if w.Code != http.StatusOK {
			t.Errorf("webhook: expected 200, got %d: %s", w.Code, w.Body.String())
		}
	}

	w := s.do(http.MethodPatch, "/subscriptions", testUserID, `{"price_id":"price_pro"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeSubscription(t, w)
	if !resp.CancelAtPeriodEnd {
		t.Errorf("direct response should reflect the newer webhook state, got %+v", resp)
	}

	stored, err := s.store.GetSubscription(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if stored.LastEventSequence != webhookSeq {
		t.Errorf("LastEventSequence = %d, want %d", stored.LastEventSequence, webhookSeq)
	}
	if stored.LastSource != billsync.SourceWebhook {
		t.Errorf("LastSource = %s, want webhook", stored.LastSource)
	}
	if !stored.CancelAtPeriodEnd || stored.PriceID != testPricePro {
		t.Errorf("unexpected stored record %+v", stored)
	}
}

func TestHandler_CustomOnError(t *testing.T) {
	service, err := billing.NewService(billing.ServiceConfig{Engine: mustEngine(t)})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	var handled error
	h, err := NewHandler(Config{
		Service:   service,
		Client:    billingtest.NewClient(),
		GetUserID: func(*http.Request) string { return "" },
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			handled = err
			w.WriteHeader(http.StatusTeapot)
		},
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	w := httptest.NewRecorder()
	h.GetSubscription(w, httptest.NewRequest(http.MethodGet, "/subscriptions", http.NoBody))
	if w.Code != http.StatusTeapot {
		t.Fatalf("expected custom status, got %d", w.Code)
	}
	if !errors.Is(handled, billsync.ErrAuthenticationRequired) {
		t.Errorf("expected ErrAuthenticationRequired, got %v", handled)
	}
}

func TestErrorFor_InternalErrorsAreOpaque(t *testing.T) {
	status, body := ErrorFor(fmt.Errorf("dial tcp 10.0.0.1:5432: %w", billsync.ErrStorageUnavailable))
	if status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
	if body.Code != CodeInternal || strings.Contains(body.Message, "10.0.0.1") {
		t.Errorf("internal detail leaked: %+v", body)
	}
}

func TestFromHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("X-User-ID", testUserID)
	if got := FromHeader("X-User-ID")(req); got != testUserID {
		t.Errorf("FromHeader = %q, want %q", got, testUserID)
	}
}

func TestHandler_DuplicateCancelNotifiesOnce(t *testing.T) {
	s := newTestServer(t, nil)
	if w := s.do(http.MethodPost, "/subscriptions", testUserID, `{"price_id":"price_basic"}`); w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", w.Code)
	}
	if got := s.notifier.count(); got != 1 {
		t.Fatalf("expected 1 notification after create, got %d", got)
	}

	for i := 0; i < 2; i++ {
		w := s.do(http.MethodDelete, "/subscriptions", testUserID, `{"cancel_at_period_end":true}`)
		if w.Code != http.StatusOK {
			t.Fatalf("cancel %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
	}
	if got := s.notifier.count(); got != 2 {
		t.Errorf("expected one cancel notification, got %d total", got)
	}
}
