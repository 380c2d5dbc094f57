package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

const maxUserIDLen = 255

// Error codes of the error envelope
const (
	CodeUnauthenticated     = "unauthenticated"
	CodeInvalidRequest      = "invalid_request"
	CodeNotFound            = "not_found"
	CodeSubscriptionExists  = "subscription_exists"
	CodeProviderRejected    = "provider_rejected"
	CodeProviderUnavailable = "provider_unavailable"
	CodeInternal            = "internal_error"
)

// Handler provides HTTP endpoints for subscription management
type Handler struct {
	config Config
	logger billsync.Logger
}

// Routes returns a chi router serving the webhook and subscription endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	h.Mount(r)
	return r
}

// Mount registers the endpoints on an existing chi router.
func (h *Handler) Mount(r chi.Router) {
	if h.config.WebhookHandler != nil {
		r.Handle(h.config.WebhookPath, h.config.WebhookHandler)
	}
	r.Post("/subscriptions", h.CreateSubscription)
	r.Patch("/subscriptions", h.UpdateSubscription)
	r.Delete("/subscriptions", h.CancelSubscription)
	r.Get("/subscriptions", h.GetSubscription)
	r.Delete("/account", h.DeleteAccount)
}

// Webhook returns the configured webhook handler, or nil.
func (h *Handler) Webhook() http.Handler {
	return h.config.WebhookHandler
}

// WebhookPath returns the route the webhook handler is mounted at.
func (h *Handler) WebhookPath() string {
	return h.config.WebhookPath
}

// CreateSubscription subscribes the user to a price
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CreateSubscriptionRequest
	if err := h.decode(r, &req, true); err != nil {
		h.handleError(w, r, err)
		return
	}

	sub, err := h.config.Service.Create(r.Context(), h.config.Client, userID, req.PriceID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(sub, nil, false))
}

// UpdateSubscription changes the price of the user's subscription
func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req UpdateSubscriptionRequest
	if err := h.decode(r, &req, true); err != nil {
		h.handleError(w, r, err)
		return
	}
	proration, err := billing.ParseProrationPolicy(req.ProrationBehavior)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	sub, err := h.config.Service.Update(r.Context(), h.config.Client, userID, billing.UpdateRequest{
		PriceID:   req.PriceID,
		Proration: proration,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sub, nil, false))
}

// CancelSubscription cancels the user's subscription
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CancelSubscriptionRequest
	if err := h.decode(r, &req, false); err != nil {
		h.handleError(w, r, err)
		return
	}
	atPeriodEnd := true
	if req.CancelAtPeriodEnd != nil {
		atPeriodEnd = *req.CancelAtPeriodEnd
	}

	sub, err := h.config.Service.Cancel(r.Context(), h.config.Client, userID, atPeriodEnd)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sub, nil, false))
}

// GetSubscription returns the user's subscription merged with the provider's live state
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	view, err := h.config.Service.Get(r.Context(), h.config.Client, userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(view.Subscription, view.Live, view.Stale))
}

// DeleteAccount purges every subscription record of the user. It is the
// target of the identity provider's account deletion cascade.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	n, err := h.config.Service.Purge(r.Context(), h.config.Client, userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteAccountResponse{Deleted: n})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, billsync.ErrAuthenticationRequired)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("%w: invalid user ID format", billing.ErrInvalidRequest))
		return "", false
	}
	return userID, true
}

// decode reads a JSON body. An empty body is accepted unless required.
func (h *Handler) decode(r *http.Request, v interface{}, required bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, h.config.MaxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	switch {
	case errors.Is(err, io.EOF) && !required:
		return nil
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: request body is required", billing.ErrInvalidRequest)
	case err != nil:
		return fmt.Errorf("%w: malformed JSON body", billing.ErrInvalidRequest)
	}
	return nil
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status, body := ErrorFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("subscription request failed",
			billsync.F("method", r.Method),
			billsync.F("path", r.URL.Path),
			billsync.F("error", err.Error()),
		)
	}
	writeJSON(w, status, ErrorResponse{Error: body})
}

// ErrorFor maps a direct-call error onto its HTTP status and error body.
// Internal errors never expose their detail.
func ErrorFor(err error) (int, ErrorBody) {
	var rejected *billing.RejectedError
	switch {
	case errors.Is(err, billsync.ErrAuthenticationRequired):
		return http.StatusUnauthorized, ErrorBody{Code: CodeUnauthenticated, Message: "authentication required"}
	case errors.Is(err, billing.ErrInvalidRequest):
		return http.StatusBadRequest, ErrorBody{Code: CodeInvalidRequest, Message: err.Error()}
	case errors.Is(err, billing.ErrSubscriptionExists):
		return http.StatusConflict, ErrorBody{Code: CodeSubscriptionExists, Message: err.Error()}
	case errors.Is(err, billsync.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Code: CodeNotFound, Message: "no subscription found"}
	case errors.Is(err, billing.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, ErrorBody{
			Code:      CodeProviderUnavailable,
			Message:   "billing provider unavailable, retry later",
			Retriable: true,
		}
	case errors.As(err, &rejected):
		code := CodeProviderRejected
		if rejected.Code != "" {
			code = rejected.Code
		}
		return http.StatusUnprocessableEntity, ErrorBody{Code: code, Message: rejected.Reason}
	case errors.Is(err, billing.ErrProviderRejected):
		return http.StatusUnprocessableEntity, ErrorBody{Code: CodeProviderRejected, Message: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorBody{Code: CodeInternal, Message: "internal error"}
	}
}

func toResponse(sub *billsync.Subscription, live *billing.ProviderSubscription, stale bool) SubscriptionResponse {
	resp := SubscriptionResponse{
		UserID:            sub.UserID,
		SubscriptionID:    sub.ProviderSubscriptionID,
		Status:            string(sub.Status),
		PriceID:           sub.PriceID,
		CurrentPeriodEnd:  timePtr(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Entitled:          sub.Status.Entitled(),
		Stale:             stale,
	}
	if live != nil {
		resp.Live = &LiveSnapshot{
			Status:            string(live.Status),
			PriceID:           live.PriceID,
			CurrentPeriodEnd:  timePtr(live.CurrentPeriodEnd),
			CancelAtPeriodEnd: live.CancelAtPeriodEnd,
		}
	}
	return resp
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Log encoding error but response already sent
		return
	}
}
