// Package http provides net/http middleware that gates routes on the user
// holding an entitled subscription.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Entitlements resolves the subscription that decides a user's entitlement.
// *billsync.Engine implements it.
type Entitlements interface {
	Current(ctx context.Context, userID string) (*billsync.Subscription, error)
}

// Config holds middleware configuration
type Config struct {
	// Entitlements resolves the user's current subscription (required)
	Entitlements Entitlements

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// OnNotEntitled is called when the user has no entitled subscription.
	// sub is the user's latest record, nil if there is none.
	// If nil, returns 402 Payment Required
	OnNotEntitled func(w http.ResponseWriter, r *http.Request, sub *billsync.Subscription)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that only lets entitled users through.
// The entitled subscription is available to handlers via SubscriptionFromContext.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Entitlements == nil {
		panic("billsync/http: Config.Entitlements is required")
	}
	if config.GetUserID == nil {
		panic("billsync/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "Unauthorized")
				}
				return
			}

			sub, err := config.Entitlements.Current(r.Context(), userID)
			switch {
			case err == nil && sub.Status.Entitled():
				ctx := WithSubscription(WithUserID(r.Context(), userID), sub)
				next.ServeHTTP(w, r.WithContext(ctx))
			case err == nil, errors.Is(err, billsync.ErrNotFound):
				if config.OnNotEntitled != nil {
					config.OnNotEntitled(w, r, sub)
				} else {
					writeError(w, http.StatusPaymentRequired, "Subscription required")
				}
			default:
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeError(w, http.StatusInternalServerError, "Internal Server Error")
				}
			}
		})
	}
}

// HandlerFunc creates an HTTP middleware that gates on entitlement (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "billsync:userID"

	// SubscriptionKey is the context key for the entitled subscription
	SubscriptionKey ContextKey = "billsync:subscription"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithSubscription adds the entitled subscription to the context
func WithSubscription(ctx context.Context, sub *billsync.Subscription) context.Context {
	return context.WithValue(ctx, SubscriptionKey, sub)
}

// SubscriptionFromContext returns the subscription stored by Middleware, if any.
func SubscriptionFromContext(ctx context.Context) (*billsync.Subscription, bool) {
	sub, ok := ctx.Value(SubscriptionKey).(*billsync.Subscription)
	return sub, ok && sub != nil
}

// UserIDFromContext returns the user ID stored by WithUserID.
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(UserIDKey).(string)
	return userID
}
