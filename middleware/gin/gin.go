// Package gin provides Gin middleware for entitlement checks and mounts the
// subscription API on a Gin router.
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	httpmw "github.com/mihaimyh/billsync/middleware/http"
	"github.com/mihaimyh/billsync/pkg/api"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

// SubscriptionKey is the Gin context key holding the entitled subscription
const SubscriptionKey = "billsync.subscription"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Entitlements resolves the user's current subscription (required)
	Entitlements httpmw.Entitlements

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnNotEntitled is called when the user has no entitled subscription.
	// If nil, returns 402 Payment Required
	OnNotEntitled func(c *gongin.Context, sub *billsync.Subscription)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that only lets entitled users through
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Entitlements == nil {
		panic("billsync/gin: Config.Entitlements is required")
	}
	if cfg.GetUserID == nil {
		panic("billsync/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		sub, err := cfg.Entitlements.Current(c.Request.Context(), userID)
		switch {
		case err == nil && sub.Status.Entitled():
			c.Set(SubscriptionKey, sub)
			c.Request = c.Request.WithContext(httpmw.WithSubscription(
				httpmw.WithUserID(c.Request.Context(), userID), sub))
			c.Next()
			return
		case err == nil, errors.Is(err, billsync.ErrNotFound):
			if cfg.OnNotEntitled != nil {
				cfg.OnNotEntitled(c, sub)
			} else {
				c.JSON(http.StatusPaymentRequired, gongin.H{"error": "Subscription required"})
			}
		default:
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
		}
		c.Abort()
	}
}

// Mount registers the subscription API on r. The handler must be built with
// GetUserID set to api.FromContext(httpmw.UserIDKey); getUserID feeds it.
func Mount(r gongin.IRoutes, h *api.Handler, getUserID UserIDExtractor) {
	if wh := h.Webhook(); wh != nil {
		r.POST(h.WebhookPath(), gongin.WrapH(wh))
	}
	r.POST("/subscriptions", wrap(h.CreateSubscription, getUserID))
	r.PATCH("/subscriptions", wrap(h.UpdateSubscription, getUserID))
	r.DELETE("/subscriptions", wrap(h.CancelSubscription, getUserID))
	r.GET("/subscriptions", wrap(h.GetSubscription, getUserID))
	r.DELETE("/account", wrap(h.DeleteAccount, getUserID))
}

func wrap(fn http.HandlerFunc, getUserID UserIDExtractor) gongin.HandlerFunc {
	return func(c *gongin.Context) {
		ctx := httpmw.WithUserID(c.Request.Context(), getUserID(c))
		fn(c.Writer, c.Request.WithContext(ctx))
	}
}

// GetSubscription returns the subscription stored by Middleware
func GetSubscription(c *gongin.Context) (*billsync.Subscription, bool) {
	val, exists := c.Get(SubscriptionKey)
	if !exists {
		return nil, false
	}
	sub, ok := val.(*billsync.Subscription)
	return sub, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In billsync middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
