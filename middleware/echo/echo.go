// Package echo provides Echo middleware for entitlement checks and mounts the
// subscription API on an Echo router.
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	httpmw "github.com/mihaimyh/billsync/middleware/http"
	"github.com/mihaimyh/billsync/pkg/api"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

// SubscriptionKey is the Echo context key holding the entitled subscription
const SubscriptionKey = "billsync.subscription"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Entitlements resolves the user's current subscription (required)
	Entitlements httpmw.Entitlements

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnNotEntitled is called when the user has no entitled subscription.
	// If nil, returns 402 Payment Required
	OnNotEntitled func(c echo.Context, sub *billsync.Subscription) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that only lets entitled users through
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Entitlements == nil {
		panic("billsync/echo: Config.Entitlements is required")
	}
	if cfg.GetUserID == nil {
		panic("billsync/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			req := c.Request()
			sub, err := cfg.Entitlements.Current(req.Context(), userID)
			switch {
			case err == nil && sub.Status.Entitled():
				c.Set(SubscriptionKey, sub)
				c.SetRequest(req.WithContext(httpmw.WithSubscription(
					httpmw.WithUserID(req.Context(), userID), sub)))
				return next(c)
			case err == nil, errors.Is(err, billsync.ErrNotFound):
				if cfg.OnNotEntitled != nil {
					return cfg.OnNotEntitled(c, sub)
				}
				return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "Subscription required"})
			default:
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}
		}
	}
}

// Router is the subset of *echo.Echo and *echo.Group that Mount needs
type Router interface {
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	PATCH(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	DELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// Mount registers the subscription API on r. The handler must be built with
// GetUserID set to api.FromContext(httpmw.UserIDKey); getUserID feeds it.
func Mount(r Router, h *api.Handler, getUserID UserIDExtractor) {
	if wh := h.Webhook(); wh != nil {
		r.POST(h.WebhookPath(), echo.WrapHandler(wh))
	}
	r.POST("/subscriptions", wrap(h.CreateSubscription, getUserID))
	r.PATCH("/subscriptions", wrap(h.UpdateSubscription, getUserID))
	r.DELETE("/subscriptions", wrap(h.CancelSubscription, getUserID))
	r.GET("/subscriptions", wrap(h.GetSubscription, getUserID))
	r.DELETE("/account", wrap(h.DeleteAccount, getUserID))
}

func wrap(fn http.HandlerFunc, getUserID UserIDExtractor) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		fn(c.Response(), req.WithContext(httpmw.WithUserID(req.Context(), getUserID(c))))
		return nil
	}
}

// GetSubscription returns the subscription stored by Middleware
func GetSubscription(c echo.Context) (*billsync.Subscription, bool) {
	sub, ok := c.Get(SubscriptionKey).(*billsync.Subscription)
	return sub, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
