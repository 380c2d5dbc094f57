// Package fiber provides Fiber middleware for entitlement checks and mounts
// the subscription API on a Fiber router.
package fiber

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	httpmw "github.com/mihaimyh/billsync/middleware/http"
	"github.com/mihaimyh/billsync/pkg/api"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

// SubscriptionKey is the Fiber locals key holding the entitled subscription
const SubscriptionKey = "billsync.subscription"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Entitlements resolves the user's current subscription (required)
	Entitlements httpmw.Entitlements

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnNotEntitled is called when the user has no entitled subscription.
	// If nil, returns 402 Payment Required
	OnNotEntitled func(c *fiber.Ctx, sub *billsync.Subscription) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that only lets entitled users through
func Middleware(cfg Config) fiber.Handler {
	if cfg.Entitlements == nil {
		panic("billsync/fiber: Config.Entitlements is required")
	}
	if cfg.GetUserID == nil {
		panic("billsync/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		sub, err := cfg.Entitlements.Current(c.UserContext(), userID)
		switch {
		case err == nil && sub.Status.Entitled():
			c.Locals(SubscriptionKey, sub)
			c.SetUserContext(httpmw.WithSubscription(httpmw.WithUserID(c.UserContext(), userID), sub))
			return c.Next()
		case err == nil, errors.Is(err, billsync.ErrNotFound):
			if cfg.OnNotEntitled != nil {
				return cfg.OnNotEntitled(c, sub)
			}
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "Subscription required"})
		default:
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}
	}
}

// Mount registers the subscription API on r. The handler must be built with
// GetUserID set to api.FromContext(httpmw.UserIDKey); getUserID feeds it.
func Mount(r fiber.Router, h *api.Handler, getUserID UserIDExtractor) {
	if wh := h.Webhook(); wh != nil {
		r.Post(h.WebhookPath(), adaptor.HTTPHandler(wh))
	}
	r.Post("/subscriptions", wrap(h.CreateSubscription, getUserID))
	r.Patch("/subscriptions", wrap(h.UpdateSubscription, getUserID))
	r.Delete("/subscriptions", wrap(h.CancelSubscription, getUserID))
	r.Get("/subscriptions", wrap(h.GetSubscription, getUserID))
	r.Delete("/account", wrap(h.DeleteAccount, getUserID))
}

// wrap runs a net/http handler with the Fiber-resolved user in its context.
// The adaptor builds a fresh *http.Request, so the user is captured per call.
func wrap(fn http.HandlerFunc, getUserID UserIDExtractor) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := getUserID(c)
		return adaptor.HTTPHandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fn(w, r.WithContext(httpmw.WithUserID(r.Context(), userID)))
		})(c)
	}
}

// GetSubscription returns the subscription stored by Middleware
func GetSubscription(c *fiber.Ctx) (*billsync.Subscription, bool) {
	sub, ok := c.Locals(SubscriptionKey).(*billsync.Subscription)
	return sub, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Locals("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
