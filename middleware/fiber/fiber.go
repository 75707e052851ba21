// Package fiber provides Fiber middleware that gates routes on an active subscription
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// SubscriptionKey is the Locals key holding the caller's *subsync.Subscription.
const SubscriptionKey = "subsync.subscription"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Manager is the subscription manager instance
	Manager *subsync.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Plans restricts access to these plan ids. Empty admits any active plan.
	Plans []string

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnInactive is called when the user has no qualifying active subscription
	// If nil, returns 402 Payment Required
	OnInactive func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// RequireActiveSubscription creates a Fiber middleware that only lets
// requests through when the caller holds an active (or trialing) subscription.
func RequireActiveSubscription(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("subsync/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		sub, err := cfg.Manager.CheckAccess(c.UserContext(), userID, cfg.Plans...)
		if errors.Is(err, subsync.ErrNoActiveSubscription) {
			if cfg.OnInactive != nil {
				return cfg.OnInactive(c)
			}
			return defaultInactive(c)
		}
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return defaultError(c)
		}

		c.Locals(SubscriptionKey, sub)
		return c.Next()
	}
}

// Subscription returns the subscription stored by RequireActiveSubscription.
func Subscription(c *fiber.Ctx) (*subsync.Subscription, bool) {
	sub, ok := c.Locals(SubscriptionKey).(*subsync.Subscription)
	return sub, ok
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultInactive(c *fiber.Ctx) error {
	return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "active subscription required"})
}

func defaultError(c *fiber.Ctx) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Locals("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
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

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
