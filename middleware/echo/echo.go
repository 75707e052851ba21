// Package echo provides Echo middleware that gates routes on an active subscription
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// SubscriptionKey is the Echo context key holding the caller's *subsync.Subscription.
const SubscriptionKey = "subsync.subscription"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

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
	OnUnauthorized func(c echo.Context) error

	// OnInactive is called when the user has no qualifying active subscription
	// If nil, returns 402 Payment Required
	OnInactive func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// RequireActiveSubscription creates an Echo middleware that only lets
// requests through when the caller holds an active (or trialing) subscription.
func RequireActiveSubscription(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("subsync/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			sub, err := cfg.Manager.CheckAccess(c.Request().Context(), userID, cfg.Plans...)
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

			c.Set(SubscriptionKey, sub)
			return next(c)
		}
	}
}

// Subscription returns the subscription stored by RequireActiveSubscription.
func Subscription(c echo.Context) (*subsync.Subscription, bool) {
	sub, ok := c.Get(SubscriptionKey).(*subsync.Subscription)
	return sub, ok
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultInactive(c echo.Context) error {
	return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "active subscription required"})
}

func defaultError(c echo.Context) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an upstream auth middleware via c.Set(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
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

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
