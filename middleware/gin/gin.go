// Package gin provides Gin middleware that gates routes on an active subscription
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// SubscriptionKey is the Gin context key holding the caller's *subsync.Subscription
// after the middleware admitted the request.
const SubscriptionKey = "subsync.subscription"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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
	OnUnauthorized func(c *gongin.Context)

	// OnInactive is called when the user has no qualifying active subscription
	// If nil, returns 402 Payment Required
	OnInactive func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// RequireActiveSubscription creates a Gin middleware that only lets requests
// through when the caller holds an active (or trialing) subscription.
func RequireActiveSubscription(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("subsync/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		sub, err := cfg.Manager.CheckAccess(c.Request.Context(), userID, cfg.Plans...)
		if errors.Is(err, subsync.ErrNoActiveSubscription) {
			if cfg.OnInactive != nil {
				cfg.OnInactive(c)
			} else {
				defaultInactive(c)
			}
			c.Abort()
			return
		}
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c)
			}
			c.Abort()
			return
		}

		c.Set(SubscriptionKey, sub)
		c.Next()
	}
}

// Subscription returns the subscription stored by RequireActiveSubscription.
func Subscription(c *gongin.Context) (*subsync.Subscription, bool) {
	v, ok := c.Get(SubscriptionKey)
	if !ok {
		return nil, false
	}
	sub, ok := v.(*subsync.Subscription)
	return sub, ok
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultInactive(c *gongin.Context) {
	c.JSON(http.StatusPaymentRequired, gongin.H{"error": "active subscription required"})
}

func defaultError(c *gongin.Context) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
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
//	// In subscription middleware config:
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

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
