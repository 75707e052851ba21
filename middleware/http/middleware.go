// Package http provides net/http middleware that gates routes on an active subscription
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager is the subscription manager instance
	Manager *subsync.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Plans restricts access to these plan ids. Empty admits any active plan.
	Plans []string

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnInactive is called when the user has no qualifying active subscription
	// If nil, returns 402 Payment Required
	OnInactive func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "subsync:userID"

	subscriptionKey ContextKey = "subsync:subscription"
)

// RequireActiveSubscription creates an HTTP middleware that only lets
// requests through when the caller holds an active (or trialing) subscription.
// The admitted subscription is available via SubscriptionFromContext.
func RequireActiveSubscription(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("subsync/http: Config.Manager is required")
	}
	if config.GetUserID == nil {
		panic("subsync/http: Config.GetUserID is required")
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

			sub, err := config.Manager.CheckAccess(r.Context(), userID, config.Plans...)
			if errors.Is(err, subsync.ErrNoActiveSubscription) {
				if config.OnInactive != nil {
					config.OnInactive(w, r)
				} else {
					writeError(w, http.StatusPaymentRequired, "active subscription required")
				}
				return
			}
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeError(w, http.StatusInternalServerError, "Internal Server Error")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subscriptionKey, sub)))
		})
	}
}

// HandlerFunc is a convenience wrapper for http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	mw := RequireActiveSubscription(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return mw(next).ServeHTTP
	}
}

// SubscriptionFromContext returns the subscription admitted by the middleware.
func SubscriptionFromContext(ctx context.Context) (*subsync.Subscription, bool) {
	sub, ok := ctx.Value(subscriptionKey).(*subsync.Subscription)
	return sub, ok
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

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
