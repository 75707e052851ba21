package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Canceler cancels subscriptions. The Stripe provider implements it by
// canceling at Stripe first; a nil Canceler cancels locally only.
type Canceler interface {
	Cancel(ctx context.Context, externalID string, trigger subsync.Trigger) (subsync.CancelOutcome, error)
	CancelForUser(ctx context.Context, userID string, trigger subsync.Trigger) (subsync.CancelOutcome, error)
}

// Config holds configuration for the subscription API handler
type Config struct {
	// Manager is the subscription manager instance (required)
	Manager *subsync.Manager

	// Reconciler backs the diagnose and verify-session endpoints (required)
	Reconciler *billing.Reconciler

	// Canceler optionally cancels at the provider before the local enforcer runs.
	Canceler Canceler

	// WebhookHandler, when set, is mounted at POST /webhooks/stripe.
	WebhookHandler http.Handler

	// GetIdentity extracts the authenticated caller from the request (required).
	// An identity without UserID is treated as unauthenticated.
	GetIdentity func(*http.Request) subsync.Identity

	// ReadinessCheck backs GET /readyz, typically the datastore ping. Optional.
	ReadinessCheck func(ctx context.Context) error

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.Reconciler == nil {
		return fmt.Errorf("reconciler is required")
	}
	if c.GetIdentity == nil {
		return fmt.Errorf("getIdentity is required")
	}
	return nil
}

// NewHandler creates a new subscription API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	canceler := config.Canceler
	if canceler == nil {
		canceler = localCanceler{config.Manager}
	}
	h := &Handler{
		config:   config,
		canceler: canceler,
	}
	h.router = h.Routes()
	return h, nil
}

type localCanceler struct{ m *subsync.Manager }

func (l localCanceler) Cancel(ctx context.Context, externalID string, trigger subsync.Trigger) (subsync.CancelOutcome, error) {
	return l.m.Cancel(ctx, externalID, trigger), nil
}

func (l localCanceler) CancelForUser(ctx context.Context, userID string, trigger subsync.Trigger) (subsync.CancelOutcome, error) {
	return l.m.CancelForUser(ctx, userID, trigger)
}

// Helper functions for common identity extraction patterns

// FromHeader returns a GetIdentity function that reads the user id and role
// from headers set by a trusted upstream proxy.
func FromHeader(userHeader, roleHeader string) func(*http.Request) subsync.Identity {
	return func(r *http.Request) subsync.Identity {
		return subsync.Identity{
			UserID: r.Header.Get(userHeader),
			Role:   r.Header.Get(roleHeader),
		}
	}
}

// FromContext returns a GetIdentity function that reads a subsync.Identity
// (or a bare user id string) stored in the request context under key.
func FromContext(key interface{}) func(*http.Request) subsync.Identity {
	return func(r *http.Request) subsync.Identity {
		switch v := r.Context().Value(key).(type) {
		case subsync.Identity:
			return v
		case *subsync.Identity:
			if v != nil {
				return *v
			}
		case string:
			return subsync.Identity{UserID: v}
		}
		return subsync.Identity{}
	}
}
