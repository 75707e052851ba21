package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Manager, Catalog, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// Client replaces the Stripe API client, e.g. with billingtest.FakeClient.
	// When nil one is built from StripeAPIKey.
	Client billing.Client

	// RateLimitRequests per RateLimitWindow per client IP on the webhook
	// endpoint. Negative disables limiting.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Provider implements billing.Provider for Stripe: webhook ingestion, the
// four event handlers, provider-first cancellation and checkout creation.
type Provider struct {
	manager       *subsync.Manager
	client        billing.Client
	api           *Client
	catalog       billing.PlanCatalog
	webhookSecret string
	rateLimiter   *internal.RateLimiter
	handlers      map[string]eventHandler
	metrics       billing.Metrics
	logger        subsync.Logger
	newID         func() string
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	apiKey := strings.TrimSpace(firstNonEmpty(config.StripeAPIKey, config.APIKey))
	var api *Client
	if apiKey != "" {
		c, err := NewClient(ClientConfig{
			APIKey:     apiKey,
			HTTPClient: config.HTTPClient,
			Timeout:    config.Timeout,
			Metrics:    metrics,
		})
		if err != nil {
			return nil, err
		}
		api = c
	}

	client := config.Client
	if client == nil {
		if api == nil {
			return nil, billing.ErrProviderNotConfigured
		}
		client = api
	}
	if config.CircuitBreaker != nil {
		client = billing.NewGuardedClient(client, config.CircuitBreaker)
	}

	limit := config.RateLimitRequests
	if limit == 0 {
		limit = defaultRateLimitRequests
	}
	window := config.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	p := &Provider{
		manager:       config.Manager,
		client:        client,
		api:           api,
		catalog:       config.Catalog,
		webhookSecret: strings.TrimSpace(firstNonEmpty(config.StripeWebhookSecret, config.WebhookSecret)),
		rateLimiter:   internal.NewRateLimiter(limit, window),
		metrics:       metrics,
		logger:        config.Manager.Logger(),
		newID:         uuid.NewString,
	}
	p.handlers = map[string]eventHandler{
		EventCheckoutSessionCompleted: p.handleCheckoutSessionCompleted,
		EventInvoicePaid:              p.handleInvoicePaid,
		EventSubscriptionUpdated:      p.handleSubscriptionUpdated,
		EventSubscriptionDeleted:      p.handleSubscriptionDeleted,
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// Client returns the outbound API client, circuit breaker included.
func (p *Provider) Client() billing.Client {
	return p.client
}

// Cancel cancels a subscription at the provider (at period end) and then
// locally through the cancellation enforcer. If Stripe cannot be reached
// nothing is changed locally and the error matches
// subsync.ErrProviderUnreachable. A subscription Stripe no longer knows is
// still canceled locally.
func (p *Provider) Cancel(ctx context.Context, externalID string, trigger subsync.Trigger) (subsync.CancelOutcome, error) {
	res := p.client.UpdateSubscription(ctx, externalID, billing.SubscriptionPatch{
		CancelAtPeriodEnd: subsync.Ptr(true),
	})
	switch res.Status {
	case billing.LookupFound:
	case billing.LookupNotFound:
		p.logger.Warn("subscription unknown to stripe, canceling locally",
			subsync.F("subscription_id", externalID),
			subsync.F("trigger", string(trigger)),
		)
	default:
		return subsync.CancelOutcome{ExternalSubscriptionID: externalID}, res.Err
	}
	return p.manager.Cancel(ctx, externalID, trigger), nil
}

// CancelForUser cancels the user's active subscription.
// Returns subsync.ErrNoActiveSubscription when there is nothing to cancel.
func (p *Provider) CancelForUser(ctx context.Context, userID string, trigger subsync.Trigger) (subsync.CancelOutcome, error) {
	sub, err := p.manager.FindActiveByUser(ctx, userID)
	if errors.Is(err, subsync.ErrSubscriptionNotFound) {
		return subsync.CancelOutcome{}, subsync.ErrNoActiveSubscription
	}
	if err != nil {
		return subsync.CancelOutcome{}, fmt.Errorf("failed to load active subscription: %w", err)
	}
	return p.Cancel(ctx, sub.ExternalSubscriptionID, trigger)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
