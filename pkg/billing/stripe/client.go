package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// ClientConfig configures the Stripe API client.
type ClientConfig struct {
	APIKey     string
	HTTPClient *http.Client
	// BaseURL overrides the API endpoint. Used by tests.
	BaseURL string
	// Timeout bounds each call. Defaults to billing.DefaultProviderTimeout.
	Timeout time.Duration
	Metrics billing.Metrics
}

// Client implements billing.Client on top of stripe-go. Provider objects are
// decoded from the raw API response into the billing schema so that period
// bounds reach the normalizer exactly as Stripe sent them.
type Client struct {
	sc      *stripe.Client
	timeout time.Duration
	metrics billing.Metrics
}

var _ billing.Client = (*Client)(nil)

// NewClient creates a Stripe API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = billing.DefaultProviderTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &billing.NoopMetrics{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	backend := &stripe.BackendConfig{
		HTTPClient:        cfg.HTTPClient,
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.BaseURL != "" {
		backend.URL = stripe.String(cfg.BaseURL)
	}
	sc := stripe.NewClient(cfg.APIKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backend)))

	return &Client{sc: sc, timeout: cfg.Timeout, metrics: cfg.Metrics}, nil
}

func (c *Client) RetrieveSubscription(ctx context.Context, id string) billing.Lookup[billing.Subscription] {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	sub, err := c.sc.V1Subscriptions.Retrieve(ctx, id, nil)
	c.record("/v1/subscriptions", start, err)
	if err != nil {
		return classify[billing.Subscription](err)
	}
	return decode[billing.Subscription](sub.LastResponse, sub)
}

func (c *Client) RetrieveCheckoutSession(ctx context.Context, id string) billing.Lookup[billing.CheckoutSession] {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	session, err := c.sc.V1CheckoutSessions.Retrieve(ctx, id, nil)
	c.record("/v1/checkout/sessions", start, err)
	if err != nil {
		return classify[billing.CheckoutSession](err)
	}
	return decode[billing.CheckoutSession](session.LastResponse, session)
}

func (c *Client) UpdateSubscription(ctx context.Context, id string, patch billing.SubscriptionPatch) billing.Lookup[billing.Subscription] {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripe.SubscriptionUpdateParams{}
	if patch.CancelAtPeriodEnd != nil {
		params.CancelAtPeriodEnd = stripe.Bool(*patch.CancelAtPeriodEnd)
	}
	for k, v := range patch.Metadata {
		params.AddMetadata(k, v)
	}

	start := time.Now()
	sub, err := c.sc.V1Subscriptions.Update(ctx, id, params)
	c.record("/v1/subscriptions/update", start, err)
	if err != nil {
		return classify[billing.Subscription](err)
	}
	return decode[billing.Subscription](sub.LastResponse, sub)
}

func (c *Client) record(endpoint string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
			status = "not_found"
		}
	}
	c.metrics.RecordAPICall(providerName, endpoint, status)
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

// classify turns a stripe-go error into a tagged lookup. Only a missing
// resource is NotFound; everything else (network, 429, 5xx, auth) is
// transient from the engine's point of view and surfaces as a retryable 500.
func classify[T any](err error) billing.Lookup[T] {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusNotFound || se.Code == stripe.ErrorCodeResourceMissing {
			return billing.NotFound[T]()
		}
		return billing.Transient[T](fmt.Errorf("%w: status %d: %s", billing.ErrProviderAPIError, se.HTTPStatusCode, se.Msg))
	}
	return billing.Transient[T](err)
}

// decode reads the raw API response into the billing schema, falling back
// to re-encoding the SDK struct when no raw body is attached.
func decode[T any](resp *stripe.APIResponse, obj any) billing.Lookup[T] {
	var raw []byte
	if resp != nil && len(resp.RawJSON) > 0 {
		raw = resp.RawJSON
	} else {
		b, err := json.Marshal(obj)
		if err != nil {
			return malformed[T](err)
		}
		raw = b
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return malformed[T](err)
	}
	return billing.Found(&out)
}

func malformed[T any](err error) billing.Lookup[T] {
	return billing.Lookup[T]{
		Status: billing.LookupTransient,
		Err:    fmt.Errorf("%w: %w", subsync.ErrMalformedProviderData, err),
	}
}
