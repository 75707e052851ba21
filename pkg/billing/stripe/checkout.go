package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// CheckoutRequest describes a subscription checkout.
type CheckoutRequest struct {
	UserID string
	PlanID string
	// PriceID overrides the plan's first catalog price.
	PriceID    string
	CustomerID string
	SuccessURL string
	CancelURL  string
}

// CheckoutURL creates a Stripe Checkout Session and returns the URL.
// user_id and plan_id are attached to the session and to the subscription
// it creates, which is what the checkout.session.completed handler and every
// later event rely on for attribution.
func (p *Provider) CheckoutURL(ctx context.Context, req CheckoutRequest) (string, error) {
	if p.api == nil {
		return "", fmt.Errorf("%w: checkout needs a stripe api key", billing.ErrProviderNotConfigured)
	}
	params, err := p.checkoutParams(req)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/v1/checkout/sessions", "plan_not_found")
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.api.timeout)
	defer cancel()

	startTime := time.Now()
	session, err := p.api.sc.V1CheckoutSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/v1/checkout/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/v1/checkout/sessions", "error")
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	p.metrics.RecordAPICall(providerName, "/v1/checkout/sessions", "success")
	return session.URL, nil
}

func (p *Provider) checkoutParams(req CheckoutRequest) (*stripe.CheckoutSessionCreateParams, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("checkout without user id")
	}
	priceID := req.PriceID
	if priceID == "" {
		if p.catalog == nil {
			return nil, fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, req.PlanID)
		}
		plan, ok := p.catalog.Plan(req.PlanID)
		if !ok || len(plan.PriceIDs) == 0 {
			return nil, fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, req.PlanID)
		}
		priceID = plan.PriceIDs[0]
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
		SubscriptionData:  &stripe.CheckoutSessionCreateSubscriptionDataParams{},
	}
	params.AddMetadata(billing.MetadataUserID, req.UserID)
	params.SubscriptionData.AddMetadata(billing.MetadataUserID, req.UserID)
	if req.PlanID != "" {
		params.AddMetadata(billing.MetadataPlanID, req.PlanID)
		params.SubscriptionData.AddMetadata(billing.MetadataPlanID, req.PlanID)
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	return params, nil
}
