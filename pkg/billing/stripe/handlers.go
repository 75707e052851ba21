package stripe

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// handleCheckoutSessionCompleted persists the subscription created by a
// checkout. The session carries the ownership metadata; everything else is
// taken from the live subscription.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, ev *VerifiedEvent) error {
	var session billing.CheckoutSession
	if err := decodeObject(ev, &session); err != nil {
		return err
	}
	if session.Mode != "" && session.Mode != "subscription" {
		return nil
	}

	owner := session.Owner()
	subID := session.Subscription.String()
	if subID == "" || session.Customer == "" || owner.UserID == "" {
		p.logger.Warn("checkout session missing subscription, customer or user metadata",
			subsync.F("event_id", ev.ID),
			subsync.F("session_id", session.ID),
			subsync.F("subscription_id", subID),
			subsync.F("has_user_id", owner.UserID != ""),
		)
		return nil
	}

	sub, err := p.fetchSubscription(ctx, subID)
	if sub == nil {
		return err
	}
	if sub.Metadata[billing.MetadataUserID] == "" {
		p.backfillMetadata(ctx, subID, owner)
	}

	w, err := billing.ToWrite(sub, owner, p.catalog, p.manager.Now(ctx).Unix())
	if err != nil {
		return err
	}
	if w.ExternalCustomerID == nil {
		w.ExternalCustomerID = subsync.Ptr(session.Customer.String())
	}
	return p.upsert(ctx, w)
}

// handleInvoicePaid refreshes status and period of the invoiced subscription.
func (p *Provider) handleInvoicePaid(ctx context.Context, ev *VerifiedEvent) error {
	var invoice billing.Invoice
	if err := decodeObject(ev, &invoice); err != nil {
		return err
	}
	subID := invoice.SubscriptionID()
	if subID == "" {
		p.logger.Debug("invoice without subscription",
			subsync.F("event_id", ev.ID),
			subsync.F("invoice_id", invoice.ID),
		)
		return nil
	}

	sub, err := p.fetchSubscription(ctx, subID)
	if sub == nil {
		return err
	}
	w, err := billing.ToWrite(sub, billing.Owner{}, p.catalog, p.manager.Now(ctx).Unix())
	if err != nil {
		return err
	}
	return p.upsert(ctx, w)
}

// handleSubscriptionUpdated applies the subscription embedded in the event.
func (p *Provider) handleSubscriptionUpdated(ctx context.Context, ev *VerifiedEvent) error {
	var sub billing.Subscription
	if err := decodeObject(ev, &sub); err != nil {
		return err
	}
	w, err := billing.ToWrite(&sub, billing.Owner{}, p.catalog, p.manager.Now(ctx).Unix())
	if err != nil {
		return err
	}
	return p.upsert(ctx, w)
}

// handleSubscriptionDeleted hands the subscription to the cancellation enforcer.
// A row that does not exist locally is not an error; a row that exists but
// could not be canceled is, so that Stripe redelivers.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, ev *VerifiedEvent) error {
	var ref billing.ObjectRef
	if err := decodeObject(ev, &ref); err != nil {
		return err
	}
	if ref.ID == "" {
		return fmt.Errorf("%w: deleted event %s without subscription id", subsync.ErrMalformedProviderData, ev.ID)
	}
	return p.enforce(ctx, ref.ID)
}

// fetchSubscription retrieves the live subscription. When Stripe no longer
// knows it, the local row is canceled and (nil, nil) is returned.
func (p *Provider) fetchSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	res := p.client.RetrieveSubscription(ctx, id)
	switch res.Status {
	case billing.LookupFound:
		return res.Value, nil
	case billing.LookupNotFound:
		p.logger.Warn("subscription missing at stripe, canceling locally", subsync.F("subscription_id", id))
		return nil, p.enforce(ctx, id)
	default:
		return nil, res.Err
	}
}

func (p *Provider) enforce(ctx context.Context, id string) error {
	out := p.manager.Cancel(ctx, id, subsync.TriggerWebhook)
	if out.Found && !out.Verified && len(out.Errors) > 0 {
		return fmt.Errorf("cancellation of %s not verified: %w", id, out.Errors[len(out.Errors)-1])
	}
	return nil
}

func (p *Provider) upsert(ctx context.Context, w *subsync.SubscriptionWrite) error {
	_, err := p.manager.Upsert(ctx, w, subsync.TriggerWebhook)
	return err
}

// backfillMetadata copies checkout ownership onto the subscription so that
// later events can be attributed without the session. Best effort.
func (p *Provider) backfillMetadata(ctx context.Context, subID string, owner billing.Owner) {
	md := map[string]string{billing.MetadataUserID: owner.UserID}
	if owner.PlanID != "" {
		md[billing.MetadataPlanID] = owner.PlanID
	}
	res := p.client.UpdateSubscription(ctx, subID, billing.SubscriptionPatch{Metadata: md})
	if res.Status != billing.LookupFound {
		p.logger.Warn("failed to backfill subscription metadata",
			subsync.F("subscription_id", subID),
			subsync.F("error", res.Err.Error()),
		)
	}
}

func decodeObject(ev *VerifiedEvent, v any) error {
	if len(ev.Object) == 0 {
		return fmt.Errorf("%w: event %s has no data.object", subsync.ErrMalformedProviderData, ev.ID)
	}
	if err := json.Unmarshal(ev.Object, v); err != nil {
		return fmt.Errorf("%w: event %s: %w", subsync.ErrMalformedProviderData, ev.ID, err)
	}
	return nil
}
