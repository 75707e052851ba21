package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// SignatureHeader carries the Stripe webhook signature.
const SignatureHeader = "Stripe-Signature"

// VerifiedEvent is a webhook event whose signature has been checked.
type VerifiedEvent struct {
	ID      string
	Type    string
	Created int64
	// Object is the raw data.object of the event.
	Object json.RawMessage
}

// Ingest records the audit row for an inbound call and verifies its
// signature. The returned audit record is already persisted; the caller
// finishes it after dispatch. On any error the record has been marked failed.
func (p *Provider) Ingest(ctx context.Context, body []byte, header http.Header) (*VerifiedEvent, *subsync.WebhookEvent, error) {
	audit := p.openAudit(ctx, body, header)

	if p.webhookSecret == "" {
		p.failAudit(ctx, audit, billing.ErrProviderNotConfigured)
		return nil, audit, billing.ErrProviderNotConfigured
	}

	sig := header.Get(SignatureHeader)
	if sig == "" {
		p.failAudit(ctx, audit, subsync.ErrMissingSignature)
		p.metrics.RecordWebhookError(providerName, "missing_signature")
		return nil, audit, subsync.ErrMissingSignature
	}

	event, err := webhook.ConstructEventWithOptions(body, sig, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", subsync.ErrInvalidSignature, err)
		p.failAudit(ctx, audit, err)
		p.metrics.RecordWebhookError(providerName, "invalid_signature")
		return nil, audit, err
	}

	ev := &VerifiedEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: event.Created,
	}
	if event.Data != nil {
		ev.Object = event.Data.Raw
	}

	audit.EventID = ev.ID
	audit.EventType = ev.Type
	audit.ExternalSubscriptionID = attribute(ev.Type, ev.Object)
	p.saveAudit(ctx, audit)
	return ev, audit, nil
}

// attribute extracts a best-effort subscription id for the audit row.
func attribute(eventType string, object json.RawMessage) string {
	var ref billing.ObjectRef
	if err := json.Unmarshal(object, &ref); err != nil {
		return subsync.UnknownSubscriptionID
	}

	var id string
	switch {
	case strings.Contains(eventType, "subscription"):
		id = ref.ID
	case strings.Contains(eventType, "checkout.session"), strings.Contains(eventType, "invoice"):
		id = ref.Subscription.String()
		if id == "" && ref.Parent != nil && ref.Parent.SubscriptionDetails != nil {
			id = ref.Parent.SubscriptionDetails.Subscription.String()
		}
	}
	if id == "" {
		return subsync.UnknownSubscriptionID
	}
	return id
}

// openAudit persists the placeholder row written before any verification.
// Audit failures are logged and never block ingestion.
func (p *Provider) openAudit(ctx context.Context, body []byte, header http.Header) *subsync.WebhookEvent {
	now := p.manager.Now(ctx).Unix()
	id := p.newID()
	ev := &subsync.WebhookEvent{
		ID:                     id,
		EventID:                "pending_" + id,
		EventType:              subsync.PendingEventType,
		ExternalSubscriptionID: subsync.UnknownSubscriptionID,
		Payload:                body,
		Headers:                flattenHeaders(header),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if audit := p.manager.Audit(); audit != nil {
		if err := audit.RecordWebhookEvent(ctx, ev); err != nil {
			p.logger.Error("failed to record webhook audit row",
				subsync.F("audit_id", id),
				subsync.F("error", err.Error()),
			)
		}
	}
	return ev
}

func (p *Provider) failAudit(ctx context.Context, ev *subsync.WebhookEvent, err error) {
	ev.Fail(err.Error())
	p.saveAudit(ctx, ev)
}

func (p *Provider) saveAudit(ctx context.Context, ev *subsync.WebhookEvent) {
	audit := p.manager.Audit()
	if audit == nil {
		return
	}
	ev.UpdatedAt = p.manager.Now(ctx).Unix()
	if err := audit.UpdateWebhookEvent(ctx, ev); err != nil {
		p.logger.Error("failed to update webhook audit row",
			subsync.F("audit_id", ev.ID),
			subsync.F("event_id", ev.EventID),
			subsync.F("error", err.Error()),
		)
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
