package stripe

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Event types handled by the dispatcher. Everything else is acknowledged.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventInvoicePaid              = "invoice.paid"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
)

type eventHandler func(ctx context.Context, ev *VerifiedEvent) error

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := r.Context()
	body, err := internal.ReadBodyStrict(w, r, internal.MaxWebhookBody)
	if err != nil {
		p.failAudit(ctx, p.openAudit(ctx, nil, r.Header), err)
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		internal.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	ev, audit, err := p.Ingest(ctx, body, r.Header)
	if err != nil {
		switch {
		case errors.Is(err, subsync.ErrMissingSignature):
			internal.WriteError(w, http.StatusBadRequest, "missing signature")
		case errors.Is(err, subsync.ErrInvalidSignature):
			internal.WriteError(w, http.StatusBadRequest, "invalid signature")
		default:
			internal.WriteError(w, http.StatusServiceUnavailable, "webhook not configured")
		}
		return
	}

	if err := p.Dispatch(ctx, ev, audit); err != nil {
		p.logger.Error("webhook handler failed",
			subsync.F("event_id", ev.ID),
			subsync.F("event_type", ev.Type),
			subsync.F("subscription_id", audit.ExternalSubscriptionID),
			subsync.F("error", err.Error()),
		)
		p.metrics.RecordWebhookEvent(providerName, ev.Type, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, ev.Type, time.Since(startTime))
		internal.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	p.metrics.RecordWebhookEvent(providerName, ev.Type, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, ev.Type, time.Since(startTime))
	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// Dispatch runs the handler for ev and finishes its audit record.
// Unknown event types are acknowledged without effect.
func (p *Provider) Dispatch(ctx context.Context, ev *VerifiedEvent, audit *subsync.WebhookEvent) error {
	handler, ok := p.handlers[ev.Type]
	if !ok {
		p.logger.Debug("ignoring unhandled stripe event",
			subsync.F("event_id", ev.ID),
			subsync.F("event_type", ev.Type),
		)
		p.succeedAudit(ctx, audit)
		return nil
	}

	if err := handler(ctx, ev); err != nil {
		if audit != nil {
			p.failAudit(ctx, audit, err)
		}
		return err
	}
	p.succeedAudit(ctx, audit)
	return nil
}

func (p *Provider) succeedAudit(ctx context.Context, audit *subsync.WebhookEvent) {
	if audit == nil {
		return
	}
	audit.Succeed()
	p.saveAudit(ctx, audit)
}
