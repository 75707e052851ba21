package subsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CancelOutcome reports how a cancellation went. Cancellation never fails
// towards the caller; the outcome is for logs, metrics and tests.
type CancelOutcome struct {
	ExternalSubscriptionID string
	// Found is false when no local row exists for the id.
	Found bool
	// Tier is the enforcement tier that reported success, 0 if none did.
	Tier int
	// Verified is true when a re-read observed status canceled.
	Verified bool
	// Errors collects the errors of every tier that failed.
	Errors []error
	// Subscription is the row observed by the verification read.
	Subscription *Subscription
}

// Enforcer drives a subscription to canceled through escalating write paths.
//
// Tier 1 updates by external id through the privileged scope. Tier 2 looks the
// row up and updates it by primary key. Tier 3 issues a raw write. Every run
// ends with a verification read.
type Enforcer struct {
	admin   AdminStore
	logger  Logger
	metrics Metrics
	now     Clock
}

// NewEnforcer creates an enforcer over the privileged store scope.
func NewEnforcer(admin AdminStore, logger Logger, metrics Metrics, now Clock) *Enforcer {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if now == nil {
		now = time.Now
	}
	return &Enforcer{admin: admin, logger: logger, metrics: metrics, now: now}
}

// Cancel marks the subscription canceled. It is idempotent and does not
// check the current status before writing.
func (e *Enforcer) Cancel(ctx context.Context, externalID string, trigger Trigger) CancelOutcome {
	out := CancelOutcome{ExternalSubscriptionID: externalID, Found: true}
	ts := e.now().Unix()
	log := []Field{F("subscription_id", externalID), F("trigger", string(trigger))}

	rows, err := e.admin.CancelByExternalID(ctx, externalID, ts)
	switch {
	case err == nil && rows > 0:
		out.Tier = 1
	case err != nil:
		out.Errors = append(out.Errors, tierError(1, err))
		e.logger.Warn("cancel tier 1 failed, escalating", append(log, F("error", err.Error()))...)
	default:
		e.logger.Debug("cancel tier 1 matched no rows, escalating", log...)
	}

	if out.Tier == 0 {
		e.escalate(ctx, externalID, ts, &out, log)
	}

	if !out.Found {
		e.logger.Info("no local subscription to cancel", log...)
		e.metrics.RecordCancellation(trigger, 0, false)
		return out
	}

	out.Subscription, out.Verified = e.verify(ctx, externalID)
	if out.Verified {
		e.logger.Info("subscription canceled", append(log, F("tier", out.Tier))...)
	} else {
		e.logger.Warn("subscription cancellation unverified", append(log, F("tier", out.Tier), F("errors", len(out.Errors)))...)
	}
	e.metrics.RecordCancellation(trigger, out.Tier, out.Verified)
	return out
}

func (e *Enforcer) escalate(ctx context.Context, externalID string, ts int64, out *CancelOutcome, log []Field) {
	row, err := e.admin.FindByExternalID(ctx, externalID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		out.Found = false
		return
	}

	if err == nil {
		rows, uerr := e.admin.CancelByID(ctx, row.ID, ts)
		if uerr == nil && rows > 0 {
			out.Tier = 2
			return
		}
		if uerr == nil {
			uerr = ErrSubscriptionNotFound
		}
		err = uerr
	}
	out.Errors = append(out.Errors, tierError(2, err))
	e.logger.Warn("cancel tier 2 failed, forcing", append(log, F("error", err.Error()))...)

	if ferr := e.admin.ForceCancel(ctx, externalID, ts); ferr != nil {
		out.Errors = append(out.Errors, tierError(3, ferr))
		e.logger.Error("cancel tier 3 failed", append(log, F("error", ferr.Error()))...)
		return
	}
	out.Tier = 3
}

func (e *Enforcer) verify(ctx context.Context, externalID string) (*Subscription, bool) {
	row, err := e.admin.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, false
	}
	return row, row.Status == StatusCanceled
}

func tierError(tier int, err error) error {
	return fmt.Errorf("tier %d: %w: %w", tier, ErrPersistenceFailure, err)
}
