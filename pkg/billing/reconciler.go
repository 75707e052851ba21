package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// DefaultDriftTolerance is how far local and provider period bounds may
// differ before they count as drifted.
const DefaultDriftTolerance = 5 * time.Second

var errNotYetPersisted = errors.New("subscription not yet persisted")

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// Manager is the subscription manager (required).
	Manager *subsync.Manager
	// Client is the provider API client (required).
	Client Client
	// Catalog resolves plan ids from prices. Optional.
	Catalog PlanCatalog
	// ProviderName labels metrics. Defaults to "stripe".
	ProviderName string
	// Tolerance defaults to DefaultDriftTolerance.
	Tolerance time.Duration
	// PollPolicy is used by AwaitSubscription. Defaults to subsync.DefaultPollPolicy.
	PollPolicy *subsync.RetryPolicy
	// Metrics is optional.
	Metrics Metrics
}

// Reconciler compares local state with the provider on demand and repairs it.
type Reconciler struct {
	manager   *subsync.Manager
	client    Client
	catalog   PlanCatalog
	provider  string
	tolerance int64
	poll      subsync.RetryPolicy
	metrics   Metrics
	logger    subsync.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Manager == nil || cfg.Client == nil {
		return nil, ErrProviderNotConfigured
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "stripe"
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultDriftTolerance
	}
	poll := subsync.DefaultPollPolicy()
	if cfg.PollPolicy != nil {
		poll = *cfg.PollPolicy
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	return &Reconciler{
		manager:   cfg.Manager,
		client:    cfg.Client,
		catalog:   cfg.Catalog,
		provider:  cfg.ProviderName,
		tolerance: int64(cfg.Tolerance / time.Second),
		poll:      poll,
		metrics:   cfg.Metrics,
		logger:    cfg.Manager.Logger(),
	}, nil
}

// DiagnoseQuery selects the subscription to diagnose. Exactly one field is used;
// ExternalSubscriptionID wins when both are set.
type DiagnoseQuery struct {
	UserID                 string
	ExternalSubscriptionID string
}

// Diagnose compares the local row with the live provider object and repairs
// local drift from the provider, never the reverse.
func (r *Reconciler) Diagnose(ctx context.Context, q DiagnoseQuery) (*subsync.ReconciliationResult, error) {
	start := time.Now()
	defer func() { r.metrics.RecordReconciliationDuration(r.provider, time.Since(start)) }()

	local, lookup, err := r.load(ctx, q)
	if err != nil {
		return nil, err
	}

	res := &subsync.ReconciliationResult{
		ExternalSubscriptionID: q.ExternalSubscriptionID,
		UserID:                 q.UserID,
		CheckedAt:              r.manager.Now(ctx).UTC(),
	}
	if local == nil {
		res.Action = subsync.ActionFlagged
		res.Note = "no local record"
		if lookup.Status == LookupFound {
			res.ExternalStatus = lookup.Value.Status
		}
		return r.finish(res), nil
	}

	res.ExternalSubscriptionID = local.ExternalSubscriptionID
	res.UserID = local.UserID
	res.LocalStatus = local.Status

	switch lookup.Status {
	case LookupNotFound:
		r.diagnoseMissing(ctx, local, res)
	case LookupFound:
		if err := r.diagnoseLive(ctx, local, lookup.Value, res); err != nil {
			return nil, err
		}
	default:
		return nil, lookup.Err
	}
	return r.finish(res), nil
}

func (r *Reconciler) load(ctx context.Context, q DiagnoseQuery) (*subsync.Subscription, Lookup[Subscription], error) {
	if q.ExternalSubscriptionID == "" {
		if q.UserID == "" {
			return nil, Lookup[Subscription]{}, subsync.ErrInvalidWrite
		}
		local, err := r.manager.FindActiveByUser(ctx, q.UserID)
		if errors.Is(err, subsync.ErrSubscriptionNotFound) {
			// a lapsed row may be the drift being diagnosed
			local, err = r.manager.FindLatestByUser(ctx, q.UserID)
		}
		if errors.Is(err, subsync.ErrSubscriptionNotFound) {
			return nil, Lookup[Subscription]{}, nil
		}
		if err != nil {
			return nil, Lookup[Subscription]{}, fmt.Errorf("failed to load local subscription: %w", err)
		}
		return local, r.client.RetrieveSubscription(ctx, local.ExternalSubscriptionID), nil
	}

	var (
		local  *subsync.Subscription
		lookup Lookup[Subscription]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		row, err := r.manager.FindByExternalID(gctx, q.ExternalSubscriptionID)
		if errors.Is(err, subsync.ErrSubscriptionNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load local subscription: %w", err)
		}
		local = row
		return nil
	})
	g.Go(func() error {
		lookup = r.client.RetrieveSubscription(gctx, q.ExternalSubscriptionID)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, Lookup[Subscription]{}, err
	}
	return local, lookup, nil
}

func (r *Reconciler) diagnoseMissing(ctx context.Context, local *subsync.Subscription, res *subsync.ReconciliationResult) {
	res.ExternalStatus = LookupNotFound.String()
	if local.Status == subsync.StatusCanceled {
		res.Action = subsync.ActionNone
		return
	}

	res.Mismatches = append(res.Mismatches, subsync.FieldMismatch{
		Field: "status", Local: string(local.Status), External: res.ExternalStatus,
	})
	out := r.manager.Cancel(ctx, local.ExternalSubscriptionID, subsync.TriggerReconciler)
	if out.Verified {
		res.Action = subsync.ActionCorrected
		res.LocalStatus = subsync.StatusCanceled
		return
	}
	res.Action = subsync.ActionFlagged
	res.Note = "subscription absent at provider but local cancellation unverified"
}

func (r *Reconciler) diagnoseLive(ctx context.Context, local *subsync.Subscription, sub *Subscription, res *subsync.ReconciliationResult) error {
	res.ExternalStatus = sub.Status

	w, err := ToWrite(sub, Owner{}, r.catalog, r.manager.Now(ctx).Unix())
	if err != nil {
		return err
	}

	if *w.Status != local.Status {
		res.Mismatches = append(res.Mismatches, subsync.FieldMismatch{
			Field: "status", Local: string(local.Status), External: string(*w.Status),
		})
	}
	if r.drifted(local.CurrentPeriodStart, *w.CurrentPeriodStart) {
		res.TimestampDrift = true
		res.Mismatches = append(res.Mismatches, timestampMismatch("current_period_start", local.CurrentPeriodStart, *w.CurrentPeriodStart))
	}
	if r.drifted(local.CurrentPeriodEnd, *w.CurrentPeriodEnd) {
		res.TimestampDrift = true
		res.Mismatches = append(res.Mismatches, timestampMismatch("current_period_end", local.CurrentPeriodEnd, *w.CurrentPeriodEnd))
	}

	if len(res.Mismatches) == 0 {
		res.Action = subsync.ActionNone
		return nil
	}

	if local.Status == subsync.StatusCanceled && *w.Status != subsync.StatusCanceled {
		res.Action = subsync.ActionFlagged
		res.Note = "canceled locally but live at provider"
		return nil
	}

	updated, err := r.manager.Upsert(ctx, w, subsync.TriggerReconciler)
	if err != nil {
		return fmt.Errorf("failed to apply provider state: %w", err)
	}
	res.Action = subsync.ActionCorrected
	res.LocalStatus = updated.Status
	return nil
}

func (r *Reconciler) drifted(local, external int64) bool {
	d := local - external
	if d < 0 {
		d = -d
	}
	return d > r.tolerance
}

func timestampMismatch(field string, local, external int64) subsync.FieldMismatch {
	return subsync.FieldMismatch{
		Field:    field,
		Local:    strconv.FormatInt(local, 10),
		External: strconv.FormatInt(external, 10),
	}
}

func (r *Reconciler) finish(res *subsync.ReconciliationResult) *subsync.ReconciliationResult {
	r.metrics.RecordReconciliation(r.provider, string(res.Action))
	r.manager.Metrics().RecordReconciliation(res.Action)
	if res.Action != subsync.ActionNone {
		r.logger.Info("subscription reconciled",
			subsync.F("subscription_id", res.ExternalSubscriptionID),
			subsync.F("action", string(res.Action)),
			subsync.F("mismatches", len(res.Mismatches)),
			subsync.F("note", res.Note),
		)
	}
	return res
}

// AwaitSubscription waits for the checkout webhook to persist externalID.
// If the row is still missing once the poll policy is exhausted, it is
// synthesized from the live provider object through the same mapping and
// upsert path the webhook handlers use.
func (r *Reconciler) AwaitSubscription(ctx context.Context, externalID string, owner Owner) (*subsync.Subscription, error) {
	var found *subsync.Subscription
	err := r.poll.Do(ctx, func(ctx context.Context) error {
		row, err := r.manager.FindByExternalID(ctx, externalID)
		if errors.Is(err, subsync.ErrSubscriptionNotFound) {
			return errNotYetPersisted
		}
		if err != nil {
			return subsync.Permanent(err)
		}
		found = row
		return nil
	})
	if err == nil {
		return found, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !errors.Is(err, errNotYetPersisted) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("failed to poll subscription: %w", err)
	}

	r.logger.Info("subscription not persisted by webhook, synthesizing",
		subsync.F("subscription_id", externalID),
		subsync.F("attempts", r.poll.MaxAttempts),
	)
	lookup := r.client.RetrieveSubscription(ctx, externalID)
	if lookup.Status != LookupFound {
		return nil, lookup.Err
	}
	w, err := ToWrite(lookup.Value, owner, r.catalog, r.manager.Now(ctx).Unix())
	if err != nil {
		return nil, err
	}
	return r.manager.Upsert(ctx, w, subsync.TriggerReconciler)
}

// VerifySession is the post-checkout fallback: it resolves the session's
// subscription, checks that the caller owns it and waits for it to be stored.
func (r *Reconciler) VerifySession(ctx context.Context, sessionID string, caller subsync.Identity) (*subsync.Subscription, error) {
	lookup := r.client.RetrieveCheckoutSession(ctx, sessionID)
	if lookup.Status != LookupFound {
		return nil, lookup.Err
	}
	session := lookup.Value

	owner := session.Owner()
	if owner.UserID != caller.UserID && !caller.IsAdmin() {
		return nil, subsync.ErrForbidden
	}
	if session.Subscription == "" {
		return nil, fmt.Errorf("%w: %s", ErrCheckoutIncomplete, session.ID)
	}
	return r.AwaitSubscription(ctx, session.Subscription.String(), owner)
}
