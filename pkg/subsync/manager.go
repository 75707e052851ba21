package subsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config configures a Manager.
type Config struct {
	// Store is the application-scoped datastore (required).
	Store Store
	// Admin is the elevated-privilege scope used for cancellation (required).
	Admin AdminStore
	// Audit persists webhook audit records. Optional.
	Audit AuditLog

	// TimeSource, when set, stamps rows with the storage engine clock.
	TimeSource TimeSource
	// Clock is used when no TimeSource is set or it fails. Defaults to time.Now.
	Clock Clock

	Logger  Logger
	Metrics Metrics

	// OnChange is invoked after a row was created, changed or canceled.
	OnChange ChangeCallback
}

// Manager owns the subscription state store and the cancellation path.
// Every state change goes through it.
type Manager struct {
	store    Store
	admin    AdminStore
	audit    AuditLog
	enforcer *Enforcer
	config   Config
}

// NewManager creates a manager over the given stores.
func NewManager(config Config) (*Manager, error) {
	if config.Store == nil || config.Admin == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	m := &Manager{
		store:  config.Store,
		admin:  config.Admin,
		audit:  config.Audit,
		config: config,
	}
	m.enforcer = NewEnforcer(config.Admin, config.Logger, config.Metrics, m.clock)
	return m, nil
}

// Logger returns the configured logger.
func (m *Manager) Logger() Logger { return m.config.Logger }

// Metrics returns the configured metrics recorder.
func (m *Manager) Metrics() Metrics { return m.config.Metrics }

// Audit returns the audit log, or nil when none is configured.
func (m *Manager) Audit() AuditLog { return m.audit }

// Now returns the current time, preferring the storage engine clock.
func (m *Manager) Now(ctx context.Context) time.Time {
	if m.config.TimeSource != nil {
		if t, err := m.config.TimeSource.Now(ctx); err == nil {
			return t
		}
	}
	return m.config.Clock()
}

func (m *Manager) clock() time.Time {
	return m.Now(context.Background())
}

// Upsert applies a partial write and notifies OnChange when the row changed.
func (m *Manager) Upsert(ctx context.Context, w *SubscriptionWrite, trigger Trigger) (*Subscription, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := m.store.Upsert(ctx, w, m.Now(ctx).Unix())
	m.config.Metrics.RecordStorageOperation("upsert", time.Since(start), err)
	if err != nil {
		status := StatusIncomplete
		if w.Status != nil {
			status = *w.Status
		}
		m.config.Metrics.RecordUpsert(status, false, err)
		if errors.Is(err, ErrOwnerUnknown) || errors.Is(err, ErrInvalidWrite) || errors.Is(err, ErrMalformedProviderData) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: upsert %s: %w", ErrPersistenceFailure, w.ExternalSubscriptionID, err)
	}

	sub := res.Subscription
	m.config.Metrics.RecordUpsert(sub.Status, res.Created(), nil)
	m.config.Logger.Debug("subscription upserted",
		F("subscription_id", sub.ExternalSubscriptionID),
		F("user_id", sub.UserID),
		F("status", string(sub.Status)),
		F("created", res.Created()),
		F("changed", res.Changed()),
	)

	if res.Changed() {
		var prev Status
		if res.Previous != nil {
			prev = res.Previous.Status
		}
		m.notify(ctx, sub, prev, trigger)
	}
	return sub, nil
}

// FindByExternalID returns the local row for a provider subscription id.
func (m *Manager) FindByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	start := time.Now()
	sub, err := m.store.FindByExternalID(ctx, externalID)
	m.config.Metrics.RecordStorageOperation("find_by_external_id", time.Since(start), ignoreNotFound(err))
	return sub, err
}

// FindActiveByUser returns the user's active subscription.
func (m *Manager) FindActiveByUser(ctx context.Context, userID string) (*Subscription, error) {
	start := time.Now()
	sub, err := m.store.FindActiveByUser(ctx, userID)
	m.config.Metrics.RecordStorageOperation("find_active_by_user", time.Since(start), ignoreNotFound(err))
	return sub, err
}

// FindLatestByUser returns the user's most recently updated row in any status.
func (m *Manager) FindLatestByUser(ctx context.Context, userID string) (*Subscription, error) {
	start := time.Now()
	sub, err := m.store.FindLatestByUser(ctx, userID)
	m.config.Metrics.RecordStorageOperation("find_latest_by_user", time.Since(start), ignoreNotFound(err))
	return sub, err
}

// Cancel runs the cancellation enforcer. It never fails; see CancelOutcome.
// OnChange fires only for rows that were not canceled before.
func (m *Manager) Cancel(ctx context.Context, externalID string, trigger Trigger) CancelOutcome {
	var prev Status
	if row, err := m.admin.FindByExternalID(ctx, externalID); err == nil {
		prev = row.Status
	}
	out := m.enforcer.Cancel(ctx, externalID, trigger)
	if out.Found && out.Verified && prev != StatusCanceled {
		m.notify(ctx, out.Subscription, prev, trigger)
	}
	return out
}

// CancelForUser cancels the user's active subscription.
// Returns ErrNoActiveSubscription when there is nothing to cancel.
func (m *Manager) CancelForUser(ctx context.Context, userID string, trigger Trigger) (CancelOutcome, error) {
	sub, err := m.FindActiveByUser(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return CancelOutcome{}, ErrNoActiveSubscription
	}
	if err != nil {
		return CancelOutcome{}, fmt.Errorf("failed to load active subscription: %w", err)
	}
	return m.Cancel(ctx, sub.ExternalSubscriptionID, trigger), nil
}

// CheckAccess returns the user's active subscription, restricted to plans
// when any are given. Returns ErrNoActiveSubscription when access is denied.
func (m *Manager) CheckAccess(ctx context.Context, userID string, plans ...string) (*Subscription, error) {
	sub, err := m.FindActiveByUser(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, ErrNoActiveSubscription
	}
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return sub, nil
	}
	for _, p := range plans {
		if sub.PlanID == p {
			return sub, nil
		}
	}
	return nil, ErrNoActiveSubscription
}

func (m *Manager) notify(ctx context.Context, sub *Subscription, prev Status, trigger Trigger) {
	if m.config.OnChange == nil || sub == nil {
		return
	}
	event := ChangeEvent{
		Subscription:   sub.Clone(),
		PreviousStatus: prev,
		Trigger:        trigger,
		Timestamp:      m.Now(ctx),
	}
	if err := m.config.OnChange(ctx, event); err != nil {
		m.config.Logger.Warn("subscription change callback failed",
			F("subscription_id", sub.ExternalSubscriptionID),
			F("error", err.Error()),
		)
	}
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil
	}
	return err
}
