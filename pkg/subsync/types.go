package subsync

import (
	"context"
	"strings"
	"time"
)

// Status is the local lifecycle state of a subscription.
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"

	// StatusTrialing is accepted from the provider and stored as active.
	StatusTrialing Status = "trialing"
)

// NormalizeStatus maps a provider status onto the local status set.
// Trialing subscriptions are treated as active. Provider states without a
// local equivalent are folded into the closest one.
func NormalizeStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusActive, StatusTrialing:
		return StatusActive
	case StatusPastDue, "unpaid", "paused":
		return StatusPastDue
	case StatusCanceled, "incomplete_expired":
		return StatusCanceled
	default:
		return StatusIncomplete
	}
}

// Subscription is the locally persisted view of a provider subscription.
// Rows are never physically deleted; cancellation is a status transition.
type Subscription struct {
	ID                     string `json:"id"`
	UserID                 string `json:"user_id"`
	PlanID                 string `json:"plan_id"`
	ExternalSubscriptionID string `json:"external_subscription_id"`
	ExternalCustomerID     string `json:"external_customer_id"`
	Status                 Status `json:"status"`
	CurrentPeriodStart     int64  `json:"current_period_start"`
	CurrentPeriodEnd       int64  `json:"current_period_end"`
	CancelAtPeriodEnd      bool   `json:"cancel_at_period_end"`
	CreatedAt              int64  `json:"created_at"`
	UpdatedAt              int64  `json:"updated_at"`
}

// IsActive reports whether the subscription currently grants access.
func (s *Subscription) IsActive() bool {
	return s != nil && s.Status == StatusActive
}

// Clone returns a copy safe to hand out of a store.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// SubscriptionWrite is a partial record keyed by ExternalSubscriptionID.
// Nil fields are unknown: they keep the existing value on update and take the
// default on insert.
type SubscriptionWrite struct {
	ExternalSubscriptionID string

	UserID             *string
	PlanID             *string
	ExternalCustomerID *string
	Status             *Status
	CurrentPeriodStart *int64
	CurrentPeriodEnd   *int64
	CancelAtPeriodEnd  *bool
}

// Validate checks the write can be applied at all.
func (w *SubscriptionWrite) Validate() error {
	if w == nil || strings.TrimSpace(w.ExternalSubscriptionID) == "" {
		return ErrInvalidWrite
	}
	if w.CurrentPeriodStart != nil && w.CurrentPeriodEnd != nil && *w.CurrentPeriodEnd <= *w.CurrentPeriodStart {
		return ErrMalformedProviderData
	}
	return nil
}

// Apply merges the write into existing (nil when no row exists yet) and
// returns the resulting row. id is used only when a row is created.
// UpdatedAt moves only when a field actually changed, so replaying the same
// write leaves the row identical.
//
// A canceled row stays canceled together with its cancel_at_period_end flag:
// deletion is terminal at the provider, so a stale update delivered after it
// must not resurrect the subscription. All other fields still merge.
func (w *SubscriptionWrite) Apply(existing *Subscription, id string, now int64) (*Subscription, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	var row *Subscription
	if existing == nil {
		if w.UserID == nil || *w.UserID == "" {
			return nil, ErrOwnerUnknown
		}
		row = &Subscription{
			ID:                     id,
			ExternalSubscriptionID: w.ExternalSubscriptionID,
			Status:                 StatusIncomplete,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
	} else {
		row = existing.Clone()
	}

	if w.UserID != nil && *w.UserID != "" {
		row.UserID = *w.UserID
	}
	if w.PlanID != nil && *w.PlanID != "" {
		row.PlanID = *w.PlanID
	}
	if w.ExternalCustomerID != nil && *w.ExternalCustomerID != "" {
		row.ExternalCustomerID = *w.ExternalCustomerID
	}
	terminal := row.Status == StatusCanceled
	if w.Status != nil && !terminal {
		row.Status = NormalizeStatus(string(*w.Status))
	}
	if w.CurrentPeriodStart != nil {
		row.CurrentPeriodStart = *w.CurrentPeriodStart
	}
	if w.CurrentPeriodEnd != nil {
		row.CurrentPeriodEnd = *w.CurrentPeriodEnd
	}
	if w.CancelAtPeriodEnd != nil && !terminal {
		row.CancelAtPeriodEnd = *w.CancelAtPeriodEnd
	}
	if existing != nil && !sameState(existing, row) {
		row.UpdatedAt = now
	}

	return row, nil
}

func sameState(a, b *Subscription) bool {
	x, y := *a, *b
	x.UpdatedAt, y.UpdatedAt = 0, 0
	return x == y
}

// UpsertResult is what a store reports after an upsert.
type UpsertResult struct {
	Subscription *Subscription
	// Previous is the row before the write, nil when the row was created.
	Previous *Subscription
}

// Created reports whether the upsert inserted a new row.
func (r *UpsertResult) Created() bool {
	return r.Previous == nil
}

// Changed reports whether the upsert altered any stored field.
func (r *UpsertResult) Changed() bool {
	return r.Previous == nil || !sameState(r.Previous, r.Subscription)
}

// Trigger names what asked for a cancellation.
type Trigger string

const (
	TriggerWebhook    Trigger = "webhook"
	TriggerUser       Trigger = "user"
	TriggerAdmin      Trigger = "admin"
	TriggerReconciler Trigger = "reconciler"
)

// WebhookEvent is the audit record of a single inbound webhook call.
// It is diagnostic only and never read back to decide subscription state.
type WebhookEvent struct {
	ID                     string            `json:"id"`
	EventID                string            `json:"event_id"`
	EventType              string            `json:"event_type"`
	ExternalSubscriptionID string            `json:"external_subscription_id"`
	Payload                []byte            `json:"payload,omitempty"`
	Headers                map[string]string `json:"headers,omitempty"`
	Success                bool              `json:"success"`
	Error                  *string           `json:"error,omitempty"`
	CreatedAt              int64             `json:"created_at"`
	UpdatedAt              int64             `json:"updated_at"`
}

// Fail marks the audit record failed with msg.
func (e *WebhookEvent) Fail(msg string) {
	e.Success = false
	e.Error = &msg
}

// Succeed marks the audit record successful.
func (e *WebhookEvent) Succeed() {
	e.Success = true
	e.Error = nil
}

const (
	// PendingEventType is stored until the signature has been checked.
	PendingEventType = "pending.signature_check"
	// UnknownSubscriptionID is stored when no subscription reference could be extracted.
	UnknownSubscriptionID = "unknown"
)

// WebhookEventFilter narrows ListWebhookEvents.
type WebhookEventFilter struct {
	ExternalSubscriptionID string
	OnlyFailed             bool
	Limit                  int
}

// Action is the outcome of a reconciliation.
type Action string

const (
	ActionNone      Action = "none"
	ActionCorrected Action = "corrected"
	ActionFlagged   Action = "flagged"
)

// FieldMismatch describes one field that differs between local and provider state.
type FieldMismatch struct {
	Field    string `json:"field"`
	Local    string `json:"local"`
	External string `json:"external"`
}

// ReconciliationResult is returned by diagnostics. It is never persisted.
type ReconciliationResult struct {
	ExternalSubscriptionID string          `json:"external_subscription_id,omitempty"`
	UserID                 string          `json:"user_id,omitempty"`
	LocalStatus            Status          `json:"local_status,omitempty"`
	ExternalStatus         string          `json:"external_status,omitempty"`
	TimestampDrift         bool            `json:"timestamp_drift"`
	Mismatches             []FieldMismatch `json:"mismatches,omitempty"`
	Action                 Action          `json:"action"`
	Note                   string          `json:"note,omitempty"`
	CheckedAt              time.Time       `json:"checked_at"`
}

// Identity is the caller as established by an upstream auth layer.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

// RoleAdmin grants access to operator endpoints.
const RoleAdmin = "admin"

// IsAdmin reports whether the caller holds the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// ChangeEvent is emitted after a subscription row changed.
type ChangeEvent struct {
	Subscription   *Subscription `json:"subscription"`
	PreviousStatus Status        `json:"previous_status,omitempty"`
	Trigger        Trigger       `json:"trigger"`
	Timestamp      time.Time     `json:"timestamp"`
}

// ChangeCallback receives change events. Errors are logged, never propagated.
type ChangeCallback func(ctx context.Context, event ChangeEvent) error

// Ptr returns a pointer to v. Handy for building writes.
func Ptr[T any](v T) *T {
	return &v
}
