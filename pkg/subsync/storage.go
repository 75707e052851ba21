package subsync

import (
	"context"
	"time"
)

// Store is the application-scoped view of subscription persistence.
// Implementations must make Upsert atomic per ExternalSubscriptionID; the
// engine holds no locks of its own.
type Store interface {
	// Upsert inserts or merges a partial write keyed by ExternalSubscriptionID.
	// now is the unix time recorded as created/updated.
	// Returns ErrOwnerUnknown when the row does not exist and w carries no UserID.
	Upsert(ctx context.Context, w *SubscriptionWrite, now int64) (*UpsertResult, error)

	// FindByExternalID returns the row for a provider subscription id
	// or ErrSubscriptionNotFound.
	FindByExternalID(ctx context.Context, externalID string) (*Subscription, error)

	// FindActiveByUser returns the most recently updated active row of a user
	// or ErrSubscriptionNotFound.
	FindActiveByUser(ctx context.Context, userID string) (*Subscription, error)

	// FindLatestByUser returns the most recently updated row of a user in any
	// status or ErrSubscriptionNotFound.
	FindLatestByUser(ctx context.Context, userID string) (*Subscription, error)
}

// AdminStore is the elevated-privilege scope used only for cancellation.
// It is injected separately from Store so that the ordinary request path can
// run under a role that cannot bypass row-level policies.
type AdminStore interface {
	// CancelByExternalID sets status canceled and cancel_at_period_end on every
	// row matching externalID and returns the number of rows matched.
	CancelByExternalID(ctx context.Context, externalID string, now int64) (int64, error)

	// FindByExternalID reads through the privileged scope.
	FindByExternalID(ctx context.Context, externalID string) (*Subscription, error)

	// CancelByID cancels a row by its local primary key.
	CancelByID(ctx context.Context, id string, now int64) (int64, error)

	// ForceCancel is the last resort path. It must not share the code path of
	// CancelByExternalID (for SQL stores: a raw statement on a separate
	// connection, outside the prepared statement cache).
	ForceCancel(ctx context.Context, externalID string, now int64) error
}

// AuditLog persists webhook audit records. Records are diagnostic only.
type AuditLog interface {
	// RecordWebhookEvent inserts a new audit record. ev.ID must be set.
	RecordWebhookEvent(ctx context.Context, ev *WebhookEvent) error

	// UpdateWebhookEvent overwrites the record with ev.ID.
	UpdateWebhookEvent(ctx context.Context, ev *WebhookEvent) error

	// ListWebhookEvents returns records newest first.
	ListWebhookEvents(ctx context.Context, filter WebhookEventFilter) ([]*WebhookEvent, error)
}

// TimeSource defines an interface for getting time from the storage engine.
// Stores that implement it let every process stamp rows with the same clock.
type TimeSource interface {
	// Now returns the current time from the storage engine.
	Now(ctx context.Context) (time.Time, error)
}

// Clock returns the current time. It exists so tests can pin time.
type Clock func() time.Time
