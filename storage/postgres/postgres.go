// Package postgres provides a PostgreSQL implementation of the subsync storage interfaces.
// Upserts run in a transaction with SELECT FOR UPDATE; cancellation runs on a
// separate pool so it can connect as a role that bypasses row-level policies.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Store, subsync.AdminStore, subsync.AuditLog and
// subsync.TimeSource.
type Storage struct {
	pool   *pgxpool.Pool
	admin  *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string of the application role
	ConnectionString string

	// AdminConnectionString connects as the elevated role used for cancellation.
	// Defaults to ConnectionString.
	AdminConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Logger is optional.
	Logger subsync.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.AdminConnectionString == "" {
		config.AdminConnectionString = config.ConnectionString
	}
	if config.Logger == nil {
		config.Logger = &subsync.NoopLogger{}
	}

	pool, err := newPool(ctx, config.ConnectionString, config)
	if err != nil {
		return nil, err
	}
	admin, err := newPool(ctx, config.AdminConnectionString, config)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("admin pool: %w", err)
	}

	return &Storage{
		pool:   pool,
		admin:  admin,
		config: config,
	}, nil
}

func newPool(ctx context.Context, dsn string, config Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Close closes both connection pools
func (s *Storage) Close() {
	if s.admin != nil {
		s.admin.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool returns the application pool, e.g. for running migrations.
func (s *Storage) Pool() *pgxpool.Pool {
	return s.pool
}

const subscriptionColumns = `id, user_id, plan_id, external_subscription_id, external_customer_id,
	status, current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at`

func scanSubscription(row pgx.Row) (*subsync.Subscription, error) {
	var sub subsync.Subscription
	var status string
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.PlanID,
		&sub.ExternalSubscriptionID,
		&sub.ExternalCustomerID,
		&status,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.Status = subsync.Status(status)
	return &sub, nil
}

// Upsert implements subsync.Store
func (s *Storage) Upsert(ctx context.Context, w *subsync.SubscriptionWrite, now int64) (*subsync.UpsertResult, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	existing, err := lockSubscription(ctx, tx, w.ExternalSubscriptionID)
	if err != nil {
		return nil, err
	}

	row, err := w.Apply(existing, uuid.NewString(), now)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		tag, err := tx.Exec(ctx,
			`INSERT INTO subscriptions (`+subscriptionColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (external_subscription_id) DO NOTHING`,
			row.ID, row.UserID, row.PlanID, row.ExternalSubscriptionID, row.ExternalCustomerID,
			string(row.Status), row.CurrentPeriodStart, row.CurrentPeriodEnd, row.CancelAtPeriodEnd,
			row.CreatedAt, row.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert subscription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// A concurrent delivery created the row first; merge into it.
			existing, err = lockSubscription(ctx, tx, w.ExternalSubscriptionID)
			if err != nil {
				return nil, err
			}
			if existing == nil {
				return nil, fmt.Errorf("subscription %s vanished during upsert", w.ExternalSubscriptionID)
			}
			if row, err = w.Apply(existing, existing.ID, now); err != nil {
				return nil, err
			}
		}
	}

	res := &subsync.UpsertResult{Subscription: row, Previous: existing}
	if existing != nil && res.Changed() {
		_, err = tx.Exec(ctx,
			`UPDATE subscriptions SET
				user_id = $2, plan_id = $3, external_customer_id = $4, status = $5,
				current_period_start = $6, current_period_end = $7, cancel_at_period_end = $8,
				updated_at = $9
			WHERE id = $1`,
			row.ID, row.UserID, row.PlanID, row.ExternalCustomerID, string(row.Status),
			row.CurrentPeriodStart, row.CurrentPeriodEnd, row.CancelAtPeriodEnd, row.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update subscription: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return res, nil
}

// lockSubscription returns the row locked for update, or nil when it does not exist.
func lockSubscription(ctx context.Context, tx pgx.Tx, externalID string) (*subsync.Subscription, error) {
	sub, err := scanSubscription(tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE external_subscription_id = $1
			FOR UPDATE`,
		externalID))
	if errors.Is(err, subsync.ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}
	return sub, nil
}

// FindByExternalID implements subsync.Store
func (s *Storage) FindByExternalID(ctx context.Context, externalID string) (*subsync.Subscription, error) {
	return findByExternalID(ctx, s.pool, externalID)
}

// FindActiveByUser implements subsync.Store
func (s *Storage) FindActiveByUser(ctx context.Context, userID string) (*subsync.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1 AND status = $2
			ORDER BY updated_at DESC
			LIMIT 1`,
		userID, string(subsync.StatusActive)))
	if err != nil && !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to find active subscription: %w", err)
	}
	return sub, err
}

// FindLatestByUser implements subsync.Store
func (s *Storage) FindLatestByUser(ctx context.Context, userID string) (*subsync.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1
			ORDER BY updated_at DESC
			LIMIT 1`,
		userID))
	if err != nil && !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to find latest subscription: %w", err)
	}
	return sub, err
}

func findByExternalID(ctx context.Context, pool *pgxpool.Pool, externalID string) (*subsync.Subscription, error) {
	sub, err := scanSubscription(pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = $1`,
		externalID))
	if err != nil && !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, err
}

// cancelSet leaves updated_at alone when the row is already fully canceled.
const cancelSet = `SET status = 'canceled', cancel_at_period_end = TRUE,
	updated_at = CASE WHEN status = 'canceled' AND cancel_at_period_end THEN updated_at ELSE $2 END`

// CancelByExternalID implements subsync.AdminStore
func (s *Storage) CancelByExternalID(ctx context.Context, externalID string, now int64) (int64, error) {
	tag, err := s.admin.Exec(ctx,
		`UPDATE subscriptions `+cancelSet+` WHERE external_subscription_id = $1`,
		externalID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel subscription: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CancelByID implements subsync.AdminStore
func (s *Storage) CancelByID(ctx context.Context, id string, now int64) (int64, error) {
	tag, err := s.admin.Exec(ctx,
		`UPDATE subscriptions `+cancelSet+` WHERE id = $1`,
		id, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel subscription by id: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ForceCancel implements subsync.AdminStore. It acquires a dedicated admin
// connection and sends the statement over the simple protocol, so it shares
// neither the statement cache nor the code path of the other tiers.
func (s *Storage) ForceCancel(ctx context.Context, externalID string, now int64) error {
	conn, err := s.admin.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire admin connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Conn().Exec(ctx,
		`UPDATE subscriptions SET status = 'canceled', cancel_at_period_end = TRUE, updated_at = $2
			WHERE external_subscription_id = $1`,
		pgx.QueryExecModeSimpleProtocol, externalID, now)
	if err != nil {
		return fmt.Errorf("force cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.config.Logger.Warn("force cancel matched no rows",
			subsync.F("external_subscription_id", externalID))
	}
	return nil
}

// Admin returns the storage viewed as a subsync.AdminStore. Reads made by the
// enforcer go through the admin pool.
func (s *Storage) Admin() subsync.AdminStore {
	return &adminStore{s}
}

type adminStore struct {
	*Storage
}

func (a *adminStore) FindByExternalID(ctx context.Context, externalID string) (*subsync.Subscription, error) {
	return findByExternalID(ctx, a.admin, externalID)
}

// RecordWebhookEvent implements subsync.AuditLog
func (s *Storage) RecordWebhookEvent(ctx context.Context, ev *subsync.WebhookEvent) error {
	if ev == nil || ev.ID == "" {
		return subsync.ErrInvalidWrite
	}
	headers, err := json.Marshal(ev.Headers)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO webhook_events
				(id, event_id, event_type, external_subscription_id, payload, headers, success, error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.EventID, ev.EventType, ev.ExternalSubscriptionID, ev.Payload, headers,
		ev.Success, ev.Error, ev.CreatedAt, ev.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

// UpdateWebhookEvent implements subsync.AuditLog
func (s *Storage) UpdateWebhookEvent(ctx context.Context, ev *subsync.WebhookEvent) error {
	if ev == nil || ev.ID == "" {
		return subsync.ErrInvalidWrite
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET
				event_id = $2, event_type = $3, external_subscription_id = $4,
				success = $5, error = $6, updated_at = $7
			WHERE id = $1`,
		ev.ID, ev.EventID, ev.EventType, ev.ExternalSubscriptionID, ev.Success, ev.Error, ev.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event %s: %w", ev.ID, subsync.ErrSubscriptionNotFound)
	}
	return nil
}

// ListWebhookEvents implements subsync.AuditLog
func (s *Storage) ListWebhookEvents(ctx context.Context, filter subsync.WebhookEventFilter) ([]*subsync.WebhookEvent, error) {
	query := `SELECT id, event_id, event_type, external_subscription_id, payload, headers,
			success, error, created_at, updated_at
		FROM webhook_events WHERE TRUE`
	var args []any
	if filter.ExternalSubscriptionID != "" {
		args = append(args, filter.ExternalSubscriptionID)
		query += fmt.Sprintf(" AND external_subscription_id = $%d", len(args))
	}
	if filter.OnlyFailed {
		query += " AND NOT success"
	}
	query += " ORDER BY created_at DESC, updated_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer rows.Close()

	var out []*subsync.WebhookEvent
	for rows.Next() {
		var ev subsync.WebhookEvent
		var headers []byte
		if err := rows.Scan(
			&ev.ID, &ev.EventID, &ev.EventType, &ev.ExternalSubscriptionID, &ev.Payload, &headers,
			&ev.Success, &ev.Error, &ev.CreatedAt, &ev.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &ev.Headers); err != nil {
				return nil, fmt.Errorf("failed to decode headers: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// Now implements subsync.TimeSource using the database clock.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, "SELECT NOW()").Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read database time: %w", err)
	}
	return now.UTC(), nil
}

// Ping checks both PostgreSQL pools
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return err
	}
	return s.admin.Ping(ctx)
}
