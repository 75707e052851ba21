// Package sqlite provides a single-node SQLite implementation of the subsync
// storage interfaces, backed by the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Store, subsync.AdminStore and subsync.AuditLog.
// All access goes through one connection and write transactions begin
// IMMEDIATE, so upserts are serialized by the database lock.
type Storage struct {
	db     *sql.DB
	dbPath string
}

// New opens (creating when missing) the database file at path.
func New(path string) (*Storage, error) {
	path = filepath.Clean(path)
	if strings.TrimSpace(path) == "" || path == "." {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
		"_txlock": []string{"immediate"},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open subscription db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Storage{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		plan_id TEXT NOT NULL DEFAULT '',
		external_subscription_id TEXT NOT NULL UNIQUE,
		external_customer_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'incomplete',
		current_period_start INTEGER NOT NULL DEFAULT 0,
		current_period_end INTEGER NOT NULL DEFAULT 0,
		cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_user_status ON subscriptions(user_id, status, updated_at);
	CREATE TABLE IF NOT EXISTS webhook_events (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		external_subscription_id TEXT NOT NULL DEFAULT 'unknown',
		payload BLOB,
		headers TEXT,
		success INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_webhook_events_created ON webhook_events(created_at);
	CREATE INDEX IF NOT EXISTS idx_webhook_events_subscription ON webhook_events(external_subscription_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init subscription schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database handle.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const subscriptionColumns = `id, user_id, plan_id, external_subscription_id, external_customer_id,
	status, current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*subsync.Subscription, error) {
	var sub subsync.Subscription
	var status string
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.ExternalSubscriptionID, &sub.ExternalCustomerID,
		&status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanSubscription(tx.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = ?`,
		w.ExternalSubscriptionID))
	if errors.Is(err, subsync.ErrSubscriptionNotFound) {
		existing, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read subscription: %w", err)
	}

	row, err := w.Apply(existing, uuid.NewString(), now)
	if err != nil {
		return nil, err
	}
	res := &subsync.UpsertResult{Subscription: row, Previous: existing}

	switch {
	case existing == nil:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO subscriptions (`+subscriptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID, row.UserID, row.PlanID, row.ExternalSubscriptionID, row.ExternalCustomerID,
			string(row.Status), row.CurrentPeriodStart, row.CurrentPeriodEnd, row.CancelAtPeriodEnd,
			row.CreatedAt, row.UpdatedAt)
	case res.Changed():
		_, err = tx.ExecContext(ctx,
			`UPDATE subscriptions SET user_id = ?, plan_id = ?, external_customer_id = ?, status = ?,
				current_period_start = ?, current_period_end = ?, cancel_at_period_end = ?, updated_at = ?
			WHERE id = ?`,
			row.UserID, row.PlanID, row.ExternalCustomerID, string(row.Status),
			row.CurrentPeriodStart, row.CurrentPeriodEnd, row.CancelAtPeriodEnd, row.UpdatedAt, row.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("write subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

// FindByExternalID implements subsync.Store and subsync.AdminStore
func (s *Storage) FindByExternalID(ctx context.Context, externalID string) (*subsync.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = ?`, externalID))
	if err != nil && !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("read subscription: %w", err)
	}
	return sub, err
}

// FindActiveByUser implements subsync.Store
func (s *Storage) FindActiveByUser(ctx context.Context, userID string) (*subsync.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = ? AND status = ?
			ORDER BY updated_at DESC LIMIT 1`,
		userID, string(subsync.StatusActive)))
	if err != nil && !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("read active subscription: %w", err)
	}
	return sub, err
}

// FindLatestByUser implements subsync.Store
func (s *Storage) FindLatestByUser(ctx context.Context, userID string) (*subsync.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = ?
			ORDER BY updated_at DESC LIMIT 1`,
		userID))
	if err != nil && !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("read latest subscription: %w", err)
	}
	return sub, err
}

const cancelSet = `SET status = 'canceled', cancel_at_period_end = 1,
	updated_at = CASE WHEN status = 'canceled' AND cancel_at_period_end = 1 THEN updated_at ELSE ? END`

// CancelByExternalID implements subsync.AdminStore
func (s *Storage) CancelByExternalID(ctx context.Context, externalID string, now int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions `+cancelSet+` WHERE external_subscription_id = ?`, now, externalID)
	if err != nil {
		return 0, fmt.Errorf("cancel subscription: %w", err)
	}
	return res.RowsAffected()
}

// CancelByID implements subsync.AdminStore
func (s *Storage) CancelByID(ctx context.Context, id string, now int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions `+cancelSet+` WHERE id = ?`, now, id)
	if err != nil {
		return 0, fmt.Errorf("cancel subscription by id: %w", err)
	}
	return res.RowsAffected()
}

// ForceCancel implements subsync.AdminStore on a dedicated connection.
func (s *Storage) ForceCancel(ctx context.Context, externalID string, now int64) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx,
		`UPDATE subscriptions SET status = 'canceled', cancel_at_period_end = 1, updated_at = ?
			WHERE external_subscription_id = ?`,
		now, externalID)
	if err != nil {
		return fmt.Errorf("force cancel: %w", err)
	}
	return nil
}

// RecordWebhookEvent implements subsync.AuditLog
func (s *Storage) RecordWebhookEvent(ctx context.Context, ev *subsync.WebhookEvent) error {
	if ev == nil || ev.ID == "" {
		return subsync.ErrInvalidWrite
	}
	headers, err := json.Marshal(ev.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhook_events
			(id, event_id, event_type, external_subscription_id, payload, headers, success, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EventID, ev.EventType, ev.ExternalSubscriptionID, ev.Payload, string(headers),
		ev.Success, ev.Error, ev.CreatedAt, ev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	return nil
}

// UpdateWebhookEvent implements subsync.AuditLog
func (s *Storage) UpdateWebhookEvent(ctx context.Context, ev *subsync.WebhookEvent) error {
	if ev == nil || ev.ID == "" {
		return subsync.ErrInvalidWrite
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET event_id = ?, event_type = ?, external_subscription_id = ?,
			success = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		ev.EventID, ev.EventType, ev.ExternalSubscriptionID, ev.Success, ev.Error, ev.UpdatedAt, ev.ID)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook event %s: %w", ev.ID, subsync.ErrSubscriptionNotFound)
	}
	return nil
}

// ListWebhookEvents implements subsync.AuditLog
func (s *Storage) ListWebhookEvents(ctx context.Context, filter subsync.WebhookEventFilter) ([]*subsync.WebhookEvent, error) {
	query := `SELECT id, event_id, event_type, external_subscription_id, payload, headers,
			success, error, created_at, updated_at
		FROM webhook_events WHERE 1 = 1`
	var args []any
	if filter.ExternalSubscriptionID != "" {
		query += " AND external_subscription_id = ?"
		args = append(args, filter.ExternalSubscriptionID)
	}
	if filter.OnlyFailed {
		query += " AND success = 0"
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	var out []*subsync.WebhookEvent
	for rows.Next() {
		var ev subsync.WebhookEvent
		var headers sql.NullString
		var msg sql.NullString
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.EventType, &ev.ExternalSubscriptionID, &ev.Payload,
			&headers, &ev.Success, &msg, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		if msg.Valid {
			ev.Error = &msg.String
		}
		if headers.Valid && headers.String != "" && headers.String != "null" {
			if err := json.Unmarshal([]byte(headers.String), &ev.Headers); err != nil {
				return nil, fmt.Errorf("decode headers: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
