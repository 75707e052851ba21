// Package redis provides a Redis implementation of the subsync storage interfaces.
// Upserts use optimistic WATCH/MULTI transactions; the last-resort cancel path
// is a Lua script so it never shares the transactional code path.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Store, subsync.AdminStore, subsync.AuditLog and
// subsync.TimeSource using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:")
	KeyPrefix string

	// MaxRetries is the maximum number of optimistic transaction attempts (default: 3)
	MaxRetries int

	// CacheTTL bounds rows written by Put when Redis is the hot tier of
	// storage/tiered (0 = no expiration)
	CacheTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "subsync:",
		MaxRetries: 3,
	}
}

// ErrTxConflict is returned when a key kept changing under every retry.
var ErrTxConflict = errors.New("redis transaction conflict")

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

func (s *Storage) loadScripts() {
	// Overwrite status fields in place, whatever else the document holds.
	s.scripts["force_cancel"] = redis.NewScript(`
		local raw = redis.call('GET', KEYS[1])
		if not raw then
			return 0
		end
		local row = cjson.decode(raw)
		row['status'] = 'canceled'
		row['cancel_at_period_end'] = true
		row['updated_at'] = tonumber(ARGV[1])
		redis.call('SET', KEYS[1], cjson.encode(row))
		return 1
	`)
}

// Upsert implements subsync.Store
func (s *Storage) Upsert(ctx context.Context, w *subsync.SubscriptionWrite, now int64) (*subsync.UpsertResult, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	key := s.subscriptionKey(w.ExternalSubscriptionID)

	var res *subsync.UpsertResult
	txf := func(tx *redis.Tx) error {
		existing, err := getSubscription(ctx, tx, key)
		if errors.Is(err, subsync.ErrSubscriptionNotFound) {
			existing, err = nil, nil
		}
		if err != nil {
			return err
		}

		row, err := w.Apply(existing, uuid.NewString(), now)
		if err != nil {
			return err
		}
		res = &subsync.UpsertResult{Subscription: row, Previous: existing}
		if !res.Changed() {
			return nil
		}

		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.Set(ctx, s.idKey(row.ID), row.ExternalSubscriptionID, 0)
			pipe.SAdd(ctx, s.userKey(row.UserID), row.ExternalSubscriptionID)
			if existing != nil && existing.UserID != row.UserID {
				pipe.SRem(ctx, s.userKey(existing.UserID), row.ExternalSubscriptionID)
			}
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return res, nil
}

// watch runs txf under WATCH, retrying when another client touched keys.
func (s *Storage) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w on %v", ErrTxConflict, keys)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getSubscription(ctx context.Context, c getter, key string) (*subsync.Subscription, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	var sub subsync.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &sub, nil
}

// FindByExternalID implements subsync.Store and subsync.AdminStore
func (s *Storage) FindByExternalID(ctx context.Context, externalID string) (*subsync.Subscription, error) {
	return getSubscription(ctx, s.client, s.subscriptionKey(externalID))
}

// FindActiveByUser implements subsync.Store
func (s *Storage) FindActiveByUser(ctx context.Context, userID string) (*subsync.Subscription, error) {
	return s.latest(ctx, userID, true)
}

// FindLatestByUser implements subsync.Store
func (s *Storage) FindLatestByUser(ctx context.Context, userID string) (*subsync.Subscription, error) {
	return s.latest(ctx, userID, false)
}

func (s *Storage) latest(ctx context.Context, userID string, activeOnly bool) (*subsync.Subscription, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user subscriptions: %w", err)
	}
	if len(ids) == 0 {
		return nil, subsync.ErrSubscriptionNotFound
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.subscriptionKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user subscriptions: %w", err)
	}

	var best *subsync.Subscription
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var sub subsync.Subscription
		if err := json.Unmarshal([]byte(str), &sub); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		if sub.UserID != userID || (activeOnly && !sub.IsActive()) {
			continue
		}
		if best == nil || sub.UpdatedAt > best.UpdatedAt {
			best = &sub
		}
	}
	if best == nil {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return best, nil
}

// CancelByExternalID implements subsync.AdminStore
func (s *Storage) CancelByExternalID(ctx context.Context, externalID string, now int64) (int64, error) {
	key := s.subscriptionKey(externalID)
	var matched int64
	txf := func(tx *redis.Tx) error {
		matched = 0
		row, err := getSubscription(ctx, tx, key)
		if errors.Is(err, subsync.ErrSubscriptionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		matched = 1
		if row.Status == subsync.StatusCanceled && row.CancelAtPeriodEnd {
			return nil
		}
		row.Status = subsync.StatusCanceled
		row.CancelAtPeriodEnd = true
		row.UpdatedAt = now
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}
	if err := s.watch(ctx, txf, key); err != nil {
		return 0, err
	}
	return matched, nil
}

// CancelByID implements subsync.AdminStore
func (s *Storage) CancelByID(ctx context.Context, id string, now int64) (int64, error) {
	externalID, err := s.client.Get(ctx, s.idKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve subscription id: %w", err)
	}
	return s.CancelByExternalID(ctx, externalID, now)
}

// ForceCancel implements subsync.AdminStore
func (s *Storage) ForceCancel(ctx context.Context, externalID string, now int64) error {
	n, err := s.scripts["force_cancel"].Run(ctx, s.client, []string{s.subscriptionKey(externalID)}, now).Int64()
	if err != nil {
		return fmt.Errorf("force cancel: %w", err)
	}
	if n == 0 {
		return subsync.ErrSubscriptionNotFound
	}
	return nil
}

// Put stores a row as given, replacing whatever is cached under its
// external id. It is the fill path used when Redis fronts another store.
func (s *Storage) Put(ctx context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.ExternalSubscriptionID == "" {
		return subsync.ErrInvalidWrite
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.subscriptionKey(sub.ExternalSubscriptionID), data, s.config.CacheTTL)
		pipe.Set(ctx, s.idKey(sub.ID), sub.ExternalSubscriptionID, s.config.CacheTTL)
		pipe.SAdd(ctx, s.userKey(sub.UserID), sub.ExternalSubscriptionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put subscription: %w", err)
	}
	return nil
}

// Evict drops a cached row. Missing rows are not an error.
func (s *Storage) Evict(ctx context.Context, externalID string) error {
	row, err := s.FindByExternalID(ctx, externalID)
	if errors.Is(err, subsync.ErrSubscriptionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.subscriptionKey(externalID), s.idKey(row.ID))
		pipe.SRem(ctx, s.userKey(row.UserID), externalID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to evict subscription: %w", err)
	}
	return nil
}

// RecordWebhookEvent implements subsync.AuditLog
func (s *Storage) RecordWebhookEvent(ctx context.Context, ev *subsync.WebhookEvent) error {
	if ev == nil || ev.ID == "" {
		return subsync.ErrInvalidWrite
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook event: %w", err)
	}
	score := redis.Z{Score: float64(ev.CreatedAt), Member: ev.ID}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// audit rows never expire
		pipe.Set(ctx, s.eventKey(ev.ID), data, 0)
		pipe.ZAdd(ctx, s.eventsKey(""), score)
		if ev.ExternalSubscriptionID != "" {
			pipe.ZAdd(ctx, s.eventsKey(ev.ExternalSubscriptionID), score)
		}
		return nil
	})
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
	raw, err := s.client.Get(ctx, s.eventKey(ev.ID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("webhook event %s: %w", ev.ID, subsync.ErrSubscriptionNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get webhook event: %w", err)
	}
	var prev subsync.WebhookEvent
	if err := json.Unmarshal(raw, &prev); err != nil {
		return fmt.Errorf("failed to unmarshal webhook event: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook event: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.eventKey(ev.ID), data, 0)
		if prev.ExternalSubscriptionID != ev.ExternalSubscriptionID {
			if prev.ExternalSubscriptionID != "" {
				pipe.ZRem(ctx, s.eventsKey(prev.ExternalSubscriptionID), ev.ID)
			}
			if ev.ExternalSubscriptionID != "" {
				pipe.ZAdd(ctx, s.eventsKey(ev.ExternalSubscriptionID), redis.Z{Score: float64(ev.CreatedAt), Member: ev.ID})
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	return nil
}

// eventPageSize bounds each index read of ListWebhookEvents.
const eventPageSize = 100

// ListWebhookEvents implements subsync.AuditLog. The index is read newest
// first, one page at a time, until Limit matching events are collected.
func (s *Storage) ListWebhookEvents(ctx context.Context, filter subsync.WebhookEventFilter) ([]*subsync.WebhookEvent, error) {
	page := int64(eventPageSize)
	if filter.Limit > 0 && !filter.OnlyFailed && int64(filter.Limit) < page {
		page = int64(filter.Limit)
	}

	var out []*subsync.WebhookEvent
	for start := int64(0); ; start += page {
		ids, err := s.client.ZRevRange(ctx, s.eventsKey(filter.ExternalSubscriptionID), start, start+page-1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list webhook events: %w", err)
		}
		if len(ids) == 0 {
			return out, nil
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.eventKey(id)
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get webhook events: %w", err)
		}

		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var ev subsync.WebhookEvent
			if err := json.Unmarshal([]byte(str), &ev); err != nil {
				return nil, fmt.Errorf("failed to unmarshal webhook event: %w", err)
			}
			if filter.OnlyFailed && ev.Success {
				continue
			}
			out = append(out, &ev)
			if filter.Limit > 0 && len(out) == filter.Limit {
				return out, nil
			}
		}
		if int64(len(ids)) < page {
			return out, nil
		}
	}
}

// Now implements subsync.TimeSource using the Redis server clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get redis time: %w", err)
	}
	return t.UTC(), nil
}

func (s *Storage) subscriptionKey(externalID string) string {
	return s.config.KeyPrefix + "sub:" + externalID
}

func (s *Storage) idKey(id string) string {
	return s.config.KeyPrefix + "subid:" + id
}

func (s *Storage) userKey(userID string) string {
	return s.config.KeyPrefix + "user:" + userID
}

func (s *Storage) eventKey(id string) string {
	return s.config.KeyPrefix + "evt:" + id
}

// eventsKey is the time-ordered audit index, global when externalID is empty.
func (s *Storage) eventsKey(externalID string) string {
	if externalID == "" {
		return s.config.KeyPrefix + "evts"
	}
	return s.config.KeyPrefix + "evts:sub:" + externalID
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
