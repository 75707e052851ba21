// Package tiered provides a Hot/Cold tiered storage adapter that fronts a
// durable store (Cold) with a fast cache (Hot). Subscription rows are written
// through to Cold first; access checks read through Hot.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Cache is the hot tier. storage/memory and storage/redis implement it.
type Cache interface {
	FindByExternalID(ctx context.Context, externalID string) (*subsync.Subscription, error)
	FindActiveByUser(ctx context.Context, userID string) (*subsync.Subscription, error)
	Put(ctx context.Context, sub *subsync.Subscription) error
	Evict(ctx context.Context, externalID string) error
}

// Backend is the cold tier, the source of truth.
type Backend interface {
	subsync.Store
	subsync.AuditLog
}

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache (e.g., Redis, Memory) serving access checks
	Hot Cache

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold Backend

	// ColdAdmin is the privileged scope of Cold. If nil, Cold is used when it
	// implements subsync.AdminStore.
	ColdAdmin subsync.AdminStore

	// AsyncAudit moves webhook audit writes to a background worker so the
	// ingestion path does not wait on Cold. Writes keep their order. A full
	// queue blocks the caller until there is room or its context ends.
	AsyncAudit bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async audit write or a hot tier
	// write fails. Essential for monitoring cache drift.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture.
// Strategies per operation type:
// - Write-Through: Upsert and cancellation (Cold → Hot)
// - Read-Through: subscription lookups (Hot → Cold → Populate Hot)
// - Cold-Only: webhook audit log, optionally asynchronous
//
// Every writer must go through the same tiered instance (or share its Hot
// tier) for the cache to stay coherent.
type Storage struct {
	hot       Cache
	cold      Backend
	coldAdmin subsync.AdminStore
	conf      Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup

	// closeMu orders enqueue against Close so no job lands after the drain.
	closeMu sync.RWMutex
	closed  bool
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	admin := config.ColdAdmin
	if admin == nil {
		a, ok := config.Cold.(subsync.AdminStore)
		if !ok {
			return nil, errors.New("tiered storage: cold storage has no admin scope")
		}
		admin = a
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		coldAdmin: admin,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncAudit {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled), draining
// queued audit writes.
func (s *Storage) Close() error {
	if !s.conf.AsyncAudit {
		return nil
	}
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.shutdown)
	s.closeMu.Unlock()
	s.wg.Wait()
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially so an audit record is created before it is updated.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job(), "tiered sync failed")
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job(), "tiered sync failed during shutdown")
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error, msg string) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("%s: %w", msg, err))
	}
}

// fill caches sub, then re-reads Cold. A write that committed after sub was
// read either shows up in that re-read, which evicts the stale entry, or
// evicts it itself once it has committed.
func (s *Storage) fill(ctx context.Context, sub *subsync.Subscription) {
	if err := s.hot.Put(ctx, sub); err != nil {
		s.report(err, "tiered storage: hot fill failed")
		return
	}
	cur, err := s.cold.FindByExternalID(ctx, sub.ExternalSubscriptionID)
	if err == nil && *cur == *sub {
		return
	}
	s.evict(ctx, sub.ExternalSubscriptionID)
}

func (s *Storage) evict(ctx context.Context, externalID string) {
	s.report(s.hot.Evict(ctx, externalID), "tiered storage: hot evict failed")
}

// --- Strategy: Write-Through (Cold → Hot) ---

// Upsert implements subsync.Store. Cold holds the lock that makes the merge
// atomic; Hot receives the merged row.
func (s *Storage) Upsert(ctx context.Context, w *subsync.SubscriptionWrite, now int64) (*subsync.UpsertResult, error) {
	res, err := s.cold.Upsert(ctx, w, now)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, res.Subscription)
	return res, nil
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// FindByExternalID implements subsync.Store with read-through strategy.
func (s *Storage) FindByExternalID(ctx context.Context, externalID string) (*subsync.Subscription, error) {
	if sub, err := s.hot.FindByExternalID(ctx, externalID); err == nil {
		return sub, nil
	}

	sub, err := s.cold.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, sub)
	return sub, nil
}

// FindActiveByUser implements subsync.Store with read-through strategy.
func (s *Storage) FindActiveByUser(ctx context.Context, userID string) (*subsync.Subscription, error) {
	if sub, err := s.hot.FindActiveByUser(ctx, userID); err == nil && sub.IsActive() {
		return sub, nil
	}

	sub, err := s.cold.FindActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, sub)
	return sub, nil
}

// FindLatestByUser implements subsync.Store. It serves reconciliation, so it
// always reads Cold.
func (s *Storage) FindLatestByUser(ctx context.Context, userID string) (*subsync.Subscription, error) {
	return s.cold.FindLatestByUser(ctx, userID)
}

// --- Strategy: Cold-Only audit log ---

// RecordWebhookEvent implements subsync.AuditLog.
func (s *Storage) RecordWebhookEvent(ctx context.Context, ev *subsync.WebhookEvent) error {
	if !s.conf.AsyncAudit {
		return s.cold.RecordWebhookEvent(ctx, ev)
	}
	clone := *ev
	return s.enqueue(ctx, func(ctx context.Context) error {
		return s.cold.RecordWebhookEvent(ctx, &clone)
	})
}

// UpdateWebhookEvent implements subsync.AuditLog.
func (s *Storage) UpdateWebhookEvent(ctx context.Context, ev *subsync.WebhookEvent) error {
	if !s.conf.AsyncAudit {
		return s.cold.UpdateWebhookEvent(ctx, ev)
	}
	clone := *ev
	return s.enqueue(ctx, func(ctx context.Context) error {
		return s.cold.UpdateWebhookEvent(ctx, &clone)
	})
}

// ListWebhookEvents implements subsync.AuditLog. Queued writes are not
// visible until the worker has flushed them.
func (s *Storage) ListWebhookEvents(ctx context.Context, filter subsync.WebhookEventFilter) ([]*subsync.WebhookEvent, error) {
	return s.cold.ListWebhookEvents(ctx, filter)
}

// enqueue hands job to the worker, waiting for room when the queue is full.
// Queued jobs run with a background context so they outlive the request.
// After Close the job runs inline.
func (s *Storage) enqueue(ctx context.Context, job func(context.Context) error) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return job(ctx)
	}
	select {
	case s.syncQueue <- func() error { return job(context.Background()) }:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tiered storage: audit queue full: %w", ctx.Err())
	}
}

// --- Admin scope ---

// Admin returns the privileged scope. Cancellations go to Cold and evict
// the row from Hot; reads always hit Cold and refresh Hot.
func (s *Storage) Admin() subsync.AdminStore {
	return &adminStore{s: s}
}

type adminStore struct {
	s *Storage
}

func (a *adminStore) CancelByExternalID(ctx context.Context, externalID string, now int64) (int64, error) {
	n, err := a.s.coldAdmin.CancelByExternalID(ctx, externalID, now)
	if err != nil {
		return n, err
	}
	a.s.evict(ctx, externalID)
	return n, nil
}

func (a *adminStore) FindByExternalID(ctx context.Context, externalID string) (*subsync.Subscription, error) {
	sub, err := a.s.coldAdmin.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	a.s.fill(ctx, sub)
	return sub, nil
}

// CancelByID cannot address Hot by primary key. The enforcer's verification
// read goes through FindByExternalID, which refreshes the cached row.
func (a *adminStore) CancelByID(ctx context.Context, id string, now int64) (int64, error) {
	return a.s.coldAdmin.CancelByID(ctx, id, now)
}

func (a *adminStore) ForceCancel(ctx context.Context, externalID string, now int64) error {
	if err := a.s.coldAdmin.ForceCancel(ctx, externalID, now); err != nil {
		return err
	}
	a.s.evict(ctx, externalID)
	return nil
}

// --- TimeSource Support ---

// Now uses Hot store time for consistency (usually Redis TIME).
// Falls back to Cold if Hot doesn't support it, then local time.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	if ts, ok := s.hot.(subsync.TimeSource); ok {
		return ts.Now(ctx)
	}
	if ts, ok := s.cold.(subsync.TimeSource); ok {
		return ts.Now(ctx)
	}
	return time.Now().UTC(), nil
}
