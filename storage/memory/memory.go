// Package memory provides an in-memory implementation of the subsync storage interfaces.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Store, subsync.AdminStore and subsync.AuditLog
// using in-memory maps. The mutex stands in for the datastore's row lock.
type Storage struct {
	mu     sync.RWMutex
	byID   map[string]*subsync.Subscription
	byExt  map[string]string
	events map[string]*subsync.WebhookEvent
	order  []string

	newID func() string
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		byID:   make(map[string]*subsync.Subscription),
		byExt:  make(map[string]string),
		events: make(map[string]*subsync.WebhookEvent),
		newID:  uuid.NewString,
	}
}

// Upsert implements subsync.Store
func (s *Storage) Upsert(_ context.Context, w *subsync.SubscriptionWrite, now int64) (*subsync.UpsertResult, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *subsync.Subscription
	if id, ok := s.byExt[w.ExternalSubscriptionID]; ok {
		existing = s.byID[id]
	}

	row, err := w.Apply(existing, s.newID(), now)
	if err != nil {
		return nil, err
	}

	s.byID[row.ID] = row
	s.byExt[row.ExternalSubscriptionID] = row.ID

	return &subsync.UpsertResult{Subscription: row.Clone(), Previous: existing.Clone()}, nil
}

// FindByExternalID implements subsync.Store and subsync.AdminStore
func (s *Storage) FindByExternalID(_ context.Context, externalID string) (*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byExt[externalID]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return s.byID[id].Clone(), nil
}

// FindActiveByUser implements subsync.Store
func (s *Storage) FindActiveByUser(_ context.Context, userID string) (*subsync.Subscription, error) {
	return s.latest(userID, true)
}

// FindLatestByUser implements subsync.Store
func (s *Storage) FindLatestByUser(_ context.Context, userID string) (*subsync.Subscription, error) {
	return s.latest(userID, false)
}

func (s *Storage) latest(userID string, activeOnly bool) (*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *subsync.Subscription
	for _, row := range s.byID {
		if row.UserID != userID || (activeOnly && row.Status != subsync.StatusActive) {
			continue
		}
		if best == nil || row.UpdatedAt > best.UpdatedAt {
			best = row
		}
	}
	if best == nil {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return best.Clone(), nil
}

// CancelByExternalID implements subsync.AdminStore
func (s *Storage) CancelByExternalID(_ context.Context, externalID string, now int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExt[externalID]
	if !ok {
		return 0, nil
	}
	cancelRow(s.byID[id], now)
	return 1, nil
}

// CancelByID implements subsync.AdminStore
func (s *Storage) CancelByID(_ context.Context, id string, now int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byID[id]
	if !ok {
		return 0, nil
	}
	cancelRow(row, now)
	return 1, nil
}

// ForceCancel implements subsync.AdminStore. Unlike the other tiers it
// overwrites the row unconditionally.
func (s *Storage) ForceCancel(_ context.Context, externalID string, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExt[externalID]
	if !ok {
		return subsync.ErrSubscriptionNotFound
	}
	row := s.byID[id]
	row.Status = subsync.StatusCanceled
	row.CancelAtPeriodEnd = true
	row.UpdatedAt = now
	return nil
}

// Put stores a copy of sub as given, replacing any row with the same
// external id. Used when the memory store is a cache tier.
func (s *Storage) Put(_ context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.ExternalSubscriptionID == "" {
		return subsync.ErrInvalidWrite
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byExt[sub.ExternalSubscriptionID]; ok && old != sub.ID {
		delete(s.byID, old)
	}
	s.byID[sub.ID] = sub.Clone()
	s.byExt[sub.ExternalSubscriptionID] = sub.ID
	return nil
}

// Evict drops the row for externalID if present.
func (s *Storage) Evict(_ context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byExt[externalID]; ok {
		delete(s.byID, id)
		delete(s.byExt, externalID)
	}
	return nil
}

func cancelRow(row *subsync.Subscription, now int64) {
	if row.Status == subsync.StatusCanceled && row.CancelAtPeriodEnd {
		return
	}
	row.Status = subsync.StatusCanceled
	row.CancelAtPeriodEnd = true
	row.UpdatedAt = now
}

// RecordWebhookEvent implements subsync.AuditLog
func (s *Storage) RecordWebhookEvent(_ context.Context, ev *subsync.WebhookEvent) error {
	if ev == nil || ev.ID == "" {
		return subsync.ErrInvalidWrite
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.ID]; !ok {
		s.order = append(s.order, ev.ID)
	}
	s.events[ev.ID] = copyEvent(ev)
	return nil
}

// UpdateWebhookEvent implements subsync.AuditLog
func (s *Storage) UpdateWebhookEvent(_ context.Context, ev *subsync.WebhookEvent) error {
	if ev == nil || ev.ID == "" {
		return subsync.ErrInvalidWrite
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.ID]; !ok {
		return subsync.ErrSubscriptionNotFound
	}
	s.events[ev.ID] = copyEvent(ev)
	return nil
}

// ListWebhookEvents implements subsync.AuditLog
func (s *Storage) ListWebhookEvents(_ context.Context, filter subsync.WebhookEventFilter) ([]*subsync.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*subsync.WebhookEvent, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		ev := s.events[s.order[i]]
		if filter.ExternalSubscriptionID != "" && ev.ExternalSubscriptionID != filter.ExternalSubscriptionID {
			continue
		}
		if filter.OnlyFailed && ev.Success {
			continue
		}
		out = append(out, copyEvent(ev))
	}
	// Insertion order already yields newest first; the stable sort keeps it
	// correct for records whose CreatedAt was set by the caller.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func copyEvent(ev *subsync.WebhookEvent) *subsync.WebhookEvent {
	c := *ev
	if ev.Payload != nil {
		c.Payload = append([]byte(nil), ev.Payload...)
	}
	if ev.Headers != nil {
		c.Headers = make(map[string]string, len(ev.Headers))
		for k, v := range ev.Headers {
			c.Headers[k] = v
		}
	}
	if ev.Error != nil {
		msg := *ev.Error
		c.Error = &msg
	}
	return &c
}
