// Package firestore provides a Firestore implementation of the subsync storage interfaces.
// Subscriptions are keyed by their provider id so every upsert is a
// single-document transaction.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Store, subsync.AdminStore, subsync.AuditLog and
// subsync.TimeSource using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	eventsCollection        string
	metaCollection          string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection holds one document per provider subscription
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// EventsCollection is the Firestore collection for webhook audit records
	// Default: "billing_webhook_events"
	EventsCollection string

	// MetaCollection holds the clock document used by Now
	// Default: "billing_meta"
	MetaCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_webhook_events"
	}
	if config.MetaCollection == "" {
		config.MetaCollection = "billing_meta"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		eventsCollection:        config.EventsCollection,
		metaCollection:          config.MetaCollection,
	}, nil
}

// Upsert implements subsync.Store with a read-modify-write transaction
func (s *Storage) Upsert(ctx context.Context, w *subsync.SubscriptionWrite, now int64) (*subsync.UpsertResult, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	doc := s.subscriptionDoc(w.ExternalSubscriptionID)

	var res *subsync.UpsertResult
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		var existing *subsync.Subscription
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			existing = subscriptionFromData(snap.Data())
		}

		row, err := w.Apply(existing, uuid.NewString(), now)
		if err != nil {
			return err
		}
		res = &subsync.UpsertResult{Subscription: row, Previous: existing}
		if !res.Changed() {
			return nil
		}
		return tx.Set(doc, subscriptionData(row))
	})
	if err != nil {
		if errors.Is(err, subsync.ErrOwnerUnknown) || errors.Is(err, subsync.ErrMalformedProviderData) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return res, nil
}

// FindByExternalID implements subsync.Store and subsync.AdminStore
func (s *Storage) FindByExternalID(ctx context.Context, externalID string) (*subsync.Subscription, error) {
	snap, err := s.subscriptionDoc(externalID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return subscriptionFromData(snap.Data()), nil
}

// FindActiveByUser implements subsync.Store
func (s *Storage) FindActiveByUser(ctx context.Context, userID string) (*subsync.Subscription, error) {
	return s.latest(ctx, s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", userID).
		Where("status", "==", string(subsync.StatusActive)))
}

// FindLatestByUser implements subsync.Store
func (s *Storage) FindLatestByUser(ctx context.Context, userID string) (*subsync.Subscription, error) {
	return s.latest(ctx, s.client.Collection(s.subscriptionsCollection).Where("userId", "==", userID))
}

// latest scans q client side; ordering by updatedAt would need a composite index.
func (s *Storage) latest(ctx context.Context, q firestore.Query) (*subsync.Subscription, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var best *subsync.Subscription
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query subscriptions: %w", err)
		}
		sub := subscriptionFromData(snap.Data())
		if best == nil || sub.UpdatedAt > best.UpdatedAt {
			best = sub
		}
	}
	if best == nil {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return best, nil
}

// CancelByExternalID implements subsync.AdminStore
func (s *Storage) CancelByExternalID(ctx context.Context, externalID string, now int64) (int64, error) {
	return s.cancelDoc(ctx, s.subscriptionDoc(externalID), now)
}

// CancelByID implements subsync.AdminStore
func (s *Storage) CancelByID(ctx context.Context, id string, now int64) (int64, error) {
	snaps, err := s.client.Collection(s.subscriptionsCollection).
		Where("id", "==", id).
		Limit(1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return 0, fmt.Errorf("failed to find subscription by id: %w", err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}
	return s.cancelDoc(ctx, snaps[0].Ref, now)
}

func (s *Storage) cancelDoc(ctx context.Context, doc *firestore.DocumentRef, now int64) (int64, error) {
	var matched int64
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		matched = 0
		snap, err := tx.Get(doc)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		matched = 1
		row := subscriptionFromData(snap.Data())
		if row.Status == subsync.StatusCanceled && row.CancelAtPeriodEnd {
			return nil
		}
		return tx.Update(doc, []firestore.Update{
			{Path: "status", Value: string(subsync.StatusCanceled)},
			{Path: "cancelAtPeriodEnd", Value: true},
			{Path: "updatedAt", Value: now},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to cancel subscription: %w", err)
	}
	return matched, nil
}

// ForceCancel implements subsync.AdminStore with a blind, non-transactional update
func (s *Storage) ForceCancel(ctx context.Context, externalID string, now int64) error {
	_, err := s.subscriptionDoc(externalID).Update(ctx, []firestore.Update{
		{Path: "status", Value: string(subsync.StatusCanceled)},
		{Path: "cancelAtPeriodEnd", Value: true},
		{Path: "updatedAt", Value: now},
	})
	if status.Code(err) == codes.NotFound {
		return subsync.ErrSubscriptionNotFound
	}
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
	if _, err := s.client.Collection(s.eventsCollection).Doc(ev.ID).Create(ctx, eventData(ev)); err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

// UpdateWebhookEvent implements subsync.AuditLog
func (s *Storage) UpdateWebhookEvent(ctx context.Context, ev *subsync.WebhookEvent) error {
	if ev == nil || ev.ID == "" {
		return subsync.ErrInvalidWrite
	}
	errMsg := interface{}(nil)
	if ev.Error != nil {
		errMsg = *ev.Error
	}
	_, err := s.client.Collection(s.eventsCollection).Doc(ev.ID).Update(ctx, []firestore.Update{
		{Path: "eventId", Value: ev.EventID},
		{Path: "eventType", Value: ev.EventType},
		{Path: "externalSubscriptionId", Value: ev.ExternalSubscriptionID},
		{Path: "success", Value: ev.Success},
		{Path: "error", Value: errMsg},
		{Path: "updatedAt", Value: ev.UpdatedAt},
	})
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("webhook event %s: %w", ev.ID, subsync.ErrSubscriptionNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	return nil
}

// ListWebhookEvents implements subsync.AuditLog
func (s *Storage) ListWebhookEvents(ctx context.Context, filter subsync.WebhookEventFilter) ([]*subsync.WebhookEvent, error) {
	q := s.client.Collection(s.eventsCollection).Query
	if filter.ExternalSubscriptionID != "" {
		q = q.Where("externalSubscriptionId", "==", filter.ExternalSubscriptionID)
	}
	if filter.OnlyFailed {
		q = q.Where("success", "==", false)
	}
	q = q.OrderBy("createdAt", firestore.Desc)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	out := make([]*subsync.WebhookEvent, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, eventFromData(snap.Ref.ID, snap.Data()))
	}
	return out, nil
}

// Now implements subsync.TimeSource. Firestore has no clock query, so the
// server commit time of a write to a single meta document is used instead.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	wr, err := s.client.Collection(s.metaCollection).Doc("clock").Set(ctx, map[string]interface{}{
		"touchedAt": firestore.ServerTimestamp,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read firestore time: %w", err)
	}
	return wr.UpdateTime.UTC(), nil
}

// Ping reads the clock document. A missing document still proves Firestore answered.
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.client.Collection(s.metaCollection).Doc("clock").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

func (s *Storage) subscriptionDoc(externalID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(externalID)
}

func subscriptionData(sub *subsync.Subscription) map[string]interface{} {
	return map[string]interface{}{
		"id":                     sub.ID,
		"userId":                 sub.UserID,
		"planId":                 sub.PlanID,
		"externalSubscriptionId": sub.ExternalSubscriptionID,
		"externalCustomerId":     sub.ExternalCustomerID,
		"status":                 string(sub.Status),
		"currentPeriodStart":     sub.CurrentPeriodStart,
		"currentPeriodEnd":       sub.CurrentPeriodEnd,
		"cancelAtPeriodEnd":      sub.CancelAtPeriodEnd,
		"createdAt":              sub.CreatedAt,
		"updatedAt":              sub.UpdatedAt,
	}
}

func subscriptionFromData(data map[string]interface{}) *subsync.Subscription {
	return &subsync.Subscription{
		ID:                     getString(data, "id"),
		UserID:                 getString(data, "userId"),
		PlanID:                 getString(data, "planId"),
		ExternalSubscriptionID: getString(data, "externalSubscriptionId"),
		ExternalCustomerID:     getString(data, "externalCustomerId"),
		Status:                 subsync.Status(getString(data, "status")),
		CurrentPeriodStart:     getInt64(data, "currentPeriodStart"),
		CurrentPeriodEnd:       getInt64(data, "currentPeriodEnd"),
		CancelAtPeriodEnd:      getBool(data, "cancelAtPeriodEnd"),
		CreatedAt:              getInt64(data, "createdAt"),
		UpdatedAt:              getInt64(data, "updatedAt"),
	}
}

func eventData(ev *subsync.WebhookEvent) map[string]interface{} {
	data := map[string]interface{}{
		"eventId":                ev.EventID,
		"eventType":              ev.EventType,
		"externalSubscriptionId": ev.ExternalSubscriptionID,
		"payload":                ev.Payload,
		"headers":                ev.Headers,
		"success":                ev.Success,
		"error":                  nil,
		"createdAt":              ev.CreatedAt,
		"updatedAt":              ev.UpdatedAt,
	}
	if ev.Error != nil {
		data["error"] = *ev.Error
	}
	return data
}

func eventFromData(id string, data map[string]interface{}) *subsync.WebhookEvent {
	ev := &subsync.WebhookEvent{
		ID:                     id,
		EventID:                getString(data, "eventId"),
		EventType:              getString(data, "eventType"),
		ExternalSubscriptionID: getString(data, "externalSubscriptionId"),
		Success:                getBool(data, "success"),
		CreatedAt:              getInt64(data, "createdAt"),
		UpdatedAt:              getInt64(data, "updatedAt"),
	}
	if p, ok := data["payload"].([]byte); ok {
		ev.Payload = p
	}
	if msg, ok := data["error"].(string); ok {
		ev.Error = &msg
	}
	if h, ok := data["headers"].(map[string]interface{}); ok {
		ev.Headers = make(map[string]string, len(h))
		for k, v := range h {
			if str, ok := v.(string); ok {
				ev.Headers[k] = str
			}
		}
	}
	return ev
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}
