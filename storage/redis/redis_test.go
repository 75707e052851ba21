package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	client := setupTestRedis(t)
	t.Cleanup(func() { _ = client.Close() })
	s, err := New(client, DefaultConfig())
	require.NoError(t, err)
	return s
}

func write(extID, userID string, status subsync.Status) *subsync.SubscriptionWrite {
	return &subsync.SubscriptionWrite{
		ExternalSubscriptionID: extID,
		UserID:                 subsync.Ptr(userID),
		PlanID:                 subsync.Ptr("pro"),
		ExternalCustomerID:     subsync.Ptr("cus_1"),
		Status:                 subsync.Ptr(status),
		CurrentPeriodStart:     subsync.Ptr(int64(1_700_000_000)),
		CurrentPeriodEnd:       subsync.Ptr(int64(1_702_592_000)),
		CancelAtPeriodEnd:      subsync.Ptr(false),
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	s, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "subsync:", s.config.KeyPrefix)
	assert.Equal(t, 3, s.config.MaxRetries)
}

func TestStorage_Upsert(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	res, err := s.Upsert(ctx, write("sub_1", "user_1", subsync.StatusActive), 100)
	require.NoError(t, err)
	assert.True(t, res.Created())

	again, err := s.Upsert(ctx, write("sub_1", "user_1", subsync.StatusActive), 200)
	require.NoError(t, err)
	assert.False(t, again.Changed())

	got, err := s.FindByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, res.Subscription, got)

	active, err := s.FindActiveByUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", active.ExternalSubscriptionID)

	_, err = s.Upsert(ctx, &subsync.SubscriptionWrite{ExternalSubscriptionID: "sub_2"}, 100)
	assert.ErrorIs(t, err, subsync.ErrOwnerUnknown)
}

func TestStorage_Upsert_Concurrent(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()
	s, err := New(client, Config{MaxRetries: 50})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Upsert(ctx, write("sub_1", "user_1", subsync.StatusActive), 100)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Upsert(ctx, &subsync.SubscriptionWrite{
				ExternalSubscriptionID: "sub_1",
				CancelAtPeriodEnd:      subsync.Ptr(i%2 == 0),
			}, int64(200+i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.FindByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1", got.UserID)
	assert.Equal(t, subsync.StatusActive, got.Status)
}

func TestStorage_CancelTiers(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	n, err := s.CancelByExternalID(ctx, "sub_missing", 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err := s.Upsert(ctx, write("sub_1", "user_1", subsync.StatusActive), 100)
	require.NoError(t, err)

	n, err = s.CancelByID(ctx, res.Subscription.ID, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.CancelByExternalID(ctx, "sub_1", 300)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.FindByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subsync.StatusCanceled, got.Status)
	assert.Equal(t, int64(200), got.UpdatedAt)

	_, err = s.FindActiveByUser(ctx, "user_1")
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)

	latest, err := s.FindLatestByUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", latest.ExternalSubscriptionID)
	assert.Equal(t, subsync.StatusCanceled, latest.Status)
}

func TestStorage_ForceCancel(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.ForceCancel(ctx, "sub_missing", 1), subsync.ErrSubscriptionNotFound)

	_, err := s.Upsert(ctx, write("sub_1", "user_1", subsync.StatusActive), 100)
	require.NoError(t, err)
	require.NoError(t, s.ForceCancel(ctx, "sub_1", 400))

	got, err := s.FindByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subsync.StatusCanceled, got.Status)
	assert.True(t, got.CancelAtPeriodEnd)
	assert.Equal(t, int64(400), got.UpdatedAt)
	assert.Equal(t, int64(1_702_592_000), got.CurrentPeriodEnd)
	assert.Equal(t, "pro", got.PlanID)
}

func TestStorage_WebhookEvents(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	ev := &subsync.WebhookEvent{
		ID:                     "row_1",
		EventID:                "pending_1",
		EventType:              subsync.PendingEventType,
		ExternalSubscriptionID: subsync.UnknownSubscriptionID,
		CreatedAt:              100,
		UpdatedAt:              100,
	}
	require.NoError(t, s.RecordWebhookEvent(ctx, ev))

	ev.EventID = "evt_1"
	ev.ExternalSubscriptionID = "sub_1"
	ev.Fail("boom")
	require.NoError(t, s.UpdateWebhookEvent(ctx, ev))

	require.NoError(t, s.RecordWebhookEvent(ctx, &subsync.WebhookEvent{
		ID: "row_2", EventID: "evt_2", ExternalSubscriptionID: "sub_1", Success: true, CreatedAt: 200, UpdatedAt: 200,
	}))

	bySub, err := s.ListWebhookEvents(ctx, subsync.WebhookEventFilter{ExternalSubscriptionID: "sub_1"})
	require.NoError(t, err)
	require.Len(t, bySub, 2)
	assert.Equal(t, "row_2", bySub[0].ID)

	unknown, err := s.ListWebhookEvents(ctx, subsync.WebhookEventFilter{ExternalSubscriptionID: subsync.UnknownSubscriptionID})
	require.NoError(t, err)
	assert.Empty(t, unknown)

	failed, err := s.ListWebhookEvents(ctx, subsync.WebhookEventFilter{OnlyFailed: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "evt_1", failed[0].EventID)

	assert.ErrorIs(t, s.UpdateWebhookEvent(ctx, &subsync.WebhookEvent{ID: "missing"}), subsync.ErrSubscriptionNotFound)
}

func TestStorage_WebhookEvents_NoExpiry(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	ev := &subsync.WebhookEvent{ID: "row_1", EventID: "evt_1", ExternalSubscriptionID: "sub_1", CreatedAt: 1, UpdatedAt: 1}
	require.NoError(t, s.RecordWebhookEvent(ctx, ev))
	ttl, err := s.client.TTL(ctx, s.eventKey("row_1")).Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)

	ev.Succeed()
	require.NoError(t, s.UpdateWebhookEvent(ctx, ev))
	ttl, err = s.client.TTL(ctx, s.eventKey("row_1")).Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)
}

func TestStorage_ListWebhookEvents_Pages(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	total := eventPageSize*2 + 5
	for i := 0; i < total; i++ {
		ev := &subsync.WebhookEvent{
			ID:                     fmt.Sprintf("row_%03d", i),
			EventID:                fmt.Sprintf("evt_%03d", i),
			ExternalSubscriptionID: "sub_1",
			Success:                i != 0,
			CreatedAt:              int64(i + 1),
			UpdatedAt:              int64(i + 1),
		}
		require.NoError(t, s.RecordWebhookEvent(ctx, ev))
	}

	limited, err := s.ListWebhookEvents(ctx, subsync.WebhookEventFilter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, limited, 3)
	assert.Equal(t, fmt.Sprintf("row_%03d", total-1), limited[0].ID)

	all, err := s.ListWebhookEvents(ctx, subsync.WebhookEventFilter{ExternalSubscriptionID: "sub_1"})
	require.NoError(t, err)
	assert.Len(t, all, total)

	// the only failure is the oldest row, past the first two pages
	failed, err := s.ListWebhookEvents(ctx, subsync.WebhookEventFilter{OnlyFailed: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "row_000", failed[0].ID)
}
