package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

func TestStorage_Now(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	serverTime, err := storage.Now(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, serverTime.Location())
	assert.WithinDuration(t, time.Now(), serverTime, 5*time.Second)

	// The manager stamps rows with the Redis clock.
	manager, err := subsync.NewManager(subsync.Config{
		Store:      storage,
		Admin:      storage,
		Audit:      storage,
		TimeSource: storage,
		Clock:      func() time.Time { return time.Unix(1, 0) },
	})
	require.NoError(t, err)

	sub, err := manager.Upsert(ctx, write("sub_clock", "user_clock", subsync.StatusActive), subsync.TriggerWebhook)
	require.NoError(t, err)
	assert.InDelta(t, serverTime.Unix(), sub.CreatedAt, 5)
}

func TestStorage_PutAndEvict(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	assert.ErrorIs(t, storage.Put(ctx, nil), subsync.ErrInvalidWrite)
	assert.ErrorIs(t, storage.Put(ctx, &subsync.Subscription{ID: "x"}), subsync.ErrInvalidWrite)
	require.NoError(t, storage.Evict(ctx, "sub_missing"))

	row := &subsync.Subscription{
		ID:                     "id_1",
		UserID:                 "user_1",
		PlanID:                 "pro",
		ExternalSubscriptionID: "sub_1",
		Status:                 subsync.StatusActive,
		CurrentPeriodStart:     1_700_000_000,
		CurrentPeriodEnd:       1_702_592_000,
		UpdatedAt:              1_700_000_100,
	}
	require.NoError(t, storage.Put(ctx, row))

	got, err := storage.FindByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, row, got)

	active, err := storage.FindActiveByUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", active.ExternalSubscriptionID)

	// Put replaces, it does not merge: a canceled row is cached as is.
	canceled := row.Clone()
	canceled.Status = subsync.StatusCanceled
	require.NoError(t, storage.Put(ctx, canceled))
	_, err = storage.FindActiveByUser(ctx, "user_1")
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)

	require.NoError(t, storage.Evict(ctx, "sub_1"))
	_, err = storage.FindByExternalID(ctx, "sub_1")
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)
}

func TestStorage_PutHonorsCacheTTL(t *testing.T) {
	client := setupTestRedis(t)
	t.Cleanup(func() { _ = client.Close() })

	cfg := DefaultConfig()
	cfg.CacheTTL = time.Minute
	storage, err := New(client, cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, storage.Put(ctx, &subsync.Subscription{
		ID:                     "id_ttl",
		UserID:                 "user_ttl",
		ExternalSubscriptionID: "sub_ttl",
		Status:                 subsync.StatusActive,
	}))

	ttl, err := client.TTL(ctx, storage.subscriptionKey("sub_ttl")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}
