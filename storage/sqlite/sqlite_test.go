package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "subsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
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

func TestNew_RequiresPath(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestStorage_Upsert(t *testing.T) {
	s := newTestStorage(t)
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
	assert.Equal(t, int64(100), got.UpdatedAt)

	_, err = s.Upsert(ctx, &subsync.SubscriptionWrite{
		ExternalSubscriptionID: "sub_1",
		CancelAtPeriodEnd:      subsync.Ptr(true),
	}, 300)
	require.NoError(t, err)
	got, err = s.FindByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, got.CancelAtPeriodEnd)
	assert.Equal(t, subsync.StatusActive, got.Status)
	assert.Equal(t, int64(300), got.UpdatedAt)
}

func TestStorage_Upsert_Errors(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, &subsync.SubscriptionWrite{ExternalSubscriptionID: "sub_1"}, 1)
	assert.ErrorIs(t, err, subsync.ErrOwnerUnknown)

	_, err = s.Upsert(ctx, &subsync.SubscriptionWrite{}, 1)
	assert.ErrorIs(t, err, subsync.ErrInvalidWrite)

	_, err = s.FindByExternalID(ctx, "sub_1")
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)
}

func TestStorage_Upsert_Concurrent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Upsert(ctx, write("sub_race", "user_1", subsync.StatusActive), 100)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subscriptions").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestStorage_CancelConvergesWithStaleUpdate(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, write("sub_1", "user_1", subsync.StatusActive), 100)
	require.NoError(t, err)

	n, err := s.CancelByExternalID(ctx, "sub_1", 200)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// a late "active" update must not resurrect the row
	_, err = s.Upsert(ctx, write("sub_1", "user_1", subsync.StatusActive), 300)
	require.NoError(t, err)

	got, err := s.FindByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subsync.StatusCanceled, got.Status)
	assert.True(t, got.CancelAtPeriodEnd)

	_, err = s.FindActiveByUser(ctx, "user_1")
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)
}

func TestStorage_Enforcer(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	m, err := subsync.NewManager(subsync.Config{Store: s, Admin: s, Audit: s})
	require.NoError(t, err)

	_, err = m.Upsert(ctx, write("sub_1", "user_1", subsync.StatusActive), subsync.TriggerWebhook)
	require.NoError(t, err)

	out, err := m.CancelForUser(ctx, "user_1", subsync.TriggerUser)
	require.NoError(t, err)
	assert.True(t, out.Verified)

	// twice is a no-op success
	out = m.Cancel(ctx, "sub_1", subsync.TriggerAdmin)
	assert.True(t, out.Verified)

	out = m.Cancel(ctx, "sub_missing", subsync.TriggerWebhook)
	assert.False(t, out.Found)
}

func TestStorage_ForceCancel(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	res, err := s.Upsert(ctx, write("sub_1", "user_1", subsync.StatusActive), 100)
	require.NoError(t, err)
	require.NoError(t, s.ForceCancel(ctx, "sub_1", 400))

	n, err := s.CancelByID(ctx, res.Subscription.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.FindByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subsync.StatusCanceled, got.Status)
	assert.Equal(t, int64(400), got.UpdatedAt)
}

func TestStorage_WebhookEvents(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	pending := &subsync.WebhookEvent{
		ID:                     "row_1",
		EventID:                "pending_1",
		EventType:              subsync.PendingEventType,
		ExternalSubscriptionID: subsync.UnknownSubscriptionID,
		Payload:                []byte(`{"id":"evt_1"}`),
		Headers:                map[string]string{"Stripe-Signature": "t=1,v1=abc"},
		CreatedAt:              100,
		UpdatedAt:              100,
	}
	require.NoError(t, s.RecordWebhookEvent(ctx, pending))

	pending.EventID = "evt_1"
	pending.EventType = "invoice.paid"
	pending.ExternalSubscriptionID = "sub_1"
	pending.Fail("provider unreachable")
	pending.UpdatedAt = 101
	require.NoError(t, s.UpdateWebhookEvent(ctx, pending))

	require.NoError(t, s.RecordWebhookEvent(ctx, &subsync.WebhookEvent{
		ID: "row_2", EventID: "evt_2", EventType: "invoice.paid", ExternalSubscriptionID: "sub_1",
		Success: true, CreatedAt: 200, UpdatedAt: 200,
	}))

	all, err := s.ListWebhookEvents(ctx, subsync.WebhookEventFilter{ExternalSubscriptionID: "sub_1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "row_2", all[0].ID)
	assert.Nil(t, all[0].Error)

	failed, err := s.ListWebhookEvents(ctx, subsync.WebhookEventFilter{OnlyFailed: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "evt_1", failed[0].EventID)
	assert.Equal(t, "t=1,v1=abc", failed[0].Headers["Stripe-Signature"])
	assert.Equal(t, []byte(`{"id":"evt_1"}`), failed[0].Payload)
	require.NotNil(t, failed[0].Error)
	assert.Equal(t, "provider unreachable", *failed[0].Error)

	limited, err := s.ListWebhookEvents(ctx, subsync.WebhookEventFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	assert.Error(t, s.UpdateWebhookEvent(ctx, &subsync.WebhookEvent{ID: "nope"}))
	assert.ErrorIs(t, s.RecordWebhookEvent(ctx, &subsync.WebhookEvent{}), subsync.ErrInvalidWrite)
}

func TestStorage_FindLatestByUser(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.FindLatestByUser(ctx, "user_1")
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)

	_, err = s.Upsert(ctx, write("sub_old", "user_1", subsync.StatusCanceled), 100)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, write("sub_new", "user_1", subsync.StatusPastDue), 200)
	require.NoError(t, err)

	_, err = s.FindActiveByUser(ctx, "user_1")
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)

	got, err := s.FindLatestByUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_new", got.ExternalSubscriptionID)
	assert.Equal(t, subsync.StatusPastDue, got.Status)
}
