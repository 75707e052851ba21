package subsync_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

type recordedChanges struct {
	mu     sync.Mutex
	events []subsync.ChangeEvent
}

func (r *recordedChanges) record(_ context.Context, ev subsync.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordedChanges) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestManager(t *testing.T, changes *recordedChanges) (*subsync.Manager, *memory.Storage) {
	t.Helper()
	store := memory.New()
	cfg := subsync.Config{
		Store: store,
		Admin: store,
		Audit: store,
		Clock: func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
	if changes != nil {
		cfg.OnChange = changes.record
	}
	m, err := subsync.NewManager(cfg)
	require.NoError(t, err)
	return m, store
}

func activeWrite(externalID, userID string) *subsync.SubscriptionWrite {
	return &subsync.SubscriptionWrite{
		ExternalSubscriptionID: externalID,
		UserID:                 subsync.Ptr(userID),
		PlanID:                 subsync.Ptr("pro"),
		ExternalCustomerID:     subsync.Ptr("cus_1"),
		Status:                 subsync.Ptr(subsync.StatusActive),
		CurrentPeriodStart:     subsync.Ptr(int64(1_700_000_000)),
		CurrentPeriodEnd:       subsync.Ptr(int64(1_702_592_000)),
		CancelAtPeriodEnd:      subsync.Ptr(false),
	}
}

func TestNewManager_RequiresStores(t *testing.T) {
	_, err := subsync.NewManager(subsync.Config{})
	assert.ErrorIs(t, err, subsync.ErrStorageUnavailable)
}

func TestManager_UpsertIdempotent(t *testing.T) {
	changes := &recordedChanges{}
	m, _ := newTestManager(t, changes)
	ctx := context.Background()

	first, err := m.Upsert(ctx, activeWrite("sub_1", "user_1"), subsync.TriggerWebhook)
	require.NoError(t, err)
	second, err := m.Upsert(ctx, activeWrite("sub_1", "user_1"), subsync.TriggerWebhook)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, changes.len(), "replay must not emit a change")
}

func TestManager_UpsertOwnerUnknown(t *testing.T) {
	m, _ := newTestManager(t, nil)
	w := activeWrite("sub_1", "")
	w.UserID = nil

	_, err := m.Upsert(context.Background(), w, subsync.TriggerWebhook)
	assert.ErrorIs(t, err, subsync.ErrOwnerUnknown)
	assert.NotErrorIs(t, err, subsync.ErrPersistenceFailure)
}

func TestManager_DeletionWinsInEitherOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("updated then deleted", func(t *testing.T) {
		m, _ := newTestManager(t, nil)
		_, err := m.Upsert(ctx, activeWrite("sub_1", "user_1"), subsync.TriggerWebhook)
		require.NoError(t, err)
		m.Cancel(ctx, "sub_1", subsync.TriggerWebhook)

		row, err := m.FindByExternalID(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, subsync.StatusCanceled, row.Status)
	})

	t.Run("deleted then stale update", func(t *testing.T) {
		m, _ := newTestManager(t, nil)
		_, err := m.Upsert(ctx, activeWrite("sub_1", "user_1"), subsync.TriggerWebhook)
		require.NoError(t, err)
		m.Cancel(ctx, "sub_1", subsync.TriggerWebhook)
		_, err = m.Upsert(ctx, activeWrite("sub_1", "user_1"), subsync.TriggerWebhook)
		require.NoError(t, err)

		row, err := m.FindByExternalID(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, subsync.StatusCanceled, row.Status)
	})
}

func TestManager_FindActiveByUser(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.FindActiveByUser(ctx, "user_1")
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)

	_, err = m.Upsert(ctx, activeWrite("sub_1", "user_1"), subsync.TriggerWebhook)
	require.NoError(t, err)

	row, err := m.FindActiveByUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", row.ExternalSubscriptionID)
}

func TestManager_CancelForUser(t *testing.T) {
	changes := &recordedChanges{}
	m, _ := newTestManager(t, changes)
	ctx := context.Background()

	_, err := m.CancelForUser(ctx, "user_1", subsync.TriggerUser)
	assert.ErrorIs(t, err, subsync.ErrNoActiveSubscription)

	_, err = m.Upsert(ctx, activeWrite("sub_1", "user_1"), subsync.TriggerWebhook)
	require.NoError(t, err)

	out, err := m.CancelForUser(ctx, "user_1", subsync.TriggerUser)
	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.Equal(t, 2, changes.len())
	assert.Equal(t, subsync.TriggerUser, changes.events[1].Trigger)
	assert.Equal(t, subsync.StatusActive, changes.events[1].PreviousStatus)

	// repeating the cancel is silent
	m.Cancel(ctx, "sub_1", subsync.TriggerAdmin)
	assert.Equal(t, 2, changes.len())

	_, err = m.FindActiveByUser(ctx, "user_1")
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)
}

type failingTimeSource struct{}

func (failingTimeSource) Now(context.Context) (time.Time, error) {
	return time.Time{}, errors.New("no clock")
}

func TestManager_NowFallsBackToClock(t *testing.T) {
	store := memory.New()
	m, err := subsync.NewManager(subsync.Config{
		Store:      store,
		Admin:      store,
		TimeSource: failingTimeSource{},
		Clock:      func() time.Time { return time.Unix(42, 0) },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), m.Now(context.Background()).Unix())
}

func TestManager_ChangeCallbackErrorIgnored(t *testing.T) {
	store := memory.New()
	m, err := subsync.NewManager(subsync.Config{
		Store: store,
		Admin: store,
		OnChange: func(context.Context, subsync.ChangeEvent) error {
			return errors.New("broker down")
		},
	})
	require.NoError(t, err)

	_, err = m.Upsert(context.Background(), activeWrite("sub_1", "user_1"), subsync.TriggerWebhook)
	assert.NoError(t, err)
}

func TestManager_CheckAccess(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.CheckAccess(ctx, "user_1")
	assert.ErrorIs(t, err, subsync.ErrNoActiveSubscription)

	_, err = m.Upsert(ctx, activeWrite("sub_1", "user_1"), subsync.TriggerWebhook)
	require.NoError(t, err)

	sub, err := m.CheckAccess(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.ExternalSubscriptionID)

	_, err = m.CheckAccess(ctx, "user_1", "enterprise")
	assert.ErrorIs(t, err, subsync.ErrNoActiveSubscription)

	_, err = m.CheckAccess(ctx, "user_1", "enterprise", "pro")
	assert.NoError(t, err)
}
