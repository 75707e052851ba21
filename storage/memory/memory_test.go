package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

func newWrite(extID, userID string) *subsync.SubscriptionWrite {
	return &subsync.SubscriptionWrite{
		ExternalSubscriptionID: extID,
		UserID:                 subsync.Ptr(userID),
		PlanID:                 subsync.Ptr("pro"),
		Status:                 subsync.Ptr(subsync.StatusActive),
		CurrentPeriodStart:     subsync.Ptr(int64(1_700_000_000)),
		CurrentPeriodEnd:       subsync.Ptr(int64(1_702_592_000)),
	}
}

func TestStorage_UpsertAndFind(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.FindByExternalID(ctx, "sub_1")
	if !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	res, err := storage.Upsert(ctx, newWrite("sub_1", "user_1"), 100)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if !res.Created() {
		t.Error("Expected first upsert to create the row")
	}
	if res.Subscription.ID == "" {
		t.Error("Expected a generated id")
	}

	got, err := storage.FindByExternalID(ctx, "sub_1")
	if err != nil {
		t.Fatalf("FindByExternalID failed: %v", err)
	}
	if got.UserID != "user_1" || got.Status != subsync.StatusActive {
		t.Errorf("Unexpected row: %+v", got)
	}

	// Callers must not be able to mutate stored state.
	got.Status = subsync.StatusPastDue
	again, _ := storage.FindByExternalID(ctx, "sub_1")
	if again.Status != subsync.StatusActive {
		t.Errorf("Stored row was mutated through a returned pointer")
	}
}

func TestStorage_UpsertIsIdempotent(t *testing.T) {
	storage := New()
	ctx := context.Background()

	first, err := storage.Upsert(ctx, newWrite("sub_1", "user_1"), 100)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	second, err := storage.Upsert(ctx, newWrite("sub_1", "user_1"), 200)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if second.Changed() {
		t.Error("Replaying the same write should not change the row")
	}
	if *second.Subscription != *first.Subscription {
		t.Errorf("Row differs after replay: %+v vs %+v", second.Subscription, first.Subscription)
	}
}

func TestStorage_UpsertErrors(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if _, err := storage.Upsert(ctx, &subsync.SubscriptionWrite{}, 100); !errors.Is(err, subsync.ErrInvalidWrite) {
		t.Errorf("Expected ErrInvalidWrite, got %v", err)
	}
	if _, err := storage.Upsert(ctx, &subsync.SubscriptionWrite{ExternalSubscriptionID: "sub_1"}, 100); !errors.Is(err, subsync.ErrOwnerUnknown) {
		t.Errorf("Expected ErrOwnerUnknown, got %v", err)
	}
}

func TestStorage_ConcurrentUpsertCreatesOneRow(t *testing.T) {
	storage := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := storage.Upsert(ctx, newWrite("sub_1", "user_1"), 100); err != nil {
				t.Errorf("Upsert failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(storage.byID) != 1 {
		t.Errorf("Expected exactly one row, got %d", len(storage.byID))
	}
}

func TestStorage_FindActiveByUser(t *testing.T) {
	storage := New()
	ctx := context.Background()

	mustUpsert(t, storage, newWrite("sub_old", "user_1"), 100)
	mustUpsert(t, storage, newWrite("sub_new", "user_1"), 200)
	canceled := newWrite("sub_canceled", "user_1")
	canceled.Status = subsync.Ptr(subsync.StatusCanceled)
	mustUpsert(t, storage, canceled, 300)

	got, err := storage.FindActiveByUser(ctx, "user_1")
	if err != nil {
		t.Fatalf("FindActiveByUser failed: %v", err)
	}
	if got.ExternalSubscriptionID != "sub_new" {
		t.Errorf("Expected most recently updated active row, got %s", got.ExternalSubscriptionID)
	}

	if _, err := storage.FindActiveByUser(ctx, "user_2"); !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	latest, err := storage.FindLatestByUser(ctx, "user_1")
	if err != nil {
		t.Fatalf("FindLatestByUser failed: %v", err)
	}
	if latest.ExternalSubscriptionID != "sub_canceled" {
		t.Errorf("Expected most recently updated row of any status, got %s", latest.ExternalSubscriptionID)
	}
	if _, err := storage.FindLatestByUser(ctx, "user_2"); !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestStorage_CancelTiers(t *testing.T) {
	storage := New()
	ctx := context.Background()

	n, err := storage.CancelByExternalID(ctx, "sub_missing", 100)
	if err != nil || n != 0 {
		t.Errorf("Expected 0 rows and no error, got %d, %v", n, err)
	}
	if err := storage.ForceCancel(ctx, "sub_missing", 100); !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	res := mustUpsert(t, storage, newWrite("sub_1", "user_1"), 100)

	n, err = storage.CancelByID(ctx, res.Subscription.ID, 200)
	if err != nil || n != 1 {
		t.Fatalf("CancelByID: got %d, %v", n, err)
	}
	got, _ := storage.FindByExternalID(ctx, "sub_1")
	if got.Status != subsync.StatusCanceled || !got.CancelAtPeriodEnd || got.UpdatedAt != 200 {
		t.Errorf("Unexpected row after cancel: %+v", got)
	}

	// A second cancel is a no-op on the timestamp.
	if _, err := storage.CancelByExternalID(ctx, "sub_1", 300); err != nil {
		t.Fatalf("CancelByExternalID failed: %v", err)
	}
	got, _ = storage.FindByExternalID(ctx, "sub_1")
	if got.UpdatedAt != 200 {
		t.Errorf("Expected updated_at to stay 200, got %d", got.UpdatedAt)
	}

	if err := storage.ForceCancel(ctx, "sub_1", 400); err != nil {
		t.Fatalf("ForceCancel failed: %v", err)
	}
	got, _ = storage.FindByExternalID(ctx, "sub_1")
	if got.UpdatedAt != 400 {
		t.Errorf("Expected ForceCancel to overwrite updated_at, got %d", got.UpdatedAt)
	}
}

func TestStorage_StaleUpdateAfterCancel(t *testing.T) {
	storage := New()
	ctx := context.Background()

	mustUpsert(t, storage, newWrite("sub_1", "user_1"), 100)
	if _, err := storage.CancelByExternalID(ctx, "sub_1", 200); err != nil {
		t.Fatalf("CancelByExternalID failed: %v", err)
	}

	stale := newWrite("sub_1", "user_1")
	stale.CancelAtPeriodEnd = subsync.Ptr(false)
	mustUpsert(t, storage, stale, 300)

	got, _ := storage.FindByExternalID(ctx, "sub_1")
	if got.Status != subsync.StatusCanceled || !got.CancelAtPeriodEnd {
		t.Errorf("Canceled row was resurrected: %+v", got)
	}
}

func TestStorage_WebhookEvents(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if err := storage.RecordWebhookEvent(ctx, &subsync.WebhookEvent{}); !errors.Is(err, subsync.ErrInvalidWrite) {
		t.Errorf("Expected ErrInvalidWrite, got %v", err)
	}
	if err := storage.UpdateWebhookEvent(ctx, &subsync.WebhookEvent{ID: "missing"}); !errors.Is(err, subsync.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	for i := 1; i <= 3; i++ {
		ev := &subsync.WebhookEvent{
			ID:                     fmt.Sprintf("row_%d", i),
			EventID:                fmt.Sprintf("evt_%d", i),
			EventType:              subsync.PendingEventType,
			ExternalSubscriptionID: "sub_1",
			Payload:                []byte(`{}`),
			CreatedAt:              int64(i),
		}
		if err := storage.RecordWebhookEvent(ctx, ev); err != nil {
			t.Fatalf("RecordWebhookEvent failed: %v", err)
		}
		if i != 2 {
			ev.Succeed()
			if err := storage.UpdateWebhookEvent(ctx, ev); err != nil {
				t.Fatalf("UpdateWebhookEvent failed: %v", err)
			}
		}
	}

	all, err := storage.ListWebhookEvents(ctx, subsync.WebhookEventFilter{ExternalSubscriptionID: "sub_1"})
	if err != nil {
		t.Fatalf("ListWebhookEvents failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "row_3" {
		t.Errorf("Expected 3 events newest first, got %d", len(all))
	}

	failed, _ := storage.ListWebhookEvents(ctx, subsync.WebhookEventFilter{OnlyFailed: true})
	if len(failed) != 1 || failed[0].ID != "row_2" {
		t.Errorf("Expected only row_2 to be failed, got %v", failed)
	}

	limited, _ := storage.ListWebhookEvents(ctx, subsync.WebhookEventFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("Expected limit 2, got %d", len(limited))
	}
}

func mustUpsert(t *testing.T, s *Storage, w *subsync.SubscriptionWrite, now int64) *subsync.UpsertResult {
	t.Helper()
	res, err := s.Upsert(context.Background(), w, now)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	return res
}
