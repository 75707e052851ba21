package subsync_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]subsync.Status{
		"active":             subsync.StatusActive,
		"trialing":           subsync.StatusActive,
		"TRIALING":           subsync.StatusActive,
		"past_due":           subsync.StatusPastDue,
		"unpaid":             subsync.StatusPastDue,
		"canceled":           subsync.StatusCanceled,
		"incomplete_expired": subsync.StatusCanceled,
		"incomplete":         subsync.StatusIncomplete,
		"":                   subsync.StatusIncomplete,
	}
	for in, want := range cases {
		assert.Equal(t, want, subsync.NormalizeStatus(in), in)
	}
}

func TestSubscriptionWrite_Apply(t *testing.T) {
	t.Run("insert applies defaults", func(t *testing.T) {
		w := &subsync.SubscriptionWrite{
			ExternalSubscriptionID: "sub_1",
			UserID:                 subsync.Ptr("user_1"),
		}
		row, err := w.Apply(nil, "id-1", 100)
		require.NoError(t, err)
		assert.Equal(t, "id-1", row.ID)
		assert.Equal(t, subsync.StatusIncomplete, row.Status)
		assert.False(t, row.CancelAtPeriodEnd)
		assert.Equal(t, int64(100), row.CreatedAt)
		assert.Equal(t, int64(100), row.UpdatedAt)
	})

	t.Run("insert without owner", func(t *testing.T) {
		w := &subsync.SubscriptionWrite{ExternalSubscriptionID: "sub_1"}
		_, err := w.Apply(nil, "id-1", 100)
		assert.ErrorIs(t, err, subsync.ErrOwnerUnknown)
	})

	t.Run("partial merge keeps unknown fields", func(t *testing.T) {
		existing := &subsync.Subscription{
			ID: "id-1", UserID: "user_1", PlanID: "pro", ExternalSubscriptionID: "sub_1",
			Status: subsync.StatusActive, CurrentPeriodStart: 10, CurrentPeriodEnd: 20,
			CreatedAt: 1, UpdatedAt: 1,
		}
		w := &subsync.SubscriptionWrite{
			ExternalSubscriptionID: "sub_1",
			Status:                 subsync.Ptr(subsync.StatusPastDue),
		}
		row, err := w.Apply(existing, "ignored", 200)
		require.NoError(t, err)
		assert.Equal(t, "id-1", row.ID)
		assert.Equal(t, "pro", row.PlanID)
		assert.Equal(t, subsync.StatusPastDue, row.Status)
		assert.Equal(t, int64(20), row.CurrentPeriodEnd)
		assert.Equal(t, int64(200), row.UpdatedAt)
		assert.Equal(t, subsync.StatusActive, existing.Status, "existing row must not be mutated")
	})

	t.Run("replay leaves row identical", func(t *testing.T) {
		w := &subsync.SubscriptionWrite{
			ExternalSubscriptionID: "sub_1",
			UserID:                 subsync.Ptr("user_1"),
			Status:                 subsync.Ptr(subsync.StatusActive),
			CurrentPeriodStart:     subsync.Ptr(int64(10)),
			CurrentPeriodEnd:       subsync.Ptr(int64(20)),
		}
		first, err := w.Apply(nil, "id-1", 100)
		require.NoError(t, err)
		second, err := w.Apply(first, "id-2", 500)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("canceled is terminal", func(t *testing.T) {
		existing := &subsync.Subscription{
			ID: "id-1", UserID: "user_1", ExternalSubscriptionID: "sub_1",
			Status: subsync.StatusCanceled, CurrentPeriodStart: 10, CurrentPeriodEnd: 20,
			CancelAtPeriodEnd: true,
		}
		w := &subsync.SubscriptionWrite{
			ExternalSubscriptionID: "sub_1",
			Status:                 subsync.Ptr(subsync.StatusActive),
			CurrentPeriodEnd:       subsync.Ptr(int64(30)),
			CancelAtPeriodEnd:      subsync.Ptr(false),
		}
		row, err := w.Apply(existing, "", 200)
		require.NoError(t, err)
		assert.Equal(t, subsync.StatusCanceled, row.Status)
		assert.True(t, row.CancelAtPeriodEnd)
		assert.Equal(t, int64(30), row.CurrentPeriodEnd)
	})

	t.Run("inverted period rejected", func(t *testing.T) {
		w := &subsync.SubscriptionWrite{
			ExternalSubscriptionID: "sub_1",
			UserID:                 subsync.Ptr("user_1"),
			CurrentPeriodStart:     subsync.Ptr(int64(20)),
			CurrentPeriodEnd:       subsync.Ptr(int64(20)),
		}
		_, err := w.Apply(nil, "id-1", 100)
		assert.ErrorIs(t, err, subsync.ErrMalformedProviderData)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := (&subsync.SubscriptionWrite{}).Apply(nil, "id", 1)
		assert.ErrorIs(t, err, subsync.ErrInvalidWrite)
	})
}
