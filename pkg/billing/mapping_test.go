package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/billingtest"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

func TestToWrite(t *testing.T) {
	catalog, err := billing.NewStaticCatalog(billing.Plan{ID: "pro", PriceIDs: []string{"price_monthly"}})
	require.NoError(t, err)

	t.Run("repairs equal bounds and maps trialing", func(t *testing.T) {
		sub := billingtest.MonthlySubscription("sub_123", "cus_1", "trialing", 1700000000, 1700000000)

		w, err := billing.ToWrite(sub, billing.Owner{UserID: "user_1"}, catalog, 1)
		require.NoError(t, err)

		assert.Equal(t, "sub_123", w.ExternalSubscriptionID)
		assert.Equal(t, subsync.StatusActive, *w.Status)
		assert.Equal(t, int64(1700000000), *w.CurrentPeriodStart)
		assert.Equal(t, int64(1700000000+2592000), *w.CurrentPeriodEnd)
		assert.Equal(t, "cus_1", *w.ExternalCustomerID)
		assert.Equal(t, "user_1", *w.UserID)
		assert.Equal(t, "pro", *w.PlanID, "plan resolved through catalog")
	})

	t.Run("metadata supplies owner", func(t *testing.T) {
		sub := billingtest.MonthlySubscription("sub_1", "cus_1", "active", 10, 20)
		sub.Metadata = map[string]string{billing.MetadataUserID: "user_meta", billing.MetadataPlanID: "basic"}

		w, err := billing.ToWrite(sub, billing.Owner{}, catalog, 1)
		require.NoError(t, err)
		assert.Equal(t, "user_meta", *w.UserID)
		assert.Equal(t, "basic", *w.PlanID)
	})

	t.Run("unknown owner stays nil", func(t *testing.T) {
		sub := billingtest.MonthlySubscription("sub_1", "", "active", 10, 20)
		w, err := billing.ToWrite(sub, billing.Owner{}, nil, 1)
		require.NoError(t, err)
		assert.Nil(t, w.UserID)
		assert.Nil(t, w.PlanID)
		assert.Nil(t, w.ExternalCustomerID)
	})

	t.Run("annual fallback", func(t *testing.T) {
		sub := billingtest.MonthlySubscription("sub_1", "cus_1", "active", 1000, 1000)
		sub.Items.Data[0].Price.Recurring.Interval = "year"
		w, err := billing.ToWrite(sub, billing.Owner{}, nil, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1000+31536000), *w.CurrentPeriodEnd)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := billing.ToWrite(&billing.Subscription{}, billing.Owner{}, nil, 1)
		assert.ErrorIs(t, err, subsync.ErrMalformedProviderData)
	})
}
