package billing

import (
	"fmt"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Owner attributes a subscription to a local user and plan. Empty fields are unknown.
type Owner struct {
	UserID string
	PlanID string
}

// ToWrite maps a live provider subscription onto a store write. It is the
// single mapping used by webhook handlers, the post-checkout poller and the
// reconciler, so all three persist identical values for identical input.
//
// Owner fields win over subscription metadata; the plan falls back to a
// catalog lookup of the line item prices.
func ToWrite(sub *Subscription, owner Owner, catalog PlanCatalog, now int64) (*subsync.SubscriptionWrite, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("%w: subscription without id", subsync.ErrMalformedProviderData)
	}

	start, end := sub.Period()
	period, err := subsync.NormalizePeriod(start.Raw(), end.Raw(), sub.IsAnnual(), now)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", sub.ID, err)
	}

	w := &subsync.SubscriptionWrite{
		ExternalSubscriptionID: sub.ID,
		Status:                 subsync.Ptr(subsync.NormalizeStatus(sub.Status)),
		CurrentPeriodStart:     subsync.Ptr(period.Start),
		CurrentPeriodEnd:       subsync.Ptr(period.End),
		CancelAtPeriodEnd:      subsync.Ptr(sub.CancelAtPeriodEnd),
	}
	if c := sub.Customer.String(); c != "" {
		w.ExternalCustomerID = subsync.Ptr(c)
	}

	if userID := firstNonEmpty(owner.UserID, sub.Metadata[MetadataUserID]); userID != "" {
		w.UserID = subsync.Ptr(userID)
	}

	planID := firstNonEmpty(owner.PlanID, sub.Metadata[MetadataPlanID])
	if planID == "" && catalog != nil {
		for _, price := range sub.PriceIDs() {
			if id, ok := catalog.PlanForPrice(price); ok {
				planID = id
				break
			}
		}
	}
	if planID != "" {
		w.PlanID = subsync.Ptr(planID)
	}

	return w, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
