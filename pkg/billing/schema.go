package billing

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Metadata keys attached to checkout sessions and subscriptions.
const (
	MetadataUserID = "user_id"
	MetadataPlanID = "plan_id"
)

// UnixField is a provider timestamp that tolerates null, absent, numeric
// string and float encodings. Decoding never fails; unusable values are
// left invalid for the normalizer to repair.
type UnixField subsync.RawTimestamp

// UnmarshalJSON implements json.Unmarshaler.
func (u *UnixField) UnmarshalJSON(data []byte) error {
	*u = UnixField{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	raw := string(data)
	if data[0] == '"' {
		s, err := strconv.Unquote(raw)
		if err != nil {
			return nil
		}
		raw = strings.TrimSpace(s)
	}

	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*u = UnixField{Value: v, Valid: true}
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && f > -9.2e18 && f < 9.2e18 {
		*u = UnixField{Value: int64(f), Valid: true}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (u UnixField) MarshalJSON() ([]byte, error) {
	if !u.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(u.Value, 10)), nil
}

// Raw converts the field for the normalizer.
func (u UnixField) Raw() subsync.RawTimestamp {
	return subsync.RawTimestamp(u)
}

// ExpandableID is a reference that the provider sends either as a bare id
// or as an expanded object carrying an "id" field.
type ExpandableID string

// UnmarshalJSON implements json.Unmarshaler.
func (e *ExpandableID) UnmarshalJSON(data []byte) error {
	*e = ""
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = ExpandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = ExpandableID(obj.ID)
	return nil
}

func (e ExpandableID) String() string { return string(e) }

// Recurring is the billing cadence of a price.
type Recurring struct {
	Interval      string `json:"interval"`
	IntervalCount int64  `json:"interval_count"`
}

// Price is the subset of a provider price this module reads.
type Price struct {
	ID        string     `json:"id"`
	Recurring *Recurring `json:"recurring"`
}

// SubscriptionItem is one line of a subscription.
type SubscriptionItem struct {
	ID                 string    `json:"id"`
	Price              Price     `json:"price"`
	CurrentPeriodStart UnixField `json:"current_period_start"`
	CurrentPeriodEnd   UnixField `json:"current_period_end"`
}

// Subscription is the explicit schema of a provider subscription object.
type Subscription struct {
	ID                 string            `json:"id"`
	Customer           ExpandableID      `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart UnixField         `json:"current_period_start"`
	CurrentPeriodEnd   UnixField         `json:"current_period_end"`
	Created            UnixField         `json:"created"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
}

// Period returns the billing period bounds. Newer API versions carry them
// on the items only, older ones on the subscription itself.
func (s *Subscription) Period() (start, end UnixField) {
	start, end = s.CurrentPeriodStart, s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if !start.Valid && item.CurrentPeriodStart.Valid {
			start = item.CurrentPeriodStart
		}
		if !end.Valid && item.CurrentPeriodEnd.Valid {
			end = item.CurrentPeriodEnd
		}
	}
	return start, end
}

// IsAnnual reports whether any line item bills yearly.
func (s *Subscription) IsAnnual() bool {
	for _, item := range s.Items.Data {
		if item.Price.Recurring != nil && strings.EqualFold(item.Price.Recurring.Interval, "year") {
			return true
		}
	}
	return false
}

// PriceIDs returns the price ids of all line items.
func (s *Subscription) PriceIDs() []string {
	ids := make([]string, 0, len(s.Items.Data))
	for _, item := range s.Items.Data {
		if item.Price.ID != "" {
			ids = append(ids, item.Price.ID)
		}
	}
	return ids
}

// CheckoutSession is the explicit schema of a provider checkout session.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	Customer          ExpandableID      `json:"customer"`
	Subscription      ExpandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// Owner returns the user and plan the session was created for. The user id
// falls back to client_reference_id.
func (c *CheckoutSession) Owner() Owner {
	o := Owner{UserID: c.Metadata[MetadataUserID], PlanID: c.Metadata[MetadataPlanID]}
	if o.UserID == "" {
		o.UserID = c.ClientReferenceID
	}
	return o
}

// Invoice is the explicit schema of a provider invoice.
type Invoice struct {
	ID           string       `json:"id"`
	Customer     ExpandableID `json:"customer"`
	Subscription ExpandableID `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription ExpandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID returns the subscription the invoice belongs to, looking at
// the legacy top-level field and the newer parent details.
func (i *Invoice) SubscriptionID() string {
	if i.Subscription != "" {
		return i.Subscription.String()
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return i.Parent.SubscriptionDetails.Subscription.String()
	}
	return ""
}

// ObjectRef is the minimal shape used to attribute an event to a subscription.
type ObjectRef struct {
	ID           string       `json:"id"`
	Subscription ExpandableID `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription ExpandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}
