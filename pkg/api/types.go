package api

import "github.com/mihaimyh/subsync/pkg/subsync"

// CancelResponse reports the result of a cancellation request.
type CancelResponse struct {
	SubscriptionID string         `json:"subscription_id"`
	Found          bool           `json:"found"`
	Tier           int            `json:"tier"`
	Verified       bool           `json:"verified"`
	Status         subsync.Status `json:"status,omitempty"`
}

// AdminCancelRequest selects the subscription an operator cancels.
type AdminCancelRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"required_without=UserID,max=255"`
	UserID         string `json:"user_id" validate:"required_without=SubscriptionID,max=255"`
}

// WebhookEventsResponse lists audit records newest first.
type WebhookEventsResponse struct {
	Events []*subsync.WebhookEvent `json:"events"`
}

type diagnoseQuery struct {
	UserID         string `validate:"omitempty,max=255"`
	SubscriptionID string `validate:"omitempty,max=255"`
}

type webhookEventsQuery struct {
	SubscriptionID string `validate:"omitempty,max=255"`
	Limit          int    `validate:"gte=0,lte=500"`
}
