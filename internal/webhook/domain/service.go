package domain

import (
	"context"

	"github.com/smallbiznis/subchain/internal/errs"
	"github.com/smallbiznis/subchain/pkg/db/pagination"
)

type Service interface {
	CreateWebhook(ctx context.Context, req CreateWebhookRequest) (WebhookWithSecret, error)
	GetWebhook(ctx context.Context, id string) (Webhook, error)
	ListWebhooks(ctx context.Context, req ListWebhookRequest) (ListWebhookResponse, error)
	UpdateWebhook(ctx context.Context, id string, req UpdateWebhookRequest) (Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error
	SetWebhookActive(ctx context.Context, id string, active bool) (Webhook, error)
	RotateSecret(ctx context.Context, id string) (WebhookWithSecret, error)
	SendTest(ctx context.Context, id string) (WebhookEvent, error)

	ListEvents(ctx context.Context, req ListEventRequest) (ListEventResponse, error)
	RedeliverEvent(ctx context.Context, eventID string) (WebhookEvent, error)
}

type CreateWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type UpdateWebhookRequest struct {
	URL    *string  `json:"url"`
	Events []string `json:"events"`
}

// WebhookWithSecret is returned only when the secret is created or rotated.
type WebhookWithSecret struct {
	Webhook
	Secret string `json:"secret"`
}

type ListWebhookRequest struct {
	pagination.Pagination
}

type ListWebhookResponse struct {
	Webhooks []Webhook `json:"webhooks"`
	pagination.PageInfo
}

type ListEventRequest struct {
	WebhookID string      `form:"-"`
	Status    EventStatus `form:"status"`
	pagination.Pagination
}

type ListEventResponse struct {
	Events []WebhookEvent `json:"events"`
	pagination.PageInfo
}

var (
	ErrInvalidURL    = errs.Validation("invalid_url")
	ErrInvalidEvents = errs.Validation("invalid_events")
	ErrInvalidStatus = errs.Validation("invalid_status")
	ErrInvalidID     = errs.Validation("invalid_id")

	ErrWebhookNotFound = errs.NotFound("webhook_not_found")
	ErrEventNotFound   = errs.NotFound("webhook_event_not_found")

	ErrWebhookInactive  = errs.InvalidTransition("webhook_inactive")
	ErrEventNotFinished = errs.InvalidTransition("webhook_event_not_finished")
)
