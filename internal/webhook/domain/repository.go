package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subchain/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	InsertWebhook(ctx context.Context, db *gorm.DB, webhook *Webhook) error
	FindWebhookByID(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) (*Webhook, error)
	// FindWebhook loads a webhook without owner scoping, for background delivery.
	FindWebhook(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Webhook, error)
	LockWebhook(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Webhook, error)
	ListWebhooks(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, page pagination.Pagination) ([]Webhook, error)
	ListOwnerWebhooks(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]Webhook, error)
	UpdateWebhook(ctx context.Context, db *gorm.DB, webhook *Webhook) error
	UpdateWebhookSecret(ctx context.Context, db *gorm.DB, id snowflake.ID, secret string, now time.Time) error
	UpdateWebhookHealth(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool, failureCount int, lastTriggered *time.Time, now time.Time) error
	DeleteWebhook(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) error

	InsertEvent(ctx context.Context, db *gorm.DB, event *WebhookEvent) error
	FindEventByID(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) (*WebhookEvent, error)
	FindEvent(ctx context.Context, db *gorm.DB, id snowflake.ID) (*WebhookEvent, error)
	ListEvents(ctx context.Context, db *gorm.DB, filter ListEventFilter) ([]WebhookEvent, error)
	// ListDueEvents returns pending events of active webhooks whose next attempt is at or before now.
	ListDueEvents(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]WebhookEvent, error)
	ListPendingForWebhook(ctx context.Context, db *gorm.DB, webhookID snowflake.ID) ([]WebhookEvent, error)
	// CompleteAttempt stores an attempt outcome only if the stored attempts still
	// equals expectedAttempts. It reports whether the row was updated.
	CompleteAttempt(ctx context.Context, db *gorm.DB, event *WebhookEvent, expectedAttempts int) (bool, error)
	ResetForRedelivery(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
}

type ListEventFilter struct {
	OwnerID   snowflake.ID
	WebhookID snowflake.ID
	Status    EventStatus
	pagination.Pagination
}
