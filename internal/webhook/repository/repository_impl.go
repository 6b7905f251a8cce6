package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subchain/internal/webhook/domain"
	"github.com/smallbiznis/subchain/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const webhookColumns = `id, owner_id, url, events, secret, is_active, failure_count, last_triggered, created_at, updated_at`

const eventColumns = `id, webhook_id, owner_id, event_type, payload, status, attempts, max_attempts, next_attempt_at,
	response_status, response_body, last_error, delivered_at, created_at, updated_at`

func (r *repo) InsertWebhook(ctx context.Context, db *gorm.DB, webhook *domain.Webhook) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhooks (`+webhookColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		webhook.ID,
		webhook.OwnerID,
		webhook.URL,
		webhook.Events,
		webhook.Secret,
		webhook.IsActive,
		webhook.FailureCount,
		webhook.LastTriggered,
		webhook.CreatedAt,
		webhook.UpdatedAt,
	).Error
}

func (r *repo) FindWebhookByID(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) (*domain.Webhook, error) {
	var webhook domain.Webhook
	err := db.WithContext(ctx).Raw(
		`SELECT `+webhookColumns+` FROM webhooks WHERE owner_id = ? AND id = ?`,
		ownerID,
		id,
	).Scan(&webhook).Error
	if err != nil {
		return nil, err
	}
	if webhook.ID == 0 {
		return nil, nil
	}
	return &webhook, nil
}

func (r *repo) FindWebhook(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Webhook, error) {
	var webhook domain.Webhook
	err := db.WithContext(ctx).Raw(
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`,
		id,
	).Scan(&webhook).Error
	if err != nil {
		return nil, err
	}
	if webhook.ID == 0 {
		return nil, nil
	}
	return &webhook, nil
}

func (r *repo) LockWebhook(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Webhook, error) {
	var webhook domain.Webhook
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&webhook).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &webhook, nil
}

func (r *repo) ListWebhooks(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, page pagination.Pagination) ([]domain.Webhook, error) {
	after, err := page.After()
	if err != nil {
		return nil, err
	}

	var webhooks []domain.Webhook
	stmt := db.WithContext(ctx).
		Model(&domain.Webhook{}).
		Where("owner_id = ?", ownerID)
	if after != 0 {
		stmt = stmt.Where("id < ?", after)
	}
	err = stmt.
		Order("id desc").
		Limit(page.PageSize + 1).
		Find(&webhooks).Error
	if err != nil {
		return nil, err
	}
	return webhooks, nil
}

func (r *repo) ListOwnerWebhooks(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]domain.Webhook, error) {
	var webhooks []domain.Webhook
	err := db.WithContext(ctx).Raw(
		`SELECT `+webhookColumns+` FROM webhooks WHERE owner_id = ? ORDER BY id`,
		ownerID,
	).Scan(&webhooks).Error
	if err != nil {
		return nil, err
	}
	return webhooks, nil
}

func (r *repo) UpdateWebhook(ctx context.Context, db *gorm.DB, webhook *domain.Webhook) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhooks SET url = ?, events = ?, updated_at = ? WHERE owner_id = ? AND id = ?`,
		webhook.URL,
		webhook.Events,
		webhook.UpdatedAt,
		webhook.OwnerID,
		webhook.ID,
	).Error
}

func (r *repo) UpdateWebhookSecret(ctx context.Context, db *gorm.DB, id snowflake.ID, secret string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhooks SET secret = ?, updated_at = ? WHERE id = ?`,
		secret,
		now,
		id,
	).Error
}

func (r *repo) UpdateWebhookHealth(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool, failureCount int, lastTriggered *time.Time, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhooks
		 SET is_active = ?, failure_count = ?, last_triggered = COALESCE(?, last_triggered), updated_at = ?
		 WHERE id = ?`,
		active,
		failureCount,
		lastTriggered,
		now,
		id,
	).Error
}

func (r *repo) DeleteWebhook(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) error {
	if err := db.WithContext(ctx).Exec(
		`DELETE FROM webhook_events WHERE owner_id = ? AND webhook_id = ?`,
		ownerID,
		id,
	).Error; err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`DELETE FROM webhooks WHERE owner_id = ? AND id = ?`,
		ownerID,
		id,
	).Error
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.WebhookEvent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.WebhookID,
		event.OwnerID,
		event.EventType,
		event.Payload,
		event.Status,
		event.Attempts,
		event.MaxAttempts,
		event.NextAttemptAt,
		event.ResponseStatus,
		event.ResponseBody,
		event.LastError,
		event.DeliveredAt,
		event.CreatedAt,
		event.UpdatedAt,
	).Error
}

func (r *repo) FindEventByID(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+` FROM webhook_events WHERE owner_id = ? AND id = ?`,
		ownerID,
		id,
	).Scan(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == 0 {
		return nil, nil
	}
	return &event, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = ?`,
		id,
	).Scan(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == 0 {
		return nil, nil
	}
	return &event, nil
}

func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, filter domain.ListEventFilter) ([]domain.WebhookEvent, error) {
	after, err := filter.Pagination.After()
	if err != nil {
		return nil, err
	}

	var events []domain.WebhookEvent
	stmt := db.WithContext(ctx).
		Model(&domain.WebhookEvent{}).
		Where("owner_id = ?", filter.OwnerID)
	if filter.WebhookID != 0 {
		stmt = stmt.Where("webhook_id = ?", filter.WebhookID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if after != 0 {
		stmt = stmt.Where("id < ?", after)
	}
	err = stmt.
		Order("id desc").
		Limit(filter.PageSize + 1).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) ListDueEvents(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	var events []domain.WebhookEvent
	err := db.WithContext(ctx).Raw(
		`SELECT e.id, e.webhook_id, e.owner_id, e.event_type, e.payload, e.status, e.attempts, e.max_attempts,
		        e.next_attempt_at, e.response_status, e.response_body, e.last_error, e.delivered_at,
		        e.created_at, e.updated_at
		 FROM webhook_events e
		 JOIN webhooks w ON w.id = e.webhook_id
		 WHERE e.status = ? AND e.next_attempt_at <= ? AND w.is_active = ?
		 ORDER BY e.next_attempt_at, e.id
		 LIMIT ?`,
		domain.EventStatusPending,
		now,
		true,
		limit,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) ListPendingForWebhook(ctx context.Context, db *gorm.DB, webhookID snowflake.ID) ([]domain.WebhookEvent, error) {
	var events []domain.WebhookEvent
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+` FROM webhook_events WHERE webhook_id = ? AND status = ? ORDER BY id`,
		webhookID,
		domain.EventStatusPending,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) CompleteAttempt(ctx context.Context, db *gorm.DB, event *domain.WebhookEvent, expectedAttempts int) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, attempts = ?, next_attempt_at = ?, response_status = ?, response_body = ?,
		     last_error = ?, delivered_at = ?, updated_at = ?
		 WHERE id = ? AND attempts = ? AND status = ?`,
		event.Status,
		event.Attempts,
		event.NextAttemptAt,
		event.ResponseStatus,
		event.ResponseBody,
		event.LastError,
		event.DeliveredAt,
		event.UpdatedAt,
		event.ID,
		expectedAttempts,
		domain.EventStatusPending,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ResetForRedelivery(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, attempts = 0, max_attempts = 1, next_attempt_at = ?, last_error = '', updated_at = ?
		 WHERE id = ?`,
		domain.EventStatusPending,
		now,
		now,
		id,
	).Error
}
