package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Intake asks for one event to be delivered to each listed webhook.
type Intake struct {
	OwnerID    snowflake.ID
	EventType  string
	Data       any
	WebhookIDs []snowflake.ID
}

type Dispatcher interface {
	// Enqueue creates pending events and schedules their first attempt.
	Enqueue(ctx context.Context, intake Intake) ([]WebhookEvent, error)
	// EnqueueTx creates pending events using tx. The caller arms them with
	// Arm once tx has committed.
	EnqueueTx(ctx context.Context, tx *gorm.DB, intake Intake) ([]WebhookEvent, error)
	Arm(events ...WebhookEvent)
	// CancelWebhook stops every armed timer and in-flight attempt of a webhook.
	CancelWebhook(webhookID snowflake.ID)
	// ResumeWebhook re-arms the pending events of a reactivated webhook.
	ResumeWebhook(ctx context.Context, webhookID snowflake.ID) error
}
