package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BillingEvent is an outbox row written in the same transaction as the state
// change it describes. The webhook dispatcher relays unpublished rows.
type BillingEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	OwnerID     snowflake.ID   `gorm:"not null;index;uniqueIndex:ux_billing_event_dedupe,priority:1"`
	EventType   string         `gorm:"size:64;not null"`
	Payload     datatypes.JSON `gorm:"not null"`
	DedupeKey   *string        `gorm:"size:255;uniqueIndex:ux_billing_event_dedupe,priority:2"`
	Published   bool           `gorm:"not null;default:false;index"`
	PublishedAt *time.Time     `gorm:""`
	CreatedAt   time.Time      `gorm:"not null"`
}

// TableName sets the database table name.
func (BillingEvent) TableName() string { return "billing_events" }

const (
	EventPlanCreated     = "plan.created"
	EventPlanUpdated     = "plan.updated"
	EventPlanActivated   = "plan.activated"
	EventPlanDeactivated = "plan.deactivated"
	EventPlanDeleted     = "plan.deleted"

	EventSubscriberCreated     = "subscriber.created"
	EventSubscriberUpdated     = "subscriber.updated"
	EventSubscriberPaused      = "subscriber.paused"
	EventSubscriberResumed     = "subscriber.resumed"
	EventSubscriberPastDue     = "subscriber.past_due"
	EventSubscriberReactivated = "subscriber.reactivated"
	EventSubscriberCancelled   = "subscriber.cancelled"

	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentRefunded  = "payment.refunded"

	EventWebhookTest = "webhook.test"

	// EventWildcard subscribes a webhook to every event type.
	EventWildcard = "*"
)

var knownEvents = map[string]struct{}{
	EventPlanCreated: {}, EventPlanUpdated: {}, EventPlanActivated: {}, EventPlanDeactivated: {}, EventPlanDeleted: {},
	EventSubscriberCreated: {}, EventSubscriberUpdated: {}, EventSubscriberPaused: {}, EventSubscriberResumed: {}, EventSubscriberPastDue: {},
	EventSubscriberReactivated: {}, EventSubscriberCancelled: {},
	EventPaymentCompleted: {}, EventPaymentFailed: {}, EventPaymentRefunded: {},
	EventWebhookTest: {}, EventWildcard: {},
}

// IsKnownEvent reports whether a webhook may subscribe to eventType.
func IsKnownEvent(eventType string) bool {
	_, ok := knownEvents[eventType]
	return ok
}

// Event is a domain event about to be written to the outbox.
type Event struct {
	OwnerID   snowflake.ID
	Type      string
	Data      any
	DedupeKey string
}

type Publisher interface {
	// Publish writes the event using tx so it commits or rolls back with the caller.
	Publish(ctx context.Context, tx *gorm.DB, event Event) error
	// Notify wakes the relay after the caller's transaction committed.
	Notify()
}
