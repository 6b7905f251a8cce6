package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	billingevent "github.com/smallbiznis/subchain/internal/billingevent/domain"
	"gorm.io/datatypes"
)

// Webhook is an owner-registered HTTP endpoint that receives signed billing
// events.
type Webhook struct {
	ID            snowflake.ID   `json:"id" gorm:"primaryKey"`
	OwnerID       snowflake.ID   `json:"owner_id" gorm:"not null;index"`
	URL           string         `json:"url" gorm:"type:text;not null"`
	Events        datatypes.JSON `json:"events" gorm:"not null"`
	Secret        string         `json:"-" gorm:"type:text;not null"`
	IsActive      bool           `json:"is_active" gorm:"not null;default:true"`
	FailureCount  int            `json:"failure_count" gorm:"not null;default:0"`
	LastTriggered *time.Time     `json:"last_triggered,omitempty"`
	CreatedAt     time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time      `json:"updated_at" gorm:"not null"`
}

func (Webhook) TableName() string { return "webhooks" }

// EventTypes decodes the subscribed event list. A malformed column yields no
// subscriptions.
func (w Webhook) EventTypes() []string {
	var events []string
	if len(w.Events) == 0 {
		return nil
	}
	if err := json.Unmarshal(w.Events, &events); err != nil {
		return nil
	}
	return events
}

// Subscribes reports whether the webhook wants eventType, either by name or
// through the wildcard.
func (w Webhook) Subscribes(eventType string) bool {
	for _, e := range w.EventTypes() {
		if e == eventType || e == billingevent.EventWildcard {
			return true
		}
	}
	return false
}

type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusDelivered EventStatus = "delivered"
	EventStatusFailed    EventStatus = "failed"
)

func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusPending, EventStatusDelivered, EventStatusFailed:
		return true
	}
	return false
}

// WebhookEvent is one event queued for one webhook, with its delivery state.
type WebhookEvent struct {
	ID             snowflake.ID   `json:"id" gorm:"primaryKey"`
	WebhookID      snowflake.ID   `json:"webhook_id" gorm:"not null;index"`
	OwnerID        snowflake.ID   `json:"owner_id" gorm:"not null;index"`
	EventType      string         `json:"event_type" gorm:"size:64;not null"`
	Payload        datatypes.JSON `json:"payload" gorm:"not null"`
	Status         EventStatus    `json:"status" gorm:"size:32;not null;index"`
	Attempts       int            `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts    int            `json:"max_attempts" gorm:"not null"`
	NextAttemptAt  *time.Time     `json:"next_attempt_at,omitempty" gorm:"index"`
	ResponseStatus *int           `json:"response_status,omitempty"`
	ResponseBody   string         `json:"response_body,omitempty" gorm:"type:text"`
	LastError      string         `json:"last_error,omitempty" gorm:"type:text"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time      `json:"updated_at" gorm:"not null"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// Envelope is the signed body sent to a webhook endpoint.
type Envelope struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

const (
	// MaxResponseBody bounds the stored copy of an endpoint's response.
	MaxResponseBody = 1024
)
