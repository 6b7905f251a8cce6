package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	billingdomain "github.com/smallbiznis/subchain/internal/billing/domain"
	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// Failure reasons recorded on failed payments.
const (
	FailureCurrencyMismatch         = "currency_mismatch"
	FailureInsufficientConfirmation = "insufficient_confirmations"
)

// Payment is immutable once completed or refunded, except for Metadata.
type Payment struct {
	ID              snowflake.ID           `json:"id" gorm:"primaryKey"`
	OwnerID         snowflake.ID           `json:"owner_id" gorm:"not null;index;uniqueIndex:ux_payments_owner_idempotency,priority:1"`
	SubscriberID    snowflake.ID           `json:"subscriber_id" gorm:"not null;index"`
	PlanID          snowflake.ID           `json:"plan_id" gorm:"not null;index"`
	Amount          decimal.Decimal        `json:"amount" gorm:"type:numeric(10,6);not null"`
	Currency        billingdomain.Currency `json:"currency" gorm:"size:8;not null"`
	Status          PaymentStatus          `json:"status" gorm:"size:32;not null;index"`
	TransactionHash string                 `json:"transaction_hash,omitempty" gorm:"size:128"`
	IdempotencyKey  string                 `json:"idempotency_key" gorm:"size:255;not null;uniqueIndex:ux_payments_owner_idempotency,priority:2"`
	Confirmations   int                    `json:"confirmations" gorm:"not null;default:0"`
	FailureReason   string                 `json:"failure_reason,omitempty" gorm:"type:text"`
	RefundOf        *snowflake.ID          `json:"refund_of,omitempty" gorm:"index"`
	DueDate         *time.Time             `json:"due_date,omitempty"`
	PaymentDate     *time.Time             `json:"payment_date,omitempty"`
	Metadata        datatypes.JSON         `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time              `json:"updated_at" gorm:"not null"`

	// Replayed is set when an idempotent retry returned an existing row.
	Replayed bool `json:"replayed,omitempty" gorm:"-"`
}

func (Payment) TableName() string { return "payments" }

// SamePayload reports whether a retried request describes this payment.
func (p Payment) SamePayload(subscriberID snowflake.ID, amount decimal.Decimal, currency billingdomain.Currency) bool {
	return p.SubscriberID == subscriberID && p.Amount.Equal(amount) && p.Currency == currency
}
