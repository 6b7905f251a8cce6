package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PlanStatus string

const (
	PlanStatusDraft    PlanStatus = "draft"
	PlanStatusActive   PlanStatus = "active"
	PlanStatusInactive PlanStatus = "inactive"
)

type SubscriberStatus string

const (
	SubscriberStatusActive    SubscriberStatus = "active"
	SubscriberStatusPaused    SubscriberStatus = "paused"
	SubscriberStatusPastDue   SubscriberStatus = "past_due"
	SubscriberStatusCancelled SubscriberStatus = "cancelled"
)

type Currency string

const (
	CurrencyALGO Currency = "ALGO"
	CurrencyUSDC Currency = "USDC"
)

func (c Currency) Valid() bool {
	return c == CurrencyALGO || c == CurrencyUSDC
}

type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

func (i Interval) Valid() bool {
	return i == IntervalMonthly || i == IntervalYearly
}

// Duration is the calendar-naive length of one billing period.
func (i Interval) Duration() time.Duration {
	if i == IntervalYearly {
		return 365 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// MonthlyAmount normalises a per-interval price to one month.
func (i Interval) MonthlyAmount(amount decimal.Decimal) decimal.Decimal {
	if i == IntervalYearly {
		return amount.Div(decimal.NewFromInt(12))
	}
	return amount
}

const PaymentMethodAlgorandWallet = "algorand_wallet"

// Plan is a merchant's subscription offer. SubscriberCount and TotalRevenue
// are maintained only by Aggregates.
type Plan struct {
	ID              snowflake.ID    `json:"id" gorm:"primaryKey"`
	OwnerID         snowflake.ID    `json:"owner_id" gorm:"not null;index;uniqueIndex:ux_plans_owner_slug,priority:1"`
	Name            string          `json:"name" gorm:"type:text;not null"`
	Slug            string          `json:"slug" gorm:"size:255;not null;uniqueIndex:ux_plans_owner_slug,priority:2"`
	Description     string          `json:"description" gorm:"type:text"`
	Amount          decimal.Decimal `json:"amount" gorm:"type:numeric(10,6);not null"`
	Currency        Currency        `json:"currency" gorm:"size:8;not null"`
	Interval        Interval        `json:"interval" gorm:"column:billing_interval;size:16;not null"`
	Features        datatypes.JSON  `json:"features"`
	Status          PlanStatus      `json:"status" gorm:"size:32;not null;index"`
	SubscriberCount int64           `json:"subscriber_count" gorm:"not null;default:0"`
	TotalRevenue    decimal.Decimal `json:"total_revenue" gorm:"type:numeric(15,6);not null;default:0"`
	CreatedAt       time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time       `json:"updated_at" gorm:"not null"`
}

func (Plan) TableName() string { return "plans" }

// Subscriber is one wallet enrolled in one plan.
type Subscriber struct {
	ID              snowflake.ID     `json:"id" gorm:"primaryKey"`
	OwnerID         snowflake.ID     `json:"owner_id" gorm:"not null;index"`
	PlanID          snowflake.ID     `json:"plan_id" gorm:"not null;uniqueIndex:ux_subscribers_plan_wallet,priority:1"`
	WalletAddress   string           `json:"wallet_address" gorm:"size:64;not null;uniqueIndex:ux_subscribers_plan_wallet,priority:2"`
	Email           string           `json:"email,omitempty" gorm:"type:text"`
	Status          SubscriberStatus `json:"status" gorm:"size:32;not null;index"`
	StartDate       time.Time        `json:"start_date" gorm:"not null"`
	NextPaymentDate *time.Time       `json:"next_payment_date,omitempty"`
	LastPaymentDate *time.Time       `json:"last_payment_date,omitempty"`
	CancelledAt     *time.Time       `json:"cancelled_at,omitempty" gorm:"index"`
	TotalPaid       decimal.Decimal  `json:"total_paid" gorm:"type:numeric(15,6);not null;default:0"`
	PaymentMethod   string           `json:"payment_method" gorm:"size:32;not null"`
	Metadata        datatypes.JSON   `json:"metadata,omitempty"`
	CreatedAt       time.Time        `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time        `json:"updated_at" gorm:"not null"`
}

func (Subscriber) TableName() string { return "subscribers" }
