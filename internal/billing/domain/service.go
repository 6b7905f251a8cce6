package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/subchain/internal/errs"
	"github.com/smallbiznis/subchain/pkg/db/pagination"
	"gorm.io/gorm"
)

type CreatePlanRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    Currency        `json:"currency"`
	Interval    Interval        `json:"interval"`
	Features    []string        `json:"features"`
	// Status is draft unless the plan is published on creation.
	Status PlanStatus `json:"status"`
}

// UpdatePlanRequest names every field an update may touch. Nil fields are left alone.
type UpdatePlanRequest struct {
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	Amount      *decimal.Decimal `json:"amount"`
	Features    []string         `json:"features"`
}

type ListPlanRequest struct {
	pagination.Pagination
	Status string `form:"status"`
	Search string `form:"search"`
}

type ListPlanResponse struct {
	pagination.PageInfo
	Plans []Plan `json:"plans"`
}

type EnrollSubscriberRequest struct {
	PlanID        string         `json:"plan_id"`
	WalletAddress string         `json:"wallet_address"`
	Email         string         `json:"email"`
	Metadata      map[string]any `json:"metadata"`
}

// UpdateSubscriberRequest edits the contact profile. The plan and wallet are
// fixed at enrollment; a body naming either is rejected.
type UpdateSubscriberRequest struct {
	Email    *string        `json:"email"`
	Metadata map[string]any `json:"metadata"`

	PlanID        *string `json:"plan_id,omitempty"`
	WalletAddress *string `json:"wallet_address,omitempty"`
}

type TransitionSubscriberRequest struct {
	ID     string           `json:"-"`
	Target SubscriberStatus `json:"status"`
	Reason string           `json:"reason"`
}

type ListSubscriberRequest struct {
	pagination.Pagination
	Status string `form:"status"`
	PlanID string `form:"plan_id"`
	Search string `form:"search"`
}

type ListSubscriberResponse struct {
	pagination.PageInfo
	Subscribers []Subscriber `json:"subscribers"`
}

type Service interface {
	CreatePlan(context.Context, CreatePlanRequest) (Plan, error)
	UpdatePlan(ctx context.Context, id string, req UpdatePlanRequest) (Plan, error)
	TransitionPlan(ctx context.Context, id string, target PlanStatus) (Plan, error)
	DeletePlan(ctx context.Context, id string) error
	GetPlan(ctx context.Context, id string) (Plan, error)
	ListPlans(context.Context, ListPlanRequest) (ListPlanResponse, error)

	EnrollSubscriber(context.Context, EnrollSubscriberRequest) (Subscriber, error)
	UpdateSubscriber(ctx context.Context, id string, req UpdateSubscriberRequest) (Subscriber, error)
	TransitionSubscriber(context.Context, TransitionSubscriberRequest) (Subscriber, error)
	CancelSubscriber(ctx context.Context, id string, reason string) (Subscriber, error)
	GetSubscriber(ctx context.Context, id string) (Subscriber, error)
	ListSubscribers(context.Context, ListSubscriberRequest) (ListSubscriberResponse, error)

	// SweepOverdue moves active subscribers whose next payment is older than
	// grace to past_due and returns how many moved.
	SweepOverdue(ctx context.Context, now time.Time, grace time.Duration, batchSize int) (int, error)
}

// Ledger is the transactional surface the payment recorder drives. Every
// method runs inside the caller's transaction.
type Ledger interface {
	// LockSubscriber locks the owning plan and then the subscriber.
	LockSubscriber(ctx context.Context, tx *gorm.DB, ownerID, subscriberID snowflake.ID) (*Plan, *Subscriber, error)
	// TransitionSubscriberTx applies a table transition to rows already locked by LockSubscriber.
	// It reports false when the subscriber is already in target.
	TransitionSubscriberTx(ctx context.Context, tx *gorm.DB, plan *Plan, subscriber *Subscriber, target SubscriberStatus, reason string) (bool, error)
	// CreditPayment adds amount to the subscriber and plan totals and advances the billing cycle.
	CreditPayment(ctx context.Context, tx *gorm.DB, plan *Plan, subscriber *Subscriber, amount decimal.Decimal, paidAt time.Time) error
	// DebitRefund subtracts amount from both totals, flooring at zero.
	DebitRefund(ctx context.Context, tx *gorm.DB, plan *Plan, subscriber *Subscriber, amount decimal.Decimal) error
}

var (
	ErrInvalidName     = errs.Validation("invalid_name")
	ErrInvalidAmount   = errs.Validation("invalid_amount")
	ErrInvalidCurrency = errs.Validation("invalid_currency")
	ErrInvalidInterval = errs.Validation("invalid_interval")
	ErrInvalidStatus   = errs.Validation("invalid_status")
	ErrInvalidWallet   = errs.Validation("invalid_wallet_address")
	ErrInvalidEmail    = errs.Validation("invalid_email")
	ErrInvalidID       = errs.Validation("invalid_id")
	ErrImmutableField  = errs.Validation("immutable_field")
	ErrInvalidMetadata = errs.Validation("invalid_metadata")

	ErrPlanNotFound       = errs.NotFound("plan_not_found")
	ErrSubscriberNotFound = errs.NotFound("subscriber_not_found")

	ErrPlanNotActive     = errs.InvalidTransition("plan_not_active")
	ErrInvalidTransition = errs.InvalidTransition("invalid_transition")

	ErrSubscriberExists = errs.Conflict("subscriber_exists")
)
