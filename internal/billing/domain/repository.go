package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/subchain/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	InsertPlan(ctx context.Context, db *gorm.DB, plan *Plan) error
	FindPlanByID(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) (*Plan, error)
	// LockPlan reads the plan with SELECT ... FOR UPDATE. Callers lock the plan before its subscribers.
	LockPlan(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) (*Plan, error)
	SlugExists(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, slug string) (bool, error)
	UpdatePlanDetails(ctx context.Context, db *gorm.DB, plan *Plan) error
	UpdatePlanStatus(ctx context.Context, db *gorm.DB, plan *Plan) error
	UpdatePlanAggregates(ctx context.Context, db *gorm.DB, id snowflake.ID, subscriberCount int64, totalRevenue decimal.Decimal, now time.Time) error
	DeletePlan(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) error
	ListPlans(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, filter ListPlanFilter, page pagination.Pagination) ([]*Plan, error)

	InsertSubscriber(ctx context.Context, db *gorm.DB, subscriber *Subscriber) error
	FindSubscriberByID(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) (*Subscriber, error)
	FindSubscriberByWallet(ctx context.Context, db *gorm.DB, planID snowflake.ID, wallet string) (*Subscriber, error)
	LockSubscriber(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) (*Subscriber, error)
	UpdateSubscriberStatus(ctx context.Context, db *gorm.DB, subscriber *Subscriber) error
	UpdateSubscriberBilling(ctx context.Context, db *gorm.DB, subscriber *Subscriber) error
	UpdateSubscriberProfile(ctx context.Context, db *gorm.DB, subscriber *Subscriber) error
	ListSubscribers(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, filter ListSubscriberFilter, page pagination.Pagination) ([]*Subscriber, error)
	// ListOverdue scans every owner; it backs the background sweep.
	ListOverdue(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*Subscriber, error)
	CountActiveSubscribers(ctx context.Context, db *gorm.DB, planID snowflake.ID) (int64, error)
}

type ListPlanFilter struct {
	Status PlanStatus
	Search string
}

type ListSubscriberFilter struct {
	Status SubscriberStatus
	PlanID snowflake.ID
	Search string
}
