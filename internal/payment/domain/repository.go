package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subchain/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert writes the payment unless its idempotency key already exists and
	// reports whether a row was written.
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) (*Payment, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, key string) (*Payment, error)
	// CountFailuresSinceLastCompleted counts failed attempts newer than the subscriber's latest completed payment.
	CountFailuresSinceLastCompleted(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID) (int64, error)
	List(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, filter ListPaymentFilter, page pagination.Pagination) ([]*Payment, error)
}

type ListPaymentFilter struct {
	SubscriberID snowflake.ID
	PlanID       snowflake.ID
	Status       PaymentStatus
}
