package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subchain/internal/payment/domain"
	"github.com/smallbiznis/subchain/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const paymentColumns = `id, owner_id, subscriber_id, plan_id, amount, currency, status, transaction_hash,
	idempotency_key, confirmations, failure_reason, refund_of, due_date, payment_date, metadata, created_at, updated_at`

// Insert reports false when a payment with the same idempotency key already
// exists for the owner. The conflict clause is rendered per dialect.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *domain.Payment) (bool, error) {
	res := skipDuplicateKey(db.WithContext(ctx)).Create(payment)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func skipDuplicateKey(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "idempotency_key"}},
		DoNothing: true,
	})
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) (*domain.Payment, error) {
	var payment domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+` FROM payments WHERE owner_id = ? AND id = ?`,
		ownerID,
		id,
	).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, key string) (*domain.Payment, error) {
	var payment domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+` FROM payments WHERE owner_id = ? AND idempotency_key = ? LIMIT 1`,
		ownerID,
		key,
	).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func (r *repo) CountFailuresSinceLastCompleted(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM payments
		 WHERE subscriber_id = ? AND status = ?
		   AND id > COALESCE((SELECT MAX(id) FROM payments WHERE subscriber_id = ? AND status = ?), 0)`,
		subscriberID,
		domain.PaymentStatusFailed,
		subscriberID,
		domain.PaymentStatusCompleted,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, filter domain.ListPaymentFilter, page pagination.Pagination) ([]*domain.Payment, error) {
	after, err := page.After()
	if err != nil {
		return nil, err
	}

	var payments []*domain.Payment
	stmt := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("owner_id = ?", ownerID)
	if filter.SubscriberID != 0 {
		stmt = stmt.Where("subscriber_id = ?", filter.SubscriberID)
	}
	if filter.PlanID != 0 {
		stmt = stmt.Where("plan_id = ?", filter.PlanID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if after != 0 {
		stmt = stmt.Where("id < ?", after)
	}
	err = stmt.
		Order("id desc").
		Limit(page.PageSize + 1).
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}
