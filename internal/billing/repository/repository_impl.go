package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/subchain/internal/billing/domain"
	"github.com/smallbiznis/subchain/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const planColumns = `id, owner_id, name, slug, description, amount, currency, billing_interval, features, status,
	subscriber_count, total_revenue, created_at, updated_at`

const subscriberColumns = `id, owner_id, plan_id, wallet_address, email, status, start_date, next_payment_date,
	last_payment_date, cancelled_at, total_paid, payment_method, metadata, created_at, updated_at`

func (r *repo) InsertPlan(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO plans (`+planColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID,
		plan.OwnerID,
		plan.Name,
		plan.Slug,
		plan.Description,
		plan.Amount,
		plan.Currency,
		plan.Interval,
		plan.Features,
		plan.Status,
		plan.SubscriberCount,
		plan.TotalRevenue,
		plan.CreatedAt,
		plan.UpdatedAt,
	).Error
}

func (r *repo) FindPlanByID(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) (*domain.Plan, error) {
	var plan domain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT `+planColumns+` FROM plans WHERE owner_id = ? AND id = ?`,
		ownerID,
		id,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) LockPlan(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) (*domain.Plan, error) {
	var plan domain.Plan
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_id = ? AND id = ?", ownerID, id).
		Take(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *repo) SlugExists(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, slug string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM plans WHERE owner_id = ? AND slug = ?`,
		ownerID,
		slug,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) UpdatePlanDetails(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	return db.WithContext(ctx).Exec(
		`UPDATE plans SET name = ?, description = ?, amount = ?, features = ?, updated_at = ?
		 WHERE owner_id = ? AND id = ?`,
		plan.Name,
		plan.Description,
		plan.Amount,
		plan.Features,
		plan.UpdatedAt,
		plan.OwnerID,
		plan.ID,
	).Error
}

func (r *repo) UpdatePlanStatus(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	return db.WithContext(ctx).Exec(
		`UPDATE plans SET status = ?, updated_at = ? WHERE owner_id = ? AND id = ?`,
		plan.Status,
		plan.UpdatedAt,
		plan.OwnerID,
		plan.ID,
	).Error
}

func (r *repo) UpdatePlanAggregates(ctx context.Context, db *gorm.DB, id snowflake.ID, subscriberCount int64, totalRevenue decimal.Decimal, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE plans SET subscriber_count = ?, total_revenue = ?, updated_at = ? WHERE id = ?`,
		subscriberCount,
		totalRevenue,
		now,
		id,
	).Error
}

func (r *repo) DeletePlan(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) error {
	db = db.WithContext(ctx)
	if err := db.Exec(
		`DELETE FROM payments WHERE owner_id = ? AND subscriber_id IN (SELECT id FROM subscribers WHERE plan_id = ?)`,
		ownerID,
		id,
	).Error; err != nil {
		return err
	}
	if err := db.Exec(
		`DELETE FROM subscribers WHERE owner_id = ? AND plan_id = ?`,
		ownerID,
		id,
	).Error; err != nil {
		return err
	}
	return db.Exec(`DELETE FROM plans WHERE owner_id = ? AND id = ?`, ownerID, id).Error
}

func (r *repo) ListPlans(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, filter domain.ListPlanFilter, page pagination.Pagination) ([]*domain.Plan, error) {
	after, err := page.After()
	if err != nil {
		return nil, err
	}

	var plans []*domain.Plan
	stmt := db.WithContext(ctx).
		Model(&domain.Plan{}).
		Where("owner_id = ?", ownerID)
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		stmt = stmt.Where("(LOWER(name) LIKE ? OR LOWER(description) LIKE ?)", like, like)
	}
	if after != 0 {
		stmt = stmt.Where("id < ?", after)
	}
	err = stmt.
		Order("id desc").
		Limit(page.PageSize + 1).
		Find(&plans).Error
	if err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *repo) InsertSubscriber(ctx context.Context, db *gorm.DB, subscriber *domain.Subscriber) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscribers (`+subscriberColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscriber.ID,
		subscriber.OwnerID,
		subscriber.PlanID,
		subscriber.WalletAddress,
		subscriber.Email,
		subscriber.Status,
		subscriber.StartDate,
		subscriber.NextPaymentDate,
		subscriber.LastPaymentDate,
		subscriber.CancelledAt,
		subscriber.TotalPaid,
		subscriber.PaymentMethod,
		subscriber.Metadata,
		subscriber.CreatedAt,
		subscriber.UpdatedAt,
	).Error
}

func (r *repo) FindSubscriberByID(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) (*domain.Subscriber, error) {
	var subscriber domain.Subscriber
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriberColumns+` FROM subscribers WHERE owner_id = ? AND id = ?`,
		ownerID,
		id,
	).Scan(&subscriber).Error
	if err != nil {
		return nil, err
	}
	if subscriber.ID == 0 {
		return nil, nil
	}
	return &subscriber, nil
}

func (r *repo) FindSubscriberByWallet(ctx context.Context, db *gorm.DB, planID snowflake.ID, wallet string) (*domain.Subscriber, error) {
	var subscriber domain.Subscriber
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriberColumns+` FROM subscribers WHERE plan_id = ? AND wallet_address = ?`,
		planID,
		wallet,
	).Scan(&subscriber).Error
	if err != nil {
		return nil, err
	}
	if subscriber.ID == 0 {
		return nil, nil
	}
	return &subscriber, nil
}

func (r *repo) LockSubscriber(ctx context.Context, db *gorm.DB, ownerID, id snowflake.ID) (*domain.Subscriber, error) {
	var subscriber domain.Subscriber
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_id = ? AND id = ?", ownerID, id).
		Take(&subscriber).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &subscriber, nil
}

func (r *repo) UpdateSubscriberStatus(ctx context.Context, db *gorm.DB, subscriber *domain.Subscriber) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscribers SET status = ?, cancelled_at = ?, updated_at = ? WHERE owner_id = ? AND id = ?`,
		subscriber.Status,
		subscriber.CancelledAt,
		subscriber.UpdatedAt,
		subscriber.OwnerID,
		subscriber.ID,
	).Error
}

func (r *repo) UpdateSubscriberBilling(ctx context.Context, db *gorm.DB, subscriber *domain.Subscriber) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscribers SET total_paid = ?, last_payment_date = ?, next_payment_date = ?, updated_at = ?
		 WHERE owner_id = ? AND id = ?`,
		subscriber.TotalPaid,
		subscriber.LastPaymentDate,
		subscriber.NextPaymentDate,
		subscriber.UpdatedAt,
		subscriber.OwnerID,
		subscriber.ID,
	).Error
}

func (r *repo) UpdateSubscriberProfile(ctx context.Context, db *gorm.DB, subscriber *domain.Subscriber) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscribers SET email = ?, metadata = ?, updated_at = ? WHERE owner_id = ? AND id = ?`,
		subscriber.Email,
		subscriber.Metadata,
		subscriber.UpdatedAt,
		subscriber.OwnerID,
		subscriber.ID,
	).Error
}

func (r *repo) ListSubscribers(ctx context.Context, db *gorm.DB, ownerID snowflake.ID, filter domain.ListSubscriberFilter, page pagination.Pagination) ([]*domain.Subscriber, error) {
	after, err := page.After()
	if err != nil {
		return nil, err
	}

	var subscribers []*domain.Subscriber
	stmt := db.WithContext(ctx).
		Model(&domain.Subscriber{}).
		Where("owner_id = ?", ownerID)
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.PlanID != 0 {
		stmt = stmt.Where("plan_id = ?", filter.PlanID)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		stmt = stmt.Where("(LOWER(wallet_address) LIKE ? OR LOWER(email) LIKE ?)", like, like)
	}
	if after != 0 {
		stmt = stmt.Where("id < ?", after)
	}
	err = stmt.
		Order("id desc").
		Limit(page.PageSize + 1).
		Find(&subscribers).Error
	if err != nil {
		return nil, err
	}
	return subscribers, nil
}

func (r *repo) ListOverdue(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*domain.Subscriber, error) {
	var subscribers []*domain.Subscriber
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriberColumns+` FROM subscribers
		 WHERE status = ? AND next_payment_date IS NOT NULL AND next_payment_date < ?
		 ORDER BY next_payment_date ASC
		 LIMIT ?`,
		domain.SubscriberStatusActive,
		before,
		limit,
	).Scan(&subscribers).Error
	if err != nil {
		return nil, err
	}
	return subscribers, nil
}

func (r *repo) CountActiveSubscribers(ctx context.Context, db *gorm.DB, planID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM subscribers WHERE plan_id = ? AND status = ?`,
		planID,
		domain.SubscriberStatusActive,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
