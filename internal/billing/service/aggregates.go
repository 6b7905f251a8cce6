package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/subchain/internal/billing/domain"
	"gorm.io/gorm"
)

// Aggregates is the only writer of subscriber_count, total_revenue and
// total_paid. Callers hold the plan and subscriber row locks and pass tx.
type Aggregates struct {
	repo domain.Repository
}

func NewAggregates(repo domain.Repository) *Aggregates {
	return &Aggregates{repo: repo}
}

// AdjustSubscriberCount applies delta to the plan's active count, flooring at zero.
func (a *Aggregates) AdjustSubscriberCount(ctx context.Context, tx *gorm.DB, plan *domain.Plan, delta int64, now time.Time) error {
	if delta == 0 {
		return nil
	}
	next := max(plan.SubscriberCount+delta, 0)
	if err := a.repo.UpdatePlanAggregates(ctx, tx, plan.ID, next, plan.TotalRevenue, now); err != nil {
		return err
	}
	plan.SubscriberCount = next
	plan.UpdatedAt = now
	return nil
}

// CreditPayment adds a completed payment to both running totals.
func (a *Aggregates) CreditPayment(ctx context.Context, tx *gorm.DB, plan *domain.Plan, subscriber *domain.Subscriber, amount decimal.Decimal, now time.Time) error {
	revenue := plan.TotalRevenue.Add(amount)
	if err := a.repo.UpdatePlanAggregates(ctx, tx, plan.ID, plan.SubscriberCount, revenue, now); err != nil {
		return err
	}
	plan.TotalRevenue = revenue
	plan.UpdatedAt = now

	subscriber.TotalPaid = subscriber.TotalPaid.Add(amount)
	subscriber.UpdatedAt = now
	return a.repo.UpdateSubscriberBilling(ctx, tx, subscriber)
}

// DebitRefund removes a refunded amount from both totals, never going below zero.
func (a *Aggregates) DebitRefund(ctx context.Context, tx *gorm.DB, plan *domain.Plan, subscriber *domain.Subscriber, amount decimal.Decimal, now time.Time) error {
	revenue := floorZero(plan.TotalRevenue.Sub(amount))
	if err := a.repo.UpdatePlanAggregates(ctx, tx, plan.ID, plan.SubscriberCount, revenue, now); err != nil {
		return err
	}
	plan.TotalRevenue = revenue
	plan.UpdatedAt = now

	subscriber.TotalPaid = floorZero(subscriber.TotalPaid.Sub(amount))
	subscriber.UpdatedAt = now
	return a.repo.UpdateSubscriberBilling(ctx, tx, subscriber)
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
