package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	analyticsdomain "github.com/smallbiznis/subchain/internal/analytics/domain"
	billingdomain "github.com/smallbiznis/subchain/internal/billing/domain"
	"github.com/smallbiznis/subchain/internal/clock"
	"github.com/smallbiznis/subchain/internal/errs"
	"github.com/smallbiznis/subchain/internal/ownercontext"
	paymentdomain "github.com/smallbiznis/subchain/internal/payment/domain"
	"github.com/smallbiznis/subchain/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

// Service reads aggregates straight from the ledger and holds no state.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewService(p Params) analyticsdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("analytics.service"),
		clock: p.Clock,
	}
}

func (s *Service) Overview(ctx context.Context, req analyticsdomain.OverviewRequest) (analyticsdomain.Overview, error) {
	ownerID, ok := ownercontext.OwnerIDFromContext(ctx)
	if !ok {
		return analyticsdomain.Overview{}, errs.ErrUnauthorized
	}
	window := req.Window
	if window < 0 {
		return analyticsdomain.Overview{}, analyticsdomain.ErrInvalidWindow
	}
	if window == 0 {
		window = analyticsdomain.DefaultWindow
	}

	now := s.clock.Now()
	snap, err := s.loadSnapshot(ctx, ownerID, now.Add(-window))
	if err != nil {
		return analyticsdomain.Overview{}, db.Classify(err)
	}
	return analyticsdomain.Compute(snap, window, now), nil
}

// loadSnapshot runs every aggregate read in one read-only transaction so the
// counts, plan activity and revenue describe the same ledger state.
func (s *Service) loadSnapshot(ctx context.Context, ownerID snowflake.ID, windowStart time.Time) (analyticsdomain.Snapshot, error) {
	var snap analyticsdomain.Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if snap.StatusCounts, err = s.countByStatus(ctx, tx, ownerID); err != nil {
			return err
		}
		if snap.Plans, err = s.listPlanActivity(ctx, tx, ownerID); err != nil {
			return err
		}
		if snap.RevenueByCurrency, err = s.sumRevenueByCurrency(ctx, tx, ownerID); err != nil {
			return err
		}
		snap.CancelledInWindow, err = s.countCancelledSince(ctx, tx, ownerID, windowStart)
		return err
	}, snapshotTxOptions(s.db.Dialector.Name())...)
	if err != nil {
		return analyticsdomain.Snapshot{}, err
	}
	return snap, nil
}

// snapshotTxOptions asks for a repeatable-read snapshot where the dialect
// supports one. SQLite transactions are already serialised.
func snapshotTxOptions(dialect string) []*sql.TxOptions {
	switch dialect {
	case "postgres", "mysql":
		return []*sql.TxOptions{{Isolation: sql.LevelRepeatableRead, ReadOnly: true}}
	default:
		return nil
	}
}

type statusCountRow struct {
	Status string `gorm:"column:status"`
	Count  int64  `gorm:"column:count"`
}

func (s *Service) countByStatus(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID) (map[billingdomain.SubscriberStatus]int64, error) {
	var rows []statusCountRow
	if err := tx.WithContext(ctx).Raw(
		`SELECT status, COUNT(1) AS count
		 FROM subscribers
		 WHERE owner_id = ?
		 GROUP BY status`,
		ownerID,
	).Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[billingdomain.SubscriberStatus]int64, len(rows))
	for _, row := range rows {
		counts[billingdomain.SubscriberStatus(row.Status)] = row.Count
	}
	return counts, nil
}

type planActivityRow struct {
	ID              snowflake.ID    `gorm:"column:id"`
	Name            string          `gorm:"column:name"`
	Amount          decimal.Decimal `gorm:"column:amount"`
	Currency        string          `gorm:"column:currency"`
	BillingInterval string          `gorm:"column:billing_interval"`
	TotalRevenue    decimal.Decimal `gorm:"column:total_revenue"`
	Active          int64           `gorm:"column:active"`
}

func (s *Service) listPlanActivity(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID) ([]analyticsdomain.PlanActivity, error) {
	var rows []planActivityRow
	if err := tx.WithContext(ctx).Raw(
		`SELECT p.id, p.name, p.amount, p.currency, p.billing_interval, p.total_revenue, COUNT(s.id) AS active
		 FROM plans p
		 LEFT JOIN subscribers s ON s.plan_id = p.id AND s.status = ?
		 WHERE p.owner_id = ?
		 GROUP BY p.id, p.name, p.amount, p.currency, p.billing_interval, p.total_revenue
		 ORDER BY p.id`,
		billingdomain.SubscriberStatusActive,
		ownerID,
	).Scan(&rows).Error; err != nil {
		return nil, err
	}

	plans := make([]analyticsdomain.PlanActivity, 0, len(rows))
	for _, row := range rows {
		plans = append(plans, analyticsdomain.PlanActivity{
			ID:           row.ID,
			Name:         row.Name,
			Amount:       row.Amount,
			Currency:     row.Currency,
			Interval:     billingdomain.Interval(row.BillingInterval),
			Active:       row.Active,
			TotalRevenue: row.TotalRevenue,
		})
	}
	return plans, nil
}

type revenueRow struct {
	Currency string          `gorm:"column:currency"`
	Status   string          `gorm:"column:status"`
	Total    decimal.Decimal `gorm:"column:total"`
}

// sumRevenueByCurrency nets refunds against completed payments.
func (s *Service) sumRevenueByCurrency(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID) (map[string]decimal.Decimal, error) {
	var rows []revenueRow
	if err := tx.WithContext(ctx).Raw(
		`SELECT currency, status, COALESCE(SUM(amount), 0) AS total
		 FROM payments
		 WHERE owner_id = ? AND status IN (?, ?)
		 GROUP BY currency, status`,
		ownerID,
		paymentdomain.PaymentStatusCompleted,
		paymentdomain.PaymentStatusRefunded,
	).Scan(&rows).Error; err != nil {
		return nil, err
	}

	revenue := map[string]decimal.Decimal{}
	for _, row := range rows {
		switch paymentdomain.PaymentStatus(row.Status) {
		case paymentdomain.PaymentStatusCompleted:
			revenue[row.Currency] = revenue[row.Currency].Add(row.Total)
		case paymentdomain.PaymentStatusRefunded:
			revenue[row.Currency] = revenue[row.Currency].Sub(row.Total)
		}
	}
	for currency, total := range revenue {
		if total.IsNegative() {
			revenue[currency] = decimal.Zero
		}
	}
	return revenue, nil
}

func (s *Service) countCancelledSince(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID, since time.Time) (int64, error) {
	var count int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM subscribers
		 WHERE owner_id = ?
		   AND status = ?
		   AND cancelled_at IS NOT NULL
		   AND cancelled_at >= ?`,
		ownerID,
		billingdomain.SubscriberStatusCancelled,
		since,
	).Scan(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
