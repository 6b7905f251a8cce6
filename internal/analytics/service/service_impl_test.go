package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	analyticsdomain "github.com/smallbiznis/subchain/internal/analytics/domain"
	billingdomain "github.com/smallbiznis/subchain/internal/billing/domain"
	"github.com/smallbiznis/subchain/internal/clock"
	"github.com/smallbiznis/subchain/internal/errs"
	"github.com/smallbiznis/subchain/internal/ownercontext"
	paymentdomain "github.com/smallbiznis/subchain/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	node  *snowflake.Node
	now   time.Time
	owner snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&billingdomain.Plan{}, &billingdomain.Subscriber{}, &paymentdomain.Payment{}))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	return &fixture{db: db, node: node, now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), owner: node.Generate()}
}

func (f *fixture) plan(t *testing.T, owner snowflake.ID, amount int64, interval billingdomain.Interval) billingdomain.Plan {
	t.Helper()
	p := billingdomain.Plan{
		ID:        f.node.Generate(),
		OwnerID:   owner,
		Name:      "plan",
		Slug:      f.node.Generate().String(),
		Amount:    decimal.NewFromInt(amount),
		Currency:  billingdomain.CurrencyALGO,
		Interval:  interval,
		Status:    billingdomain.PlanStatusActive,
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}
	require.NoError(t, f.db.Create(&p).Error)
	return p
}

func (f *fixture) subscribers(t *testing.T, plan billingdomain.Plan, status billingdomain.SubscriberStatus, n int, cancelledAt *time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		s := billingdomain.Subscriber{
			ID:            f.node.Generate(),
			OwnerID:       plan.OwnerID,
			PlanID:        plan.ID,
			WalletAddress: f.node.Generate().String(),
			Status:        status,
			StartDate:     f.now.Add(-90 * 24 * time.Hour),
			CancelledAt:   cancelledAt,
			PaymentMethod: billingdomain.PaymentMethodAlgorandWallet,
			CreatedAt:     f.now,
			UpdatedAt:     f.now,
		}
		require.NoError(t, f.db.Create(&s).Error)
	}
}

func (f *fixture) payment(t *testing.T, plan billingdomain.Plan, amount string, status paymentdomain.PaymentStatus) {
	t.Helper()
	p := paymentdomain.Payment{
		ID:             f.node.Generate(),
		OwnerID:        plan.OwnerID,
		SubscriberID:   f.node.Generate(),
		PlanID:         plan.ID,
		Amount:         decimal.RequireFromString(amount),
		Currency:       plan.Currency,
		Status:         status,
		IdempotencyKey: f.node.Generate().String(),
		CreatedAt:      f.now,
		UpdatedAt:      f.now,
	}
	require.NoError(t, f.db.Create(&p).Error)
}

func (f *fixture) service() analyticsdomain.Service {
	return NewService(Params{DB: f.db, Log: zap.NewNop(), Clock: clock.NewFakeClock(f.now)})
}

func TestOverviewFromLedger(t *testing.T) {
	f := newFixture(t)
	yearly := f.plan(t, f.owner, 120, billingdomain.IntervalYearly)
	monthly := f.plan(t, f.owner, 10, billingdomain.IntervalMonthly)
	f.subscribers(t, yearly, billingdomain.SubscriberStatusActive, 3, nil)
	f.subscribers(t, monthly, billingdomain.SubscriberStatusActive, 5, nil)
	f.subscribers(t, monthly, billingdomain.SubscriberStatusPaused, 1, nil)

	recent := f.now.Add(-5 * 24 * time.Hour)
	old := f.now.Add(-45 * 24 * time.Hour)
	f.subscribers(t, monthly, billingdomain.SubscriberStatusCancelled, 1, &recent)
	f.subscribers(t, monthly, billingdomain.SubscriberStatusCancelled, 1, &old)

	f.payment(t, monthly, "100", paymentdomain.PaymentStatusCompleted)
	f.payment(t, monthly, "60", paymentdomain.PaymentStatusCompleted)
	f.payment(t, monthly, "20", paymentdomain.PaymentStatusRefunded)
	f.payment(t, monthly, "999", paymentdomain.PaymentStatusFailed)

	// Another owner's data never leaks in.
	other := f.plan(t, f.owner+1, 500, billingdomain.IntervalMonthly)
	f.subscribers(t, other, billingdomain.SubscriberStatusActive, 4, nil)

	ctx := ownercontext.WithOwnerID(context.Background(), f.owner)
	out, err := f.service().Overview(ctx, analyticsdomain.OverviewRequest{})
	require.NoError(t, err)

	assert.Equal(t, int64(11), out.TotalSubscribers)
	assert.Equal(t, int64(8), out.ActiveSubscribers)
	assert.Equal(t, int64(1), out.PausedSubscribers)
	assert.Equal(t, int64(2), out.CancelledSubscribers)
	assert.Equal(t, int64(1), out.CancelledInWindow)
	assert.Equal(t, "80", out.MRR.String())
	assert.Equal(t, "960", out.ARR.String())
	assert.Equal(t, "140", out.TotalRevenue.String())
	assert.Equal(t, "17.5", out.ARPU.String())
	// 1 / 11 * 100
	assert.Equal(t, "9.09", out.ChurnRate.String())
}

func TestOverviewPlanBreakdown(t *testing.T) {
	f := newFixture(t)
	monthly := f.plan(t, f.owner, 10, billingdomain.IntervalMonthly)
	idle := f.plan(t, f.owner, 50, billingdomain.IntervalYearly)
	f.subscribers(t, monthly, billingdomain.SubscriberStatusActive, 2, nil)
	f.subscribers(t, monthly, billingdomain.SubscriberStatusPaused, 1, nil)
	require.NoError(t, f.db.Model(&billingdomain.Plan{}).Where("id = ?", monthly.ID).
		Update("total_revenue", decimal.RequireFromString("45.5")).Error)

	ctx := ownercontext.WithOwnerID(context.Background(), f.owner)
	out, err := f.service().Overview(ctx, analyticsdomain.OverviewRequest{})
	require.NoError(t, err)

	require.Len(t, out.Plans, 2)
	byID := map[string]analyticsdomain.PlanBreakdown{}
	for _, p := range out.Plans {
		byID[p.ID] = p
	}
	got := byID[monthly.ID.String()]
	assert.Equal(t, int64(2), got.SubscriberCount)
	assert.Equal(t, "20", got.MRR.String())
	assert.Equal(t, "45.5", got.Revenue.String())
	assert.Equal(t, "ALGO", got.Currency)

	empty := byID[idle.ID.String()]
	assert.Equal(t, int64(0), empty.SubscriberCount)
	assert.True(t, empty.MRR.IsZero())
	assert.Equal(t, "50", empty.Amount.String())
}

func TestSnapshotTxOptions(t *testing.T) {
	for _, dialect := range []string{"postgres", "mysql"} {
		opts := snapshotTxOptions(dialect)
		if assert.Len(t, opts, 1, dialect) {
			assert.True(t, opts[0].ReadOnly)
			assert.Equal(t, sql.LevelRepeatableRead, opts[0].Isolation)
		}
	}
	assert.Empty(t, snapshotTxOptions("sqlite"))
}

func TestOverviewEmptyLedger(t *testing.T) {
	f := newFixture(t)
	ctx := ownercontext.WithOwnerID(context.Background(), f.owner)
	out, err := f.service().Overview(ctx, analyticsdomain.OverviewRequest{Window: 7 * 24 * time.Hour})
	require.NoError(t, err)
	assert.True(t, out.ChurnRate.IsZero())
	assert.True(t, out.ARPU.IsZero())
	assert.Equal(t, 7, out.WindowDays)
}

func TestOverviewRequiresOwner(t *testing.T) {
	f := newFixture(t)
	_, err := f.service().Overview(context.Background(), analyticsdomain.OverviewRequest{})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	ctx := ownercontext.WithOwnerID(context.Background(), f.owner)
	_, err = f.service().Overview(ctx, analyticsdomain.OverviewRequest{Window: -time.Hour})
	assert.ErrorIs(t, err, errs.ErrValidation)
}
