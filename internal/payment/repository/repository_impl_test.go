package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	billingdomain "github.com/smallbiznis/subchain/internal/billing/domain"
	"github.com/smallbiznis/subchain/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func testPayment(id int64, key string) domain.Payment {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return domain.Payment{
		ID:             snowflake.ID(1000 + id),
		OwnerID:        7,
		SubscriberID:   11,
		PlanID:         13,
		Amount:         decimal.RequireFromString("10"),
		Currency:       billingdomain.CurrencyALGO,
		Status:         domain.PaymentStatusCompleted,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestInsertSkipsDuplicateIdempotencyKey(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&domain.Payment{}))

	repo := Provide()
	ctx := context.Background()

	first := testPayment(1, "tx-1")
	inserted, err := repo.Insert(ctx, db, &first)
	require.NoError(t, err)
	assert.True(t, inserted)

	retry := testPayment(2, "tx-1")
	inserted, err = repo.Insert(ctx, db, &retry)
	require.NoError(t, err)
	assert.False(t, inserted)

	stored, err := repo.FindByIdempotencyKey(ctx, db, first.OwnerID, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, first.ID, stored.ID)
}

func TestInsertRendersConflictClauseForMySQL(t *testing.T) {
	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "user:pass@tcp(127.0.0.1:3306)/subchain?parseTime=True",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)

	payment := testPayment(1, "tx-1")
	stmt := skipDuplicateKey(db).Create(&payment).Statement
	sql := stmt.SQL.String()

	assert.Contains(t, sql, "INSERT INTO `payments`")
	assert.Contains(t, sql, "ON DUPLICATE KEY UPDATE")
	assert.NotContains(t, sql, "ON CONFLICT")
}
