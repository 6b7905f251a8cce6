package domain

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/subchain/internal/errs"
)

const DefaultWindow = 30 * 24 * time.Hour

type OverviewRequest struct {
	// Window is the trailing churn window; zero means DefaultWindow.
	Window time.Duration
}

// Overview is a point-in-time projection of one owner's ledger. Money is
// rounded to 6 places and churn to 2 places.
type Overview struct {
	TotalSubscribers     int64               `json:"total_subscribers"`
	ActiveSubscribers    int64               `json:"active_subscribers"`
	PausedSubscribers    int64               `json:"paused_subscribers"`
	PastDueSubscribers   int64               `json:"past_due_subscribers"`
	CancelledSubscribers int64               `json:"cancelled_subscribers"`
	CancelledInWindow    int64               `json:"cancelled_in_window"`
	MRR                  decimal.Decimal     `json:"mrr"`
	ARR                  decimal.Decimal     `json:"arr"`
	ChurnRate            decimal.Decimal     `json:"churn_rate"`
	ARPU                 decimal.Decimal     `json:"arpu"`
	TotalRevenue         decimal.Decimal     `json:"total_revenue"`
	Currencies           []CurrencyBreakdown `json:"currencies"`
	Plans                []PlanBreakdown     `json:"plans"`
	WindowDays           int                 `json:"window_days"`
	GeneratedAt          time.Time           `json:"generated_at"`
}

type CurrencyBreakdown struct {
	Currency string          `json:"currency"`
	MRR      decimal.Decimal `json:"mrr"`
	ARR      decimal.Decimal `json:"arr"`
	Revenue  decimal.Decimal `json:"revenue"`
}

// PlanBreakdown is one plan's share of the overview. Revenue is the running
// total kept on the plan, net of refunds.
type PlanBreakdown struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Interval        string          `json:"interval"`
	SubscriberCount int64           `json:"subscriber_count"`
	MRR             decimal.Decimal `json:"mrr"`
	Revenue         decimal.Decimal `json:"revenue"`
}

type Service interface {
	Overview(context.Context, OverviewRequest) (Overview, error)
}

const maxPeriodDays = 366

var (
	ErrInvalidWindow = errs.Validation("invalid_window")
	ErrInvalidPeriod = errs.Validation("invalid_period")
)

// ParsePeriod reads a day-count period such as "7d", "30d" or "90d".
func ParsePeriod(period string) (time.Duration, error) {
	period = strings.ToLower(strings.TrimSpace(period))
	days, ok := strings.CutSuffix(period, "d")
	if !ok {
		return 0, ErrInvalidPeriod
	}
	n, err := strconv.Atoi(days)
	if err != nil || n <= 0 || n > maxPeriodDays {
		return 0, ErrInvalidPeriod
	}
	return time.Duration(n) * 24 * time.Hour, nil
}
