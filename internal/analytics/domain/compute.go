package domain

import (
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	billingdomain "github.com/smallbiznis/subchain/internal/billing/domain"
)

const (
	moneyPlaces = 6
	ratePlaces  = 2
)

var (
	twelve     = decimal.NewFromInt(12)
	oneHundred = decimal.NewFromInt(100)
)

// PlanActivity is one plan with its live active subscriber count and the
// revenue total kept on the plan row.
type PlanActivity struct {
	ID           snowflake.ID
	Name         string
	Amount       decimal.Decimal
	Currency     string
	Interval     billingdomain.Interval
	Active       int64
	TotalRevenue decimal.Decimal
}

// Snapshot is the raw ledger read the overview is computed from.
type Snapshot struct {
	StatusCounts      map[billingdomain.SubscriberStatus]int64
	Plans             []PlanActivity
	RevenueByCurrency map[string]decimal.Decimal
	CancelledInWindow int64
}

// Compute derives the overview from a snapshot. It has no side effects.
func Compute(snap Snapshot, window time.Duration, now time.Time) Overview {
	out := Overview{
		ActiveSubscribers:    snap.StatusCounts[billingdomain.SubscriberStatusActive],
		PausedSubscribers:    snap.StatusCounts[billingdomain.SubscriberStatusPaused],
		PastDueSubscribers:   snap.StatusCounts[billingdomain.SubscriberStatusPastDue],
		CancelledSubscribers: snap.StatusCounts[billingdomain.SubscriberStatusCancelled],
		CancelledInWindow:    snap.CancelledInWindow,
		WindowDays:           int(window / (24 * time.Hour)),
		GeneratedAt:          now,
	}
	for _, n := range snap.StatusCounts {
		out.TotalSubscribers += n
	}

	mrrByCurrency := map[string]decimal.Decimal{}
	mrr := decimal.Zero
	out.Plans = make([]PlanBreakdown, 0, len(snap.Plans))
	for _, p := range snap.Plans {
		contribution := decimal.Zero
		if p.Active > 0 {
			contribution = p.Interval.MonthlyAmount(p.Amount).Mul(decimal.NewFromInt(p.Active))
			mrr = mrr.Add(contribution)
			mrrByCurrency[p.Currency] = mrrByCurrency[p.Currency].Add(contribution)
		}
		out.Plans = append(out.Plans, PlanBreakdown{
			ID:              p.ID.String(),
			Name:            p.Name,
			Amount:          p.Amount.Round(moneyPlaces),
			Currency:        p.Currency,
			Interval:        string(p.Interval),
			SubscriberCount: max(p.Active, 0),
			MRR:             contribution.Round(moneyPlaces),
			Revenue:         p.TotalRevenue.Round(moneyPlaces),
		})
	}

	revenue := decimal.Zero
	for _, r := range snap.RevenueByCurrency {
		revenue = revenue.Add(r)
	}

	churn := decimal.NewFromInt(snap.CancelledInWindow).
		Div(decimal.NewFromInt(max(out.TotalSubscribers, 1))).
		Mul(oneHundred)
	arpu := revenue.Div(decimal.NewFromInt(max(out.ActiveSubscribers, 1)))

	out.MRR = mrr.Round(moneyPlaces)
	out.ARR = mrr.Mul(twelve).Round(moneyPlaces)
	out.ChurnRate = churn.Round(ratePlaces)
	out.ARPU = arpu.Round(moneyPlaces)
	out.TotalRevenue = revenue.Round(moneyPlaces)
	out.Currencies = breakdown(mrrByCurrency, snap.RevenueByCurrency)
	return out
}

func breakdown(mrr, revenue map[string]decimal.Decimal) []CurrencyBreakdown {
	seen := map[string]struct{}{}
	for c := range mrr {
		seen[c] = struct{}{}
	}
	for c := range revenue {
		seen[c] = struct{}{}
	}
	currencies := make([]string, 0, len(seen))
	for c := range seen {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	out := make([]CurrencyBreakdown, 0, len(currencies))
	for _, c := range currencies {
		out = append(out, CurrencyBreakdown{
			Currency: c,
			MRR:      mrr[c].Round(moneyPlaces),
			ARR:      mrr[c].Mul(twelve).Round(moneyPlaces),
			Revenue:  revenue[c].Round(moneyPlaces),
		})
	}
	return out
}
