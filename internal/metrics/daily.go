package metrics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/domain"
)

// DailyPoint is the per-UTC-day fold of a ledger slice.
type DailyPoint struct {
	Date                   time.Time       `json:"date"` // midnight UTC
	Turnover               decimal.Decimal `json:"turnover"`
	Trades                 int             `json:"trades"`
	NetAfterFees           decimal.Decimal `json:"net_after_fees"`
	NetAfterFeesAndFunding decimal.Decimal `json:"net_after_fees_and_funding"`
}

// Day formats the point date as YYYY-MM-DD.
func (p DailyPoint) Day() string {
	return p.Date.Format(time.DateOnly)
}

// DailySeries folds fills and cashflows into UTC calendar day buckets,
// ordered by date ASC. Only days with at least one row are present.
func DailySeries(fills []*domain.Fill, flows []*domain.Cashflow) []DailyPoint {
	days := make(map[int64]*DailyPoint)
	bucket := func(ts int64) *DailyPoint {
		d := utcDay(ts)
		p, ok := days[d.Unix()]
		if !ok {
			p = &DailyPoint{Date: d}
			days[d.Unix()] = p
		}
		return p
	}

	for _, f := range fills {
		p := bucket(f.TimestampMs)
		fee := f.Fee.Abs()
		p.Turnover = p.Turnover.Add(f.Notional)
		p.Trades++
		p.NetAfterFees = p.NetAfterFees.Sub(fee)
		p.NetAfterFeesAndFunding = p.NetAfterFeesAndFunding.Sub(fee)
	}

	for _, cf := range flows {
		p := bucket(cf.TimestampMs)
		switch cf.Type {
		case domain.CashflowFunding:
			p.NetAfterFeesAndFunding = p.NetAfterFeesAndFunding.Add(cf.Amount)
		case domain.CashflowCommission, domain.CashflowBorrowInterest:
			cost := cf.Amount.Abs()
			p.NetAfterFees = p.NetAfterFees.Sub(cost)
			p.NetAfterFeesAndFunding = p.NetAfterFeesAndFunding.Sub(cost)
		default:
			p.NetAfterFees = p.NetAfterFees.Add(cf.Amount)
			p.NetAfterFeesAndFunding = p.NetAfterFeesAndFunding.Add(cf.Amount)
		}
	}

	out := make([]DailyPoint, 0, len(days))
	for _, p := range days {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

// NetAfterFees extracts the net_after_fees column of a daily series.
func NetAfterFees(series []DailyPoint) []decimal.Decimal {
	out := make([]decimal.Decimal, len(series))
	for i, p := range series {
		out[i] = p.NetAfterFees
	}
	return out
}

// NetAfterFeesAndFunding extracts the net_after_fees_and_funding column.
func NetAfterFeesAndFunding(series []DailyPoint) []decimal.Decimal {
	out := make([]decimal.Decimal, len(series))
	for i, p := range series {
		out[i] = p.NetAfterFeesAndFunding
	}
	return out
}

// MaxDrawdown returns the largest peak-to-trough decline of the cumulative
// sum of values, as a non-negative magnitude. The peak starts at zero so a
// series that only loses still reports its full decline.
func MaxDrawdown(values []decimal.Decimal) decimal.Decimal {
	peak := decimal.Zero
	cumulative := decimal.Zero
	maxDD := decimal.Zero
	for _, v := range values {
		cumulative = cumulative.Add(v)
		if cumulative.GreaterThan(peak) {
			peak = cumulative
		}
		if dd := peak.Sub(cumulative); dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}

// EquityDrawdown is MaxDrawdown with the peak taken from the equity curve
// itself: an opening loss is not a drawdown until equity falls below
// its first value.
func EquityDrawdown(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	cumulative := values[0]
	peak := cumulative
	maxDD := decimal.Zero
	for _, v := range values[1:] {
		cumulative = cumulative.Add(v)
		if cumulative.GreaterThan(peak) {
			peak = cumulative
		}
		if dd := peak.Sub(cumulative); dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}

func utcDay(ms int64) time.Time {
	t := time.UnixMilli(ms).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
