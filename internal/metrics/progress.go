package metrics

import (
	"time"

	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/domain"
)

// Progress statuses.
const (
	StatusInsufficientData = "insufficient_data"
	StatusImproved         = "improved"
	StatusDeteriorated     = "deteriorated"
	StatusFlat             = "flat"
)

// MinMonthlyTrades is the trade count the latest month needs before
// month-over-month signals are trusted.
const MinMonthlyTrades = 200

// MonthlySummary is the metrics of one UTC calendar month.
type MonthlySummary struct {
	Month       string          `json:"month"` // YYYY-MM
	Metrics     Summary         `json:"metrics"`
	MaxDrawdown decimal.Decimal `json:"max_drawdown"`
}

// MonthlyAggregate groups the ledger by UTC month and computes metrics and
// the drawdown of daily net_after_fees_and_funding per month, ordered by month.
func MonthlyAggregate(fills []*domain.Fill, flows []*domain.Cashflow, baseCurrency string) []MonthlySummary {
	fillsByMonth := make(map[string][]*domain.Fill)
	flowsByMonth := make(map[string][]*domain.Cashflow)
	months := make(map[string]struct{})

	for _, f := range fills {
		m := utcMonth(f.TimestampMs)
		fillsByMonth[m] = append(fillsByMonth[m], f)
		months[m] = struct{}{}
	}
	for _, cf := range flows {
		m := utcMonth(cf.TimestampMs)
		flowsByMonth[m] = append(flowsByMonth[m], cf)
		months[m] = struct{}{}
	}

	keys := sortedKeys(months)
	out := make([]MonthlySummary, 0, len(keys))
	for _, m := range keys {
		daily := DailySeries(fillsByMonth[m], flowsByMonth[m])
		out = append(out, MonthlySummary{
			Month:       m,
			Metrics:     Compute(fillsByMonth[m], flowsByMonth[m], baseCurrency),
			MaxDrawdown: MaxDrawdown(NetAfterFeesAndFunding(daily)),
		})
	}
	return out
}

// Progress is the month-over-month verdict.
type Progress struct {
	Status         string   `json:"status"`
	Improvements   []string `json:"improvements,omitempty"`
	Deteriorations []string `json:"deteriorations,omitempty"`
	LastMonth      string   `json:"last_month,omitempty"`
	PrevMonth      string   `json:"prev_month,omitempty"`
}

// DetectProgress compares the last two months. Signals count only when the
// last month has at least MinMonthlyTrades trades. Any improvement yields
// improved; two or more deteriorations override it.
func DetectProgress(monthly []MonthlySummary) Progress {
	if len(monthly) < 2 {
		return Progress{Status: StatusInsufficientData}
	}
	last := monthly[len(monthly)-1]
	prev := monthly[len(monthly)-2]

	p := Progress{
		Status:         StatusFlat,
		Improvements:   []string{},
		Deteriorations: []string{},
		LastMonth:      last.Month,
		PrevMonth:      prev.Month,
	}
	if last.Metrics.Trades < MinMonthlyTrades {
		return p
	}

	feeDown := last.Metrics.FeeRateBps < prev.Metrics.FeeRateBps
	feeUp := last.Metrics.FeeRateBps > prev.Metrics.FeeRateBps
	mddDown := last.MaxDrawdown.LessThan(prev.MaxDrawdown)
	mddUp := last.MaxDrawdown.GreaterThan(prev.MaxDrawdown)

	if feeDown {
		p.Improvements = append(p.Improvements, "fee_bps_down")
	}
	if mddDown {
		p.Improvements = append(p.Improvements, "mdd_down")
	}
	if last.Metrics.NetAfterFees.GreaterThan(prev.Metrics.NetAfterFees) {
		p.Improvements = append(p.Improvements, "expectancy_up")
	}
	if mddUp && feeUp {
		p.Deteriorations = append(p.Deteriorations, "mdd_up_fee_bps_up")
	}
	if last.Metrics.FundingIntensityBps > prev.Metrics.FundingIntensityBps {
		p.Deteriorations = append(p.Deteriorations, "funding_intensity_up")
	}

	if len(p.Improvements) > 0 {
		p.Status = StatusImproved
	}
	if len(p.Deteriorations) >= 2 {
		p.Status = StatusDeteriorated
	}
	return p
}

// Rolling compares net_after_fees of the latest window of active days
// against the window before it.
type Rolling struct {
	WindowDays int              `json:"window_days"`
	Status     string           `json:"status"`
	Recent     *decimal.Decimal `json:"recent,omitempty"`
	Previous   *decimal.Decimal `json:"previous,omitempty"`
}

// RollingCompare needs at least 2*windowDays active days. Windows count
// days present in the daily series, not calendar days.
func RollingCompare(fills []*domain.Fill, flows []*domain.Cashflow, windowDays int) Rolling {
	r := Rolling{WindowDays: windowDays, Status: StatusInsufficientData}
	daily := DailySeries(fills, flows)
	if windowDays <= 0 || len(daily) < 2*windowDays {
		return r
	}

	n := len(daily)
	recent := sumNet(daily[n-windowDays:])
	previous := sumNet(daily[n-2*windowDays : n-windowDays])
	r.Recent = &recent
	r.Previous = &previous

	switch recent.Cmp(previous) {
	case 1:
		r.Status = StatusImproved
	case -1:
		r.Status = StatusDeteriorated
	default:
		r.Status = StatusFlat
	}
	return r
}

func sumNet(points []DailyPoint) decimal.Decimal {
	total := decimal.Zero
	for _, p := range points {
		total = total.Add(p.NetAfterFees)
	}
	return total
}

func utcMonth(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01")
}
