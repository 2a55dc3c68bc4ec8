// Package anomaly evaluates independent cost and behavior rules over a
// ledger slice. Rules share the metrics summary and the daily series and
// never depend on each other.
package anomaly

import (
	"time"

	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/metrics"
)

// Rule thresholds.
var (
	feeShareOfGross     = decimal.RequireFromString("0.3")
	fundingDragBps      = 5.0
	tailShareOfDrawdown = decimal.RequireFromString("0.5")
	overtradingTurnover = decimal.RequireFromString("1.5")
	concentrationShare  = decimal.RequireFromString("0.7")
	minOvertradingDays  = 8
	minRevengeDays      = 3
	tailLossDays        = 3
)

// input is what every rule sees.
type input struct {
	summary metrics.Summary
	daily   []metrics.DailyPoint
	flows   []*domain.Cashflow
	window  domain.Window
}

type rule func(in input) (domain.Anomaly, bool)

var rules = []rule{
	feeEatsProfit,
	fundingDrag,
	tailLossDominates,
	overtradingNoEdge,
	revengeCluster,
	concentrationRisk,
}

// Detect evaluates all rules and returns the triggered anomalies in rule order.
// Returns an empty slice, never nil.
func Detect(fills []*domain.Fill, flows []*domain.Cashflow) []domain.Anomaly {
	in := input{
		summary: metrics.Compute(fills, flows, ""),
		daily:   metrics.DailySeries(fills, flows),
		flows:   flows,
		window:  periodWindow(fills, flows),
	}

	out := []domain.Anomaly{}
	for _, r := range rules {
		if a, ok := r(in); ok {
			out = append(out, a)
		}
	}
	return out
}

// Summarize counts anomalies by code.
func Summarize(items []domain.Anomaly) domain.AnomalySummary {
	s := domain.AnomalySummary{
		Total:  len(items),
		ByCode: make(map[string]int),
		Items:  items,
	}
	for _, a := range items {
		s.ByCode[string(a.Code)]++
	}
	return s
}

// periodWindow spans the earliest to the latest ledger row.
func periodWindow(fills []*domain.Fill, flows []*domain.Cashflow) domain.Window {
	var lo, hi int64
	seen := false
	observe := func(ts int64) {
		if !seen || ts < lo {
			lo = ts
		}
		if !seen || ts > hi {
			hi = ts
		}
		seen = true
	}
	for _, f := range fills {
		observe(f.TimestampMs)
	}
	for _, cf := range flows {
		observe(cf.TimestampMs)
	}
	if !seen {
		return domain.Window{}
	}
	return domain.Window{Start: isoMs(lo), End: isoMs(hi)}
}

func isoMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func dayWindow(p metrics.DailyPoint) domain.Window {
	day := p.Date.UTC().Format(time.RFC3339)
	return domain.Window{Start: day, End: day}
}
