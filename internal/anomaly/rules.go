package anomaly

import (
	"sort"

	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/metrics"
)

func feeEatsProfit(in input) (domain.Anomaly, bool) {
	gross := decimal.Max(in.summary.RealizedPnl, decimal.Zero)
	fees := in.summary.TradingFees
	if !gross.IsPositive() || !fees.GreaterThan(gross.Mul(feeShareOfGross)) {
		return domain.Anomaly{}, false
	}
	return domain.Anomaly{
		Code:     domain.AnomalyFeeEatsProfit,
		Severity: domain.SeverityHigh,
		Window:   in.window,
		Evidence: map[string]any{"trading_fees": fees, "gross_profit": gross},
		Impact:   map[string]any{"amount": fees, "share_of_cost": feeShareOfGross.InexactFloat64()},
	}, true
}

func fundingDrag(in input) (domain.Anomaly, bool) {
	funding := in.summary.FundingPnl
	if !funding.IsNegative() || in.summary.FundingIntensityBps <= fundingDragBps {
		return domain.Anomaly{}, false
	}
	return domain.Anomaly{
		Code:     domain.AnomalyFundingDrag,
		Severity: domain.SeverityMedium,
		Window:   in.window,
		Evidence: map[string]any{"funding_pnl": funding, "funding_bps": in.summary.FundingIntensityBps},
		Impact:   map[string]any{"amount": funding, "share_of_cost": 0.2},
	}, true
}

func tailLossDominates(in input) (domain.Anomaly, bool) {
	if len(in.daily) == 0 {
		return domain.Anomaly{}, false
	}
	mdd := metrics.MaxDrawdown(metrics.NetAfterFees(in.daily))
	if !mdd.IsPositive() {
		return domain.Anomaly{}, false
	}

	worst := make([]metrics.DailyPoint, len(in.daily))
	copy(worst, in.daily)
	sort.SliceStable(worst, func(i, j int) bool {
		return worst[i].NetAfterFees.LessThan(worst[j].NetAfterFees)
	})
	if len(worst) > tailLossDays {
		worst = worst[:tailLossDays]
	}
	tail := decimal.Zero
	for _, p := range worst {
		tail = tail.Add(p.NetAfterFees.Abs())
	}

	share := tail.Div(mdd)
	if !share.GreaterThan(tailShareOfDrawdown) {
		return domain.Anomaly{}, false
	}
	return domain.Anomaly{
		Code:     domain.AnomalyTailLossDominates,
		Severity: domain.SeverityMedium,
		Window:   in.window,
		Evidence: map[string]any{"top3_loss": tail, "mdd": mdd},
		Impact:   map[string]any{"amount": tail, "share_of_drawdown": share.InexactFloat64()},
	}, true
}

// overtradingNoEdge splits active days into two count-based halves.
func overtradingNoEdge(in input) (domain.Anomaly, bool) {
	if len(in.daily) < minOvertradingDays {
		return domain.Anomaly{}, false
	}
	mid := len(in.daily) / 2
	first, second := in.daily[:mid], in.daily[mid:]

	firstTurnover, firstNet := totals(first)
	secondTurnover, secondNet := totals(second)

	if !firstTurnover.IsPositive() {
		return domain.Anomaly{}, false
	}
	if !secondTurnover.Div(firstTurnover).GreaterThan(overtradingTurnover) || !secondNet.LessThan(firstNet) {
		return domain.Anomaly{}, false
	}
	delta := secondNet.Sub(firstNet)
	return domain.Anomaly{
		Code:     domain.AnomalyOvertradingNoEdge,
		Severity: domain.SeverityMedium,
		Window: domain.Window{
			Start: dayWindow(second[0]).Start,
			End:   dayWindow(second[len(second)-1]).End,
		},
		Evidence: map[string]any{"turnover_up": secondTurnover, "net_down": delta},
		Impact:   map[string]any{"amount": delta, "share_of_cost": 0.1},
	}, true
}

// revengeCluster looks at the calendar day right after the worst day.
func revengeCluster(in input) (domain.Anomaly, bool) {
	if len(in.daily) < minRevengeDays {
		return domain.Anomaly{}, false
	}

	worstIdx := 0
	for i, p := range in.daily {
		if p.NetAfterFees.LessThan(in.daily[worstIdx].NetAfterFees) {
			worstIdx = i
		}
	}
	worst := in.daily[worstIdx]
	if worstIdx >= len(in.daily)-1 || !worst.NetAfterFees.IsNegative() {
		return domain.Anomaly{}, false
	}
	next := in.daily[worstIdx+1]
	if !next.Date.Equal(worst.Date.AddDate(0, 0, 1)) {
		return domain.Anomaly{}, false
	}

	trades := make([]int, len(in.daily))
	for i, p := range in.daily {
		trades[i] = p.Trades
	}
	sort.Ints(trades)
	median := trades[len(trades)/2]

	limit := 2 * median
	if limit < 1 {
		limit = 1
	}
	if next.Trades <= limit {
		return domain.Anomaly{}, false
	}
	return domain.Anomaly{
		Code:     domain.AnomalyRevengeCluster,
		Severity: domain.SeverityLow,
		Window:   dayWindow(next),
		Evidence: map[string]any{"next_day_trades": next.Trades, "median_trades": median},
		Impact:   map[string]any{"amount": next.NetAfterFees, "share_of_cost": 0.05},
	}, true
}

// concentrationRisk compares signed per-symbol cashflow sums.
func concentrationRisk(in input) (domain.Anomaly, bool) {
	bySymbol := make(map[string]decimal.Decimal)
	for _, cf := range in.flows {
		if cf.Symbol == "" {
			continue
		}
		bySymbol[cf.Symbol] = bySymbol[cf.Symbol].Add(cf.Amount)
	}
	if len(bySymbol) == 0 {
		return domain.Anomaly{}, false
	}

	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	total := decimal.Zero
	top := symbols[0]
	for _, s := range symbols {
		amount := bySymbol[s]
		total = total.Add(amount.Abs())
		if amount.Abs().GreaterThan(bySymbol[top].Abs()) {
			top = s
		}
	}
	if !total.IsPositive() {
		return domain.Anomaly{}, false
	}
	share := bySymbol[top].Abs().Div(total)
	if !share.GreaterThan(concentrationShare) {
		return domain.Anomaly{}, false
	}
	return domain.Anomaly{
		Code:     domain.AnomalyConcentrationRisk,
		Severity: domain.SeverityLow,
		Window:   in.window,
		Evidence: map[string]any{"symbol": top, "share": share.InexactFloat64()},
		Impact:   map[string]any{"amount": bySymbol[top], "share_of_drawdown": share.InexactFloat64()},
	}, true
}

func totals(points []metrics.DailyPoint) (turnover, net decimal.Decimal) {
	for _, p := range points {
		turnover = turnover.Add(p.Turnover)
		net = net.Add(p.NetAfterFees)
	}
	return turnover, net
}
