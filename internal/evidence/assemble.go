package evidence

import (
	"sort"

	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/metrics"
)

const rankedRegimes = 3

var bps = decimal.NewFromInt(10_000)

// tailQuantile is the quantile reported as a regime's tail loss.
var tailQuantile = decimal.RequireFromString("0.05")

// AccountSummaryOf aggregates all facts.
func AccountSummaryOf(facts []*domain.TradeFact) domain.AccountSummary {
	s := domain.AccountSummary{Trades: len(facts)}
	for _, f := range facts {
		s.NetChange = s.NetChange.Add(f.PnlNet)
		s.Fees = s.Fees.Add(f.Fee)
		s.Funding = s.Funding.Add(f.Funding)
		s.Turnover = s.Turnover.Add(f.Turnover)
	}
	if s.Turnover.IsPositive() {
		s.FeeBps = s.Fees.Div(s.Turnover).Mul(bps).InexactFloat64()
	}
	return s
}

// RegimeStatsOf returns the share of facts per label.
func RegimeStatsOf(facts []*domain.TradeFact) *domain.RegimeStats {
	return &domain.RegimeStats{
		TrendBucket: shares(facts, func(f *domain.TradeFact) string { return f.TrendBucket }),
		VolBucket:   shares(facts, func(f *domain.TradeFact) string { return f.VolBucket }),
		OIQuadrant:  shares(facts, func(f *domain.TradeFact) string { return f.OIQuadrant }),
		MarketState: shares(facts, func(f *domain.TradeFact) string { return f.MarketState.String() }),
	}
}

func shares(facts []*domain.TradeFact, label func(*domain.TradeFact) string) map[string]float64 {
	out := make(map[string]float64)
	if len(facts) == 0 {
		return out
	}
	counts := make(map[string]int)
	for _, f := range facts {
		counts[label(f)]++
	}
	for k, n := range counts {
		out[k] = float64(n) / float64(len(facts))
	}
	return out
}

// RankRegimes computes per-state performance ordered by expectancy DESC.
// Ties order by state key.
func RankRegimes(facts []*domain.TradeFact) []domain.RegimeRow {
	groups := make(map[domain.MarketState][]*domain.TradeFact)
	for _, f := range facts {
		groups[f.MarketState] = append(groups[f.MarketState], f)
	}

	rows := make([]domain.RegimeRow, 0, len(groups))
	for state, group := range groups {
		rows = append(rows, regimeRow(state, group))
	}
	sort.Slice(rows, func(i, j int) bool {
		if c := rows[i].ExpectancyNet.Cmp(rows[j].ExpectancyNet); c != 0 {
			return c > 0
		}
		return rows[i].MarketState < rows[j].MarketState
	})
	return rows
}

// PerformanceOf surfaces the top and bottom ranked states. Bottom is
// ordered by expectancy ASC.
func PerformanceOf(ranked []domain.RegimeRow) *domain.RegimePerformance {
	p := &domain.RegimePerformance{Top: []domain.RegimeRow{}, Bottom: []domain.RegimeRow{}}
	if len(ranked) == 0 {
		return p
	}
	p.Top = append(p.Top, ranked[:min(rankedRegimes, len(ranked))]...)
	for i := len(ranked) - 1; i >= 0 && len(p.Bottom) < rankedRegimes; i-- {
		p.Bottom = append(p.Bottom, ranked[i])
	}
	return p
}

func regimeRow(state domain.MarketState, group []*domain.TradeFact) domain.RegimeRow {
	n := len(group)
	pnl := make([]decimal.Decimal, n)
	total := decimal.Zero
	gains := decimal.Zero
	losses := decimal.Zero
	wins := 0
	feeBps := 0.0
	for i, f := range group {
		pnl[i] = f.PnlNet
		total = total.Add(f.PnlNet)
		switch {
		case f.PnlNet.IsPositive():
			wins++
			gains = gains.Add(f.PnlNet)
		case f.PnlNet.IsNegative():
			losses = losses.Sub(f.PnlNet)
		}
		feeBps += f.FeeBps
	}

	row := domain.RegimeRow{
		MarketState:   state,
		ExpectancyNet: total.Div(decimal.NewFromInt(int64(n))),
		WinRateNet:    float64(wins) / float64(n),
		TailLoss:      quantile(pnl, tailQuantile),
		FeeBps:        feeBps / float64(n),
		Trades:        n,
	}
	switch {
	case losses.IsPositive():
		pf := gains.Div(losses).InexactFloat64()
		row.PfNet = &pf
	case !gains.IsPositive():
		zero := 0.0
		row.PfNet = &zero
	}
	return row
}

// quantile interpolates linearly between closest ranks.
func quantile(values []decimal.Decimal, q decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sorted := append([]decimal.Decimal(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	pos := q.Mul(decimal.NewFromInt(int64(len(sorted) - 1)))
	lo := int(pos.Floor().IntPart())
	hi := min(lo+1, len(sorted)-1)
	frac := pos.Sub(pos.Floor())
	return sorted[lo].Add(sorted[hi].Sub(sorted[lo]).Mul(frac))
}

// BehaviorFlagsOf averages behavior scores over all facts.
func BehaviorFlagsOf(facts []*domain.TradeFact) domain.BehaviorFlags {
	var flags domain.BehaviorFlags
	if len(facts) == 0 {
		return flags
	}
	var bigLoss, accel, cluster, spike float64
	for _, f := range facts {
		if f.AfterBigLoss {
			bigLoss++
		}
		if f.TakerShareSpike {
			spike++
		}
		accel += f.TradeAcceleration
		cluster += f.TradeClustering
	}
	n := float64(len(facts))
	flags.AfterBigLossAcceleration.TriggerRatio = bigLoss / n
	flags.AfterBigLossAcceleration.AvgAccelRatio = accel / n
	flags.TradeClustering.ClusterScoreAvg = cluster / n
	flags.TakerShareSpike.SpikeRatio = spike / n
	return flags
}

// CounterfactualOf recomputes net P&L and drawdown without the bottom
// states and with only the top states.
func CounterfactualOf(facts []*domain.TradeFact, perf *domain.RegimePerformance) *domain.Counterfactual {
	top := stateSet(perf.Top)
	bottom := stateSet(perf.Bottom)

	all := byCloseTime(facts)
	var excludeBottom, onlyTop []*domain.TradeFact
	for _, f := range all {
		if _, ok := bottom[f.MarketState]; !ok {
			excludeBottom = append(excludeBottom, f)
		}
		if _, ok := top[f.MarketState]; ok {
			onlyTop = append(onlyTop, f)
		}
	}

	netAll, mddAll := netAndDrawdown(all)
	netExcl, mddExcl := netAndDrawdown(excludeBottom)
	netTop, mddTop := netAndDrawdown(onlyTop)
	return &domain.Counterfactual{
		NetChangeAll:           netAll,
		NetChangeExcludeBottom: netExcl,
		NetChangeOnlyTop:       netTop,
		MddAll:                 mddAll,
		MddExcludeBottom:       mddExcl,
		MddOnlyTop:             mddTop,
	}
}

func stateSet(rows []domain.RegimeRow) map[domain.MarketState]struct{} {
	out := make(map[domain.MarketState]struct{}, len(rows))
	for _, r := range rows {
		out[r.MarketState] = struct{}{}
	}
	return out
}

func byCloseTime(facts []*domain.TradeFact) []*domain.TradeFact {
	out := append([]*domain.TradeFact(nil), facts...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CloseTimeMs < out[j].CloseTimeMs })
	return out
}

func netAndDrawdown(facts []*domain.TradeFact) (decimal.Decimal, decimal.Decimal) {
	pnl := make([]decimal.Decimal, len(facts))
	net := decimal.Zero
	for i, f := range facts {
		pnl[i] = f.PnlNet
		net = net.Add(f.PnlNet)
	}
	return net, metrics.EquityDrawdown(pnl)
}
