// Package statemachine maps market states to deterministic trading constraints.
package statemachine

import (
	"strings"

	"trade-evidence-lab/internal/domain"
)

// Version of the constraint table.
const Version = domain.StateMachineVersion

const hour = int64(60 * 60)

// Key joins the three labels into a market state key. Empty labels become na.
func Key(trend, vol, oi string) domain.MarketState {
	return domain.NewMarketState(orNA(trend), orNA(vol), orNA(oi))
}

// Constraints returns the constraint set of a state.
// Vol sets leverage, trade budget and taker permission; falling OI lowers
// leverage by one (floor 1); trend sets holding time and adds.
func Constraints(trend, vol, oi string) domain.Constraints {
	var c domain.Constraints
	switch vol {
	case domain.VolBucketHigh:
		c.MaxLeverage, c.MaxTrades2h, c.AllowAggressiveTaker = 1, 3, false
	case domain.VolBucketMid:
		c.MaxLeverage, c.MaxTrades2h, c.AllowAggressiveTaker = 2, 6, true
	case domain.VolBucketLow:
		c.MaxLeverage, c.MaxTrades2h, c.AllowAggressiveTaker = 3, 10, true
	default:
		c.MaxLeverage, c.MaxTrades2h, c.AllowAggressiveTaker = 2, 5, false
	}

	if strings.Contains(oi, "oi_down") {
		c.MaxLeverage = max(1, c.MaxLeverage-1)
	}

	switch trend {
	case domain.TrendBucketTrend:
		c.MaxHoldingSeconds, c.MaxPositionAdds = 4*hour, 3
	case domain.TrendBucketRange:
		c.MaxHoldingSeconds, c.MaxPositionAdds = hour, 1
	default:
		c.MaxHoldingSeconds, c.MaxPositionAdds = 2*hour, 2
	}
	return c
}

// Apply sets MarketState and Constraints on every fact from its composite labels.
func Apply(facts []*domain.TradeFact) {
	for _, f := range facts {
		f.MarketState = Key(f.TrendBucket, f.VolBucket, f.OIQuadrant)
		trend, vol, oi := f.MarketState.Parts()
		f.Constraints = Constraints(trend, vol, oi)
	}
}

// Summary returns the constraints of every state observed in facts.
func Summary(facts []*domain.TradeFact) map[domain.MarketState]domain.Constraints {
	out := make(map[domain.MarketState]domain.Constraints)
	for _, f := range facts {
		if _, ok := out[f.MarketState]; ok {
			continue
		}
		trend, vol, oi := f.MarketState.Parts()
		out[f.MarketState] = Constraints(trend, vol, oi)
	}
	return out
}

// Table wraps Summary with the table version.
func Table(facts []*domain.TradeFact) *domain.StateMachineTable {
	return &domain.StateMachineTable{Version: Version, ConstraintsByState: Summary(facts)}
}

func orNA(s string) string {
	if s == "" {
		return domain.BucketNA
	}
	return s
}
