package features

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/domain"
)

// DefaultLossThreshold marks a close as a big loss when pnl_net is below it.
var DefaultLossThreshold = decimal.NewFromInt(-100)

const (
	window10m = int64(10 * time.Minute / time.Millisecond)
	window2h  = int64(2 * time.Hour / time.Millisecond)
	window24h = int64(24 * time.Hour / time.Millisecond)

	recentTakerRows   = 20
	baselineTakerRows = 100
	takerSpikeDelta   = 0.2
)

// BuildBehaviorFeatures sorts facts by close time and sets the behavior
// scores of each fact from strictly earlier closes only. Facts are modified
// in place; the sorted slice is returned.
func BuildBehaviorFeatures(facts []*domain.TradeFact, lossThreshold decimal.Decimal) []*domain.TradeFact {
	if len(facts) == 0 {
		return facts
	}
	sort.SliceStable(facts, func(i, j int) bool { return facts[i].CloseTimeMs < facts[j].CloseTimeMs })

	taker := make([]float64, len(facts))
	for i, f := range facts {
		if f.TakerProxy {
			taker[i] = 1
		}
	}

	for i, f := range facts {
		ts := f.CloseTimeMs
		var c10m, c2h, c24h int
		bigLoss := false
		// Walk back over earlier rows; time masks are [ts-window, ts).
		for j := i - 1; j >= 0; j-- {
			prev := facts[j]
			if prev.CloseTimeMs >= ts {
				continue
			}
			age := ts - prev.CloseTimeMs
			if age > window24h {
				break
			}
			c24h++
			if age <= window2h {
				c2h++
				if prev.PnlNet.LessThan(lossThreshold) {
					bigLoss = true
				}
			}
			if age <= window10m {
				c10m++
			}
		}

		f.AfterBigLoss = bigLoss
		f.TradeAcceleration = round4(float64(c2h) / max(float64(c24h)/12, 1))
		f.TradeClustering = round4(float64(c10m) / max(float64(c24h)/144, 1))

		recent := mean(taker[max(0, i-recentTakerRows):i])
		baseline := mean(taker[max(0, i-baselineTakerRows):i])
		f.RecentTakerShare = recent
		f.TakerShareSpike = recent-baseline > takerSpikeDelta
	}
	return facts
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
