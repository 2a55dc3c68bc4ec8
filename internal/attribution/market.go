package attribution

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/features"
)

// windowLabels receives per-window labels for one fact.
type windowLabels struct {
	trend   *float64
	vol     *string
	oi      *string
	funding *string
}

func labelsFor(f *domain.TradeFact, label string) *windowLabels {
	switch label {
	case "30m":
		return &windowLabels{trend: &f.TrendScore30m, vol: &f.VolBucket30m, oi: &f.OIProxy30m, funding: &f.FundingBucket30m}
	case "2h":
		return &windowLabels{trend: &f.TrendScore2h, vol: &f.VolBucket2h, oi: &f.OIProxy2h, funding: &f.FundingBucket2h}
	default:
		return &windowLabels{trend: &f.TrendScore24h, vol: &f.VolBucket24h, oi: &f.OIProxy24h, funding: &f.FundingBucket24h}
	}
}

// stateWindow drives the composite labels and therefore the market state.
const stateWindow = "24h"

// marketJoin is the data-quality outcome of joinMarket.
type marketJoin struct {
	available bool     // some symbol had state window features
	oiSampled bool
	missing   []string // sorted "SYMBOL:window" pairs without kline features
}

// joinMarket sets market features on facts. A kline feature is joined only
// once its bar has closed at or before the trade close.
func (j *Joiner) joinMarket(ctx context.Context, facts []*domain.TradeFact, start, end int64) (marketJoin, error) {
	var res marketJoin
	bySymbol := make(map[string][]*domain.TradeFact)
	var symbols []string
	for _, f := range facts {
		if _, ok := bySymbol[f.Symbol]; !ok {
			symbols = append(symbols, f.Symbol)
		}
		bySymbol[f.Symbol] = append(bySymbol[f.Symbol], f)
	}

	lookback := domain.LookbackWindows[len(domain.LookbackWindows)-1].Ms
	for _, symbol := range symbols {
		symFacts := bySymbol[symbol]
		times := make([]int64, len(symFacts))
		for i, f := range symFacts {
			times[i] = f.CloseTimeMs
		}

		fundingPts, err := j.series(ctx, domain.SeriesFunding, symbol, "", start-lookback, end)
		if err != nil {
			return marketJoin{}, err
		}
		var oiPts []*domain.SeriesPoint
		if j.enableOI {
			oiPts, err = j.series(ctx, domain.SeriesOpenInterest, symbol, domain.OIPeriod, start-lookback, end)
			if err != nil {
				return marketJoin{}, err
			}
			res.oiSampled = res.oiSampled || len(oiPts) > 0
		}

		for _, w := range domain.LookbackWindows {
			klines, err := j.series(ctx, domain.SeriesKline, symbol, w.Interval, start-w.Ms, end)
			if err != nil {
				return marketJoin{}, err
			}
			feats := features.BuildMarketFeatures(klines, w.Periods)
			if len(feats) == 0 {
				res.missing = append(res.missing, symbol+":"+w.Label)
			} else if w.Label == stateWindow {
				res.available = true
			}
			oi := features.BuildOIProxy(oiPts, times, w.Ms)
			fb := features.BuildFundingBuckets(fundingPts, times, w.Ms)

			for i, f := range symFacts {
				l := labelsFor(f, w.Label)
				*l.oi, *l.funding = oi[i], fb[i]
				if mf, ok := AsOf(f.CloseTimeMs, feats, func(m features.MarketFeature) int64 { return m.CloseTimeMs }); ok {
					*l.trend, *l.vol = mf.TrendScore, mf.VolBucket
				} else {
					*l.trend, *l.vol = 0, domain.BucketNA
				}
			}
		}

		for _, f := range symFacts {
			if f.VolBucket24h == domain.BucketNA {
				f.TrendBucket = domain.BucketNA
			} else {
				f.TrendBucket = features.TrendBucket(f.TrendScore24h)
			}
			f.VolBucket = f.VolBucket24h
			f.OIQuadrant = features.OIQuadrant(f.OIProxy24h, f.TrendScore24h)
		}
	}
	sort.Strings(res.missing)
	return res, nil
}

// series loads one series. Upstream failures degrade to whatever was cached;
// only context errors abort the join.
func (j *Joiner) series(ctx context.Context, kind domain.SeriesKind, symbol, interval string, start, end int64) ([]*domain.SeriesPoint, error) {
	points, err := j.market.EnsureSeries(ctx, kind, symbol, interval, start, end)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("load %s %s %s: %w", kind, symbol, interval, err)
		}
		j.logger.Warn().Err(err).
			Str("symbol", symbol).
			Str("kind", string(kind)).
			Str("interval", interval).
			Int("cached_points", len(points)).
			Msg("market series incomplete, using cached data")
	}
	return points, nil
}
