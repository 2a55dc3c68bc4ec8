package attribution

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/features"
)

var bps = decimal.NewFromInt(10_000)

// MarketSource returns market series covering a window, fetching missing
// ranges where it can. Partial data may be returned with an error.
type MarketSource interface {
	EnsureSeries(ctx context.Context, kind domain.SeriesKind, symbol, interval string, start, end int64) ([]*domain.SeriesPoint, error)
}

// Joiner builds trade facts from ledger events.
type Joiner struct {
	market        MarketSource
	enableOI      bool
	lossThreshold decimal.Decimal
	logger        zerolog.Logger
}

// JoinerOptions contains configuration for creating a Joiner.
type JoinerOptions struct {
	Market        MarketSource // nil disables the market join
	EnableOI      bool
	LossThreshold *decimal.Decimal // default -100
	Logger        *zerolog.Logger
}

// NewJoiner creates a joiner.
func NewJoiner(opts JoinerOptions) *Joiner {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	threshold := features.DefaultLossThreshold
	if opts.LossThreshold != nil {
		threshold = *opts.LossThreshold
	}
	return &Joiner{
		market:        opts.Market,
		enableOI:      opts.EnableOI,
		lossThreshold: threshold,
		logger:        logger,
	}
}

// JoinStats reports data-quality facts of a join.
type JoinStats struct {
	Closes                int
	UnattributedFunding   decimal.Decimal
	FundingAfterLastClose bool
	OISampled             bool

	// OpenTimeInferred counts closes left without a matched open.
	OpenTimeInferred int

	// MarketAvailable is set when the state-driving window joined for at
	// least one symbol.
	MarketAvailable bool

	// MissingWindows lists "SYMBOL:window" pairs that had no kline features.
	MissingWindows []string
}

// Build produces one fact per close within [start, end], ordered by close time.
// When no trade carries an open/close tag every trade is a close and no
// pairing is attempted. Empty input yields no facts.
func (j *Joiner) Build(ctx context.Context, events []Event, start, end int64, includeMarket bool) ([]*domain.TradeFact, JoinStats, error) {
	stats := JoinStats{UnattributedFunding: decimal.Zero}

	ordered := append([]Event(nil), events...)
	sort.SliceStable(ordered, func(i, k int) bool { return ordered[i].TimestampMs < ordered[k].TimestampMs })

	tagged := false
	for _, ev := range ordered {
		if ev.Type == EventTrade && ev.Effect != domain.EffectUnknown {
			tagged = true
			break
		}
	}

	matcher := NewMatcher()
	var facts []*domain.TradeFact
	var settlements []Event
	for _, ev := range ordered {
		switch ev.Type {
		case EventSettlement:
			if ev.TimestampMs <= end {
				settlements = append(settlements, ev)
			}
			continue
		case EventTrade:
		default:
			continue
		}

		if tagged && ev.Effect == domain.EffectOpen {
			matcher.Push(ev.Symbol, ev.Direction, ev.TimestampMs)
			continue
		}
		if tagged && ev.Effect != domain.EffectClose {
			continue
		}

		var openTs *int64
		if tagged {
			if ts, ok := matcher.Pop(ev.Symbol, ev.Direction); ok {
				openTs = &ts
			}
		}
		if ev.TimestampMs < start || ev.TimestampMs > end {
			continue
		}
		facts = append(facts, newFact(ev, openTs))
	}

	stats.Closes = len(facts)
	if len(facts) == 0 {
		return []*domain.TradeFact{}, stats, nil
	}
	for _, f := range facts {
		if f.OpenTimeMs == nil {
			stats.OpenTimeInferred++
		}
	}

	funding := AttributeFunding(facts, settlements, start)
	stats.UnattributedFunding = funding.Unattributed
	stats.FundingAfterLastClose = funding.AfterLastClose
	for _, f := range facts {
		f.PnlGross = f.PnlNet.Add(f.Fee).Add(f.Funding)
	}

	if includeMarket && j.market != nil {
		res, err := j.joinMarket(ctx, facts, start, end)
		if err != nil {
			return nil, stats, err
		}
		stats.MarketAvailable = res.available
		stats.OISampled = res.oiSampled
		stats.MissingWindows = res.missing
	} else {
		for _, f := range facts {
			setNoMarket(f)
		}
	}

	facts = features.BuildBehaviorFeatures(facts, j.lossThreshold)
	return facts, stats, nil
}

func newFact(ev Event, openTs *int64) *domain.TradeFact {
	fee := ev.Fee.Abs()
	turnover := ev.Qty.Mul(ev.Price)
	feeBps := 0.0
	if turnover.IsPositive() {
		feeBps = fee.Div(turnover).Mul(bps).InexactFloat64()
	}
	taker := fee.IsPositive()
	if ev.IsMaker != nil {
		taker = !*ev.IsMaker
	}

	f := &domain.TradeFact{
		CloseTimeMs: ev.TimestampMs,
		Symbol:      ev.Symbol,
		Direction:   ev.Direction,
		OpenTimeMs:  openTs,
		Qty:         ev.Qty,
		Price:       ev.Price,
		Turnover:    turnover,
		Fee:         fee,
		PnlNet:      ev.Change,
		Funding:     decimal.Zero,
		FeeBps:      feeBps,
		TakerProxy:  taker,
	}
	if openTs != nil {
		hold := (ev.TimestampMs - *openTs) / 1000
		f.HoldingSeconds = &hold
	}
	return f
}

func setNoMarket(f *domain.TradeFact) {
	f.VolBucket30m, f.VolBucket2h, f.VolBucket24h = domain.BucketNA, domain.BucketNA, domain.BucketNA
	f.OIProxy30m, f.OIProxy2h, f.OIProxy24h = domain.BucketNA, domain.BucketNA, domain.BucketNA
	f.FundingBucket30m, f.FundingBucket2h, f.FundingBucket24h = domain.BucketNA, domain.BucketNA, domain.BucketNA
	f.TrendBucket, f.VolBucket, f.OIQuadrant = domain.BucketNA, domain.BucketNA, domain.BucketNA
}
