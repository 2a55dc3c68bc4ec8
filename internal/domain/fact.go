package domain

import "github.com/shopspring/decimal"

// Bucket labels shared by feature builders and the state machine.
const (
	BucketNA = "na"

	TrendBucketTrend = "trend"
	TrendBucketRange = "range"

	VolBucketLow  = "low"
	VolBucketMid  = "mid"
	VolBucketHigh = "high"

	OIUp   = "up"
	OIDown = "down"
	OIFlat = "flat"
)

// TradeFact is one closing trade enriched with its matched open,
// attributed funding and the market and behavior features as of the close.
// One row per close; this is the durable per-run fact table.
type TradeFact struct {
	CloseTimeMs    int64
	Symbol         string
	Direction      Direction
	OpenTimeMs     *int64 // nil when no open was matched
	HoldingSeconds *int64

	Qty      decimal.Decimal
	Price    decimal.Decimal
	Turnover decimal.Decimal
	Fee      decimal.Decimal
	PnlNet   decimal.Decimal
	Funding  decimal.Decimal
	PnlGross decimal.Decimal // pnl_net + fee + funding
	FeeBps   float64

	TakerProxy bool

	// Per lookback window market features.
	TrendScore30m    float64
	TrendScore2h     float64
	TrendScore24h    float64
	VolBucket30m     string
	VolBucket2h      string
	VolBucket24h     string
	OIProxy30m       string
	OIProxy2h        string
	OIProxy24h       string
	FundingBucket30m string
	FundingBucket2h  string
	FundingBucket24h string

	// Composite labels.
	TrendBucket string
	VolBucket   string
	OIQuadrant  string
	MarketState MarketState

	// Behavior scores, computed from strictly earlier closes.
	AfterBigLoss      bool
	TradeAcceleration float64
	TradeClustering   float64
	RecentTakerShare  float64
	TakerShareSpike   bool

	Constraints Constraints
}
