package domain

import "strings"

// MarketState is a composite regime key "trend|vol|oi".
type MarketState string

// NewMarketState joins the three labels into a state key.
func NewMarketState(trend, vol, oi string) MarketState {
	return MarketState(trend + "|" + vol + "|" + oi)
}

// Parts splits the key back into trend, vol and oi labels.
func (s MarketState) Parts() (trend, vol, oi string) {
	parts := strings.SplitN(string(s), "|", 3)
	for len(parts) < 3 {
		parts = append(parts, BucketNA)
	}
	return parts[0], parts[1], parts[2]
}

// String returns the string representation of MarketState.
func (s MarketState) String() string {
	return string(s)
}

// Constraints is the deterministic trading constraint set of a market state.
type Constraints struct {
	MaxLeverage          int   `json:"max_leverage"`
	MaxTrades2h          int   `json:"max_trades_2h"`
	MaxHoldingSeconds    int64 `json:"max_holding_seconds"`
	MaxPositionAdds      int   `json:"max_position_adds"`
	AllowAggressiveTaker bool  `json:"allow_aggressive_taker"`
}
