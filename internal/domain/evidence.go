package domain

import "github.com/shopspring/decimal"

// Document versions.
const (
	EvidenceSchemaVersion = "1.2"
	StateMachineVersion   = "1.1"
)

// Data-quality notes.
const (
	NoteRealizedPnlMissing    = "realized_pnl_missing"
	NoteMarketDataMissing     = "market_data_missing"
	NoteMarketDataPartial     = "market_data_partial"
	NoteOpenTimeInferred      = "open_time_inferred"
	NoteOISampled             = "oi_sampled"
	NoteFundingAfterLastClose = "funding_after_last_close"
)

// Evidence is the versioned analytical output of a report run.
// Market-derived sections are nil when market context is unavailable.
type Evidence struct {
	SchemaVersion       string             `json:"schema_version"`
	Meta                EvidenceMeta       `json:"meta"`
	AccountSummary      AccountSummary     `json:"account_summary"`
	MarketRegimeStats   *RegimeStats       `json:"market_regime_stats,omitempty"`
	PerformanceByRegime *RegimePerformance `json:"performance_by_regime,omitempty"`
	BehaviorFlags       BehaviorFlags      `json:"behavior_flags"`
	Anomalies           AnomalySummary     `json:"anomalies"`
	Counterfactual      *Counterfactual    `json:"counterfactual,omitempty"`
	MarketStateMachine  *StateMachineTable `json:"market_state_machine,omitempty"`
	FundingUnattributed decimal.Decimal    `json:"funding_unattributed"`
	Notes               []string           `json:"notes"`
	MarketGaps          []string           `json:"market_gaps,omitempty"` // "SYMBOL:window" or "SYMBOL:kind/interval"
}

// HasNote reports whether the document carries a data-quality note.
func (e *Evidence) HasNote(note string) bool {
	for _, n := range e.Notes {
		if n == note {
			return true
		}
	}
	return false
}

// EvidenceMeta identifies the run and range the document covers.
type EvidenceMeta struct {
	RunID       string        `json:"run_id"`
	GeneratedAt string        `json:"generated_at"`
	Scope       Scope         `json:"scope"`
	Range       EvidenceRange `json:"range"`
}

// EvidenceRange is the report time range.
type EvidenceRange struct {
	Start  string `json:"start"`
	End    string `json:"end"`
	Preset string `json:"preset,omitempty"`
}

// AccountSummary aggregates all facts of the run.
type AccountSummary struct {
	NetChange decimal.Decimal `json:"net_change"`
	Fees      decimal.Decimal `json:"fees"`
	Funding   decimal.Decimal `json:"funding"`
	Turnover  decimal.Decimal `json:"turnover"`
	Trades    int             `json:"trades"`
	FeeBps    float64         `json:"fee_bps"`
}

// RegimeStats holds label share maps over all facts.
type RegimeStats struct {
	TrendBucket map[string]float64 `json:"trend_bucket"`
	VolBucket   map[string]float64 `json:"vol_bucket"`
	OIQuadrant  map[string]float64 `json:"oi_quadrant"`
	MarketState map[string]float64 `json:"market_state"`
}

// RegimePerformance surfaces the best and worst market states by expectancy.
type RegimePerformance struct {
	Top    []RegimeRow `json:"top"`
	Bottom []RegimeRow `json:"bottom"`
}

// RegimeRow is the performance of one market state.
type RegimeRow struct {
	MarketState   MarketState     `json:"market_state"`
	ExpectancyNet decimal.Decimal `json:"expectancy_net"`
	WinRateNet    float64         `json:"win_rate_net"`
	PfNet         *float64        `json:"pf_net"` // nil when there are gains and no losses
	TailLoss      decimal.Decimal `json:"tail_loss"`
	FeeBps        float64         `json:"fee_bps"`
	Trades        int             `json:"trades"`
}

// BehaviorFlags aggregates behavioral scores.
type BehaviorFlags struct {
	AfterBigLossAcceleration AfterBigLossAcceleration `json:"after_big_loss_acceleration"`
	TradeClustering          TradeClusteringFlag      `json:"trade_clustering"`
	TakerShareSpike          TakerShareSpikeFlag      `json:"taker_share_spike"`
}

type AfterBigLossAcceleration struct {
	TriggerRatio  float64 `json:"trigger_ratio"`
	AvgAccelRatio float64 `json:"avg_accel_ratio"`
}

type TradeClusteringFlag struct {
	ClusterScoreAvg float64 `json:"cluster_score_avg"`
}

type TakerShareSpikeFlag struct {
	SpikeRatio float64 `json:"spike_ratio"`
}

// AnomalySummary counts anomalies by code.
type AnomalySummary struct {
	Total  int            `json:"total"`
	ByCode map[string]int `json:"by_code"`
	Items  []Anomaly      `json:"items"`
}

// Counterfactual compares net P&L and drawdown under regime filters.
type Counterfactual struct {
	NetChangeAll           decimal.Decimal `json:"net_change_all"`
	NetChangeExcludeBottom decimal.Decimal `json:"net_change_exclude_bottom"`
	NetChangeOnlyTop       decimal.Decimal `json:"net_change_only_top"`
	MddAll                 decimal.Decimal `json:"mdd_all"`
	MddExcludeBottom       decimal.Decimal `json:"mdd_exclude_bottom"`
	MddOnlyTop             decimal.Decimal `json:"mdd_only_top"`
}

// StateMachineTable maps every observed state to its constraints.
type StateMachineTable struct {
	Version            string                      `json:"version"`
	ConstraintsByState map[MarketState]Constraints `json:"constraints_by_state"`
}
