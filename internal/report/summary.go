package report

import (
	"sort"

	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/metrics"
)

const topSymbolCount = 5

// Summary is the stored JSON summary of a report run.
type Summary struct {
	Scope       SummaryScope      `json:"scope"`
	Baseline    metrics.Summary   `json:"baseline"`
	Period      metrics.Summary   `json:"period"`
	MaxDrawdown DrawdownSummary   `json:"max_drawdown"`
	Progress    metrics.Progress  `json:"progress"`
	Rolling     RollingSummary    `json:"rolling"`
	TopSymbols  []SymbolAmount    `json:"top_symbols"`
	Anomalies   []domain.Anomaly  `json:"anomalies"`
	Artifacts   *ArtifactsSummary `json:"artifacts,omitempty"`
}

// SummaryScope describes what the report covers.
type SummaryScope struct {
	Accounts     []string `json:"accounts"`
	Start        string   `json:"start"`
	End          string   `json:"end"`
	Preset       string   `json:"preset,omitempty"`
	BaseCurrency string   `json:"base_currency"`
}

// DrawdownSummary holds the period drawdown of both net variants.
type DrawdownSummary struct {
	NetAfterFees           decimal.Decimal `json:"net_after_fees"`
	NetAfterFeesAndFunding decimal.Decimal `json:"net_after_fees_and_funding"`
}

// RollingSummary holds the rolling window comparisons.
type RollingSummary struct {
	Rolling30d metrics.Rolling `json:"rolling_30d"`
	Rolling14d metrics.Rolling `json:"rolling_14d"`
}

// SymbolAmount is one symbol's signed cashflow total.
type SymbolAmount struct {
	Symbol string          `json:"symbol"`
	Amount decimal.Decimal `json:"amount"`
}

// ArtifactsSummary points at the published artifacts.
type ArtifactsSummary struct {
	FactsPath     string `json:"facts_path"`
	EvidencePath  string `json:"evidence_path"`
	SchemaVersion string `json:"schema_version"`
}

// TopSymbols ranks symbols by |Σ cashflow amount| DESC, ties by symbol.
func TopSymbols(flows []*domain.Cashflow, n int) []SymbolAmount {
	totals := make(map[string]decimal.Decimal)
	for _, cf := range flows {
		if cf.Symbol == "" {
			continue
		}
		totals[cf.Symbol] = totals[cf.Symbol].Add(cf.Amount)
	}
	out := make([]SymbolAmount, 0, len(totals))
	for sym, amt := range totals {
		out = append(out, SymbolAmount{Symbol: sym, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Amount.Abs().Cmp(out[j].Amount.Abs()); c != 0 {
			return c > 0
		}
		return out[i].Symbol < out[j].Symbol
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
