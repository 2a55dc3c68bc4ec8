// Package reporting renders evidence documents for humans.
// Renderers only narrate fields present in the document; they never
// recompute a number.
package reporting

import (
	"fmt"
	"sort"
	"strings"

	"trade-evidence-lab/internal/domain"
)

// RenderMarkdown renders an evidence document as Markdown.
func RenderMarkdown(ev *domain.Evidence) string {
	var sb strings.Builder

	// Header
	sb.WriteString("# Trading Evidence Report\n\n")
	sb.WriteString(fmt.Sprintf("Run: `%s` | Schema: %s | Generated: %s\n\n", ev.Meta.RunID, ev.SchemaVersion, ev.Meta.GeneratedAt))
	sb.WriteString(fmt.Sprintf("Accounts: %s\n\n", strings.Join(ev.Meta.Scope.AccountIDs, ", ")))
	rng := fmt.Sprintf("%s to %s", ev.Meta.Range.Start, ev.Meta.Range.End)
	if ev.Meta.Range.Preset != "" {
		rng += " (" + ev.Meta.Range.Preset + ")"
	}
	sb.WriteString(fmt.Sprintf("Range: %s\n\n", rng))

	// Account summary
	a := ev.AccountSummary
	sb.WriteString("## Account Summary\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Net Change | %s |\n", a.NetChange.String()))
	sb.WriteString(fmt.Sprintf("| Fees | %s |\n", a.Fees.String()))
	sb.WriteString(fmt.Sprintf("| Funding | %s |\n", a.Funding.String()))
	sb.WriteString(fmt.Sprintf("| Turnover | %s |\n", a.Turnover.String()))
	sb.WriteString(fmt.Sprintf("| Trades | %d |\n", a.Trades))
	sb.WriteString(fmt.Sprintf("| Fee (bps) | %.4f |\n", a.FeeBps))
	if !ev.FundingUnattributed.IsZero() {
		sb.WriteString(fmt.Sprintf("| Unattributed Funding | %s |\n", ev.FundingUnattributed.String()))
	}
	sb.WriteString("\n")

	writeRegimes(&sb, ev)
	writeBehavior(&sb, ev.BehaviorFlags)
	writeAnomalies(&sb, ev.Anomalies)
	writeCounterfactual(&sb, ev.Counterfactual)

	// Data quality
	sb.WriteString("## Data Quality\n\n")
	if len(ev.Notes) == 0 {
		sb.WriteString("No data-quality notes.\n")
	}
	for _, n := range ev.Notes {
		sb.WriteString(fmt.Sprintf("- `%s`\n", n))
	}
	if len(ev.MarketGaps) > 0 {
		sb.WriteString(fmt.Sprintf("\nMarket gaps: %s\n", strings.Join(ev.MarketGaps, ", ")))
	}
	return sb.String()
}

func writeRegimes(sb *strings.Builder, ev *domain.Evidence) {
	if ev.PerformanceByRegime == nil {
		sb.WriteString("## Market Regimes\n\n")
		sb.WriteString("Market context unavailable for this run.\n\n")
		return
	}
	sb.WriteString("## Best Market States\n\n")
	writeRegimeTable(sb, ev.PerformanceByRegime.Top)
	sb.WriteString("## Worst Market States\n\n")
	writeRegimeTable(sb, ev.PerformanceByRegime.Bottom)

	if ev.MarketRegimeStats != nil {
		sb.WriteString("### State Shares\n\n")
		sb.WriteString("| State | Share |\n")
		sb.WriteString("|-------|-------|\n")
		for _, k := range sortedShareKeys(ev.MarketRegimeStats.MarketState) {
			sb.WriteString(fmt.Sprintf("| %s | %.4f |\n", k, ev.MarketRegimeStats.MarketState[k]))
		}
		sb.WriteString("\n")
	}
}

func writeRegimeTable(sb *strings.Builder, rows []domain.RegimeRow) {
	sb.WriteString("| State | Trades | Expectancy | Win Rate | PF | Tail Loss | Fee (bps) |\n")
	sb.WriteString("|-------|--------|------------|----------|----|-----------|-----------|\n")
	for _, r := range rows {
		sb.WriteString(fmt.Sprintf("| %s | %d | %s | %.4f | %s | %s | %.4f |\n",
			r.MarketState, r.Trades, r.ExpectancyNet.String(), r.WinRateNet,
			formatPf(r.PfNet), r.TailLoss.String(), r.FeeBps))
	}
	sb.WriteString("\n")
}

func writeBehavior(sb *strings.Builder, b domain.BehaviorFlags) {
	sb.WriteString("## Behavior\n\n")
	sb.WriteString("| Flag | Value |\n")
	sb.WriteString("|------|-------|\n")
	sb.WriteString(fmt.Sprintf("| After Big Loss Trigger Ratio | %.4f |\n", b.AfterBigLossAcceleration.TriggerRatio))
	sb.WriteString(fmt.Sprintf("| After Big Loss Acceleration | %.4f |\n", b.AfterBigLossAcceleration.AvgAccelRatio))
	sb.WriteString(fmt.Sprintf("| Trade Clustering | %.4f |\n", b.TradeClustering.ClusterScoreAvg))
	sb.WriteString(fmt.Sprintf("| Taker Share Spike Ratio | %.4f |\n", b.TakerShareSpike.SpikeRatio))
	sb.WriteString("\n")
}

func writeAnomalies(sb *strings.Builder, s domain.AnomalySummary) {
	sb.WriteString(fmt.Sprintf("## Anomalies (%d)\n\n", s.Total))
	if len(s.Items) == 0 {
		sb.WriteString("No anomalies detected.\n\n")
		return
	}
	sb.WriteString("| Code | Severity | Window |\n")
	sb.WriteString("|------|----------|--------|\n")
	for _, a := range s.Items {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s to %s |\n", a.Code, a.Severity, a.Window.Start, a.Window.End))
	}
	sb.WriteString("\n")
}

func writeCounterfactual(sb *strings.Builder, c *domain.Counterfactual) {
	if c == nil {
		return
	}
	sb.WriteString("## Regime Counterfactual\n\n")
	sb.WriteString("| Variant | Net Change | Max Drawdown |\n")
	sb.WriteString("|---------|------------|--------------|\n")
	sb.WriteString(fmt.Sprintf("| All trades | %s | %s |\n", c.NetChangeAll.String(), c.MddAll.String()))
	sb.WriteString(fmt.Sprintf("| Excluding worst states | %s | %s |\n", c.NetChangeExcludeBottom.String(), c.MddExcludeBottom.String()))
	sb.WriteString(fmt.Sprintf("| Only best states | %s | %s |\n", c.NetChangeOnlyTop.String(), c.MddOnlyTop.String()))
	sb.WriteString("\n")
}

func formatPf(pf *float64) string {
	if pf == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", *pf)
}

func sortedShareKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
