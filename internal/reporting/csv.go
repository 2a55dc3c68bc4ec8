package reporting

import (
	"encoding/csv"
	"strconv"
	"strings"

	"trade-evidence-lab/internal/domain"
)

// RenderRegimeCSV renders the top and bottom regime rows as CSV.
// The rank column is "top" or "bottom"; pf_net is empty when undefined.
func RenderRegimeCSV(ev *domain.Evidence) string {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	_ = w.Write([]string{"rank", "market_state", "trades", "expectancy_net", "win_rate_net", "pf_net", "tail_loss", "fee_bps"})
	if ev.PerformanceByRegime != nil {
		writeRows(w, "top", ev.PerformanceByRegime.Top)
		writeRows(w, "bottom", ev.PerformanceByRegime.Bottom)
	}
	w.Flush()
	return sb.String()
}

func writeRows(w *csv.Writer, rank string, rows []domain.RegimeRow) {
	for _, r := range rows {
		pf := ""
		if r.PfNet != nil {
			pf = strconv.FormatFloat(*r.PfNet, 'f', 6, 64)
		}
		_ = w.Write([]string{
			rank,
			string(r.MarketState),
			strconv.Itoa(r.Trades),
			r.ExpectancyNet.String(),
			strconv.FormatFloat(r.WinRateNet, 'f', 6, 64),
			pf,
			r.TailLoss.String(),
			strconv.FormatFloat(r.FeeBps, 'f', 6, 64),
		})
	}
}

// RenderAnomalyCSV renders anomaly items, one row per item.
func RenderAnomalyCSV(s domain.AnomalySummary) string {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	_ = w.Write([]string{"code", "severity", "window_start", "window_end"})
	for _, a := range s.Items {
		_ = w.Write([]string{string(a.Code), string(a.Severity), a.Window.Start, a.Window.End})
	}
	w.Flush()
	return sb.String()
}
