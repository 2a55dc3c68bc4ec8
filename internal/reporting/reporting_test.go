package reporting

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/domain"
)

func sampleEvidence(withMarket bool) *domain.Evidence {
	ev := &domain.Evidence{
		SchemaVersion: domain.EvidenceSchemaVersion,
		Meta: domain.EvidenceMeta{
			RunID:       "run-1",
			GeneratedAt: "2024-03-15T10:00:00Z",
			Scope:       domain.Scope{AccountIDs: []string{"acc-1", "acc-2"}},
			Range:       domain.EvidenceRange{Start: "2024-03-08T00:00:00Z", End: "2024-03-15T00:00:00Z", Preset: "last_7d"},
		},
		AccountSummary: domain.AccountSummary{
			NetChange: decimal.RequireFromString("12.5"),
			Fees:      decimal.RequireFromString("1.25"),
			Turnover:  decimal.NewFromInt(1000),
			Trades:    4,
			FeeBps:    12.5,
		},
		Anomalies: domain.AnomalySummary{
			Total:  1,
			ByCode: map[string]int{"FEE_EATS_PROFIT": 1},
			Items: []domain.Anomaly{{
				Code: domain.AnomalyFeeEatsProfit, Severity: domain.SeverityHigh,
				Window: domain.Window{Start: "2024-03-08T00:00:00Z", End: "2024-03-15T00:00:00Z"},
			}},
		},
		Notes: []string{domain.NoteMarketDataMissing},
	}
	if withMarket {
		pf := 1.5
		ev.Notes = nil
		ev.PerformanceByRegime = &domain.RegimePerformance{
			Top: []domain.RegimeRow{{
				MarketState: "trend|low|up", ExpectancyNet: decimal.NewFromInt(5), WinRateNet: 0.75,
				PfNet: &pf, TailLoss: decimal.NewFromInt(-2), Trades: 4,
			}},
			Bottom: []domain.RegimeRow{{
				MarketState: "range|high|down", ExpectancyNet: decimal.NewFromInt(-3), Trades: 2,
			}},
		}
		ev.MarketRegimeStats = &domain.RegimeStats{MarketState: map[string]float64{"trend|low|up": 0.6, "range|high|down": 0.4}}
		ev.Counterfactual = &domain.Counterfactual{NetChangeAll: decimal.NewFromInt(14)}
	}
	return ev
}

func TestRenderMarkdown_Sections(t *testing.T) {
	md := RenderMarkdown(sampleEvidence(true))

	required := []string{
		"# Trading Evidence Report",
		"Range: 2024-03-08T00:00:00Z to 2024-03-15T00:00:00Z (last_7d)",
		"## Account Summary",
		"| Net Change | 12.5 |",
		"## Best Market States",
		"| trend|low|up | 4 | 5 | 0.7500 | 1.5000 | -2 |",
		"## Worst Market States",
		"| range|high|down | 2 | -3 | 0.0000 | n/a |",
		"## Anomalies (1)",
		"| FEE_EATS_PROFIT | high |",
		"## Regime Counterfactual",
		"No data-quality notes.",
	}
	for _, s := range required {
		if !strings.Contains(md, s) {
			t.Errorf("markdown missing %q", s)
		}
	}
}

func TestRenderMarkdown_WithoutMarket(t *testing.T) {
	md := RenderMarkdown(sampleEvidence(false))

	if !strings.Contains(md, "Market context unavailable") {
		t.Error("expected market-unavailable narration")
	}
	if strings.Contains(md, "## Regime Counterfactual") {
		t.Error("counterfactual must be omitted without market context")
	}
	if !strings.Contains(md, "- `market_data_missing`") {
		t.Error("expected market_data_missing note")
	}
}

func TestRenderRegimeCSV(t *testing.T) {
	out := RenderRegimeCSV(sampleEvidence(true))
	lines := strings.Split(strings.TrimSpace(out), "\n")

	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "rank,market_state,trades") {
		t.Errorf("unexpected header: %s", lines[0])
	}
	if lines[1] != "top,trend|low|up,4,5,0.750000,1.500000,-2,0.000000" {
		t.Errorf("unexpected top row: %s", lines[1])
	}
	if !strings.HasPrefix(lines[2], "bottom,range|high|down,2,-3,0.000000,,") {
		t.Errorf("unexpected bottom row: %s", lines[2])
	}

	empty := RenderRegimeCSV(sampleEvidence(false))
	if strings.Count(empty, "\n") != 1 {
		t.Errorf("expected header only, got %q", empty)
	}
}

func TestRenderAnomalyCSV(t *testing.T) {
	out := RenderAnomalyCSV(sampleEvidence(false).Anomalies)
	want := "code,severity,window_start,window_end\nFEE_EATS_PROFIT,high,2024-03-08T00:00:00Z,2024-03-15T00:00:00Z\n"
	if out != want {
		t.Errorf("expected %q, got %q", want, out)
	}
}

func TestExport(t *testing.T) {
	ev := sampleEvidence(true)
	for _, tt := range []struct {
		format, ext, prefix string
	}{
		{FormatMarkdown, "md", "# Trading Evidence Report"},
		{FormatRegimesCSV, "csv", "rank,market_state"},
		{FormatAnomaliesCSV, "csv", "code,severity"},
	} {
		body, contentType, ext, err := Export(tt.format, ev)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tt.format, err)
		}
		if ext != tt.ext || contentType == "" || !strings.HasPrefix(body, tt.prefix) {
			t.Errorf("%s: got ext=%s type=%s body=%.30q", tt.format, ext, contentType, body)
		}
	}

	if _, _, _, err := Export("pdf", ev); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestRenderMarkdown_MarketGaps(t *testing.T) {
	ev := sampleEvidence(true)
	ev.Notes = []string{domain.NoteMarketDataPartial}
	ev.MarketGaps = []string{"ETHUSDT:30m", "ETHUSDT:kline/1m"}

	md := RenderMarkdown(ev)
	if !strings.Contains(md, "- `market_data_partial`") || !strings.Contains(md, "Market gaps: ETHUSDT:30m, ETHUSDT:kline/1m") {
		t.Errorf("expected partial note and gaps, got:\n%s", md)
	}
}
