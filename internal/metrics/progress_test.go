package metrics

import (
	"testing"
	"time"

	"trade-evidence-lab/internal/domain"
)

func monthFills(year int, month time.Month, n int, fee string) []*domain.Fill {
	out := make([]*domain.Fill, n)
	for i := range out {
		at := time.Date(year, month, 1+i%28, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)
		out[i] = fill(at, "100", fee)
	}
	return out
}

func TestMonthlyAggregate_GroupsByMonth(t *testing.T) {
	fills := append(monthFills(2024, 1, 3, "-0.1"), monthFills(2024, 2, 2, "-0.1")...)
	flows := []*domain.Cashflow{
		flow("2024-01-05T00:00:00Z", domain.CashflowRealizedPnl, "-4"),
		flow("2024-03-01T00:00:00Z", domain.CashflowFunding, "1"),
	}

	monthly := MonthlyAggregate(fills, flows, "USDT")

	if len(monthly) != 3 {
		t.Fatalf("expected 3 months, got %d", len(monthly))
	}
	if monthly[0].Month != "2024-01" || monthly[2].Month != "2024-03" {
		t.Errorf("unexpected months %s..%s", monthly[0].Month, monthly[2].Month)
	}
	if monthly[0].Metrics.Trades != 3 || monthly[1].Metrics.Trades != 2 || monthly[2].Metrics.Trades != 0 {
		t.Errorf("unexpected trade counts")
	}
	// Jan daily nets: -0.1, -0.1, -0.1, -4
	if !monthly[0].MaxDrawdown.Equal(dec("4.3")) {
		t.Errorf("expected January drawdown 4.3, got %s", monthly[0].MaxDrawdown)
	}
}

func summary(month string, trades int, feeBps, fundingBps float64, net, mdd string) MonthlySummary {
	return MonthlySummary{
		Month: month,
		Metrics: Summary{
			Trades:              trades,
			FeeRateBps:          feeBps,
			FundingIntensityBps: fundingBps,
			NetAfterFees:        dec(net),
		},
		MaxDrawdown: dec(mdd),
	}
}

func TestDetectProgress(t *testing.T) {
	tests := []struct {
		name    string
		monthly []MonthlySummary
		status  string
		improve []string
		worse   []string
	}{
		{
			name:    "single month",
			monthly: []MonthlySummary{summary("2024-01", 500, 5, 1, "10", "5")},
			status:  StatusInsufficientData,
		},
		{
			name: "too few trades",
			monthly: []MonthlySummary{
				summary("2024-01", 500, 5, 1, "10", "5"),
				summary("2024-02", 199, 1, 1, "100", "1"),
			},
			status: StatusFlat,
		},
		{
			name: "fee down improves",
			monthly: []MonthlySummary{
				summary("2024-01", 500, 5, 1, "10", "5"),
				summary("2024-02", 200, 4, 1, "10", "5"),
			},
			status:  StatusImproved,
			improve: []string{"fee_bps_down"},
		},
		{
			name: "two deteriorations win",
			monthly: []MonthlySummary{
				summary("2024-01", 500, 5, 1, "10", "5"),
				summary("2024-02", 300, 6, 2, "20", "8"),
			},
			status:  StatusDeteriorated,
			improve: []string{"expectancy_up"},
			worse:   []string{"mdd_up_fee_bps_up", "funding_intensity_up"},
		},
		{
			name: "one deterioration stays flat",
			monthly: []MonthlySummary{
				summary("2024-01", 500, 5, 1, "10", "5"),
				summary("2024-02", 300, 5, 2, "10", "5"),
			},
			status: StatusFlat,
			worse:  []string{"funding_intensity_up"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectProgress(tt.monthly)
			if got.Status != tt.status {
				t.Errorf("expected status %s, got %s", tt.status, got.Status)
			}
			if !equalStrings(got.Improvements, tt.improve) {
				t.Errorf("expected improvements %v, got %v", tt.improve, got.Improvements)
			}
			if !equalStrings(got.Deteriorations, tt.worse) {
				t.Errorf("expected deteriorations %v, got %v", tt.worse, got.Deteriorations)
			}
		})
	}
}

func TestDetectProgress_Months(t *testing.T) {
	got := DetectProgress([]MonthlySummary{
		summary("2024-01", 1, 0, 0, "0", "0"),
		summary("2024-02", 1, 0, 0, "0", "0"),
		summary("2024-03", 1, 0, 0, "0", "0"),
	})
	if got.LastMonth != "2024-03" || got.PrevMonth != "2024-02" {
		t.Errorf("expected 2024-03 vs 2024-02, got %s vs %s", got.LastMonth, got.PrevMonth)
	}
}

func TestRollingCompare(t *testing.T) {
	var flows []*domain.Cashflow
	for i := 0; i < 4; i++ {
		at := time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
		// previous window: 1, 1; recent window: 2, 3
		amounts := []string{"1", "1", "2", "3"}
		flows = append(flows, flow(at, domain.CashflowRealizedPnl, amounts[i]))
	}

	got := RollingCompare(nil, flows, 2)
	if got.Status != StatusImproved {
		t.Fatalf("expected improved, got %s", got.Status)
	}
	if !got.Recent.Equal(dec("5")) || !got.Previous.Equal(dec("2")) {
		t.Errorf("expected 5 vs 2, got %s vs %s", got.Recent, got.Previous)
	}

	short := RollingCompare(nil, flows, 3)
	if short.Status != StatusInsufficientData || short.Recent != nil {
		t.Errorf("expected insufficient_data, got %+v", short)
	}

	flat := RollingCompare(nil, flows[:2], 1)
	if flat.Status != StatusFlat {
		t.Errorf("expected flat, got %s", flat.Status)
	}
}

func equalStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
