package metrics

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ts(s string) int64 {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UnixMilli()
}

func fill(at, notional, fee string) *domain.Fill {
	return &domain.Fill{
		Symbol:      "BTCUSDT",
		Notional:    dec(notional),
		Fee:         dec(fee),
		FeeAsset:    "USDT",
		TimestampMs: ts(at),
	}
}

func flow(at string, typ domain.CashflowType, amount string) *domain.Cashflow {
	return &domain.Cashflow{
		Type:        typ,
		Amount:      dec(amount),
		Asset:       "USDT",
		Symbol:      "BTCUSDT",
		TimestampMs: ts(at),
	}
}

func TestCompute_FeesFromFillsWithoutCommission(t *testing.T) {
	fills := []*domain.Fill{
		fill("2024-01-01T10:00:00Z", "1000", "-0.5"),
		fill("2024-01-01T11:00:00Z", "1000", "-0.5"),
	}
	flows := []*domain.Cashflow{
		flow("2024-01-01T12:00:00Z", domain.CashflowRealizedPnl, "10"),
		flow("2024-01-01T16:00:00Z", domain.CashflowFunding, "-2"),
	}

	s := Compute(fills, flows, "USDT")

	if s.Trades != 2 {
		t.Errorf("expected 2 trades, got %d", s.Trades)
	}
	if !s.TradingFees.Equal(dec("1")) {
		t.Errorf("expected fees 1, got %s", s.TradingFees)
	}
	// 10 - 1 = 9
	if !s.NetAfterFees.Equal(dec("9")) {
		t.Errorf("expected net_after_fees 9, got %s", s.NetAfterFees)
	}
	if !s.NetAfterFeesAndFunding.Equal(dec("7")) {
		t.Errorf("expected net_after_fees_and_funding 7, got %s", s.NetAfterFeesAndFunding)
	}
	// 1 / 2000 * 1e4 = 5
	if math.Abs(s.FeeRateBps-5) > 1e-9 {
		t.Errorf("expected fee_rate_bps 5, got %f", s.FeeRateBps)
	}
	// |−2| / 2000 * 1e4 = 10
	if math.Abs(s.FundingIntensityBps-10) > 1e-9 {
		t.Errorf("expected funding_intensity_bps 10, got %f", s.FundingIntensityBps)
	}
	if math.Abs(s.CostShareFee-0.1) > 1e-9 {
		t.Errorf("expected cost_share_fee 0.1, got %f", s.CostShareFee)
	}
}

func TestCompute_CommissionOverridesFillFees(t *testing.T) {
	fills := []*domain.Fill{fill("2024-01-01T10:00:00Z", "1000", "-0.5")}
	flows := []*domain.Cashflow{
		flow("2024-01-01T10:00:00Z", domain.CashflowCommission, "-0.7"),
		flow("2024-01-01T11:00:00Z", domain.CashflowBorrowInterest, "-0.3"),
		flow("2024-01-01T12:00:00Z", domain.CashflowRebate, "0.2"),
	}

	s := Compute(fills, flows, "USDT")

	if !s.TradingFees.Equal(dec("0.7")) {
		t.Errorf("expected fees 0.7, got %s", s.TradingFees)
	}
	if !s.BorrowInterest.Equal(dec("0.3")) {
		t.Errorf("expected borrow 0.3, got %s", s.BorrowInterest)
	}
	// 0 + 0.2 - 0.7 - 0.3 = -0.8
	if !s.NetAfterFees.Equal(dec("-0.8")) {
		t.Errorf("expected net_after_fees -0.8, got %s", s.NetAfterFees)
	}
}

func TestCompute_ZeroTurnoverAndZeroPnl(t *testing.T) {
	s := Compute(nil, nil, "USDT")

	if s.FeeRateBps != 0 || s.FundingIntensityBps != 0 || s.CostShareFee != 0 {
		t.Errorf("expected zero ratios, got %+v", s)
	}
	if s.UnconvertedFeeAssets == nil || len(s.UnconvertedFeeAssets) != 0 {
		t.Errorf("expected empty fee asset list, got %v", s.UnconvertedFeeAssets)
	}
}

func TestCompute_UnconvertedAssets(t *testing.T) {
	f1 := fill("2024-01-01T10:00:00Z", "100", "-0.01")
	f1.FeeAsset = "BNB"
	f2 := fill("2024-01-01T10:00:00Z", "100", "-0.01")
	f2.FeeAsset = "BNB"
	cf := flow("2024-01-01T10:00:00Z", domain.CashflowRebate, "1")
	cf.Asset = "USDC"
	cf2 := flow("2024-01-01T10:00:00Z", domain.CashflowRebate, "1")
	cf2.Asset = "BTC"

	s := Compute([]*domain.Fill{f1, f2}, []*domain.Cashflow{cf, cf2}, "USDT")

	if len(s.UnconvertedFeeAssets) != 1 || s.UnconvertedFeeAssets[0] != "BNB" {
		t.Errorf("expected [BNB], got %v", s.UnconvertedFeeAssets)
	}
	if len(s.UnconvertedCashflowAssets) != 2 || s.UnconvertedCashflowAssets[0] != "BTC" || s.UnconvertedCashflowAssets[1] != "USDC" {
		t.Errorf("expected [BTC USDC], got %v", s.UnconvertedCashflowAssets)
	}
}

func TestCompute_PermutationInvariant(t *testing.T) {
	var fills []*domain.Fill
	var flows []*domain.Cashflow
	for i := 0; i < 30; i++ {
		at := time.Date(2024, 1, 1+i%10, i, 0, 0, 0, time.UTC).Format(time.RFC3339)
		fills = append(fills, fill(at, decimal.NewFromInt(int64(100+i)).String(), "-0.013"))
		flows = append(flows, flow(at, domain.CashflowRealizedPnl, decimal.NewFromFloat(float64(i%7)-3.1).String()))
		flows = append(flows, flow(at, domain.CashflowFunding, "-0.07"))
	}

	want := Compute(fills, flows, "USDT")
	wantDaily := DailySeries(fills, flows)

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 5; round++ {
		rng.Shuffle(len(fills), func(i, j int) { fills[i], fills[j] = fills[j], fills[i] })
		rng.Shuffle(len(flows), func(i, j int) { flows[i], flows[j] = flows[j], flows[i] })

		got := Compute(fills, flows, "USDT")
		if !got.NetAfterFeesAndFunding.Equal(want.NetAfterFeesAndFunding) || !got.Turnover.Equal(want.Turnover) {
			t.Fatalf("round %d: summary changed under permutation", round)
		}
		daily := DailySeries(fills, flows)
		if len(daily) != len(wantDaily) {
			t.Fatalf("round %d: expected %d days, got %d", round, len(wantDaily), len(daily))
		}
		for i := range daily {
			if !daily[i].NetAfterFees.Equal(wantDaily[i].NetAfterFees) || daily[i].Trades != wantDaily[i].Trades {
				t.Errorf("round %d day %s changed under permutation", round, daily[i].Day())
			}
		}
	}
}

func TestDailySeries_Folding(t *testing.T) {
	fills := []*domain.Fill{
		fill("2024-01-01T23:59:59Z", "1000", "-1"),
		fill("2024-01-02T00:00:00Z", "500", "0.5"),
	}
	flows := []*domain.Cashflow{
		flow("2024-01-01T08:00:00Z", domain.CashflowFunding, "-3"),
		flow("2024-01-01T09:00:00Z", domain.CashflowRealizedPnl, "20"),
		flow("2024-01-02T09:00:00Z", domain.CashflowCommission, "2"),
		flow("2024-01-02T10:00:00Z", domain.CashflowOther, "1"),
	}

	daily := DailySeries(fills, flows)

	if len(daily) != 2 {
		t.Fatalf("expected 2 days, got %d", len(daily))
	}
	if daily[0].Day() != "2024-01-01" || daily[1].Day() != "2024-01-02" {
		t.Errorf("unexpected days %s %s", daily[0].Day(), daily[1].Day())
	}
	// day 1: 20 - 1 = 19; with funding 16
	if !daily[0].NetAfterFees.Equal(dec("19")) || !daily[0].NetAfterFeesAndFunding.Equal(dec("16")) {
		t.Errorf("day 1: got %s / %s", daily[0].NetAfterFees, daily[0].NetAfterFeesAndFunding)
	}
	// day 2: -0.5 - 2 + 1 = -1.5
	if !daily[1].NetAfterFees.Equal(dec("-1.5")) {
		t.Errorf("day 2: expected -1.5, got %s", daily[1].NetAfterFees)
	}
	if daily[0].Trades != 1 || daily[1].Trades != 1 {
		t.Errorf("expected one trade per day, got %d %d", daily[0].Trades, daily[1].Trades)
	}
}

func TestMaxDrawdown(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   string
	}{
		{"empty", nil, "0"},
		{"rising", []string{"1", "2", "3"}, "0"},
		{"peak then trough", []string{"10", "-30", "5"}, "30"},
		{"loss from start", []string{"-5", "-5"}, "10"},
		{"recovers then new low", []string{"5", "-3", "4", "-10"}, "10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := make([]decimal.Decimal, len(tt.values))
			for i, v := range tt.values {
				values[i] = dec(v)
			}
			got := MaxDrawdown(values)
			if !got.Equal(dec(tt.want)) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
			if got.IsNegative() {
				t.Errorf("expected non-negative drawdown, got %s", got)
			}
		})
	}
}

func TestEquityDrawdown(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   string
	}{
		{"empty", nil, "0"},
		{"single loss", []string{"-5"}, "0"},
		{"opens negative", []string{"-3", "-2", "4"}, "2"},
		{"peak then trough", []string{"10", "-30", "5"}, "30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := make([]decimal.Decimal, len(tt.values))
			for i, v := range tt.values {
				values[i] = dec(v)
			}
			if got := EquityDrawdown(values); !got.Equal(dec(tt.want)) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
