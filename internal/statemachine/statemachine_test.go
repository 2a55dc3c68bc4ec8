package statemachine

import (
	"testing"

	"trade-evidence-lab/internal/domain"
)

func TestConstraints(t *testing.T) {
	tests := []struct {
		name           string
		trend, vol, oi string
		want           domain.Constraints
	}{
		{"high vol trend", "trend", "high", "oi_up_price_up", domain.Constraints{
			MaxLeverage: 1, MaxTrades2h: 3, MaxHoldingSeconds: 4 * 3600, MaxPositionAdds: 3, AllowAggressiveTaker: false}},
		{"mid vol range", "range", "mid", "oi_flat_price_flat", domain.Constraints{
			MaxLeverage: 2, MaxTrades2h: 6, MaxHoldingSeconds: 3600, MaxPositionAdds: 1, AllowAggressiveTaker: true}},
		{"low vol falling oi", "range", "low", "oi_down_price_up", domain.Constraints{
			MaxLeverage: 2, MaxTrades2h: 10, MaxHoldingSeconds: 3600, MaxPositionAdds: 1, AllowAggressiveTaker: true}},
		{"high vol falling oi floors at 1", "trend", "high", "oi_down_price_down", domain.Constraints{
			MaxLeverage: 1, MaxTrades2h: 3, MaxHoldingSeconds: 4 * 3600, MaxPositionAdds: 3}},
		{"unknown labels", "na", "na", "na", domain.Constraints{
			MaxLeverage: 2, MaxTrades2h: 5, MaxHoldingSeconds: 2 * 3600, MaxPositionAdds: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Constraints(tt.trend, tt.vol, tt.oi); got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestConstraints_Deterministic(t *testing.T) {
	a := Constraints("trend", "mid", "oi_down_price_up")
	b := Constraints("trend", "mid", "oi_down_price_up")
	if a != b {
		t.Errorf("expected identical constraints, got %+v and %+v", a, b)
	}
}

func TestKey(t *testing.T) {
	if got := Key("trend", "", "oi_up_price_up"); got != "trend|na|oi_up_price_up" {
		t.Errorf("unexpected key %s", got)
	}
}

func TestApplyAndSummary(t *testing.T) {
	facts := []*domain.TradeFact{
		{TrendBucket: "trend", VolBucket: "high", OIQuadrant: "na"},
		{TrendBucket: "range", VolBucket: "low", OIQuadrant: "oi_down_price_flat"},
		{TrendBucket: "trend", VolBucket: "high", OIQuadrant: "na"},
	}
	Apply(facts)

	if facts[0].MarketState != "trend|high|na" {
		t.Errorf("unexpected state %s", facts[0].MarketState)
	}
	if facts[1].Constraints.MaxLeverage != 2 {
		t.Errorf("expected leverage reduced to 2, got %d", facts[1].Constraints.MaxLeverage)
	}

	summary := Summary(facts)
	if len(summary) != 2 {
		t.Fatalf("expected 2 states, got %d", len(summary))
	}
	if summary["range|low|oi_down_price_flat"] != facts[1].Constraints {
		t.Error("summary constraints differ from applied constraints")
	}

	table := Table(facts)
	if table.Version != "1.1" {
		t.Errorf("expected version 1.1, got %s", table.Version)
	}
}
