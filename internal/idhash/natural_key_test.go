package idhash

import (
	"testing"
)

func TestFillKey(t *testing.T) {
	tests := []struct {
		name    string
		symbol  string
		side    string
		orderID string
		price   string
		qty     string
		ts      int64
	}{
		{name: "basic fill", symbol: "ETHUSDT", side: "BUY", orderID: "42", price: "2000.5", qty: "1", ts: 1767398400000},
		{name: "no order id", symbol: "BTCUSDT", side: "SELL", orderID: "", price: "95000", qty: "0.01", ts: 1767398460000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FillKey(tt.symbol, tt.side, tt.orderID, tt.price, tt.qty, tt.ts)
			if len(got) != 64 {
				t.Errorf("FillKey() length = %d, want 64", len(got))
			}
			if got2 := FillKey(tt.symbol, tt.side, tt.orderID, tt.price, tt.qty, tt.ts); got != got2 {
				t.Errorf("FillKey() not deterministic: %s != %s", got, got2)
			}
		})
	}
}

func TestFillKey_DifferentInputs(t *testing.T) {
	base := FillKey("ETHUSDT", "BUY", "1", "2000", "1", 1000)

	variants := map[string]string{
		"symbol":    FillKey("BTCUSDT", "BUY", "1", "2000", "1", 1000),
		"side":      FillKey("ETHUSDT", "SELL", "1", "2000", "1", 1000),
		"order":     FillKey("ETHUSDT", "BUY", "2", "2000", "1", 1000),
		"price":     FillKey("ETHUSDT", "BUY", "1", "2001", "1", 1000),
		"qty":       FillKey("ETHUSDT", "BUY", "1", "2000", "2", 1000),
		"timestamp": FillKey("ETHUSDT", "BUY", "1", "2000", "1", 1001),
	}
	for field, key := range variants {
		if key == base {
			t.Errorf("changing %s should change the key", field)
		}
	}
}

func TestCashflowKey_NotEqualToFillKey(t *testing.T) {
	flow := CashflowKey("funding", "ETHUSDT", "USDT", "-1.5", 1000)
	fill := FillKey("funding", "ETHUSDT", "USDT", "-1.5", "", 1000)
	if flow == fill {
		t.Error("cashflow and fill keys must not collide for equal fields")
	}
	if len(flow) != 64 {
		t.Errorf("expected 64 chars, got %d", len(flow))
	}
}
