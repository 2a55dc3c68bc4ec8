package attribution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/connector"
	"trade-evidence-lab/internal/domain"
)

func ms(s string) int64 {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UnixMilli()
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func closeEvent(ts int64, qty, price, fee, change string) Event {
	return Event{
		Type:        EventTrade,
		Symbol:      "ETHUSDT",
		TimestampMs: ts,
		Direction:   domain.DirectionLong,
		Qty:         dec(qty),
		Price:       dec(price),
		Fee:         dec(fee),
		Change:      dec(change),
		ChangeKnown: true,
	}
}

func settlement(ts int64, amount string) Event {
	return Event{Type: EventSettlement, Symbol: "ETHUSDT", TimestampMs: ts, Change: dec(amount), ChangeKnown: true}
}

func TestMatcher_LIFO(t *testing.T) {
	m := NewMatcher()
	m.Push("ETHUSDT", domain.DirectionLong, 100)
	m.Push("ETHUSDT", domain.DirectionLong, 200)
	m.Push("ETHUSDT", domain.DirectionShort, 300)

	if ts, ok := m.Pop("ETHUSDT", domain.DirectionLong); !ok || ts != 200 {
		t.Errorf("expected 200, got %d", ts)
	}
	if ts, ok := m.Pop("ETHUSDT", domain.DirectionLong); !ok || ts != 100 {
		t.Errorf("expected 100, got %d", ts)
	}
	if _, ok := m.Pop("ETHUSDT", domain.DirectionLong); ok {
		t.Error("expected empty stack")
	}
	if m.Depth("ETHUSDT", domain.DirectionShort) != 1 {
		t.Error("expected short stack untouched")
	}
}

func TestAsOf(t *testing.T) {
	points := []int64{1000, 2000, 3000}
	id := func(v int64) int64 { return v }

	if v, ok := AsOf(2000, points, id); !ok || v != 2000 {
		t.Errorf("exact match: expected 2000, got %d", v)
	}
	if v, ok := AsOf(2500, points, id); !ok || v != 2000 {
		t.Errorf("between: expected 2000, got %d", v)
	}
	if v, ok := AsOf(9999, points, id); !ok || v != 3000 {
		t.Errorf("after last: expected 3000, got %d", v)
	}
	if _, ok := AsOf(500, points, id); ok {
		t.Error("before first: expected no point")
	}
	if _, ok := AsOf(500, []int64(nil), id); ok {
		t.Error("empty: expected no point")
	}
}

func TestBuild_TwoClosesNoFunding(t *testing.T) {
	start, end := ms("2026-01-01T00:00:00Z"), ms("2026-01-31T23:59:59Z")
	events := []Event{
		closeEvent(ms("2026-01-04T10:00:00Z"), "1", "2100", "1", "4"),
		closeEvent(ms("2026-01-03T10:00:00Z"), "1", "2000", "1", "5"),
	}

	facts, stats, err := NewJoiner(JoinerOptions{}).Build(context.Background(), events, start, end, false)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(facts))
	}
	if facts[0].CloseTimeMs > facts[1].CloseTimeMs {
		t.Error("expected facts ordered by close time")
	}
	if !facts[0].Turnover.Equal(dec("2000")) || !facts[1].Turnover.Equal(dec("2100")) {
		t.Errorf("unexpected turnover %s %s", facts[0].Turnover, facts[1].Turnover)
	}
	for _, f := range facts {
		if !f.Funding.IsZero() {
			t.Errorf("expected zero funding, got %s", f.Funding)
		}
		if f.OpenTimeMs != nil || f.HoldingSeconds != nil {
			t.Error("untagged trades must not be paired")
		}
		if !f.TakerProxy {
			t.Error("expected taker proxy from positive fee")
		}
		if f.TrendBucket != domain.BucketNA {
			t.Errorf("expected na trend without market, got %s", f.TrendBucket)
		}
	}
	if !facts[0].PnlGross.Equal(dec("6")) {
		t.Errorf("expected pnl_gross 6, got %s", facts[0].PnlGross)
	}
	if facts[0].FeeBps != 5 {
		t.Errorf("expected fee_bps 5, got %v", facts[0].FeeBps)
	}
	if stats.Closes != 2 || stats.OpenTimeInferred != 2 || stats.MarketAvailable {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestBuild_FundingPartition(t *testing.T) {
	start, end := ms("2026-01-01T00:00:00Z"), ms("2026-01-31T23:59:59Z")
	events := []Event{
		closeEvent(ms("2026-01-03T10:00:00Z"), "1", "2000", "1", "5"),
		closeEvent(ms("2026-01-04T10:00:00Z"), "1", "2100", "1", "4"),
		settlement(ms("2026-01-03T08:00:00Z"), "-2"),
		settlement(ms("2026-01-04T08:00:00Z"), "-3"),
	}

	facts, stats, err := NewJoiner(JoinerOptions{}).Build(context.Background(), events, start, end, false)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	sum := decimal.Zero
	for _, f := range facts {
		sum = sum.Add(f.Funding)
	}
	if !sum.Equal(dec("-5")) {
		t.Errorf("expected funding sum -5, got %s", sum)
	}
	if !facts[0].Funding.Equal(dec("-2")) || !facts[1].Funding.Equal(dec("-3")) {
		t.Errorf("expected -2 and -3, got %s and %s", facts[0].Funding, facts[1].Funding)
	}
	if !facts[1].PnlGross.Equal(dec("2")) {
		t.Errorf("expected pnl_gross 4+1-3=2, got %s", facts[1].PnlGross)
	}
	if !stats.UnattributedFunding.IsZero() || stats.FundingAfterLastClose {
		t.Errorf("unexpected unattributed funding %s", stats.UnattributedFunding)
	}
}

func TestAttributeFunding_Boundaries(t *testing.T) {
	facts := []*domain.TradeFact{
		{Symbol: "ETHUSDT", CloseTimeMs: 1000},
		{Symbol: "ETHUSDT", CloseTimeMs: 2000},
		{Symbol: "BTCUSDT", CloseTimeMs: 1500},
	}
	settlements := []Event{
		settlement(100, "-1"),  // at start: first close
		settlement(1000, "-2"), // equal to first close: first close
		settlement(1001, "-4"), // second close
		settlement(2500, "-8"), // after last close
		{Type: EventSettlement, Symbol: "SOLUSDT", TimestampMs: 500, Change: dec("-16")},
		settlement(50, "-32"), // before start: ignored
	}

	res := AttributeFunding(facts, settlements, 100)
	if !facts[0].Funding.Equal(dec("-3")) || !facts[1].Funding.Equal(dec("-4")) || !facts[2].Funding.IsZero() {
		t.Errorf("unexpected attribution %s %s %s", facts[0].Funding, facts[1].Funding, facts[2].Funding)
	}
	if !res.Unattributed.Equal(dec("-24")) || !res.AfterLastClose {
		t.Errorf("expected -24 unattributed, got %s", res.Unattributed)
	}
	if !res.Attributed.Add(res.Unattributed).Equal(dec("-31")) {
		t.Errorf("attribution must partition in-window funding, got %s", res.Attributed.Add(res.Unattributed))
	}
}

func TestBuild_TaggedPairing(t *testing.T) {
	open1 := Event{Type: EventTrade, Symbol: "ETHUSDT", TimestampMs: 1_000, Effect: domain.EffectOpen, Direction: domain.DirectionLong, Qty: dec("1"), Price: dec("10")}
	open2 := open1
	open2.TimestampMs = 2_000
	close1 := closeEvent(5_000, "1", "11", "0", "1")
	close1.Effect = domain.EffectClose
	close2 := close1
	close2.TimestampMs = 9_000
	orphan := closeEvent(7_000, "1", "11", "0", "1")
	orphan.Effect = domain.EffectClose
	orphan.Direction = domain.DirectionShort

	facts, stats, err := NewJoiner(JoinerOptions{}).Build(context.Background(),
		[]Event{close2, orphan, open1, close1, open2}, 0, 10_000, false)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(facts) != 3 {
		t.Fatalf("expected 3 closes, got %d", len(facts))
	}
	if facts[0].OpenTimeMs == nil || *facts[0].OpenTimeMs != 2_000 || *facts[0].HoldingSeconds != 3 {
		t.Errorf("expected first close paired with latest open")
	}
	if facts[1].OpenTimeMs != nil {
		t.Error("expected orphan short close unpaired")
	}
	if facts[2].OpenTimeMs == nil || *facts[2].OpenTimeMs != 1_000 {
		t.Error("expected second close paired with remaining open")
	}
	if facts[0].TakerProxy {
		t.Error("zero fee without maker flag should not be taker")
	}
	if stats.OpenTimeInferred != 1 {
		t.Errorf("expected 1 unmatched close, got %d", stats.OpenTimeInferred)
	}
}

func TestBuild_Empty(t *testing.T) {
	facts, _, err := NewJoiner(JoinerOptions{}).Build(context.Background(), nil, 0, 1, true)
	if err != nil || len(facts) != 0 {
		t.Errorf("expected no facts, got %d (%v)", len(facts), err)
	}
}

func TestBuildEvents_RealizedFallback(t *testing.T) {
	pnl := dec("7")
	maker := true
	fills := []*domain.Fill{
		{Symbol: "ETHUSDT", Side: domain.SideSell, Effect: domain.EffectClose, Qty: dec("1"), Price: dec("2000"), TimestampMs: 100_000},
		{Symbol: "ETHUSDT", Side: domain.SideBuy, Effect: domain.EffectOpen, Qty: dec("1"), Price: dec("1990"), TimestampMs: 10_000, IsMaker: &maker},
		{Symbol: "BTCUSDT", Side: domain.SideSell, Qty: dec("1"), Price: dec("1"), TimestampMs: 100_000, RealizedPnl: &pnl},
		{Symbol: "SOLUSDT", Side: domain.SideSell, Effect: domain.EffectClose, Qty: dec("1"), Price: dec("1"), TimestampMs: 100_000},
	}
	flows := []*domain.Cashflow{
		{Type: domain.CashflowRealizedPnl, Symbol: "ETHUSDT", Amount: dec("3"), TimestampMs: 100_000 + 60_000},
		{Type: domain.CashflowRealizedPnl, Symbol: "ETHUSDT", Amount: dec("2"), TimestampMs: 100_000 - 60_000},
		{Type: domain.CashflowRealizedPnl, Symbol: "ETHUSDT", Amount: dec("100"), TimestampMs: 100_000 + 10*60_000},
		{Type: domain.CashflowFunding, Symbol: "ETHUSDT", Amount: dec("-1"), TimestampMs: 50_000},
		{Type: domain.CashflowCommission, Symbol: "ETHUSDT", Amount: dec("-1"), TimestampMs: 50_000},
	}

	events, stats := BuildEvents(fills, flows)
	if stats.Trades != 4 || stats.Settlements != 1 || stats.RealizedPnlMissing != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	for i := 1; i < len(events); i++ {
		if events[i].TimestampMs < events[i-1].TimestampMs {
			t.Fatal("events not ordered by time")
		}
	}

	byKey := map[string]Event{}
	for _, ev := range events {
		if ev.Type == EventTrade {
			byKey[ev.Symbol+string(ev.Effect)] = ev
		}
	}
	if ev := byKey["ETHUSDTCLOSE"]; !ev.ChangeKnown || !ev.Change.Equal(dec("5")) || ev.Direction != domain.DirectionLong {
		t.Errorf("expected change 5 from nearby cashflows on long close, got %s known=%v dir=%s", ev.Change, ev.ChangeKnown, ev.Direction)
	}
	if ev := byKey["ETHUSDTOPEN"]; !ev.Change.IsZero() || !ev.ChangeKnown {
		t.Errorf("expected zero change on open, got %s", ev.Change)
	}
	if ev := byKey["BTCUSDT"]; !ev.Change.Equal(pnl) {
		t.Errorf("expected fill pnl 7, got %s", ev.Change)
	}
	if ev := byKey["SOLUSDTCLOSE"]; ev.ChangeKnown {
		t.Error("expected unknown change without pnl data")
	}
}

func TestBuildEvents_RealizedNearestClose(t *testing.T) {
	closeAt := func(ts int64) *domain.Fill {
		return &domain.Fill{Symbol: "ETHUSDT", Side: domain.SideSell, Effect: domain.EffectClose, Qty: dec("1"), Price: dec("1"), TimestampMs: ts}
	}
	realized := func(ts int64, amount string) *domain.Cashflow {
		return &domain.Cashflow{Type: domain.CashflowRealizedPnl, Symbol: "ETHUSDT", Amount: dec(amount), TimestampMs: ts}
	}

	tests := []struct {
		name    string
		fills   []*domain.Fill
		flows   []*domain.Cashflow
		want    []string // change per close in time order, "" when unknown
		missing int
	}{
		{
			name:  "two closes one minute apart",
			fills: []*domain.Fill{closeAt(0), closeAt(60_000)},
			flows: []*domain.Cashflow{realized(0, "10"), realized(60_000, "-20")},
			want:  []string{"10", "-20"},
		},
		{
			name:  "three closes with skewed cashflows",
			fills: []*domain.Fill{closeAt(0), closeAt(60_000), closeAt(120_000)},
			flows: []*domain.Cashflow{realized(5_000, "1"), realized(70_000, "2"), realized(115_000, "3")},
			want:  []string{"1", "2", "3"},
		},
		{
			name:    "second close without a cashflow",
			fills:   []*domain.Fill{closeAt(0), closeAt(60_000)},
			flows:   []*domain.Cashflow{realized(1_000, "4")},
			want:    []string{"4", ""},
			missing: 1,
		},
		{
			name:  "tie goes to earlier close",
			fills: []*domain.Fill{closeAt(0), closeAt(60_000)},
			flows: []*domain.Cashflow{realized(30_000, "5"), realized(60_000, "6")},
			want:  []string{"5", "6"},
		},
		{
			name:    "cashflow outside window",
			fills:   []*domain.Fill{closeAt(0)},
			flows:   []*domain.Cashflow{realized(6*60_000, "9")},
			want:    []string{""},
			missing: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, stats := BuildEvents(tt.fills, tt.flows)
			if stats.RealizedPnlMissing != tt.missing {
				t.Errorf("RealizedPnlMissing = %d, want %d", stats.RealizedPnlMissing, tt.missing)
			}
			if len(events) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(events), len(tt.want))
			}
			for i, ev := range events {
				if tt.want[i] == "" {
					if ev.ChangeKnown {
						t.Errorf("close %d: expected unknown change, got %s", i, ev.Change)
					}
					continue
				}
				if !ev.ChangeKnown || !ev.Change.Equal(dec(tt.want[i])) {
					t.Errorf("close %d: change = %s (known=%v), want %s", i, ev.Change, ev.ChangeKnown, tt.want[i])
				}
			}
		})
	}
}

// stubMarket serves fixed series per kind and interval.
type stubMarket struct {
	series map[string][]*domain.SeriesPoint
	err    error
}

func (s *stubMarket) EnsureSeries(_ context.Context, kind domain.SeriesKind, _, interval string, _, _ int64) ([]*domain.SeriesPoint, error) {
	return s.series[string(kind)+"/"+interval], s.err
}

func risingKlines(interval string, stepMs int64, n int, end int64) []*domain.SeriesPoint {
	out := make([]*domain.SeriesPoint, n)
	for i := 0; i < n; i++ {
		c := 100 + float64(i)*5
		out[i] = &domain.SeriesPoint{Kind: domain.SeriesKline, Interval: interval,
			TimestampMs: end - int64(n-i)*stepMs, Open: c, High: c + 1, Low: c - 1, Close: c}
	}
	return out
}

func TestBuild_MarketJoin(t *testing.T) {
	minute := int64(60_000)
	closeTs := ms("2026-01-03T10:00:00Z")
	oi := make([]*domain.SeriesPoint, 0, 10)
	for i := 0; i < 10; i++ {
		oi = append(oi, &domain.SeriesPoint{Kind: domain.SeriesOpenInterest, TimestampMs: closeTs - int64(10-i)*5*minute, Value: 1000 + float64(i*i)})
	}
	market := &stubMarket{
		series: map[string][]*domain.SeriesPoint{
			"kline/1m":         risingKlines("1m", minute, 60, closeTs),
			"kline/5m":         risingKlines("5m", 5*minute, 60, closeTs),
			"kline/1h":         risingKlines("1h", 60*minute, 60, closeTs),
			"funding/":         {{Kind: domain.SeriesFunding, TimestampMs: closeTs - 60*minute, Value: 0.0001}},
			"open_interest/5m": oi,
		},
		err: connector.ErrUpstreamUnavailable,
	}
	j := NewJoiner(JoinerOptions{Market: market, EnableOI: true})

	facts, stats, err := j.Build(context.Background(),
		[]Event{closeEvent(closeTs, "1", "2000", "1", "5")}, closeTs-24*60*minute, closeTs, true)
	if err != nil {
		t.Fatalf("upstream errors must degrade, got %v", err)
	}
	if !stats.MarketAvailable || !stats.OISampled {
		t.Errorf("expected market and OI available, got %+v", stats)
	}
	f := facts[0]
	if f.TrendScore24h <= 0 || f.TrendBucket == domain.BucketNA {
		t.Errorf("expected positive 24h trend, got %v (%s)", f.TrendScore24h, f.TrendBucket)
	}
	if f.OIProxy24h != domain.OIUp {
		t.Errorf("expected accelerating OI to read up, got %s", f.OIProxy24h)
	}
	if f.OIQuadrant != "oi_up_price_up" {
		t.Errorf("unexpected quadrant %s", f.OIQuadrant)
	}
	if f.FundingBucket2h != "pos_extreme" || f.FundingBucket30m != domain.BucketNA {
		t.Errorf("unexpected funding buckets %s %s", f.FundingBucket2h, f.FundingBucket30m)
	}
}

func TestBuild_MarketMissingSeries(t *testing.T) {
	j := NewJoiner(JoinerOptions{Market: &stubMarket{series: map[string][]*domain.SeriesPoint{}}})
	facts, stats, err := j.Build(context.Background(), []Event{closeEvent(1000, "1", "1", "0", "1")}, 0, 2000, true)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if stats.MarketAvailable {
		t.Error("expected market unavailable without klines")
	}
	if facts[0].TrendScore24h != 0 || facts[0].VolBucket24h != domain.BucketNA || facts[0].TrendBucket != domain.BucketNA {
		t.Errorf("expected neutral fill for missing series, got %+v", facts[0])
	}
}

func TestBuild_MarketPartialWindows(t *testing.T) {
	minute := int64(60_000)
	closeTs := ms("2026-01-03T10:00:00Z")
	market := &stubMarket{series: map[string][]*domain.SeriesPoint{
		"kline/5m": risingKlines("5m", 5*minute, 60, closeTs),
		"kline/1h": risingKlines("1h", 60*minute, 60, closeTs),
	}}
	j := NewJoiner(JoinerOptions{Market: market})

	facts, stats, err := j.Build(context.Background(),
		[]Event{closeEvent(closeTs, "1", "2000", "1", "5")}, closeTs-24*60*minute, closeTs, true)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !stats.MarketAvailable {
		t.Error("expected market available when the 24h window joined")
	}
	if len(stats.MissingWindows) != 1 || stats.MissingWindows[0] != "ETHUSDT:30m" {
		t.Errorf("expected only the 30m window missing, got %v", stats.MissingWindows)
	}
	f := facts[0]
	if f.TrendBucket == domain.BucketNA || f.VolBucket == domain.BucketNA {
		t.Errorf("expected 24h labels joined, got trend=%s vol=%s", f.TrendBucket, f.VolBucket)
	}
	if f.VolBucket30m != domain.BucketNA || f.TrendScore30m != 0 {
		t.Errorf("expected neutral 30m window, got %s %v", f.VolBucket30m, f.TrendScore30m)
	}
}

func TestBuild_MarketIgnoresOpenBars(t *testing.T) {
	hour := int64(3_600_000)
	closeTs := ms("2026-01-03T10:00:00Z")
	// every bar closes after the trade, the first one opened 30m before it
	klines := make([]*domain.SeriesPoint, 30)
	for i := range klines {
		open := closeTs - hour/2 + int64(i)*hour
		c := 100 + float64(i)
		klines[i] = &domain.SeriesPoint{Kind: domain.SeriesKline, Interval: "1h",
			TimestampMs: open, CloseTimeMs: open + hour - 1, Open: c, High: c + 1, Low: c - 1, Close: c}
	}
	j := NewJoiner(JoinerOptions{Market: &stubMarket{series: map[string][]*domain.SeriesPoint{"kline/1h": klines}}})

	facts, _, err := j.Build(context.Background(), []Event{closeEvent(closeTs, "1", "1", "0", "1")}, closeTs-hour, closeTs, true)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if facts[0].VolBucket24h != domain.BucketNA {
		t.Errorf("bar closing after the trade must not be joined, got vol %s", facts[0].VolBucket24h)
	}
}

func TestBuild_ContextCancelled(t *testing.T) {
	j := NewJoiner(JoinerOptions{Market: &stubMarket{err: context.Canceled}})
	_, _, err := j.Build(context.Background(), []Event{closeEvent(1000, "1", "1", "0", "1")}, 0, 2000, true)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
