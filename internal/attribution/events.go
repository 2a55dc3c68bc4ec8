// Package attribution turns ledger rows into per-close trade facts with
// matched opens, attributed funding and as-of market features.
package attribution

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/domain"
)

// EventType classifies ledger events.
type EventType string

const (
	EventTrade      EventType = "TRADE"
	EventSettlement EventType = "SETTLEMENT"
)

// realizedMatchWindow bounds the distance between a fill and the realized
// pnl cashflows that can be assigned to it.
const realizedMatchWindow = int64(5 * time.Minute / time.Millisecond)

// Event is one ledger event in time order. Trades carry execution fields;
// settlements carry the funding amount in Change.
type Event struct {
	Type        EventType
	Symbol      string
	TimestampMs int64

	Effect    domain.PositionEffect
	Direction domain.Direction
	Qty       decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal
	IsMaker   *bool

	Change      decimal.Decimal
	ChangeKnown bool
}

// EventStats describes how events were derived.
type EventStats struct {
	Trades      int
	Settlements int
	// RealizedPnlMissing counts closing trades with no realized change from
	// either the fill or a nearby realized pnl cashflow.
	RealizedPnlMissing int
}

// BuildEvents converts fills to TRADE events and funding cashflows to
// SETTLEMENT events, ordered by timestamp. Closes without an exchange-reported
// realized pnl are filled from realized_pnl cashflows of the same symbol: each
// cashflow goes to the nearest such close within five minutes, ties to the
// earlier close.
func BuildEvents(fills []*domain.Fill, flows []*domain.Cashflow) ([]Event, EventStats) {
	var stats EventStats

	ordered := append([]*domain.Fill(nil), fills...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].TimestampMs < ordered[j].TimestampMs })

	events := make([]Event, 0, len(fills)+len(flows))
	pending := make(map[string][]int) // symbol -> indexes of closes awaiting realized pnl
	for _, f := range ordered {
		ev := Event{
			Type:        EventTrade,
			Symbol:      f.Symbol,
			TimestampMs: f.TimestampMs,
			Effect:      f.Effect,
			Direction:   f.Direction(),
			Qty:         f.Qty,
			Price:       f.Price,
			Fee:         f.Fee,
			IsMaker:     f.IsMaker,
		}
		switch {
		case f.RealizedPnl != nil:
			ev.Change, ev.ChangeKnown = *f.RealizedPnl, true
		case f.Effect == domain.EffectOpen:
			ev.Change, ev.ChangeKnown = decimal.Zero, true
		default:
			pending[f.Symbol] = append(pending[f.Symbol], len(events))
		}
		events = append(events, ev)
		stats.Trades++
	}

	for symbol, list := range realizedBySymbol(flows) {
		assignRealized(events, pending[symbol], list)
	}
	for _, idx := range pending {
		for _, i := range idx {
			if !events[i].ChangeKnown {
				stats.RealizedPnlMissing++
			}
		}
	}

	for _, c := range flows {
		if c.Type != domain.CashflowFunding {
			continue
		}
		events = append(events, Event{
			Type:        EventSettlement,
			Symbol:      c.Symbol,
			TimestampMs: c.TimestampMs,
			Change:      c.Amount,
			ChangeKnown: true,
		})
		stats.Settlements++
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].TimestampMs != events[j].TimestampMs {
			return events[i].TimestampMs < events[j].TimestampMs
		}
		return events[i].Type == EventTrade && events[j].Type != EventTrade
	})
	return events, stats
}

func realizedBySymbol(flows []*domain.Cashflow) map[string][]*domain.Cashflow {
	out := make(map[string][]*domain.Cashflow)
	for _, c := range flows {
		if c.Type == domain.CashflowRealizedPnl {
			out[c.Symbol] = append(out[c.Symbol], c)
		}
	}
	for _, list := range out {
		sort.SliceStable(list, func(i, j int) bool { return list[i].TimestampMs < list[j].TimestampMs })
	}
	return out
}

// assignRealized adds each cashflow to the nearest pending close within
// realizedMatchWindow. closes holds event indexes in time order.
func assignRealized(events []Event, closes []int, flows []*domain.Cashflow) {
	if len(closes) == 0 {
		return
	}
	for _, c := range flows {
		k := sort.Search(len(closes), func(i int) bool { return events[closes[i]].TimestampMs >= c.TimestampMs })
		best, bestDist := -1, realizedMatchWindow+1
		for _, cand := range []int{k - 1, k} {
			if cand < 0 || cand >= len(closes) {
				continue
			}
			dist := events[closes[cand]].TimestampMs - c.TimestampMs
			if dist < 0 {
				dist = -dist
			}
			if dist < bestDist {
				best, bestDist = cand, dist
			}
		}
		if best < 0 {
			continue
		}
		ev := &events[closes[best]]
		ev.Change = ev.Change.Add(c.Amount)
		ev.ChangeKnown = true
	}
}
