package attribution

import (
	"sort"

	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/domain"
)

// FundingResult is the outcome of funding attribution.
type FundingResult struct {
	Attributed   decimal.Decimal
	Unattributed decimal.Decimal
	// AfterLastClose is set when some funding settled after the last close of
	// its symbol, or on a symbol with no closes.
	AfterLastClose bool
}

// AttributeFunding assigns each settlement at or after startMs to the first
// close of its symbol at or after the settlement. The first close of a symbol
// therefore collects [start, close] and each later close (prev, close].
// Facts have Funding set in place.
func AttributeFunding(facts []*domain.TradeFact, settlements []Event, startMs int64) FundingResult {
	res := FundingResult{Attributed: decimal.Zero, Unattributed: decimal.Zero}

	bySymbol := make(map[string][]*domain.TradeFact)
	for _, f := range facts {
		f.Funding = decimal.Zero
		bySymbol[f.Symbol] = append(bySymbol[f.Symbol], f)
	}
	for _, list := range bySymbol {
		sort.SliceStable(list, func(i, j int) bool { return list[i].CloseTimeMs < list[j].CloseTimeMs })
	}

	for _, s := range settlements {
		if s.Type != EventSettlement || s.TimestampMs < startMs {
			continue
		}
		closes := bySymbol[s.Symbol]
		i := sort.Search(len(closes), func(i int) bool { return closes[i].CloseTimeMs >= s.TimestampMs })
		if i == len(closes) {
			res.Unattributed = res.Unattributed.Add(s.Change)
			res.AfterLastClose = true
			continue
		}
		closes[i].Funding = closes[i].Funding.Add(s.Change)
		res.Attributed = res.Attributed.Add(s.Change)
	}
	return res
}
