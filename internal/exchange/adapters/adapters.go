// Package adapters holds the startup registration table of ledger adapters.
package adapters

import (
	"trade-evidence-lab/internal/exchange"
	"trade-evidence-lab/internal/exchange/binance"
	"trade-evidence-lab/internal/exchange/bybit"
)

// NewRegistry returns a registry with every built-in adapter registered.
func NewRegistry() *exchange.Registry {
	r := exchange.NewRegistry()
	must(r.Register(binance.ID, binance.New))
	must(r.Register(bybit.ID, bybit.New))
	return r
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
