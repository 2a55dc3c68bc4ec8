package domain

import (
	"strings"

	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/idhash"
)

// Side is the order side of a fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionEffect tells whether a fill opened or closed exposure.
// Empty when the source ledger does not tag fills.
type PositionEffect string

const (
	EffectOpen    PositionEffect = "OPEN"
	EffectClose   PositionEffect = "CLOSE"
	EffectUnknown PositionEffect = ""
)

// Direction is the position direction a fill belongs to.
type Direction string

const (
	DirectionLong    Direction = "long"
	DirectionShort   Direction = "short"
	DirectionUnknown Direction = "unknown"
)

// Fill is one executed trade leg. Immutable once ingested.
type Fill struct {
	Exchange     string
	AccountID    string
	TradeID      string // exchange trade id, may be empty
	OrderID      string
	Symbol       string
	Side         Side
	PositionSide string // LONG | SHORT | BOTH | ""
	Effect       PositionEffect

	Price    decimal.Decimal
	Qty      decimal.Decimal
	Notional decimal.Decimal
	Fee      decimal.Decimal
	FeeAsset string
	IsMaker  *bool // nil when the source omits maker/taker

	// RealizedPnl is the exchange-reported realized change on this fill (nullable).
	RealizedPnl *decimal.Decimal

	TimestampMs int64
}

// Key returns the uniqueness key within (exchange, account).
// Falls back to a natural-key hash when the exchange omits trade ids.
func (f *Fill) Key() string {
	if f.TradeID != "" {
		return f.TradeID
	}
	return idhash.FillKey(f.Symbol, string(f.Side), f.OrderID, f.Price.String(), f.Qty.String(), f.TimestampMs)
}

// Direction derives the position direction of a fill.
// Explicit hedge-mode position sides win; otherwise the side is interpreted
// against the position effect (a closing SELL reduces a long).
func (f *Fill) Direction() Direction {
	switch strings.ToUpper(f.PositionSide) {
	case "LONG":
		return DirectionLong
	case "SHORT":
		return DirectionShort
	}
	if f.Effect == EffectClose {
		switch f.Side {
		case SideSell:
			return DirectionLong
		case SideBuy:
			return DirectionShort
		}
		return DirectionUnknown
	}
	switch f.Side {
	case SideBuy:
		return DirectionLong
	case SideSell:
		return DirectionShort
	}
	return DirectionUnknown
}

// CashflowType classifies non-trade ledger entries.
type CashflowType string

const (
	CashflowFunding        CashflowType = "funding"
	CashflowCommission     CashflowType = "commission"
	CashflowBorrowInterest CashflowType = "borrow_interest"
	CashflowRebate         CashflowType = "rebate"
	CashflowRealizedPnl    CashflowType = "realized_pnl"
	CashflowOther          CashflowType = "other"
)

// IsValid checks if the cashflow type is a known value.
func (t CashflowType) IsValid() bool {
	switch t {
	case CashflowFunding, CashflowCommission, CashflowBorrowInterest,
		CashflowRebate, CashflowRealizedPnl, CashflowOther:
		return true
	}
	return false
}

// Cashflow is a non-trade ledger movement. Immutable once ingested.
type Cashflow struct {
	Exchange    string
	AccountID   string
	FlowID      string // exchange transaction id, may be empty
	Type        CashflowType
	Amount      decimal.Decimal // signed, account perspective
	Asset       string
	Symbol      string // empty for account-level flows
	TimestampMs int64
}

// Key returns the uniqueness key within (exchange, account).
func (c *Cashflow) Key() string {
	if c.FlowID != "" {
		return c.FlowID
	}
	return idhash.CashflowKey(string(c.Type), c.Symbol, c.Asset, c.Amount.String(), c.TimestampMs)
}

// Scope is the set of accounts a report or sync covers.
type Scope struct {
	AccountIDs []string `json:"account_ids"`
}

// Intersects reports whether two scopes share at least one account.
func (s Scope) Intersects(other Scope) bool {
	seen := make(map[string]struct{}, len(s.AccountIDs))
	for _, id := range s.AccountIDs {
		seen[id] = struct{}{}
	}
	for _, id := range other.AccountIDs {
		if _, ok := seen[id]; ok {
			return true
		}
	}
	return false
}

// Contains reports whether the scope includes accountID.
func (s Scope) Contains(accountID string) bool {
	for _, id := range s.AccountIDs {
		if id == accountID {
			return true
		}
	}
	return false
}
