package metrics

import (
	"sort"

	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/domain"
)

// eps keeps cost ratios finite when realized P&L is zero.
var eps = decimal.RequireFromString("1e-9")

var bps = decimal.NewFromInt(10000)

// Summary holds ledger-level cost and P&L aggregates. Money is decimal;
// basis-point and share ratios are floats.
type Summary struct {
	Turnover               decimal.Decimal `json:"turnover"`
	Trades                 int             `json:"trades"`
	TradingFees            decimal.Decimal `json:"trading_fees"`
	FundingPnl             decimal.Decimal `json:"funding_pnl"`
	BorrowInterest         decimal.Decimal `json:"borrow_interest"`
	Rebates                decimal.Decimal `json:"rebates"`
	RealizedPnl            decimal.Decimal `json:"realized_pnl"`
	NetAfterFees           decimal.Decimal `json:"net_after_fees"`
	NetAfterFeesAndFunding decimal.Decimal `json:"net_after_fees_and_funding"`
	FeeRateBps             float64         `json:"fee_rate_bps"`
	FundingIntensityBps    float64         `json:"funding_intensity_bps"`
	CostShareFee           float64         `json:"cost_share_fee"`

	// Assets other than the base currency; amounts in them are summed unconverted.
	UnconvertedFeeAssets      []string `json:"unconverted_fee_assets"`
	UnconvertedCashflowAssets []string `json:"unconverted_cashflow_assets"`
}

// Compute aggregates fills and cashflows of a ledger slice.
// Result is independent of input order.
// Trading fees come from commission cashflows when any exist, else from fill fees.
func Compute(fills []*domain.Fill, flows []*domain.Cashflow, baseCurrency string) Summary {
	s := Summary{
		Trades:                    len(fills),
		UnconvertedFeeAssets:      []string{},
		UnconvertedCashflowAssets: []string{},
	}

	fillFees := decimal.Zero
	feeAssets := make(map[string]struct{})
	for _, f := range fills {
		s.Turnover = s.Turnover.Add(f.Notional)
		fillFees = fillFees.Add(f.Fee.Abs())
		if f.FeeAsset != "" && f.FeeAsset != baseCurrency {
			feeAssets[f.FeeAsset] = struct{}{}
		}
	}

	commission := decimal.Zero
	hasCommission := false
	flowAssets := make(map[string]struct{})
	for _, cf := range flows {
		switch cf.Type {
		case domain.CashflowCommission:
			hasCommission = true
			commission = commission.Add(cf.Amount.Abs())
		case domain.CashflowFunding:
			s.FundingPnl = s.FundingPnl.Add(cf.Amount)
		case domain.CashflowBorrowInterest:
			s.BorrowInterest = s.BorrowInterest.Add(cf.Amount.Abs())
		case domain.CashflowRebate:
			s.Rebates = s.Rebates.Add(cf.Amount)
		case domain.CashflowRealizedPnl:
			s.RealizedPnl = s.RealizedPnl.Add(cf.Amount)
		}
		if cf.Asset != "" && cf.Asset != baseCurrency {
			flowAssets[cf.Asset] = struct{}{}
		}
	}

	s.TradingFees = fillFees
	if hasCommission {
		s.TradingFees = commission
	}

	s.NetAfterFees = s.RealizedPnl.Add(s.Rebates).Sub(s.TradingFees).Sub(s.BorrowInterest)
	s.NetAfterFeesAndFunding = s.NetAfterFees.Add(s.FundingPnl)

	if s.Turnover.IsPositive() {
		s.FeeRateBps = s.TradingFees.Div(s.Turnover).Mul(bps).InexactFloat64()
		s.FundingIntensityBps = s.FundingPnl.Abs().Div(s.Turnover).Mul(bps).InexactFloat64()
	}

	gross := decimal.Max(s.RealizedPnl, decimal.Zero)
	denom := decimal.Max(s.RealizedPnl.Abs(), gross, eps)
	s.CostShareFee = s.TradingFees.Div(denom).InexactFloat64()

	s.UnconvertedFeeAssets = sortedKeys(feeAssets)
	s.UnconvertedCashflowAssets = sortedKeys(flowAssets)
	return s
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
