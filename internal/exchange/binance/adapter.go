// Package binance implements the signed Binance USD-M futures ledger adapter.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/connector"
	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/exchange"
)

// ID is the registry id of this adapter.
const ID = "binance"

const (
	defaultBaseURL    = "https://fapi.binance.com"
	defaultRecvWindow = 5 * time.Second
	pageLimit         = 1000

	// codeTimestamp is the "timestamp outside recvWindow" rejection.
	codeTimestamp = -1021
)

// Adapter reads fills and income of one Binance USD-M account.
type Adapter struct {
	cfg       exchange.AdapterConfig
	baseURL   string
	transport *exchange.Transport
	clock     *exchange.ServerClock
	logger    zerolog.Logger
	deps      exchange.Deps

	mu        sync.Mutex
	positions map[string]decimal.Decimal // one-way net position seen by this adapter
}

// New is the registry factory.
func New(cfg exchange.AdapterConfig, deps exchange.Deps) (exchange.Adapter, error) {
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("%w: binance requires symbols for trade history", exchange.ErrInvalidConfig)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = defaultRecvWindow
	}
	return &Adapter{
		cfg:       cfg,
		baseURL:   baseURL,
		transport: exchange.NewTransport("binance-signed", deps.HTTPClient, deps.Metrics),
		clock:     exchange.NewServerClock(deps.Now),
		logger:    deps.Logger.With().Str("exchange", ID).Str("account_id", cfg.AccountID).Logger(),
		deps:      deps,
		positions: make(map[string]decimal.Decimal),
	}, nil
}

func (a *Adapter) ID() string        { return ID }
func (a *Adapter) AccountID() string { return a.cfg.AccountID }

// NormalizeSymbol maps BTC-USDT or btcusdt to BTCUSDT.
func (a *Adapter) NormalizeSymbol(raw string) string {
	return strings.ToUpper(strings.NewReplacer("-", "", "_", "", "/", "").Replace(raw))
}

// RateLimitPolicy returns pacing for the sync loop. userTrades windows are limited to 7 days.
func (a *Adapter) RateLimitPolicy() exchange.RateLimitPolicy {
	return exchange.RateLimitPolicy{MinInterval: 250 * time.Millisecond, MaxRetries: 5, MaxWindowDays: 7}
}

type userTrade struct {
	Symbol          string `json:"symbol"`
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Side            string `json:"side"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	RealizedPnl     string `json:"realizedPnl"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	PositionSide    string `json:"positionSide"`
	Maker           bool   `json:"maker"`
}

// FetchFills pages /fapi/v1/userTrades symbol by symbol.
// The cursor is "<symbol index>:<next start ms>".
func (a *Adapter) FetchFills(ctx context.Context, start, end int64, cursor string) ([]*domain.Fill, string, error) {
	idx, from, err := parseCursor(cursor, start)
	if err != nil {
		return nil, "", err
	}
	if idx >= len(a.cfg.Symbols) {
		return nil, "", nil
	}
	symbol := a.NormalizeSymbol(a.cfg.Symbols[idx])

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("startTime", strconv.FormatInt(from, 10))
	params.Set("endTime", strconv.FormatInt(end, 10))
	params.Set("limit", strconv.Itoa(pageLimit))

	var rows []userTrade
	if err := a.signedGet(ctx, "/fapi/v1/userTrades", params, &rows); err != nil {
		return nil, "", err
	}

	fills := make([]*domain.Fill, 0, len(rows))
	for _, r := range rows {
		f, err := a.toFill(r)
		if err != nil {
			return nil, "", err
		}
		fills = append(fills, f)
	}

	next := ""
	switch {
	case len(rows) == pageLimit && rows[len(rows)-1].Time+1 <= end:
		next = formatCursor(idx, rows[len(rows)-1].Time+1)
	case idx+1 < len(a.cfg.Symbols):
		next = formatCursor(idx+1, start)
	}
	return fills, next, nil
}

func (a *Adapter) toFill(r userTrade) (*domain.Fill, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", r.Price, err)
	}
	qty, err := decimal.NewFromString(r.Qty)
	if err != nil {
		return nil, fmt.Errorf("parse qty %q: %w", r.Qty, err)
	}
	notional, err := decimal.NewFromString(r.QuoteQty)
	if err != nil {
		notional = price.Mul(qty)
	}
	fee, _ := decimal.NewFromString(r.Commission)
	pnl, err := decimal.NewFromString(r.RealizedPnl)
	var realized *decimal.Decimal
	if err == nil {
		realized = &pnl
	}

	symbol := a.NormalizeSymbol(r.Symbol)
	side := domain.Side(strings.ToUpper(r.Side))
	positionSide := strings.ToUpper(r.PositionSide)

	maker := r.Maker
	return &domain.Fill{
		Exchange:     ID,
		AccountID:    a.cfg.AccountID,
		TradeID:      strconv.FormatInt(r.ID, 10),
		OrderID:      strconv.FormatInt(r.OrderID, 10),
		Symbol:       symbol,
		Side:         side,
		PositionSide: positionSide,
		Effect:       a.effectOf(symbol, side, positionSide, qty, realized),
		Price:        price,
		Qty:          qty,
		Notional:     notional,
		Fee:          fee.Abs(),
		FeeAsset:     r.CommissionAsset,
		IsMaker:      &maker,
		RealizedPnl:  realized,
		TimestampMs:  r.Time,
	}, nil
}

// effectOf classifies a fill. Hedge mode tags the position side, so the
// effect follows from side and position side. One-way mode ("BOTH") does
// not: a fill that realized pnl, or that trades against the net position
// seen so far, reduces a position. Fills must arrive in time order per symbol.
func (a *Adapter) effectOf(symbol string, side domain.Side, positionSide string, qty decimal.Decimal, realized *decimal.Decimal) domain.PositionEffect {
	switch positionSide {
	case "LONG":
		if side == domain.SideBuy {
			return domain.EffectOpen
		}
		return domain.EffectClose
	case "SHORT":
		if side == domain.SideSell {
			return domain.EffectOpen
		}
		return domain.EffectClose
	}

	signed := qty
	if side == domain.SideSell {
		signed = qty.Neg()
	}
	a.mu.Lock()
	pos := a.positions[symbol]
	a.positions[symbol] = pos.Add(signed)
	a.mu.Unlock()

	if realized != nil && !realized.IsZero() {
		return domain.EffectClose
	}
	if !pos.IsZero() && pos.Sign() != signed.Sign() {
		return domain.EffectClose
	}
	return domain.EffectOpen
}

type incomeRow struct {
	Symbol     string `json:"symbol"`
	IncomeType string `json:"incomeType"`
	Income     string `json:"income"`
	Asset      string `json:"asset"`
	Time       int64  `json:"time"`
	TranID     int64  `json:"tranId"`
}

// FetchCashflows pages /fapi/v1/income. The cursor is the next start ms.
func (a *Adapter) FetchCashflows(ctx context.Context, start, end int64, cursor string) ([]*domain.Cashflow, string, error) {
	from := start
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid income cursor %q: %w", cursor, err)
		}
		from = v
	}

	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(from, 10))
	params.Set("endTime", strconv.FormatInt(end, 10))
	params.Set("limit", strconv.Itoa(pageLimit))

	var rows []incomeRow
	if err := a.signedGet(ctx, "/fapi/v1/income", params, &rows); err != nil {
		return nil, "", err
	}

	flows := make([]*domain.Cashflow, 0, len(rows))
	for _, r := range rows {
		amount, err := decimal.NewFromString(r.Income)
		if err != nil {
			return nil, "", fmt.Errorf("parse income %q: %w", r.Income, err)
		}
		flows = append(flows, &domain.Cashflow{
			Exchange:    ID,
			AccountID:   a.cfg.AccountID,
			FlowID:      fmt.Sprintf("%d:%s", r.TranID, r.IncomeType),
			Type:        mapIncomeType(r.IncomeType),
			Amount:      amount,
			Asset:       r.Asset,
			Symbol:      a.NormalizeSymbol(r.Symbol),
			TimestampMs: r.Time,
		})
	}

	next := ""
	if len(rows) == pageLimit && rows[len(rows)-1].Time+1 <= end {
		next = strconv.FormatInt(rows[len(rows)-1].Time+1, 10)
	}
	return flows, next, nil
}

func mapIncomeType(t string) domain.CashflowType {
	switch t {
	case "FUNDING_FEE":
		return domain.CashflowFunding
	case "COMMISSION":
		return domain.CashflowCommission
	case "REALIZED_PNL":
		return domain.CashflowRealizedPnl
	case "COMMISSION_REBATE", "API_REBATE", "REFERRAL_KICKBACK":
		return domain.CashflowRebate
	default:
		return domain.CashflowOther
	}
}

// signedGet signs params with timestamp and recvWindow and retries once
// after a clock resync when the server rejects the timestamp.
func (a *Adapter) signedGet(ctx context.Context, path string, params url.Values, result any) error {
	var body []byte
	err := exchange.RetryOnSkew(ctx, isTimestampError, a.resync, func() error {
		signed := cloneValues(params)
		signed.Set("timestamp", strconv.FormatInt(a.clock.NowMs(), 10))
		signed.Set("recvWindow", strconv.FormatInt(a.cfg.RecvWindow.Milliseconds(), 10))
		query := signed.Encode()
		query += "&signature=" + exchange.SignHMAC(a.cfg.APISecret, query)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path+"?"+query, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("X-MBX-APIKEY", a.cfg.APIKey)

		body, err = a.transport.Do(ctx, req)
		return annotate(err)
	})
	if err != nil {
		return fmt.Errorf("binance %s: %w", path, err)
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}

// resync reads /fapi/v1/time and updates the clock offset.
func (a *Adapter) resync(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/fapi/v1/time", nil)
	if err != nil {
		return err
	}
	body, err := a.transport.Do(ctx, req)
	if err != nil {
		return err
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("unmarshal server time: %w", err)
	}
	a.clock.Sync(out.ServerTime)
	a.deps.Metrics.RecordClockResync(ID)
	a.logger.Info().Dur("offset", a.clock.Offset()).Msg("server time resynchronized")
	return nil
}

// annotate fills the exchange error code of an HTTP error from its body.
func annotate(err error) error {
	var httpErr *connector.HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal([]byte(httpErr.Message), &body) == nil && body.Code != 0 {
		httpErr.Code = body.Code
		httpErr.Message = body.Msg
	}
	return err
}

func isTimestampError(err error) bool {
	var httpErr *connector.HTTPError
	return errors.As(err, &httpErr) && httpErr.Code == codeTimestamp
}

func parseCursor(cursor string, start int64) (int, int64, error) {
	if cursor == "" {
		return 0, start, nil
	}
	idxStr, fromStr, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid trade cursor %q", cursor)
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid trade cursor %q: %w", cursor, err)
	}
	from, err := strconv.ParseInt(fromStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid trade cursor %q: %w", cursor, err)
	}
	return idx, from, nil
}

func formatCursor(idx int, from int64) string {
	return strconv.Itoa(idx) + ":" + strconv.FormatInt(from, 10)
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+3)
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

var _ exchange.Adapter = (*Adapter)(nil)
