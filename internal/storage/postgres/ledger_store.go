package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/storage"
)

// LedgerStore implements storage.LedgerStore using PostgreSQL.
// Amounts are stored as NUMERIC and exchanged as text to keep full precision.
type LedgerStore struct {
	pool *Pool
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Compile-time interface check.
var _ storage.LedgerStore = (*LedgerStore)(nil)

// InsertFills adds fills in one transaction, skipping existing keys.
func (s *LedgerStore) InsertFills(ctx context.Context, fills []*domain.Fill) (int, error) {
	if len(fills) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO fills (
			exchange, account_id, fill_key, trade_id, order_id,
			symbol, side, position_side, position_effect,
			price, qty, notional, fee, fee_asset,
			is_maker, realized_pnl, timestamp_ms
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10::numeric, $11::numeric, $12::numeric, $13::numeric, $14,
			$15, $16::numeric, $17
		)
		ON CONFLICT (exchange, account_id, fill_key) DO NOTHING
	`

	inserted := 0
	for _, f := range fills {
		if f == nil || f.AccountID == "" || f.Symbol == "" {
			return 0, storage.ErrInvalidInput
		}
		var realized *string
		if f.RealizedPnl != nil {
			v := f.RealizedPnl.String()
			realized = &v
		}
		tag, err := tx.Exec(ctx, query,
			f.Exchange, f.AccountID, f.Key(), f.TradeID, f.OrderID,
			f.Symbol, string(f.Side), f.PositionSide, string(f.Effect),
			f.Price.String(), f.Qty.String(), f.Notional.String(), f.Fee.String(), f.FeeAsset,
			f.IsMaker, realized, f.TimestampMs,
		)
		if err != nil {
			return 0, fmt.Errorf("insert fill: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return inserted, nil
}

// InsertCashflows adds cashflows in one transaction, skipping existing keys.
func (s *LedgerStore) InsertCashflows(ctx context.Context, flows []*domain.Cashflow) (int, error) {
	if len(flows) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO cashflows (
			exchange, account_id, flow_key, flow_id, flow_type,
			amount, asset, symbol, timestamp_ms
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)
		ON CONFLICT (exchange, account_id, flow_key) DO NOTHING
	`

	inserted := 0
	for _, c := range flows {
		if c == nil || c.AccountID == "" || !c.Type.IsValid() {
			return 0, storage.ErrInvalidInput
		}
		tag, err := tx.Exec(ctx, query,
			c.Exchange, c.AccountID, c.Key(), c.FlowID, string(c.Type),
			c.Amount.String(), c.Asset, c.Symbol, c.TimestampMs,
		)
		if err != nil {
			return 0, fmt.Errorf("insert cashflow: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return inserted, nil
}

// LoadFills returns fills of the scope within [start, end], ordered by timestamp ASC.
func (s *LedgerStore) LoadFills(ctx context.Context, scope domain.Scope, start, end int64) ([]*domain.Fill, error) {
	query := `
		SELECT exchange, account_id, trade_id, order_id,
			symbol, side, position_side, position_effect,
			price::text, qty::text, notional::text, fee::text, fee_asset,
			is_maker, realized_pnl::text, timestamp_ms
		FROM fills
		WHERE account_id = ANY($1) AND timestamp_ms >= $2 AND timestamp_ms <= $3
		ORDER BY timestamp_ms ASC, fill_key ASC
	`

	rows, err := s.pool.Query(ctx, query, scope.AccountIDs, start, end)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var result []*domain.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fills: %w", err)
	}
	return result, nil
}

// LoadCashflows returns cashflows of the scope within [start, end], ordered by timestamp ASC.
func (s *LedgerStore) LoadCashflows(ctx context.Context, scope domain.Scope, start, end int64) ([]*domain.Cashflow, error) {
	query := `
		SELECT exchange, account_id, flow_id, flow_type, amount::text, asset, symbol, timestamp_ms
		FROM cashflows
		WHERE account_id = ANY($1) AND timestamp_ms >= $2 AND timestamp_ms <= $3
		ORDER BY timestamp_ms ASC, flow_key ASC
	`

	rows, err := s.pool.Query(ctx, query, scope.AccountIDs, start, end)
	if err != nil {
		return nil, fmt.Errorf("query cashflows: %w", err)
	}
	defer rows.Close()

	var result []*domain.Cashflow
	for rows.Next() {
		var c domain.Cashflow
		var flowType, amount string
		if err := rows.Scan(&c.Exchange, &c.AccountID, &c.FlowID, &flowType, &amount, &c.Asset, &c.Symbol, &c.TimestampMs); err != nil {
			return nil, fmt.Errorf("scan cashflow: %w", err)
		}
		c.Type = domain.CashflowType(flowType)
		if c.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse cashflow amount: %w", err)
		}
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cashflows: %w", err)
	}
	return result, nil
}

func scanFill(rows pgx.Rows) (*domain.Fill, error) {
	var f domain.Fill
	var side, effect, price, qty, notional, fee string
	var realized *string
	err := rows.Scan(
		&f.Exchange, &f.AccountID, &f.TradeID, &f.OrderID,
		&f.Symbol, &side, &f.PositionSide, &effect,
		&price, &qty, &notional, &fee, &f.FeeAsset,
		&f.IsMaker, &realized, &f.TimestampMs,
	)
	if err != nil {
		return nil, fmt.Errorf("scan fill: %w", err)
	}
	f.Side = domain.Side(side)
	f.Effect = domain.PositionEffect(effect)

	for _, p := range []struct {
		dst *decimal.Decimal
		src string
	}{{&f.Price, price}, {&f.Qty, qty}, {&f.Notional, notional}, {&f.Fee, fee}} {
		if *p.dst, err = decimal.NewFromString(p.src); err != nil {
			return nil, fmt.Errorf("parse fill amount: %w", err)
		}
	}
	if realized != nil {
		v, err := decimal.NewFromString(*realized)
		if err != nil {
			return nil, fmt.Errorf("parse realized pnl: %w", err)
		}
		f.RealizedPnl = &v
	}
	return &f, nil
}
