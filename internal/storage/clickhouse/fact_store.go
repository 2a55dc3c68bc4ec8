package clickhouse

import (
	"context"
	"fmt"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/storage"
)

// FactStore implements storage.FactStore using ClickHouse.
type FactStore struct {
	conn *Conn
}

// NewFactStore creates a new FactStore.
func NewFactStore(conn *Conn) *FactStore {
	return &FactStore{conn: conn}
}

// Compile-time interface check.
var _ storage.FactStore = (*FactStore)(nil)

const factColumns = `
	run_id, close_time_ms, symbol, direction, open_time_ms, holding_seconds,
	qty, price, turnover, fee, pnl_net, funding, pnl_gross, fee_bps, taker_proxy,
	trend_score_30m, trend_score_2h, trend_score_24h,
	vol_bucket_30m, vol_bucket_2h, vol_bucket_24h,
	oi_proxy_30m, oi_proxy_2h, oi_proxy_24h,
	funding_bucket_30m, funding_bucket_2h, funding_bucket_24h,
	trend_bucket, vol_bucket, oi_quadrant, market_state,
	after_big_loss, trade_acceleration, trade_clustering, recent_taker_share, taker_share_spike,
	max_leverage, max_trades_2h, max_holding_seconds, max_position_adds, allow_aggressive_taker
`

// InsertBulk adds all facts of a run. Returns ErrDuplicateKey if the run already has facts.
func (s *FactStore) InsertBulk(ctx context.Context, runID string, facts []*domain.TradeFact) error {
	if runID == "" {
		return storage.ErrInvalidInput
	}

	exists, err := s.exists(ctx, runID)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists {
		return storage.ErrDuplicateKey
	}
	if len(facts) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO trade_facts (`+factColumns+`)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, f := range facts {
		if f == nil {
			return storage.ErrInvalidInput
		}
		c := f.Constraints
		err = batch.Append(
			runID, f.CloseTimeMs, f.Symbol, string(f.Direction), f.OpenTimeMs, f.HoldingSeconds,
			f.Qty, f.Price, f.Turnover, f.Fee, f.PnlNet, f.Funding, f.PnlGross, f.FeeBps, boolToUInt8(f.TakerProxy),
			f.TrendScore30m, f.TrendScore2h, f.TrendScore24h,
			f.VolBucket30m, f.VolBucket2h, f.VolBucket24h,
			f.OIProxy30m, f.OIProxy2h, f.OIProxy24h,
			f.FundingBucket30m, f.FundingBucket2h, f.FundingBucket24h,
			f.TrendBucket, f.VolBucket, f.OIQuadrant, string(f.MarketState),
			boolToUInt8(f.AfterBigLoss), f.TradeAcceleration, f.TradeClustering, f.RecentTakerShare, boolToUInt8(f.TakerShareSpike),
			uint8(c.MaxLeverage), uint16(c.MaxTrades2h), c.MaxHoldingSeconds, uint8(c.MaxPositionAdds), boolToUInt8(c.AllowAggressiveTaker),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByRunID returns facts of a run ordered by close time ASC.
func (s *FactStore) GetByRunID(ctx context.Context, runID string) ([]*domain.TradeFact, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+factColumns+`
		FROM trade_facts
		WHERE run_id = ?
		ORDER BY close_time_ms ASC, symbol ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	facts, err := scanFacts(rows)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, storage.ErrNotFound
	}
	return facts, nil
}

func (s *FactStore) exists(ctx context.Context, runID string) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, `SELECT count(*) FROM trade_facts WHERE run_id = ?`, runID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func scanFacts(rows chRows) ([]*domain.TradeFact, error) {
	var facts []*domain.TradeFact

	for rows.Next() {
		var f domain.TradeFact
		var runID, direction, state string
		var taker, bigLoss, spike, allowTaker, maxLev, maxAdds uint8
		var maxTrades uint16
		err := rows.Scan(
			&runID, &f.CloseTimeMs, &f.Symbol, &direction, &f.OpenTimeMs, &f.HoldingSeconds,
			&f.Qty, &f.Price, &f.Turnover, &f.Fee, &f.PnlNet, &f.Funding, &f.PnlGross, &f.FeeBps, &taker,
			&f.TrendScore30m, &f.TrendScore2h, &f.TrendScore24h,
			&f.VolBucket30m, &f.VolBucket2h, &f.VolBucket24h,
			&f.OIProxy30m, &f.OIProxy2h, &f.OIProxy24h,
			&f.FundingBucket30m, &f.FundingBucket2h, &f.FundingBucket24h,
			&f.TrendBucket, &f.VolBucket, &f.OIQuadrant, &state,
			&bigLoss, &f.TradeAcceleration, &f.TradeClustering, &f.RecentTakerShare, &spike,
			&maxLev, &maxTrades, &f.Constraints.MaxHoldingSeconds, &maxAdds, &allowTaker,
		)
		if err != nil {
			return nil, fmt.Errorf("scan fact row: %w", err)
		}
		f.Direction = domain.Direction(direction)
		f.MarketState = domain.MarketState(state)
		f.TakerProxy = taker == 1
		f.AfterBigLoss = bigLoss == 1
		f.TakerShareSpike = spike == 1
		f.Constraints.MaxLeverage = int(maxLev)
		f.Constraints.MaxTrades2h = int(maxTrades)
		f.Constraints.MaxPositionAdds = int(maxAdds)
		f.Constraints.AllowAggressiveTaker = allowTaker == 1
		facts = append(facts, &f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fact rows: %w", err)
	}
	return facts, nil
}
