package clickhouse

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/storage"
)

func TestFactStore_InsertAndGet(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewFactStore(conn)

	facts := []*domain.TradeFact{
		{
			CloseTimeMs: 2000, Symbol: "ETHUSDT", Direction: domain.DirectionLong,
			OpenTimeMs: ptr(int64(1000)), HoldingSeconds: ptr(int64(1)),
			Qty: decimal.RequireFromString("1"), Price: decimal.RequireFromString("2000"),
			Turnover: decimal.RequireFromString("2000"), Fee: decimal.RequireFromString("1"),
			PnlNet: decimal.RequireFromString("5"), Funding: decimal.RequireFromString("-2.5"),
			PnlGross: decimal.RequireFromString("3.5"), FeeBps: 5, TakerProxy: true,
			TrendBucket: "trend", VolBucket: "high", OIQuadrant: "na",
			MarketState: domain.NewMarketState("trend", "high", "na"),
			Constraints: domain.Constraints{MaxLeverage: 1, MaxTrades2h: 3, MaxHoldingSeconds: 14400, MaxPositionAdds: 3},
		},
		{
			CloseTimeMs: 1000, Symbol: "ETHUSDT", Direction: domain.DirectionShort,
			Qty: decimal.Zero, Price: decimal.Zero, Turnover: decimal.Zero, Fee: decimal.Zero,
			PnlNet: decimal.Zero, Funding: decimal.Zero, PnlGross: decimal.Zero,
			TrendBucket: "na", VolBucket: "na", OIQuadrant: "na",
			MarketState: domain.NewMarketState("na", "na", "na"),
		},
	}
	require.NoError(t, store.InsertBulk(ctx, "run-1", facts))
	assert.ErrorIs(t, store.InsertBulk(ctx, "run-1", facts), storage.ErrDuplicateKey)

	got, err := store.GetByRunID(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Nil(t, got[0].OpenTimeMs)
	require.NotNil(t, got[1].OpenTimeMs)
	assert.Equal(t, int64(1000), *got[1].OpenTimeMs)
	assert.True(t, got[1].Funding.Equal(decimal.RequireFromString("-2.5")))
	assert.True(t, got[1].TakerProxy)
	assert.Equal(t, 3, got[1].Constraints.MaxTrades2h)

	_, err = store.GetByRunID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
