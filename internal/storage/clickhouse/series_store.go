package clickhouse

import (
	"context"
	"fmt"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/storage"
)

// SeriesStore implements storage.SeriesStore using ClickHouse.
// The table is a ReplacingMergeTree; reads use FINAL so a re-upserted key
// returns only its newest row.
type SeriesStore struct {
	conn *Conn
}

// NewSeriesStore creates a new SeriesStore.
func NewSeriesStore(conn *Conn) *SeriesStore {
	return &SeriesStore{conn: conn}
}

// Compile-time interface check.
var _ storage.SeriesStore = (*SeriesStore)(nil)

// Upsert writes points in one batch.
func (s *SeriesStore) Upsert(ctx context.Context, points []*domain.SeriesPoint) error {
	if len(points) == 0 {
		return nil
	}
	for _, p := range points {
		if p == nil || p.Symbol == "" || !p.Kind.IsValid() {
			return storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO market_series (
			kind, symbol, interval, timestamp_ms, close_time_ms,
			open, high, low, close, volume, value, quote_value
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, p := range points {
		err = batch.Append(
			string(p.Kind), p.Symbol, p.Interval, p.TimestampMs, p.CloseTimeMs,
			p.Open, p.High, p.Low, p.Close, p.Volume, p.Value, p.QuoteValue,
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

const seriesColumns = `
	kind, symbol, interval, timestamp_ms, close_time_ms,
	open, high, low, close, volume, value, quote_value
`

// Load returns the full known series, ordered by timestamp ASC.
func (s *SeriesStore) Load(ctx context.Context, kind domain.SeriesKind, symbol, interval string) ([]*domain.SeriesPoint, error) {
	query := `
		SELECT ` + seriesColumns + `
		FROM market_series FINAL
		WHERE kind = ? AND symbol = ? AND interval = ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, string(kind), symbol, interval)
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	defer rows.Close()

	return scanSeries(rows)
}

// LoadRange returns points within [start, end] (inclusive), ordered by timestamp ASC.
func (s *SeriesStore) LoadRange(ctx context.Context, kind domain.SeriesKind, symbol, interval string, start, end int64) ([]*domain.SeriesPoint, error) {
	query := `
		SELECT ` + seriesColumns + `
		FROM market_series FINAL
		WHERE kind = ? AND symbol = ? AND interval = ?
			AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, string(kind), symbol, interval, start, end)
	if err != nil {
		return nil, fmt.Errorf("query series range: %w", err)
	}
	defer rows.Close()

	return scanSeries(rows)
}

func scanSeries(rows chRows) ([]*domain.SeriesPoint, error) {
	var points []*domain.SeriesPoint

	for rows.Next() {
		var p domain.SeriesPoint
		var kind string
		err := rows.Scan(
			&kind, &p.Symbol, &p.Interval, &p.TimestampMs, &p.CloseTimeMs,
			&p.Open, &p.High, &p.Low, &p.Close, &p.Volume, &p.Value, &p.QuoteValue,
		)
		if err != nil {
			return nil, fmt.Errorf("scan series row: %w", err)
		}
		p.Kind = domain.SeriesKind(kind)
		points = append(points, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate series rows: %w", err)
	}
	return points, nil
}
