package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/storage"
)

// SeriesStore is an in-memory implementation of storage.SeriesStore.
type SeriesStore struct {
	mu   sync.RWMutex
	data map[string]map[int64]*domain.SeriesPoint // series key -> timestamp -> point
}

// NewSeriesStore creates a new in-memory series store.
func NewSeriesStore() *SeriesStore {
	return &SeriesStore{
		data: make(map[string]map[int64]*domain.SeriesPoint),
	}
}

func seriesKey(kind domain.SeriesKind, symbol, interval string) string {
	return fmt.Sprintf("%s|%s|%s", kind, symbol, interval)
}

// Upsert writes points; a repeated key replaces the earlier row.
func (s *SeriesStore) Upsert(_ context.Context, points []*domain.SeriesPoint) error {
	for _, p := range points {
		if p == nil || p.Symbol == "" || !p.Kind.IsValid() {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range points {
		key := seriesKey(p.Kind, p.Symbol, p.Interval)
		series, ok := s.data[key]
		if !ok {
			series = make(map[int64]*domain.SeriesPoint)
			s.data[key] = series
		}
		pointCopy := *p
		series[p.TimestampMs] = &pointCopy
	}
	return nil
}

// Load returns the full known series, ordered by timestamp ASC.
func (s *SeriesStore) Load(ctx context.Context, kind domain.SeriesKind, symbol, interval string) ([]*domain.SeriesPoint, error) {
	return s.LoadRange(ctx, kind, symbol, interval, -1<<63, 1<<63-1)
}

// LoadRange returns points within [start, end], ordered by timestamp ASC.
func (s *SeriesStore) LoadRange(_ context.Context, kind domain.SeriesKind, symbol, interval string, start, end int64) ([]*domain.SeriesPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.SeriesPoint
	for ts, p := range s.data[seriesKey(kind, symbol, interval)] {
		if ts >= start && ts <= end {
			pointCopy := *p
			result = append(result, &pointCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].TimestampMs < result[j].TimestampMs
	})
	return result, nil
}

var _ storage.SeriesStore = (*SeriesStore)(nil)
