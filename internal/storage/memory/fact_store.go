package memory

import (
	"context"
	"sort"
	"sync"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/storage"
)

// FactStore is an in-memory implementation of storage.FactStore.
type FactStore struct {
	mu   sync.RWMutex
	data map[string][]domain.TradeFact // keyed by run_id
}

// NewFactStore creates a new in-memory fact store.
func NewFactStore() *FactStore {
	return &FactStore{
		data: make(map[string][]domain.TradeFact),
	}
}

// InsertBulk adds all facts of a run. Fails if the run already has facts.
func (s *FactStore) InsertBulk(_ context.Context, runID string, facts []*domain.TradeFact) error {
	if runID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[runID]; exists {
		return storage.ErrDuplicateKey
	}
	rows := make([]domain.TradeFact, 0, len(facts))
	for _, f := range facts {
		if f == nil {
			return storage.ErrInvalidInput
		}
		rows = append(rows, *f)
	}
	s.data[runID] = rows
	return nil
}

// GetByRunID returns facts of a run ordered by close time ASC.
func (s *FactStore) GetByRunID(_ context.Context, runID string) ([]*domain.TradeFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, ok := s.data[runID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	result := make([]*domain.TradeFact, len(rows))
	for i := range rows {
		factCopy := rows[i]
		result[i] = &factCopy
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CloseTimeMs < result[j].CloseTimeMs
	})
	return result, nil
}

var _ storage.FactStore = (*FactStore)(nil)
