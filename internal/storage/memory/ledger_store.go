package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/storage"
)

// LedgerStore is an in-memory implementation of storage.LedgerStore.
type LedgerStore struct {
	mu    sync.RWMutex
	fills map[string]*domain.Fill     // keyed by (exchange, account, key)
	flows map[string]*domain.Cashflow // keyed by (exchange, account, key)
}

// NewLedgerStore creates a new in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		fills: make(map[string]*domain.Fill),
		flows: make(map[string]*domain.Cashflow),
	}
}

func ledgerKey(exchange, accountID, key string) string {
	return fmt.Sprintf("%s|%s|%s", exchange, accountID, key)
}

// InsertFills adds fills, ignoring duplicates.
func (s *LedgerStore) InsertFills(_ context.Context, fills []*domain.Fill) (int, error) {
	for _, f := range fills {
		if f == nil || f.AccountID == "" || f.Symbol == "" {
			return 0, storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, f := range fills {
		key := ledgerKey(f.Exchange, f.AccountID, f.Key())
		if _, exists := s.fills[key]; exists {
			continue
		}
		fillCopy := *f
		s.fills[key] = &fillCopy
		inserted++
	}
	return inserted, nil
}

// InsertCashflows adds cashflows, ignoring duplicates.
func (s *LedgerStore) InsertCashflows(_ context.Context, flows []*domain.Cashflow) (int, error) {
	for _, c := range flows {
		if c == nil || c.AccountID == "" || !c.Type.IsValid() {
			return 0, storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, c := range flows {
		key := ledgerKey(c.Exchange, c.AccountID, c.Key())
		if _, exists := s.flows[key]; exists {
			continue
		}
		flowCopy := *c
		s.flows[key] = &flowCopy
		inserted++
	}
	return inserted, nil
}

// LoadFills returns fills of the scope within [start, end], ordered by timestamp ASC.
func (s *LedgerStore) LoadFills(_ context.Context, scope domain.Scope, start, end int64) ([]*domain.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Fill
	for _, f := range s.fills {
		if scope.Contains(f.AccountID) && f.TimestampMs >= start && f.TimestampMs <= end {
			fillCopy := *f
			result = append(result, &fillCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].TimestampMs != result[j].TimestampMs {
			return result[i].TimestampMs < result[j].TimestampMs
		}
		return result[i].Key() < result[j].Key()
	})
	return result, nil
}

// LoadCashflows returns cashflows of the scope within [start, end], ordered by timestamp ASC.
func (s *LedgerStore) LoadCashflows(_ context.Context, scope domain.Scope, start, end int64) ([]*domain.Cashflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Cashflow
	for _, c := range s.flows {
		if scope.Contains(c.AccountID) && c.TimestampMs >= start && c.TimestampMs <= end {
			flowCopy := *c
			result = append(result, &flowCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].TimestampMs != result[j].TimestampMs {
			return result[i].TimestampMs < result[j].TimestampMs
		}
		return result[i].Key() < result[j].Key()
	})
	return result, nil
}

var _ storage.LedgerStore = (*LedgerStore)(nil)
