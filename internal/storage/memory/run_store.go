package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/storage"
)

// ReportRunStore is an in-memory implementation of storage.ReportRunStore.
type ReportRunStore struct {
	mu   sync.RWMutex
	data map[string]*domain.ReportRun
	now  func() time.Time
}

// NewReportRunStore creates a new in-memory report run store.
func NewReportRunStore() *ReportRunStore {
	return &ReportRunStore{
		data: make(map[string]*domain.ReportRun),
		now:  time.Now,
	}
}

// Create adds a new run. Returns ErrDuplicateKey if id exists.
func (s *ReportRunStore) Create(_ context.Context, run *domain.ReportRun) error {
	if run == nil || run.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[run.ID]; exists {
		return storage.ErrDuplicateKey
	}
	runCopy := *run
	if runCopy.CreatedAt.IsZero() {
		runCopy.CreatedAt = s.now()
	}
	runCopy.UpdatedAt = runCopy.CreatedAt
	s.data[run.ID] = &runCopy
	return nil
}

// Get retrieves a run by id.
func (s *ReportRunStore) Get(_ context.Context, id string) (*domain.ReportRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	runCopy := *run
	return &runCopy, nil
}

// Complete marks a run completed and records its artifacts.
func (s *ReportRunStore) Complete(_ context.Context, id, factsPath, evidencePath, schemaVersion string, summary []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.data[id]
	if !ok {
		return storage.ErrNotFound
	}
	run.State = domain.RunCompleted
	run.FactsPath = factsPath
	run.EvidencePath = evidencePath
	run.SchemaVersion = schemaVersion
	run.Summary = append([]byte(nil), summary...)
	run.UpdatedAt = s.now()
	return nil
}

// Fail marks a run failed.
func (s *ReportRunStore) Fail(_ context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.data[id]
	if !ok {
		return storage.ErrNotFound
	}
	run.State = domain.RunFailed
	run.Error = message
	run.UpdatedAt = s.now()
	return nil
}

var _ storage.ReportRunStore = (*ReportRunStore)(nil)

// SyncRunStore is an in-memory implementation of storage.SyncRunStore.
type SyncRunStore struct {
	mu   sync.RWMutex
	data map[string]*domain.SyncRun
	now  func() time.Time
}

// NewSyncRunStore creates a new in-memory sync run store.
func NewSyncRunStore() *SyncRunStore {
	return &SyncRunStore{
		data: make(map[string]*domain.SyncRun),
		now:  time.Now,
	}
}

// Create adds a new sync run.
func (s *SyncRunStore) Create(_ context.Context, run *domain.SyncRun) error {
	if run == nil || run.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[run.ID]; exists {
		return storage.ErrDuplicateKey
	}
	runCopy := *run
	runCopy.Scope.AccountIDs = append([]string(nil), run.Scope.AccountIDs...)
	s.data[run.ID] = &runCopy
	return nil
}

// Finish records the terminal state of a sync run.
func (s *SyncRunStore) Finish(_ context.Context, id string, state domain.RunState, fills, flows int, errMsg string) error {
	if !state.IsTerminal() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.data[id]
	if !ok {
		return storage.ErrNotFound
	}
	finished := s.now()
	run.State = state
	run.FillsInserted = fills
	run.FlowsInserted = flows
	run.Error = errMsg
	run.FinishedAt = &finished
	return nil
}

// Get retrieves a sync run by id.
func (s *SyncRunStore) Get(_ context.Context, id string) (*domain.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	runCopy := *run
	return &runCopy, nil
}

// ListRunning returns all sync runs in running state, oldest first.
func (s *SyncRunStore) ListRunning(_ context.Context) ([]*domain.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.SyncRun
	for _, run := range s.data {
		if run.State == domain.RunRunning {
			runCopy := *run
			result = append(result, &runCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

var _ storage.SyncRunStore = (*SyncRunStore)(nil)
