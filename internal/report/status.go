package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"trade-evidence-lab/internal/domain"
)

// StatusStore holds polled run progress keyed by run id.
type StatusStore interface {
	// Set stores st. Returns ErrStaleStatus when st does not move the run forward.
	Set(ctx context.Context, st domain.RunStatus) error

	// Get returns the status of a run. Returns ErrStatusNotFound if unknown.
	Get(ctx context.Context, runID string) (domain.RunStatus, error)
}

var (
	// ErrStatusNotFound is returned for unknown run ids.
	ErrStatusNotFound = errors.New("run status not found")
	// ErrStaleStatus is returned for non-monotonic transitions.
	ErrStaleStatus = errors.New("stale status transition")
)

// MemoryStatusStore is an in-process StatusStore.
type MemoryStatusStore struct {
	mu   sync.Mutex
	data map[string]domain.RunStatus
}

var _ StatusStore = (*MemoryStatusStore)(nil)

// NewMemoryStatusStore creates an empty store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{data: make(map[string]domain.RunStatus)}
}

// Set stores st if it is a forward transition.
func (s *MemoryStatusStore) Set(_ context.Context, st domain.RunStatus) error {
	st.Percent = clampPercent(st.Percent)

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.data[st.RunID]; ok && !cur.CanTransition(st) {
		return fmt.Errorf("%w: %s/%d -> %s/%d", ErrStaleStatus, cur.State, cur.Percent, st.State, st.Percent)
	}
	s.data[st.RunID] = st
	return nil
}

// Get returns the stored status.
func (s *MemoryStatusStore) Get(_ context.Context, runID string) (domain.RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.data[runID]
	if !ok {
		return domain.RunStatus{}, ErrStatusNotFound
	}
	return st, nil
}

// DefaultStatusTTL is how long a run status stays in Redis.
const DefaultStatusTTL = 24 * time.Hour

const statusKeyPrefix = "tel:report_status:"

// RedisStatusStore shares run status across processes.
// Writers are single per run id, so read-check-write needs no lock.
type RedisStatusStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ StatusStore = (*RedisStatusStore)(nil)

// NewRedisStatusStore wraps client. A zero ttl uses DefaultStatusTTL.
func NewRedisStatusStore(client *redis.Client, ttl time.Duration) *RedisStatusStore {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &RedisStatusStore{client: client, ttl: ttl}
}

// StatusKey returns the Redis key of a run status.
func StatusKey(runID string) string {
	return statusKeyPrefix + runID
}

// Set stores st if it is a forward transition.
func (s *RedisStatusStore) Set(ctx context.Context, st domain.RunStatus) error {
	st.Percent = clampPercent(st.Percent)

	cur, err := s.Get(ctx, st.RunID)
	switch {
	case err == nil:
		if !cur.CanTransition(st) {
			return fmt.Errorf("%w: %s/%d -> %s/%d", ErrStaleStatus, cur.State, cur.Percent, st.State, st.Percent)
		}
	case !errors.Is(err, ErrStatusNotFound):
		return err
	}

	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := s.client.Set(ctx, StatusKey(st.RunID), body, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get returns the stored status.
func (s *RedisStatusStore) Get(ctx context.Context, runID string) (domain.RunStatus, error) {
	val, err := s.client.Get(ctx, StatusKey(runID)).Result()
	if err != nil {
		if err == redis.Nil {
			return domain.RunStatus{}, ErrStatusNotFound
		}
		return domain.RunStatus{}, fmt.Errorf("redis get: %w", err)
	}
	var st domain.RunStatus
	if err := json.Unmarshal([]byte(val), &st); err != nil {
		return domain.RunStatus{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func clampPercent(p int) int {
	return max(0, min(p, 100))
}
