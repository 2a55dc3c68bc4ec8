// Package ledgersync pulls fills and cashflows from exchange adapters into the ledger store.
package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/exchange"
	"trade-evidence-lab/internal/observability"
	"trade-evidence-lab/internal/redact"
	"trade-evidence-lab/internal/storage"
)

var (
	// ErrNoAdapters is returned when a sync is started without accounts.
	ErrNoAdapters = errors.New("no exchange adapters to sync")
	// ErrSyncRunning is returned when a ledger sync overlapping the scope is
	// in progress. Retry once it finishes.
	ErrSyncRunning = errors.New("ledger sync running for account scope")
)

const dayMs = int64(24 * time.Hour / time.Millisecond)

// Service runs ledger syncs and records them as sync runs.
type Service struct {
	mu      sync.Mutex // serializes the overlap check with run creation
	ledger  storage.LedgerStore
	runs    storage.SyncRunStore
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

// Options contains configuration for creating a Service.
type Options struct {
	Ledger  storage.LedgerStore
	Runs    storage.SyncRunStore
	Logger  *zerolog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
	NewID   func() string
}

// NewService creates a ledger sync service.
func NewService(opts Options) *Service {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	return &Service{
		ledger:  opts.Ledger,
		runs:    opts.Runs,
		logger:  logger.With().Str("component", "ledgersync").Logger(),
		metrics: metrics,
		now:     now,
		newID:   newID,
	}
}

// Result is the outcome of one sync run.
type Result struct {
	Run           *domain.SyncRun
	FillsInserted int
	FlowsInserted int
}

// Start syncs [start, end] for every adapter under one sync run.
// The run is marked completed with insert counts, or failed with a redacted
// error; in the failed case the error is also returned.
func (s *Service) Start(ctx context.Context, adapters []exchange.Adapter, start, end int64) (*Result, error) {
	if len(adapters) == 0 {
		return nil, ErrNoAdapters
	}
	if end < start {
		return nil, fmt.Errorf("%w: end %d before start %d", storage.ErrInvalidInput, end, start)
	}

	run := &domain.SyncRun{
		ID:        s.newID(),
		Exchange:  exchangeLabel(adapters),
		Scope:     scopeOf(adapters),
		StartMs:   start,
		EndMs:     end,
		State:     domain.RunRunning,
		StartedAt: s.now().UTC(),
	}
	if err := s.create(ctx, run); err != nil {
		return nil, err
	}

	logger := s.logger.With().Str("sync_id", run.ID).Str("exchange", run.Exchange).Logger()
	logger.Info().
		Strs("account_ids", run.Scope.AccountIDs).
		Int64("start_ms", start).
		Int64("end_ms", end).
		Msg("ledger sync started")

	res := &Result{Run: run}
	err := s.syncAll(ctx, logger, adapters, start, end, res)

	state := domain.RunCompleted
	msg := ""
	if err != nil {
		state = domain.RunFailed
		msg = redact.Error(err)
	}
	// Record the terminal state even when ctx was cancelled.
	if ferr := s.runs.Finish(context.WithoutCancel(ctx), run.ID, state, res.FillsInserted, res.FlowsInserted, msg); ferr != nil {
		logger.Error().Err(ferr).Msg("record sync run state")
	}
	run.State, run.FillsInserted, run.FlowsInserted, run.Error = state, res.FillsInserted, res.FlowsInserted, msg
	finished := s.now().UTC()
	run.FinishedAt = &finished
	s.metrics.RecordSyncRun(run.Exchange, string(state), res.FillsInserted, res.FlowsInserted)

	if err != nil {
		logger.Error().Str("error", msg).Msg("ledger sync failed")
		return res, err
	}
	logger.Info().
		Int("fills", res.FillsInserted).
		Int("cashflows", res.FlowsInserted).
		Msg("ledger sync completed")
	return res, nil
}

// create records run unless a running sync shares one of its accounts.
func (s *Service) create(ctx context.Context, run *domain.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	running, err := s.runs.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running syncs: %w", err)
	}
	for _, r := range running {
		if r.Scope.Intersects(run.Scope) {
			s.metrics.RecordSyncConflict()
			return fmt.Errorf("%w: sync %s", ErrSyncRunning, r.ID)
		}
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return fmt.Errorf("create sync run: %w", err)
	}
	return nil
}

func (s *Service) syncAll(ctx context.Context, logger zerolog.Logger, adapters []exchange.Adapter, start, end int64, res *Result) error {
	for _, a := range adapters {
		p := newPager(a.RateLimitPolicy(), logger.With().Str("account_id", a.AccountID()).Logger(), s.metrics)
		for _, w := range BuildWindows(start, end, a.RateLimitPolicy().MaxWindowDays) {
			n, err := p.drain(ctx, "fills", a.ID(), w, func(ctx context.Context, cursor string) (int, string, error) {
				fills, next, err := a.FetchFills(ctx, w.Start, w.End, cursor)
				if err != nil {
					return 0, "", err
				}
				inserted, err := s.ledger.InsertFills(ctx, fills)
				if err != nil {
					return 0, "", fmt.Errorf("%w: insert fills: %w", errPermanent, err)
				}
				return inserted, next, nil
			})
			res.FillsInserted += n
			if err != nil {
				return fmt.Errorf("%s/%s fills: %w", a.ID(), a.AccountID(), err)
			}

			n, err = p.drain(ctx, "cashflows", a.ID(), w, func(ctx context.Context, cursor string) (int, string, error) {
				flows, next, err := a.FetchCashflows(ctx, w.Start, w.End, cursor)
				if err != nil {
					return 0, "", err
				}
				inserted, err := s.ledger.InsertCashflows(ctx, flows)
				if err != nil {
					return 0, "", fmt.Errorf("%w: insert cashflows: %w", errPermanent, err)
				}
				return inserted, next, nil
			})
			res.FlowsInserted += n
			if err != nil {
				return fmt.Errorf("%s/%s cashflows: %w", a.ID(), a.AccountID(), err)
			}
		}
	}
	return nil
}

// Window is a sub-range of a sync, in ms.
type Window struct {
	Start int64
	End   int64
}

// BuildWindows splits [start, end] into spans of at most maxDays days.
// maxDays <= 0 yields the whole range as one window.
func BuildWindows(start, end int64, maxDays int) []Window {
	if maxDays <= 0 || end <= start {
		return []Window{{Start: start, End: end}}
	}
	span := int64(maxDays) * dayMs
	var out []Window
	for cur := start; cur < end; {
		wEnd := min(cur+span, end)
		out = append(out, Window{Start: cur, End: wEnd})
		cur = wEnd
	}
	return out
}

func exchangeLabel(adapters []exchange.Adapter) string {
	seen := map[string]struct{}{}
	var ids []string
	for _, a := range adapters {
		if _, ok := seen[a.ID()]; ok {
			continue
		}
		seen[a.ID()] = struct{}{}
		ids = append(ids, a.ID())
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func scopeOf(adapters []exchange.Adapter) domain.Scope {
	ids := make([]string, 0, len(adapters))
	for _, a := range adapters {
		ids = append(ids, a.AccountID())
	}
	return domain.Scope{AccountIDs: ids}
}

// limiterFor paces page requests at the policy's minimum interval.
func limiterFor(p exchange.RateLimitPolicy) *rate.Limiter {
	if p.MinInterval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(p.MinInterval), 1)
}
