// Package report runs sync-guarded report pipelines: ledger load, metrics,
// anomalies, facts and evidence, with polled stage progress.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trade-evidence-lab/internal/anomaly"
	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/evidence"
	"trade-evidence-lab/internal/ledgersync"
	"trade-evidence-lab/internal/metrics"
	"trade-evidence-lab/internal/observability"
	"trade-evidence-lab/internal/redact"
	"trade-evidence-lab/internal/storage"
)

var (
	// ErrSyncRunning is returned when a ledger sync overlapping the scope is
	// in progress. Retry once it finishes.
	ErrSyncRunning = ledgersync.ErrSyncRunning
	// ErrInvalidRange is returned for unknown presets or inverted bounds.
	ErrInvalidRange = errors.New("invalid report range")
	// ErrInvalidScope is returned when no account is given.
	ErrInvalidScope = errors.New("report scope has no accounts")
)

// Stages and their progress percent.
const (
	StagePrepare       = "prepare"
	StageLoadLedger    = "load_ledger"
	StageMetrics       = "metrics"
	StageAnomalies     = "anomalies"
	StageFactsEvidence = "facts_evidence"
	StageFinalize      = "finalize"
	StageDone          = "done"
	StageError         = "error"
)

var stagePercent = map[string]int{
	StagePrepare:       5,
	StageLoadLedger:    20,
	StageMetrics:       40,
	StageAnomalies:     55,
	StageFactsEvidence: 80,
	StageFinalize:      95,
	StageDone:          100,
	StageError:         100,
}

// RedactError masks credentials in err and bounds its length for storage.
func RedactError(err error) string {
	return redact.Error(err)
}

// Request describes a report to run.
type Request struct {
	AccountIDs    []string   `json:"account_ids"`
	Preset        string     `json:"preset,omitempty"`
	Start         *time.Time `json:"start,omitempty"`
	End           *time.Time `json:"end,omitempty"`
	IncludeMarket bool       `json:"include_market"`
}

// Report is the outcome of a completed run.
type Report struct {
	Run      *domain.ReportRun
	Summary  *Summary
	Evidence *domain.Evidence
	Facts    int
}

// Service runs reports.
type Service struct {
	ledger       storage.LedgerStore
	runs         storage.ReportRunStore
	syncRuns     storage.SyncRunStore
	status       StatusStore
	builder      *evidence.Builder
	metrics      *observability.Metrics
	logger       zerolog.Logger
	loc          *time.Location
	baseCurrency string
	now          func() time.Time
	newID        func() string

	wg sync.WaitGroup
}

// Options contains configuration for creating a Service.
type Options struct {
	Ledger       storage.LedgerStore
	Runs         storage.ReportRunStore
	SyncRuns     storage.SyncRunStore
	Status       StatusStore // default MemoryStatusStore
	Builder      *evidence.Builder
	Metrics      *observability.Metrics
	Logger       *zerolog.Logger
	Location     *time.Location // calendar presets; default UTC
	BaseCurrency string         // default USDT
	Now          func() time.Time
	NewID        func() string
}

// NewService creates a report service.
func NewService(opts Options) *Service {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	status := opts.Status
	if status == nil {
		status = NewMemoryStatusStore()
	}
	m := opts.Metrics
	if m == nil {
		m = observability.DefaultMetrics
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	base := opts.BaseCurrency
	if base == "" {
		base = "USDT"
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
		ledger:       opts.Ledger,
		runs:         opts.Runs,
		syncRuns:     opts.SyncRuns,
		status:       status,
		builder:      opts.Builder,
		metrics:      m,
		logger:       logger.With().Str("component", "report").Logger(),
		loc:          loc,
		baseCurrency: base,
		now:          now,
		newID:        newID,
	}
}

// Submit validates and guards the request, records a queued run and executes
// it in the background. The returned id can be polled with Status.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	run, err := s.prepare(ctx, req)
	if err != nil {
		return "", err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.execute(context.WithoutCancel(ctx), run); err != nil {
			s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("background report failed")
		}
	}()
	return run.ID, nil
}

// Run executes a report synchronously.
func (s *Service) Run(ctx context.Context, req Request) (*Report, error) {
	run, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, run)
}

// Wait blocks until all background runs have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Status returns the polled progress of a run.
func (s *Service) Status(ctx context.Context, runID string) (domain.RunStatus, error) {
	return s.status.Get(ctx, runID)
}

// Get returns the run index record.
func (s *Service) Get(ctx context.Context, runID string) (*domain.ReportRun, error) {
	return s.runs.Get(ctx, runID)
}

func (s *Service) prepare(ctx context.Context, req Request) (*domain.ReportRun, error) {
	scope := domain.Scope{AccountIDs: uniqueSorted(req.AccountIDs)}
	if len(scope.AccountIDs) == 0 {
		return nil, ErrInvalidScope
	}
	start, end, err := ResolveRange(req.Preset, req.Start, req.End, s.now(), s.loc)
	if err != nil {
		return nil, err
	}
	if err := s.guardScope(ctx, scope); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	run := &domain.ReportRun{
		ID:            s.newID(),
		Scope:         scope,
		Preset:        req.Preset,
		StartMs:       start,
		EndMs:         end,
		IncludeMarket: req.IncludeMarket,
		State:         domain.RunQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create report run: %w", err)
	}
	s.setStatus(ctx, run.ID, domain.RunQueued, StagePrepare, "queued", "")
	return run, nil
}

// guardScope refuses a report while a sync on any of its accounts is running.
func (s *Service) guardScope(ctx context.Context, scope domain.Scope) error {
	if s.syncRuns == nil {
		return nil
	}
	running, err := s.syncRuns.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running syncs: %w", err)
	}
	for _, r := range running {
		if r.Scope.Intersects(scope) {
			s.metrics.RecordSyncConflict()
			return fmt.Errorf("%w: sync %s", ErrSyncRunning, r.ID)
		}
	}
	return nil
}

func (s *Service) execute(ctx context.Context, run *domain.ReportRun) (*Report, error) {
	logger := s.logger.With().Str("run_id", run.ID).Logger()
	rep, err := s.pipeline(ctx, logger, run)
	if err != nil {
		msg := RedactError(err)
		if ferr := s.runs.Fail(context.WithoutCancel(ctx), run.ID, msg); ferr != nil {
			logger.Error().Err(ferr).Msg("record report failure")
		}
		s.setStatus(ctx, run.ID, domain.RunFailed, StageError, "failed", msg)
		s.metrics.RecordReportRun(string(domain.RunFailed), 0)
		logger.Error().Str("error", msg).Msg("report failed")
		return nil, err
	}
	s.setStatus(ctx, run.ID, domain.RunCompleted, StageDone, "completed", "")
	s.metrics.RecordReportRun(string(domain.RunCompleted), rep.Facts)
	logger.Info().Msg("report completed")
	return rep, nil
}

func (s *Service) pipeline(ctx context.Context, logger zerolog.Logger, run *domain.ReportRun) (*Report, error) {
	s.stage(ctx, logger, run.ID, StagePrepare, "prepare scope")

	s.stage(ctx, logger, run.ID, StageLoadLedger, "load fills/cashflows")
	fills, err := s.ledger.LoadFills(ctx, run.Scope, run.StartMs, run.EndMs)
	if err != nil {
		return nil, fmt.Errorf("load fills: %w", err)
	}
	flows, err := s.ledger.LoadCashflows(ctx, run.Scope, run.StartMs, run.EndMs)
	if err != nil {
		return nil, fmt.Errorf("load cashflows: %w", err)
	}
	allFills, err := s.ledger.LoadFills(ctx, run.Scope, 0, run.EndMs)
	if err != nil {
		return nil, fmt.Errorf("load baseline fills: %w", err)
	}
	allFlows, err := s.ledger.LoadCashflows(ctx, run.Scope, 0, run.EndMs)
	if err != nil {
		return nil, fmt.Errorf("load baseline cashflows: %w", err)
	}
	logger.Debug().Int("fills", len(fills)).Int("cashflows", len(flows)).Msg("ledger loaded")

	s.stage(ctx, logger, run.ID, StageMetrics, "compute metrics")
	daily := metrics.DailySeries(fills, flows)
	summary := &Summary{
		Scope: SummaryScope{
			Accounts:     run.Scope.AccountIDs,
			Start:        isoMs(run.StartMs),
			End:          isoMs(run.EndMs),
			Preset:       run.Preset,
			BaseCurrency: s.baseCurrency,
		},
		Baseline: metrics.Compute(allFills, allFlows, s.baseCurrency),
		Period:   metrics.Compute(fills, flows, s.baseCurrency),
		MaxDrawdown: DrawdownSummary{
			NetAfterFees:           metrics.MaxDrawdown(metrics.NetAfterFees(daily)),
			NetAfterFeesAndFunding: metrics.MaxDrawdown(metrics.NetAfterFeesAndFunding(daily)),
		},
		Progress: metrics.DetectProgress(metrics.MonthlyAggregate(allFills, allFlows, s.baseCurrency)),
		Rolling: RollingSummary{
			Rolling30d: metrics.RollingCompare(allFills, allFlows, 30),
			Rolling14d: metrics.RollingCompare(allFills, allFlows, 14),
		},
		TopSymbols: TopSymbols(flows, topSymbolCount),
	}

	s.stage(ctx, logger, run.ID, StageAnomalies, "detect anomalies")
	summary.Anomalies = anomaly.Detect(fills, flows)
	for _, a := range summary.Anomalies {
		s.metrics.RecordAnomaly(string(a.Code))
	}

	msg := "build facts/evidence"
	if !run.IncludeMarket {
		msg = "build cost-only facts/evidence"
	}
	s.stage(ctx, logger, run.ID, StageFactsEvidence, msg)
	if s.builder == nil {
		return nil, evidence.ErrNoWriter
	}
	built, err := s.builder.Build(ctx, evidence.BuildInput{
		RunID:         run.ID,
		Scope:         run.Scope,
		StartMs:       run.StartMs,
		EndMs:         run.EndMs,
		Preset:        run.Preset,
		IncludeMarket: run.IncludeMarket,
		Fills:         fills,
		Flows:         flows,
		Anomalies:     summary.Anomalies,
	})
	if err != nil {
		return nil, fmt.Errorf("build evidence: %w", err)
	}

	s.stage(ctx, logger, run.ID, StageFinalize, "finalize report")
	summary.Artifacts = &ArtifactsSummary{
		FactsPath:     built.FactsPath,
		EvidencePath:  built.EvidencePath,
		SchemaVersion: built.Evidence.SchemaVersion,
	}
	body, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}
	if err := s.runs.Complete(ctx, run.ID, built.FactsPath, built.EvidencePath, built.Evidence.SchemaVersion, body); err != nil {
		return nil, fmt.Errorf("complete report run: %w", err)
	}

	stored, err := s.runs.Get(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("reload report run: %w", err)
	}
	return &Report{Run: stored, Summary: summary, Evidence: built.Evidence, Facts: len(built.Facts)}, nil
}

// stage records entering a stage. Status write failures never fail the run.
func (s *Service) stage(ctx context.Context, logger zerolog.Logger, runID, stage, message string) {
	logger.Info().Str("stage", stage).Int("percent", stagePercent[stage]).Msg(message)
	s.setStatus(ctx, runID, domain.RunRunning, stage, message, "")
}

func (s *Service) setStatus(ctx context.Context, runID string, state domain.RunState, stage, message, errMsg string) {
	st := domain.RunStatus{
		RunID:     runID,
		State:     state,
		Stage:     stage,
		Percent:   stagePercent[stage],
		Message:   message,
		Error:     errMsg,
		UpdatedAt: s.now().UTC(),
	}
	if err := s.status.Set(context.WithoutCancel(ctx), st); err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID).Str("stage", stage).Msg("status update rejected")
	}
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func isoMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
