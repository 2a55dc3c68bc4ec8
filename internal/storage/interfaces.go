package storage

import (
	"context"

	"trade-evidence-lab/internal/domain"
)

// LedgerStore provides access to fills and cashflows.
// Ledger rows are immutable; inserts skip rows whose (exchange, account, key) exists.
type LedgerStore interface {
	// InsertFills adds fills, ignoring duplicates. Returns number of new rows.
	InsertFills(ctx context.Context, fills []*domain.Fill) (int, error)

	// InsertCashflows adds cashflows, ignoring duplicates. Returns number of new rows.
	InsertCashflows(ctx context.Context, flows []*domain.Cashflow) (int, error)

	// LoadFills returns fills of the scope within [start, end] (inclusive), ordered by timestamp ASC.
	LoadFills(ctx context.Context, scope domain.Scope, start, end int64) ([]*domain.Fill, error)

	// LoadCashflows returns cashflows of the scope within [start, end] (inclusive), ordered by timestamp ASC.
	LoadCashflows(ctx context.Context, scope domain.Scope, start, end int64) ([]*domain.Cashflow, error)
}

// SeriesStore is the durable tier of market series.
type SeriesStore interface {
	// Upsert writes points idempotently: a repeated key replaces the earlier row.
	Upsert(ctx context.Context, points []*domain.SeriesPoint) error

	// Load returns the full known series, ordered by timestamp ASC.
	Load(ctx context.Context, kind domain.SeriesKind, symbol, interval string) ([]*domain.SeriesPoint, error)

	// LoadRange returns points within [start, end] (inclusive), ordered by timestamp ASC.
	LoadRange(ctx context.Context, kind domain.SeriesKind, symbol, interval string, start, end int64) ([]*domain.SeriesPoint, error)
}

// FactStore indexes per-run trade facts.
type FactStore interface {
	// InsertBulk adds all facts of a run. Returns ErrDuplicateKey if the run already has facts.
	InsertBulk(ctx context.Context, runID string, facts []*domain.TradeFact) error

	// GetByRunID returns facts of a run ordered by close time ASC.
	GetByRunID(ctx context.Context, runID string) ([]*domain.TradeFact, error)
}

// ReportRunStore provides access to report run index records.
type ReportRunStore interface {
	// Create adds a new run. Returns ErrDuplicateKey if id exists.
	Create(ctx context.Context, run *domain.ReportRun) error

	// Get retrieves a run by id. Returns ErrNotFound if not exists.
	Get(ctx context.Context, id string) (*domain.ReportRun, error)

	// Complete marks a run completed and records its artifacts.
	Complete(ctx context.Context, id, factsPath, evidencePath, schemaVersion string, summary []byte) error

	// Fail marks a run failed with an already-redacted message.
	Fail(ctx context.Context, id, message string) error
}

// SyncRunStore provides access to ledger sync runs.
type SyncRunStore interface {
	// Create adds a new sync run. Returns ErrDuplicateKey if id exists.
	Create(ctx context.Context, run *domain.SyncRun) error

	// Finish records the terminal state of a sync run.
	Finish(ctx context.Context, id string, state domain.RunState, fills, flows int, errMsg string) error

	// Get retrieves a sync run by id. Returns ErrNotFound if not exists.
	Get(ctx context.Context, id string) (*domain.SyncRun, error)

	// ListRunning returns all sync runs currently in running state.
	ListRunning(ctx context.Context) ([]*domain.SyncRun, error)
}
