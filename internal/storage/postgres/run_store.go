package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/storage"
)

// ReportRunStore implements storage.ReportRunStore using PostgreSQL.
type ReportRunStore struct {
	pool *Pool
}

// NewReportRunStore creates a new ReportRunStore.
func NewReportRunStore(pool *Pool) *ReportRunStore {
	return &ReportRunStore{pool: pool}
}

var _ storage.ReportRunStore = (*ReportRunStore)(nil)

// Create adds a new run. Returns ErrDuplicateKey if id exists.
func (s *ReportRunStore) Create(ctx context.Context, run *domain.ReportRun) error {
	if run == nil || run.ID == "" {
		return storage.ErrInvalidInput
	}
	query := `
		INSERT INTO report_runs (
			id, account_ids, preset, start_ms, end_ms, include_market, state
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		run.ID, run.Scope.AccountIDs, run.Preset, run.StartMs, run.EndMs, run.IncludeMarket, string(run.State),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert report run: %w", err)
	}
	return nil
}

// Get retrieves a run by id. Returns ErrNotFound if not exists.
func (s *ReportRunStore) Get(ctx context.Context, id string) (*domain.ReportRun, error) {
	query := `
		SELECT id, account_ids, preset, start_ms, end_ms, include_market, state, error,
			facts_path, evidence_path, schema_version, summary, created_at, updated_at
		FROM report_runs
		WHERE id = $1
	`
	var run domain.ReportRun
	var state string
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&run.ID, &run.Scope.AccountIDs, &run.Preset, &run.StartMs, &run.EndMs, &run.IncludeMarket,
		&state, &run.Error, &run.FactsPath, &run.EvidencePath, &run.SchemaVersion, &run.Summary,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get report run: %w", err)
	}
	run.State = domain.RunState(state)
	return &run, nil
}

// Complete marks a run completed and records its artifacts.
func (s *ReportRunStore) Complete(ctx context.Context, id, factsPath, evidencePath, schemaVersion string, summary []byte) error {
	query := `
		UPDATE report_runs
		SET state = $2, facts_path = $3, evidence_path = $4, schema_version = $5,
			summary = $6::jsonb, updated_at = $7
		WHERE id = $1
	`
	var summaryArg any
	if len(summary) > 0 {
		summaryArg = string(summary)
	}
	tag, err := s.pool.Exec(ctx, query,
		id, string(domain.RunCompleted), factsPath, evidencePath, schemaVersion, summaryArg, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("complete report run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Fail marks a run failed.
func (s *ReportRunStore) Fail(ctx context.Context, id, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE report_runs SET state = $2, error = $3, updated_at = $4 WHERE id = $1`,
		id, string(domain.RunFailed), message, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("fail report run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SyncRunStore implements storage.SyncRunStore using PostgreSQL.
type SyncRunStore struct {
	pool *Pool
}

// NewSyncRunStore creates a new SyncRunStore.
func NewSyncRunStore(pool *Pool) *SyncRunStore {
	return &SyncRunStore{pool: pool}
}

var _ storage.SyncRunStore = (*SyncRunStore)(nil)

// Create adds a new sync run.
func (s *SyncRunStore) Create(ctx context.Context, run *domain.SyncRun) error {
	if run == nil || run.ID == "" {
		return storage.ErrInvalidInput
	}
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO sync_runs (id, exchange, account_ids, start_ms, end_ms, state, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		run.ID, run.Exchange, run.Scope.AccountIDs, run.StartMs, run.EndMs, string(run.State), startedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}

// Finish records the terminal state of a sync run.
func (s *SyncRunStore) Finish(ctx context.Context, id string, state domain.RunState, fills, flows int, errMsg string) error {
	if !state.IsTerminal() {
		return storage.ErrInvalidInput
	}
	query := `
		UPDATE sync_runs
		SET state = $2, fills_inserted = $3, flows_inserted = $4, error = $5, finished_at = $6
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, string(state), fills, flows, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("finish sync run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const syncRunColumns = `
	id, exchange, account_ids, start_ms, end_ms, state,
	fills_inserted, flows_inserted, error, started_at, finished_at
`

// Get retrieves a sync run by id.
func (s *SyncRunStore) Get(ctx context.Context, id string) (*domain.SyncRun, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+syncRunColumns+` FROM sync_runs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get sync run: %w", err)
	}
	runs, err := scanSyncRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, storage.ErrNotFound
	}
	return runs[0], nil
}

// ListRunning returns all sync runs in running state, oldest first.
func (s *SyncRunStore) ListRunning(ctx context.Context) ([]*domain.SyncRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+syncRunColumns+` FROM sync_runs WHERE state = $1 ORDER BY started_at ASC`,
		string(domain.RunRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("list running sync runs: %w", err)
	}
	return scanSyncRuns(rows)
}

func scanSyncRuns(rows pgx.Rows) ([]*domain.SyncRun, error) {
	defer rows.Close()

	var result []*domain.SyncRun
	for rows.Next() {
		var run domain.SyncRun
		var state string
		err := rows.Scan(
			&run.ID, &run.Exchange, &run.Scope.AccountIDs, &run.StartMs, &run.EndMs, &state,
			&run.FillsInserted, &run.FlowsInserted, &run.Error, &run.StartedAt, &run.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		run.State = domain.RunState(state)
		result = append(result, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync runs: %w", err)
	}
	return result, nil
}
