package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/storage"
)

func TestReportRunStore_CreateCompleteGet(t *testing.T) {
	pool := startPostgres(t)

	ctx := context.Background()
	store := NewReportRunStore(pool)

	run := &domain.ReportRun{
		ID:            "run-1",
		Scope:         domain.Scope{AccountIDs: []string{"a1", "a2"}},
		Preset:        "last_7d",
		StartMs:       1000,
		EndMs:         2000,
		IncludeMarket: true,
		State:         domain.RunQueued,
	}
	require.NoError(t, store.Create(ctx, run))
	assert.ErrorIs(t, store.Create(ctx, run), storage.ErrDuplicateKey)

	require.NoError(t, store.Complete(ctx, "run-1", "/data/facts_run-1.parquet", "/data/evidence_run-1.json", "1.2", []byte(`{"trades":2}`)))

	got, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, got.State)
	assert.Equal(t, []string{"a1", "a2"}, got.Scope.AccountIDs)
	assert.Equal(t, "/data/evidence_run-1.json", got.EvidencePath)
	assert.JSONEq(t, `{"trades":2}`, string(got.Summary))
}

func TestReportRunStore_FailAndNotFound(t *testing.T) {
	pool := startPostgres(t)

	ctx := context.Background()
	store := NewReportRunStore(pool)

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, store.Fail(ctx, "missing", "boom"), storage.ErrNotFound)

	require.NoError(t, store.Create(ctx, &domain.ReportRun{ID: "run-2", Scope: domain.Scope{AccountIDs: []string{"a1"}}, State: domain.RunRunning}))
	require.NoError(t, store.Fail(ctx, "run-2", "write facts: disk full"))

	got, err := store.Get(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, got.State)
	assert.Empty(t, got.EvidencePath)
}

func TestSyncRunStore_ListRunningAndFinish(t *testing.T) {
	pool := startPostgres(t)

	ctx := context.Background()
	store := NewSyncRunStore(pool)

	now := time.Now().UTC()
	require.NoError(t, store.Create(ctx, &domain.SyncRun{ID: "s1", Exchange: "binance", Scope: domain.Scope{AccountIDs: []string{"a1"}}, State: domain.RunRunning, StartedAt: now}))
	require.NoError(t, store.Create(ctx, &domain.SyncRun{ID: "s2", Exchange: "bybit", Scope: domain.Scope{AccountIDs: []string{"a2"}}, State: domain.RunRunning, StartedAt: now.Add(time.Second)}))

	running, err := store.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "s1", running[0].ID)

	require.NoError(t, store.Finish(ctx, "s1", domain.RunCompleted, 10, 4, ""))

	running, err = store.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "s2", running[0].ID)

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.FillsInserted)
	assert.NotNil(t, got.FinishedAt)
}
