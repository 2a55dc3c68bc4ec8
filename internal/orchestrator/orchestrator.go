// Package orchestrator wires configuration into stores and services.
// It coordinates: ledger sync → market backfill → report runs
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-evidence-lab/internal/attribution"
	"trade-evidence-lab/internal/config"
	"trade-evidence-lab/internal/connector"
	"trade-evidence-lab/internal/connector/binance"
	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/evidence"
	"trade-evidence-lab/internal/exchange"
	"trade-evidence-lab/internal/exchange/adapters"
	"trade-evidence-lab/internal/ledgersync"
	"trade-evidence-lab/internal/observability"
	"trade-evidence-lab/internal/redact"
	"trade-evidence-lab/internal/report"
	"trade-evidence-lab/internal/seriescache"
	"trade-evidence-lab/internal/storage"
	chstore "trade-evidence-lab/internal/storage/clickhouse"
	"trade-evidence-lab/internal/storage/memory"
	"trade-evidence-lab/internal/storage/migrations"
	pgstore "trade-evidence-lab/internal/storage/postgres"
)

// ErrUnknownAccount is returned when a requested account is not configured.
var ErrUnknownAccount = errors.New("account not configured")

// Orchestrator owns every long-lived component of the process.
type Orchestrator struct {
	cfg      config.Config
	loc      *time.Location
	logger   zerolog.Logger
	metrics  *observability.Metrics
	registry *exchange.Registry
	now      func() time.Time

	// Stores
	ledger   storage.LedgerStore
	runs     storage.ReportRunStore
	syncRuns storage.SyncRunStore
	series   storage.SeriesStore
	facts    storage.FactStore
	status   report.StatusStore

	// Components
	cache      *seriescache.Cache
	backfiller *seriescache.Backfiller
	reports    *report.Service
	ledgerSync *ledgersync.Service

	closers []func()
}

// Options for creating Orchestrator.
type Options struct {
	Config  config.Config
	Logger  *zerolog.Logger
	Metrics *observability.Metrics

	// Overrides, mainly for tests.
	Connector connector.MarketConnector // default Binance USD-M client from Config.Binance
	Registry  *exchange.Registry        // default adapters.NewRegistry()
	Now       func() time.Time
	NewID     func() string
}

// New connects the configured backends and builds the services.
// Empty DSNs fall back to in-memory stores; an empty redis address keeps
// run status in process memory.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	m := opts.Metrics
	if m == nil {
		m = observability.DefaultMetrics
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	registry := opts.Registry
	if registry == nil {
		registry = adapters.NewRegistry()
	}
	loc, err := time.LoadLocation(cfg.Report.LocalTZ)
	if err != nil {
		return nil, fmt.Errorf("load local_tz %q: %w", cfg.Report.LocalTZ, err)
	}

	o := &Orchestrator{
		cfg:      cfg,
		loc:      loc,
		logger:   logger,
		metrics:  m,
		registry: registry,
		now:      now,
	}
	if err := o.openStores(ctx); err != nil {
		o.Close()
		return nil, err
	}

	conn := opts.Connector
	if conn == nil {
		conn = o.newMarketClient()
	}
	o.cache = seriescache.NewCache(seriescache.CacheOptions{Durable: o.series, Logger: &logger, Metrics: m})
	o.backfiller = seriescache.NewBackfiller(seriescache.BackfillOptions{
		Connector:   conn,
		Cache:       o.cache,
		EnableOI:    cfg.Report.EnableOIFetch,
		Concurrency: cfg.MarketSync.Concurrency,
		Logger:      &logger,
		Metrics:     m,
	})

	threshold := decimal.NewFromFloat(cfg.Report.LossThreshold)
	joiner := attribution.NewJoiner(attribution.JoinerOptions{
		Market:        o.backfiller,
		EnableOI:      cfg.Report.EnableOIFetch,
		LossThreshold: &threshold,
		Logger:        &logger,
	})
	builder := evidence.NewBuilder(evidence.Options{
		Joiner:            joiner,
		Writer:            evidence.NewArtifactWriter(cfg.Report.ArtifactDir),
		Facts:             o.facts,
		Coverage:          o.cache,
		CoverageTolerance: cfg.Report.CoverageTolerance,
		EnableOI:          cfg.Report.EnableOIFetch,
		Logger:            &logger,
		Now:               now,
	})
	o.reports = report.NewService(report.Options{
		Ledger:       o.ledger,
		Runs:         o.runs,
		SyncRuns:     o.syncRuns,
		Status:       o.status,
		Builder:      builder,
		Metrics:      m,
		Logger:       &logger,
		Location:     loc,
		BaseCurrency: cfg.Report.BaseCurrency,
		Now:          now,
		NewID:        opts.NewID,
	})
	o.ledgerSync = ledgersync.NewService(ledgersync.Options{
		Ledger:  o.ledger,
		Runs:    o.syncRuns,
		Logger:  &logger,
		Metrics: m,
		Now:     now,
		NewID:   opts.NewID,
	})
	return o, nil
}

// openStores picks postgres, clickhouse and redis backends when configured.
func (o *Orchestrator) openStores(ctx context.Context) error {
	st := o.cfg.Storage

	if st.PostgresDSN != "" {
		pool, err := pgstore.NewPool(ctx, st.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		o.closers = append(o.closers, pool.Close)
		applied, err := migrations.RunPostgresMigrations(ctx, pool)
		if err != nil {
			return fmt.Errorf("postgres migrations: %w", err)
		}
		o.logger.Info().Strs("applied", applied).Msg("postgres ready")
		o.ledger = pgstore.NewLedgerStore(pool)
		o.runs = pgstore.NewReportRunStore(pool)
		o.syncRuns = pgstore.NewSyncRunStore(pool)
	} else {
		o.ledger = memory.NewLedgerStore()
		o.runs = memory.NewReportRunStore()
		o.syncRuns = memory.NewSyncRunStore()
	}

	if st.ClickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, st.ClickhouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse migrations: %w", err)
		}
		o.closers = append(o.closers, func() { _ = conn.Close() })
		o.logger.Info().Msg("clickhouse ready")
		o.series = chstore.NewSeriesStore(conn)
		o.facts = chstore.NewFactStore(conn)
	} else {
		o.series = memory.NewSeriesStore()
		o.facts = memory.NewFactStore()
	}

	if st.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: st.RedisAddr})
		o.closers = append(o.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis %s: %w", st.RedisAddr, err)
		}
		o.status = report.NewRedisStatusStore(client, report.DefaultStatusTTL)
	} else {
		o.status = report.NewMemoryStatusStore()
	}
	return nil
}

func (o *Orchestrator) newMarketClient() *binance.Client {
	b := o.cfg.Binance
	return binance.NewClient(
		binance.WithBaseURL(b.BaseURL),
		binance.WithTimeout(b.Timeout),
		binance.WithMaxRetries(b.MaxRetries),
		binance.WithRetryDelay(b.BackoffBase),
		binance.WithMaxDelay(b.BackoffMax),
		binance.WithMinInterval(b.MinInterval),
		binance.WithBreaker(b.BreakerFailures, b.BreakerOpenDelay),
		binance.WithLogger(o.logger),
		binance.WithMetrics(o.metrics),
	)
}

// Close releases backend connections in reverse order of opening.
func (o *Orchestrator) Close() {
	for i := len(o.closers) - 1; i >= 0; i-- {
		o.closers[i]()
	}
	o.closers = nil
}

// Reports returns the report service.
func (o *Orchestrator) Reports() *report.Service {
	return o.reports
}

// Ledger returns the ledger store.
func (o *Orchestrator) Ledger() storage.LedgerStore {
	return o.ledger
}

// Location returns the calendar location of presets.
func (o *Orchestrator) Location() *time.Location {
	return o.loc
}

// RunReport executes a report synchronously.
func (o *Orchestrator) RunReport(ctx context.Context, req report.Request) (*report.Report, error) {
	return o.reports.Run(ctx, req)
}

// Adapters builds ledger adapters for the given accounts, or for every
// configured account when ids is empty.
func (o *Orchestrator) Adapters(ids []string) ([]exchange.Adapter, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	deps := exchange.Deps{
		HTTPClient: &http.Client{Timeout: o.cfg.Binance.Timeout},
		Logger:     o.logger,
		Metrics:    o.metrics,
		Now:        o.now,
	}
	var out []exchange.Adapter
	for _, acc := range o.cfg.Exchanges {
		if len(want) > 0 && !want[acc.AccountID] {
			continue
		}
		delete(want, acc.AccountID)
		a, err := o.registry.New(exchange.AdapterConfig{
			Exchange:   acc.Exchange,
			AccountID:  acc.AccountID,
			APIKey:     acc.APIKey,
			APISecret:  acc.APISecret,
			BaseURL:    acc.BaseURL,
			RecvWindow: acc.RecvWindow,
			Symbols:    acc.Symbols,
		}, deps)
		if err != nil {
			return nil, fmt.Errorf("adapter %s/%s: %w", acc.Exchange, acc.AccountID, err)
		}
		ev := o.logger.Debug()
		for k, v := range redact.Fields(map[string]string{
			"exchange":   acc.Exchange,
			"account_id": acc.AccountID,
			"api_key":    acc.APIKey,
			"api_secret": acc.APISecret,
			"base_url":   acc.BaseURL,
		}) {
			ev = ev.Str(k, v)
		}
		ev.Msg("exchange adapter ready")
		out = append(out, a)
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for id := range want {
			missing = append(missing, id)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %v", ErrUnknownAccount, missing)
	}
	return out, nil
}

// SyncLedger pulls fills and cashflows for the accounts over a preset or
// explicit range.
func (o *Orchestrator) SyncLedger(ctx context.Context, accountIDs []string, preset string, start, end *time.Time) (*ledgersync.Result, error) {
	startMs, endMs, err := report.ResolveRange(preset, start, end, o.now(), o.loc)
	if err != nil {
		return nil, err
	}
	list, err := o.Adapters(accountIDs)
	if err != nil {
		return nil, err
	}
	return o.ledgerSync.Start(ctx, list, startMs, endMs)
}

// SyncMarket backfills market series over a preset range. Without explicit
// symbols it uses the configured list, else every symbol traded in the
// ledger over the range.
func (o *Orchestrator) SyncMarket(ctx context.Context, symbols []string, preset string) (*seriescache.BackfillResult, error) {
	if preset == "" {
		preset = o.cfg.MarketSync.Preset
	}
	startMs, endMs, err := report.ResolveRange(preset, nil, nil, o.now(), o.loc)
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		symbols = o.cfg.MarketSync.Symbols
	}
	if len(symbols) == 0 {
		symbols, err = o.ledgerSymbols(ctx, startMs, endMs)
		if err != nil {
			return nil, err
		}
	}
	if len(symbols) == 0 {
		o.logger.Warn().Str("preset", preset).Msg("no symbols to backfill")
		return &seriescache.BackfillResult{}, nil
	}
	return o.backfiller.Sync(ctx, symbols, startMs, endMs)
}

func (o *Orchestrator) ledgerSymbols(ctx context.Context, start, end int64) ([]string, error) {
	ids := make([]string, 0, len(o.cfg.Exchanges))
	for _, acc := range o.cfg.Exchanges {
		ids = append(ids, acc.AccountID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	fills, err := o.ledger.LoadFills(ctx, domain.Scope{AccountIDs: ids}, start, end)
	if err != nil {
		return nil, fmt.Errorf("load fills for symbols: %w", err)
	}
	seen := make(map[string]bool)
	var out []string
	for _, f := range fills {
		if f.Symbol != "" && !seen[f.Symbol] {
			seen[f.Symbol] = true
			out = append(out, f.Symbol)
		}
	}
	sort.Strings(out)
	return out, nil
}
