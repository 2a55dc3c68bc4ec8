package seriescache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"trade-evidence-lab/internal/connector"
	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/observability"
)

// SeriesSpec names one series required per symbol.
type SeriesSpec struct {
	Kind     domain.SeriesKind
	Interval string
}

// RequiredSeries lists the series a symbol needs for feature building:
// klines and mark klines for every lookback interval, funding, and
// open interest when enabled.
func RequiredSeries(enableOI bool) []SeriesSpec {
	specs := make([]SeriesSpec, 0, 2*len(domain.LookbackWindows)+2)
	for _, w := range domain.LookbackWindows {
		specs = append(specs,
			SeriesSpec{Kind: domain.SeriesKline, Interval: w.Interval},
			SeriesSpec{Kind: domain.SeriesMarkKline, Interval: w.Interval},
		)
	}
	specs = append(specs, SeriesSpec{Kind: domain.SeriesFunding})
	if enableOI {
		specs = append(specs, SeriesSpec{Kind: domain.SeriesOpenInterest, Interval: domain.OIPeriod})
	}
	return specs
}

// Backfiller fills missing series ranges from a market connector.
type Backfiller struct {
	connector   connector.MarketConnector
	cache       *Cache
	enableOI    bool
	concurrency int
	logger      zerolog.Logger
	metrics     *observability.Metrics
}

// BackfillOptions contains configuration for creating a Backfiller.
type BackfillOptions struct {
	Connector   connector.MarketConnector
	Cache       *Cache
	EnableOI    bool
	Concurrency int // symbols fetched in parallel; calls within a symbol are sequential
	Logger      *zerolog.Logger
	Metrics     *observability.Metrics
}

// NewBackfiller creates a new market series backfiller.
func NewBackfiller(opts BackfillOptions) *Backfiller {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	m := opts.Metrics
	if m == nil {
		m = observability.DefaultMetrics
	}
	return &Backfiller{
		connector:   opts.Connector,
		cache:       opts.Cache,
		enableOI:    opts.EnableOI,
		concurrency: concurrency,
		logger:      logger,
		metrics:     m,
	}
}

// SeriesFailure records a series whose backfill failed.
type SeriesFailure struct {
	Symbol   string
	Kind     domain.SeriesKind
	Interval string
	Err      error
}

// BackfillResult contains statistics from a backfill operation.
type BackfillResult struct {
	SeriesChecked int
	GapsFetched   int
	PointsFetched int
	Failures      []SeriesFailure
	Duration      time.Duration
}

// Sync backfills every required series of every symbol over [start, end].
// A failing series is recorded in the result and does not stop the others;
// only context cancellation aborts the run.
func (b *Backfiller) Sync(ctx context.Context, symbols []string, start, end int64) (*BackfillResult, error) {
	began := time.Now()
	result := &BackfillResult{}
	var mu sync.Mutex

	specs := RequiredSeries(b.enableOI)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			for _, spec := range specs {
				if err := gctx.Err(); err != nil {
					return err
				}
				_, gaps, points, err := b.ensure(gctx, spec.Kind, symbol, spec.Interval, start, end)

				mu.Lock()
				result.SeriesChecked++
				result.GapsFetched += gaps
				result.PointsFetched += points
				if err != nil {
					result.Failures = append(result.Failures, SeriesFailure{
						Symbol: symbol, Kind: spec.Kind, Interval: spec.Interval, Err: err,
					})
				}
				mu.Unlock()

				if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	result.Duration = time.Since(began)

	b.logger.Info().
		Int("symbols", len(symbols)).
		Int("series", result.SeriesChecked).
		Int("gaps", result.GapsFetched).
		Int("points", result.PointsFetched).
		Int("failures", len(result.Failures)).
		Dur("duration", result.Duration).
		Msg("market backfill complete")

	if err != nil {
		return result, fmt.Errorf("market backfill: %w", err)
	}
	return result, nil
}

// EnsureSeries fills the missing ranges of one series and returns the best
// known series. On connector failure the cached series is returned together
// with the error, so callers can degrade to partial data.
func (b *Backfiller) EnsureSeries(ctx context.Context, kind domain.SeriesKind, symbol, interval string, start, end int64) ([]*domain.SeriesPoint, error) {
	points, _, _, err := b.ensure(ctx, kind, symbol, interval, start, end)
	return points, err
}

func (b *Backfiller) ensure(ctx context.Context, kind domain.SeriesKind, symbol, interval string, start, end int64) (points []*domain.SeriesPoint, gaps, fetched int, err error) {
	points, err = b.cache.Load(ctx, kind, symbol, interval)
	if err != nil {
		return nil, 0, 0, err
	}
	if b.connector == nil {
		return points, 0, 0, nil
	}

	for _, gap := range ComputeMissingRanges(points, start, end) {
		rows, ferr := b.connector.GetSeries(ctx, kind, symbol, interval, gap.Start, gap.End)
		if ferr != nil {
			b.logger.Warn().
				Err(ferr).
				Str("symbol", symbol).
				Str("kind", kind.String()).
				Str("interval", interval).
				Int64("gap_start", gap.Start).
				Int64("gap_end", gap.End).
				Msg("series gap fetch failed")
			return points, gaps, fetched, fmt.Errorf("fetch %s %s %s: %w", kind, symbol, interval, ferr)
		}

		gaps++
		fetched += len(rows)
		b.metrics.RecordGapFetched(kind.String(), len(rows))

		if len(rows) == 0 {
			continue
		}
		merged, uerr := b.cache.Upsert(ctx, kind, symbol, interval, rows)
		if uerr != nil {
			return points, gaps, fetched, uerr
		}
		points = merged
	}
	return points, gaps, fetched, nil
}
