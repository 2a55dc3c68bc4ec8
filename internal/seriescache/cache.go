// Package seriescache materializes market series in a per-process memory tier
// over a durable store, computes missing ranges and backfills them.
package seriescache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/observability"
	"trade-evidence-lab/internal/storage"
)

// Range is an inclusive millisecond span [Start, End].
type Range struct {
	Start int64
	End   int64
}

// ComputeMissingRanges returns the spans of [start, end] not covered by existing.
// The held series is assumed contiguous: only the span before its minimum and
// the span after its maximum are reported, interior holes are not detected.
func ComputeMissingRanges(existing []*domain.SeriesPoint, start, end int64) []Range {
	if len(existing) == 0 {
		return []Range{{Start: start, End: end}}
	}

	minTs, maxTs := existing[0].TimestampMs, existing[0].TimestampMs
	for _, p := range existing[1:] {
		if p.TimestampMs < minTs {
			minTs = p.TimestampMs
		}
		if p.TimestampMs > maxTs {
			maxTs = p.TimestampMs
		}
	}

	var ranges []Range
	if start < minTs {
		ranges = append(ranges, Range{Start: start, End: min(end, minTs-1)})
	}
	if end > maxTs {
		ranges = append(ranges, Range{Start: maxTs + 1, End: end})
	}
	return ranges
}

// Cache is the two-tier series cache. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	mem     map[string][]*domain.SeriesPoint
	durable storage.SeriesStore
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	Durable storage.SeriesStore // optional
	Logger  *zerolog.Logger
	Metrics *observability.Metrics
}

// NewCache creates a new series cache.
func NewCache(opts CacheOptions) *Cache {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	m := opts.Metrics
	if m == nil {
		m = observability.DefaultMetrics
	}
	return &Cache{
		mem:     make(map[string][]*domain.SeriesPoint),
		durable: opts.Durable,
		logger:  logger,
		metrics: m,
	}
}

func cacheKey(kind domain.SeriesKind, symbol, interval string) string {
	return fmt.Sprintf("%s|%s|%s", kind, symbol, interval)
}

// Load returns the best known series: memory tier, else durable store, else empty.
// A durable hit warms the memory tier.
func (c *Cache) Load(ctx context.Context, kind domain.SeriesKind, symbol, interval string) ([]*domain.SeriesPoint, error) {
	key := cacheKey(kind, symbol, interval)

	c.mu.RLock()
	held, ok := c.mem[key]
	c.mu.RUnlock()
	if ok && len(held) > 0 {
		c.metrics.RecordCacheLoad("memory")
		return copyPoints(held), nil
	}

	if c.durable == nil {
		c.metrics.RecordCacheLoad("empty")
		return nil, nil
	}

	points, err := c.durable.Load(ctx, kind, symbol, interval)
	if err != nil {
		return nil, fmt.Errorf("load durable %s: %w", key, err)
	}
	if len(points) == 0 {
		c.metrics.RecordCacheLoad("empty")
		return nil, nil
	}

	c.mu.Lock()
	c.mem[key] = copyPoints(points)
	c.mu.Unlock()

	c.metrics.RecordCacheLoad("durable")
	return points, nil
}

// Upsert merges rows into the series, keeping the newest row per timestamp,
// and writes both tiers. Returns the merged series ordered by timestamp.
func (c *Cache) Upsert(ctx context.Context, kind domain.SeriesKind, symbol, interval string, rows []*domain.SeriesPoint) ([]*domain.SeriesPoint, error) {
	if len(rows) == 0 {
		return c.Load(ctx, kind, symbol, interval)
	}

	existing, err := c.Load(ctx, kind, symbol, interval)
	if err != nil {
		return nil, err
	}

	incoming := make([]*domain.SeriesPoint, 0, len(rows))
	for _, r := range rows {
		p := *r
		p.Kind, p.Symbol, p.Interval = kind, symbol, interval
		incoming = append(incoming, &p)
	}

	merged := mergePoints(existing, incoming)

	if c.durable != nil {
		if err := c.durable.Upsert(ctx, incoming); err != nil {
			return nil, fmt.Errorf("upsert durable %s: %w", cacheKey(kind, symbol, interval), err)
		}
	}

	c.mu.Lock()
	c.mem[cacheKey(kind, symbol, interval)] = merged
	c.mu.Unlock()

	c.logger.Debug().
		Str("kind", kind.String()).
		Str("symbol", symbol).
		Str("interval", interval).
		Int("incoming", len(incoming)).
		Int("total", len(merged)).
		Msg("series upserted")

	return copyPoints(merged), nil
}

// mergePoints dedupes on (timestamp, symbol) with later rows winning, sorted by timestamp.
func mergePoints(existing, incoming []*domain.SeriesPoint) []*domain.SeriesPoint {
	type key struct {
		ts     int64
		symbol string
	}
	byKey := make(map[key]*domain.SeriesPoint, len(existing)+len(incoming))
	for _, p := range existing {
		byKey[key{p.TimestampMs, p.Symbol}] = p
	}
	for _, p := range incoming {
		byKey[key{p.TimestampMs, p.Symbol}] = p
	}

	merged := make([]*domain.SeriesPoint, 0, len(byKey))
	for _, p := range byKey {
		merged = append(merged, p)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].TimestampMs < merged[j].TimestampMs
	})
	return merged
}

func copyPoints(points []*domain.SeriesPoint) []*domain.SeriesPoint {
	out := make([]*domain.SeriesPoint, len(points))
	for i, p := range points {
		pointCopy := *p
		out[i] = &pointCopy
	}
	return out
}
