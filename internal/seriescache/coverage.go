package seriescache

import (
	"context"
	"time"

	"trade-evidence-lab/internal/domain"
)

// SeriesCoverage describes how one held series covers a window.
type SeriesCoverage struct {
	Symbol   string
	Kind     domain.SeriesKind
	Interval string
	Points   int
	MinTs    int64
	MaxTs    int64
	OK       bool
}

// CoverageReport lists the coverage of every required series.
type CoverageReport struct {
	Series []SeriesCoverage
}

// Complete reports whether every symbol has at least one covering kline
// interval and every other required series covers the window.
func (r *CoverageReport) Complete() bool {
	klineOK := make(map[string]bool)
	markOK := make(map[string]bool)
	for _, s := range r.Series {
		switch s.Kind {
		case domain.SeriesKline:
			klineOK[s.Symbol] = klineOK[s.Symbol] || s.OK
		case domain.SeriesMarkKline:
			markOK[s.Symbol] = markOK[s.Symbol] || s.OK
		case domain.SeriesFunding:
			// funding settles every 8h and rarely meets the tolerance
		default:
			if !s.OK {
				return false
			}
		}
	}
	for _, ok := range klineOK {
		if !ok {
			return false
		}
	}
	for _, ok := range markOK {
		if !ok {
			return false
		}
	}
	return len(r.Series) > 0
}

// Missing returns the series that fail coverage.
func (r *CoverageReport) Missing() []SeriesCoverage {
	var out []SeriesCoverage
	for _, s := range r.Series {
		if !s.OK {
			out = append(out, s)
		}
	}
	return out
}

// Coverage checks the held series of symbols against [start, end].
// A series covers the window when its first point is at most tolerance after
// start and its last point at most tolerance before end.
func (c *Cache) Coverage(ctx context.Context, symbols []string, enableOI bool, start, end int64, tolerance time.Duration) (*CoverageReport, error) {
	tol := tolerance.Milliseconds()
	report := &CoverageReport{}

	for _, symbol := range symbols {
		for _, spec := range RequiredSeries(enableOI) {
			points, err := c.Load(ctx, spec.Kind, symbol, spec.Interval)
			if err != nil {
				return nil, err
			}
			cov := SeriesCoverage{Symbol: symbol, Kind: spec.Kind, Interval: spec.Interval, Points: len(points)}
			if len(points) > 0 {
				cov.MinTs = points[0].TimestampMs
				cov.MaxTs = points[len(points)-1].TimestampMs
				cov.OK = cov.MinTs <= start+tol && cov.MaxTs >= end-tol
			}
			report.Series = append(report.Series, cov)
		}
	}
	return report, nil
}
