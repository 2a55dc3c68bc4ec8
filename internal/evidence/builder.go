// Package evidence builds the per-run fact table and the versioned
// evidence document, then publishes both as artifacts.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"trade-evidence-lab/internal/anomaly"
	"trade-evidence-lab/internal/attribution"
	"trade-evidence-lab/internal/domain"
	"trade-evidence-lab/internal/seriescache"
	"trade-evidence-lab/internal/statemachine"
	"trade-evidence-lab/internal/storage"
)

// ErrNoWriter is returned when a builder has no artifact writer.
var ErrNoWriter = errors.New("artifact writer is required")

// BuildInput is one run's ledger slice and report parameters.
type BuildInput struct {
	RunID         string
	Scope         domain.Scope
	StartMs       int64
	EndMs         int64
	Preset        string
	IncludeMarket bool
	Fills         []*domain.Fill
	Flows         []*domain.Cashflow
	Anomalies     []domain.Anomaly
}

// Result holds the published artifacts.
type Result struct {
	FactsPath    string
	EvidencePath string
	Evidence     *domain.Evidence
	Facts        []*domain.TradeFact
}

// CoverageChecker reports how held market series cover a window.
type CoverageChecker interface {
	Coverage(ctx context.Context, symbols []string, enableOI bool, start, end int64, tolerance time.Duration) (*seriescache.CoverageReport, error)
}

var _ CoverageChecker = (*seriescache.Cache)(nil)

// Builder runs the joiner, feature engines and state machine and assembles evidence.
type Builder struct {
	joiner    *attribution.Joiner
	writer    *ArtifactWriter
	facts     storage.FactStore
	coverage  CoverageChecker
	tolerance time.Duration
	enableOI  bool
	logger    zerolog.Logger
	now       func() time.Time
}

// Options contains configuration for creating a Builder.
type Options struct {
	Joiner *attribution.Joiner
	Writer *ArtifactWriter
	Facts  storage.FactStore // optional fact index, written after artifacts

	// Coverage, when set, is checked over the span of closes after the join
	// and any uncovered series is listed in market_gaps.
	Coverage          CoverageChecker
	CoverageTolerance time.Duration
	EnableOI          bool

	Logger *zerolog.Logger
	Now    func() time.Time
}

// NewBuilder creates a builder. A nil Joiner builds facts without market data.
func NewBuilder(opts Options) *Builder {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	joiner := opts.Joiner
	if joiner == nil {
		joiner = attribution.NewJoiner(attribution.JoinerOptions{Logger: &logger})
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Builder{
		joiner:    joiner,
		writer:    opts.Writer,
		facts:     opts.Facts,
		coverage:  opts.Coverage,
		tolerance: opts.CoverageTolerance,
		enableOI:  opts.EnableOI,
		logger:    logger,
		now:       now,
	}
}

// Build computes facts and evidence and publishes both artifacts.
// Nothing is published when any step fails.
func (b *Builder) Build(ctx context.Context, in BuildInput) (*Result, error) {
	if b.writer == nil {
		return nil, ErrNoWriter
	}
	logger := b.logger.With().Str("run_id", in.RunID).Logger()

	events, eventStats := attribution.BuildEvents(in.Fills, in.Flows)
	facts, joinStats, err := b.joiner.Build(ctx, events, in.StartMs, in.EndMs, in.IncludeMarket)
	if err != nil {
		return nil, fmt.Errorf("build facts: %w", err)
	}
	statemachine.Apply(facts)

	var gaps []string
	if in.IncludeMarket && b.coverage != nil && len(facts) > 0 {
		gaps, err = b.coverageGaps(ctx, facts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("check coverage: %w", err)
			}
			logger.Warn().Err(err).Msg("market coverage check failed")
		}
	}

	doc := b.assemble(in, facts, eventStats, joinStats, gaps)

	factsPath, evidencePath, err := b.writer.Write(in.RunID, facts, doc)
	if err != nil {
		return nil, err
	}
	logger.Info().
		Int("facts", len(facts)).
		Bool("market", doc.MarketRegimeStats != nil).
		Strs("notes", doc.Notes).
		Msg("evidence published")

	if b.facts != nil && len(facts) > 0 {
		if err := b.facts.InsertBulk(ctx, in.RunID, facts); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
			return nil, fmt.Errorf("index facts: %w", err)
		}
	}

	return &Result{
		FactsPath:    factsPath,
		EvidencePath: evidencePath,
		Evidence:     doc,
		Facts:        facts,
	}, nil
}

// Assemble builds the evidence document from already joined facts.
// Market sections are omitted unless market context was requested and available.
func (b *Builder) Assemble(in BuildInput, facts []*domain.TradeFact, es attribution.EventStats, js attribution.JoinStats) *domain.Evidence {
	return b.assemble(in, facts, es, js, nil)
}

func (b *Builder) assemble(in BuildInput, facts []*domain.TradeFact, es attribution.EventStats, js attribution.JoinStats, coverageGaps []string) *domain.Evidence {
	items := in.Anomalies
	if items == nil {
		items = []domain.Anomaly{}
	}
	doc := &domain.Evidence{
		SchemaVersion: domain.EvidenceSchemaVersion,
		Meta: domain.EvidenceMeta{
			RunID:       in.RunID,
			GeneratedAt: b.now().UTC().Format(time.RFC3339),
			Scope:       in.Scope,
			Range: domain.EvidenceRange{
				Start:  time.UnixMilli(in.StartMs).UTC().Format(time.RFC3339),
				End:    time.UnixMilli(in.EndMs).UTC().Format(time.RFC3339),
				Preset: in.Preset,
			},
		},
		AccountSummary:      AccountSummaryOf(facts),
		BehaviorFlags:       BehaviorFlagsOf(facts),
		Anomalies:           anomaly.Summarize(items),
		FundingUnattributed: js.UnattributedFunding,
		Notes:               []string{},
	}

	market := in.IncludeMarket && js.MarketAvailable
	if market {
		perf := PerformanceOf(RankRegimes(facts))
		doc.MarketRegimeStats = RegimeStatsOf(facts)
		doc.PerformanceByRegime = perf
		doc.Counterfactual = CounterfactualOf(facts, perf)
		doc.MarketStateMachine = statemachine.Table(facts)
	}

	if es.RealizedPnlMissing > 0 {
		doc.Notes = append(doc.Notes, domain.NoteRealizedPnlMissing)
	}
	if in.IncludeMarket {
		doc.MarketGaps = mergeGaps(js.MissingWindows, coverageGaps)
	}
	if !market {
		doc.Notes = append(doc.Notes, domain.NoteMarketDataMissing)
	} else if len(doc.MarketGaps) > 0 {
		doc.Notes = append(doc.Notes, domain.NoteMarketDataPartial)
	}
	if js.OpenTimeInferred > 0 {
		doc.Notes = append(doc.Notes, domain.NoteOpenTimeInferred)
	}
	if market && js.OISampled {
		doc.Notes = append(doc.Notes, domain.NoteOISampled)
	}
	if js.FundingAfterLastClose {
		doc.Notes = append(doc.Notes, domain.NoteFundingAfterLastClose)
	}
	return doc
}

// coverageGaps lists required series that do not cover the span of closes.
// Funding is skipped: it settles every 8h and rarely meets the tolerance.
func (b *Builder) coverageGaps(ctx context.Context, facts []*domain.TradeFact) ([]string, error) {
	seen := make(map[string]bool)
	var symbols []string
	for _, f := range facts {
		if !seen[f.Symbol] {
			seen[f.Symbol] = true
			symbols = append(symbols, f.Symbol)
		}
	}
	sort.Strings(symbols)

	report, err := b.coverage.Coverage(ctx, symbols, b.enableOI, facts[0].CloseTimeMs, facts[len(facts)-1].CloseTimeMs, b.tolerance)
	if err != nil {
		return nil, err
	}
	var gaps []string
	for _, s := range report.Missing() {
		if s.Kind == domain.SeriesFunding {
			continue
		}
		gaps = append(gaps, fmt.Sprintf("%s:%s/%s", s.Symbol, s.Kind, s.Interval))
	}
	return gaps, nil
}

func mergeGaps(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, g := range list {
			if !seen[g] {
				seen[g] = true
				out = append(out, g)
			}
		}
	}
	sort.Strings(out)
	return out
}
