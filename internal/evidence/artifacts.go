package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"trade-evidence-lab/internal/domain"
)

// FactRow is the columnar layout of a trade fact. Money columns are
// decimal strings so no precision is lost.
type FactRow struct {
	CloseTime        int64   `parquet:"close_time"`
	Symbol           string  `parquet:"symbol"`
	Direction        string  `parquet:"direction"`
	OpenTime         *int64  `parquet:"open_time,optional"`
	HoldingSeconds   *int64  `parquet:"holding_seconds,optional"`
	Qty              string  `parquet:"qty"`
	Price            string  `parquet:"price"`
	Turnover         string  `parquet:"turnover"`
	Fee              string  `parquet:"fee"`
	PnlNet           string  `parquet:"pnl_net"`
	Funding          string  `parquet:"funding"`
	PnlGross         string  `parquet:"pnl_gross"`
	FeeBps           float64 `parquet:"fee_bps"`
	TakerProxy       bool    `parquet:"taker_proxy"`
	TrendScore30m    float64 `parquet:"trend_score_30m"`
	TrendScore2h     float64 `parquet:"trend_score_2h"`
	TrendScore24h    float64 `parquet:"trend_score_24h"`
	VolBucket30m     string  `parquet:"vol_bucket_30m"`
	VolBucket2h      string  `parquet:"vol_bucket_2h"`
	VolBucket24h     string  `parquet:"vol_bucket_24h"`
	OIProxy30m       string  `parquet:"oi_proxy_30m"`
	OIProxy2h        string  `parquet:"oi_proxy_2h"`
	OIProxy24h       string  `parquet:"oi_proxy_24h"`
	FundingBucket30m string  `parquet:"funding_bucket_30m"`
	FundingBucket2h  string  `parquet:"funding_bucket_2h"`
	FundingBucket24h string  `parquet:"funding_bucket_24h"`
	TrendBucket      string  `parquet:"trend_bucket"`
	VolBucket        string  `parquet:"vol_bucket"`
	OIQuadrant       string  `parquet:"oi_quadrant"`
	MarketState      string  `parquet:"market_state"`
	AfterBigLoss     bool    `parquet:"after_big_loss_flag"`
	TradeAccel       float64 `parquet:"trade_acceleration_score"`
	TradeClustering  float64 `parquet:"trade_clustering"`
	RecentTakerShare float64 `parquet:"recent_taker_share"`
	TakerShareSpike  bool    `parquet:"taker_share_spike"`
	Constraints      string  `parquet:"state_constraints"` // compact JSON
	StateVersion     string  `parquet:"state_machine_version"`
}

// NewFactRow converts a fact to its columnar row.
func NewFactRow(f *domain.TradeFact) (FactRow, error) {
	constraints, err := json.Marshal(f.Constraints)
	if err != nil {
		return FactRow{}, fmt.Errorf("encode constraints: %w", err)
	}
	return FactRow{
		CloseTime:        f.CloseTimeMs,
		Symbol:           f.Symbol,
		Direction:        string(f.Direction),
		OpenTime:         f.OpenTimeMs,
		HoldingSeconds:   f.HoldingSeconds,
		Qty:              f.Qty.String(),
		Price:            f.Price.String(),
		Turnover:         f.Turnover.String(),
		Fee:              f.Fee.String(),
		PnlNet:           f.PnlNet.String(),
		Funding:          f.Funding.String(),
		PnlGross:         f.PnlGross.String(),
		FeeBps:           f.FeeBps,
		TakerProxy:       f.TakerProxy,
		TrendScore30m:    f.TrendScore30m,
		TrendScore2h:     f.TrendScore2h,
		TrendScore24h:    f.TrendScore24h,
		VolBucket30m:     f.VolBucket30m,
		VolBucket2h:      f.VolBucket2h,
		VolBucket24h:     f.VolBucket24h,
		OIProxy30m:       f.OIProxy30m,
		OIProxy2h:        f.OIProxy2h,
		OIProxy24h:       f.OIProxy24h,
		FundingBucket30m: f.FundingBucket30m,
		FundingBucket2h:  f.FundingBucket2h,
		FundingBucket24h: f.FundingBucket24h,
		TrendBucket:      f.TrendBucket,
		VolBucket:        f.VolBucket,
		OIQuadrant:       f.OIQuadrant,
		MarketState:      f.MarketState.String(),
		AfterBigLoss:     f.AfterBigLoss,
		TradeAccel:       f.TradeAcceleration,
		TradeClustering:  f.TradeClustering,
		RecentTakerShare: f.RecentTakerShare,
		TakerShareSpike:  f.TakerShareSpike,
		Constraints:      string(constraints),
		StateVersion:     domain.StateMachineVersion,
	}, nil
}

// ArtifactWriter materializes the fact table and the evidence document
// under one directory.
type ArtifactWriter struct {
	dir string
}

// NewArtifactWriter creates a writer rooted at dir.
func NewArtifactWriter(dir string) *ArtifactWriter {
	return &ArtifactWriter{dir: dir}
}

// Paths returns the final artifact paths for a tag.
func (w *ArtifactWriter) Paths(tag string) (factsPath, evidencePath string) {
	return filepath.Join(w.dir, "facts_"+tag+".parquet"), filepath.Join(w.dir, "evidence_"+tag+".json")
}

// Write encodes both artifacts to temporary files and renames them into
// place only after both are complete. On error nothing is left at the
// final paths by this call.
func (w *ArtifactWriter) Write(tag string, facts []*domain.TradeFact, doc *domain.Evidence) (factsPath, evidencePath string, err error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create artifact dir: %w", err)
	}
	factsPath, evidencePath = w.Paths(tag)

	rows := make([]FactRow, 0, len(facts))
	for _, f := range facts {
		row, err := NewFactRow(f)
		if err != nil {
			return "", "", err
		}
		rows = append(rows, row)
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode evidence: %w", err)
	}

	factsTmp, err := w.writeTemp("facts_*.parquet.tmp", func(f *os.File) error {
		pw := parquet.NewGenericWriter[FactRow](f)
		if _, err := pw.Write(rows); err != nil {
			return err
		}
		return pw.Close()
	})
	if err != nil {
		return "", "", fmt.Errorf("write facts: %w", err)
	}
	evidenceTmp, err := w.writeTemp("evidence_*.json.tmp", func(f *os.File) error {
		_, err := f.Write(body)
		return err
	})
	if err != nil {
		os.Remove(factsTmp)
		return "", "", fmt.Errorf("write evidence: %w", err)
	}

	if err := os.Rename(factsTmp, factsPath); err != nil {
		os.Remove(factsTmp)
		os.Remove(evidenceTmp)
		return "", "", fmt.Errorf("publish facts: %w", err)
	}
	if err := os.Rename(evidenceTmp, evidencePath); err != nil {
		os.Remove(evidenceTmp)
		os.Remove(factsPath)
		return "", "", fmt.Errorf("publish evidence: %w", err)
	}
	return factsPath, evidencePath, nil
}

func (w *ArtifactWriter) writeTemp(pattern string, encode func(*os.File) error) (string, error) {
	f, err := os.CreateTemp(w.dir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := encode(f); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := errors.Join(f.Sync(), f.Close()); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// ReadFacts loads a facts artifact.
func ReadFacts(path string) ([]FactRow, error) {
	rows, err := parquet.ReadFile[FactRow](path)
	if err != nil {
		return nil, fmt.Errorf("read facts %s: %w", path, err)
	}
	return rows, nil
}

// ReadEvidence loads an evidence document.
func ReadEvidence(path string) (*domain.Evidence, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read evidence %s: %w", path, err)
	}
	var doc domain.Evidence
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode evidence %s: %w", path, err)
	}
	return &doc, nil
}
