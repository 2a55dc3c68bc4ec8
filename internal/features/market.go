// Package features derives market regime and trading behavior features.
package features

import (
	"math"
	"sort"

	"trade-evidence-lab/internal/domain"
)

// Trend score weights.
const (
	weightDeviation = 0.6
	weightSlope     = 0.3
	weightBreakout  = 0.1
)

// Vol tertile cut points.
const (
	volLowQuantile = 0.33
	volMidQuantile = 0.66
)

// OIChangeQuantile is the quantile of absolute OI deltas used as the up/down threshold.
const OIChangeQuantile = 0.7

// FundingExtremeQuantile is the quantile of absolute funding rates marking an extreme.
const FundingExtremeQuantile = 0.9

// MarketFeature is the trend score and vol bucket of one kline.
// CloseTimeMs is when the feature becomes known; joins key on it.
type MarketFeature struct {
	TimestampMs int64
	CloseTimeMs int64
	TrendScore  float64
	VolBucket   string
}

// BuildMarketFeatures computes per-kline trend scores and vol buckets over a
// rolling window of w klines. Vol thresholds are recomputed from the klines
// passed in. Output is ordered by open time.
func BuildMarketFeatures(klines []*domain.SeriesPoint, w int) []MarketFeature {
	if len(klines) == 0 || w <= 0 {
		return nil
	}
	data := append([]*domain.SeriesPoint(nil), klines...)
	sort.Slice(data, func(i, j int) bool { return data[i].TimestampMs < data[j].TimestampMs })

	n := len(data)
	ma := rollingMean(data, w, max(3, w/3))

	// MA diffs; NaN where either side lacks an MA.
	diffs := make([]float64, n)
	diffs[0] = math.NaN()
	for i := 1; i < n; i++ {
		diffs[i] = ma[i] - ma[i-1]
	}

	out := make([]MarketFeature, n)
	vols := make([]float64, n)
	for i, k := range data {
		slope := meanNonNaN(diffs[max(0, i-w+1) : i+1])

		rollMax := k.Close
		for j := max(0, i-w+1); j <= i; j++ {
			rollMax = math.Max(rollMax, data[j].Close)
		}

		dev := ratio(k.Close-ma[i], ma[i])
		normSlope := ratio(slope, ma[i])
		breakout := ratio(k.Close-rollMax, rollMax)

		closeTs := k.CloseTimeMs
		if closeTs == 0 {
			closeTs = k.TimestampMs
		}
		out[i] = MarketFeature{
			TimestampMs: k.TimestampMs,
			CloseTimeMs: closeTs,
			TrendScore:  clamp(weightDeviation*dev+weightSlope*normSlope+weightBreakout*breakout, -1, 1),
		}
		vols[i] = ratio(k.High-k.Low, k.Close)
	}

	q1 := Quantile(vols, volLowQuantile)
	q2 := Quantile(vols, volMidQuantile)
	for i, v := range vols {
		switch {
		case v <= q1:
			out[i].VolBucket = domain.VolBucketLow
		case v <= q2:
			out[i].VolBucket = domain.VolBucketMid
		default:
			out[i].VolBucket = domain.VolBucketHigh
		}
	}
	return out
}

// TrendBucket labels a trend score: trend when |score| >= 0.2, else range.
func TrendBucket(score float64) string {
	if math.Abs(score) >= 0.2 {
		return domain.TrendBucketTrend
	}
	return domain.TrendBucketRange
}

// OIQuadrant combines an OI proxy label with the price direction of a trend score.
func OIQuadrant(oiProxy string, trendScore float64) string {
	if oiProxy == "" || oiProxy == domain.BucketNA {
		return domain.BucketNA
	}
	dir := domain.OIFlat
	switch {
	case trendScore > 0.05:
		dir = domain.OIUp
	case trendScore < -0.05:
		dir = domain.OIDown
	}
	return "oi_" + oiProxy + "_price_" + dir
}

// BuildOIProxy labels each timestamp up, down, flat or na by the OI change
// within [ts-windowMs, ts] against the 0.7 quantile of all absolute
// successive OI deltas in the series.
func BuildOIProxy(oi []*domain.SeriesPoint, timestamps []int64, windowMs int64) []string {
	out := make([]string, len(timestamps))
	if len(oi) == 0 {
		for i := range out {
			out[i] = domain.BucketNA
		}
		return out
	}
	data := sortedByTime(oi)

	deltas := make([]float64, 0, len(data))
	for i := 1; i < len(data); i++ {
		deltas = append(deltas, math.Abs(data[i].Value-data[i-1].Value))
	}
	threshold := Quantile(deltas, OIChangeQuantile)

	for i, ts := range timestamps {
		lo, hi := windowBounds(data, ts-windowMs, ts)
		if hi-lo < 2 {
			out[i] = domain.BucketNA
			continue
		}
		delta := data[hi-1].Value - data[lo].Value
		switch {
		case delta > threshold:
			out[i] = domain.OIUp
		case delta < -threshold:
			out[i] = domain.OIDown
		default:
			out[i] = domain.OIFlat
		}
	}
	return out
}

// Funding bucket labels.
const (
	FundingPosExtreme = "pos_extreme"
	FundingNegExtreme = "neg_extreme"
	FundingPos        = "pos"
	FundingNeg        = "neg"
	FundingFlat       = "flat"
)

// BuildFundingBuckets labels each timestamp by the mean funding rate within
// [ts-windowMs, ts]. Rates at or beyond the 0.9 quantile of absolute rates
// are extreme.
func BuildFundingBuckets(funding []*domain.SeriesPoint, timestamps []int64, windowMs int64) []string {
	out := make([]string, len(timestamps))
	if len(funding) == 0 {
		for i := range out {
			out[i] = domain.BucketNA
		}
		return out
	}
	data := sortedByTime(funding)

	abs := make([]float64, len(data))
	for i, p := range data {
		abs[i] = math.Abs(p.Value)
	}
	extreme := Quantile(abs, FundingExtremeQuantile)

	for i, ts := range timestamps {
		lo, hi := windowBounds(data, ts-windowMs, ts)
		if hi == lo {
			out[i] = domain.BucketNA
			continue
		}
		sum := 0.0
		for _, p := range data[lo:hi] {
			sum += p.Value
		}
		rate := sum / float64(hi-lo)
		switch {
		case rate > 0 && math.Abs(rate) >= extreme:
			out[i] = FundingPosExtreme
		case rate < 0 && math.Abs(rate) >= extreme:
			out[i] = FundingNegExtreme
		case rate > 0:
			out[i] = FundingPos
		case rate < 0:
			out[i] = FundingNeg
		default:
			out[i] = FundingFlat
		}
	}
	return out
}

// windowBounds returns the index range [lo, hi) of points with start <= ts <= end.
func windowBounds(data []*domain.SeriesPoint, start, end int64) (int, int) {
	lo := sort.Search(len(data), func(i int) bool { return data[i].TimestampMs >= start })
	hi := sort.Search(len(data), func(i int) bool { return data[i].TimestampMs > end })
	return lo, hi
}

func sortedByTime(points []*domain.SeriesPoint) []*domain.SeriesPoint {
	data := append([]*domain.SeriesPoint(nil), points...)
	sort.Slice(data, func(i, j int) bool { return data[i].TimestampMs < data[j].TimestampMs })
	return data
}

// rollingMean is the trailing mean of closes over w rows, NaN until minPeriods rows exist.
func rollingMean(data []*domain.SeriesPoint, w, minPeriods int) []float64 {
	out := make([]float64, len(data))
	sum := 0.0
	for i, k := range data {
		sum += k.Close
		if i >= w {
			sum -= data[i-w].Close
		}
		count := min(i+1, w)
		if count < minPeriods {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(count)
	}
	return out
}

func meanNonNaN(values []float64) float64 {
	sum, n := 0.0, 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// ratio returns num/den, or 0 when either is NaN or den is 0.
func ratio(num, den float64) float64 {
	if den == 0 || math.IsNaN(num) || math.IsNaN(den) {
		return 0
	}
	return num / den
}
