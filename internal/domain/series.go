package domain

// SeriesKind identifies a market time series type.
type SeriesKind string

const (
	SeriesKline        SeriesKind = "kline"
	SeriesMarkKline    SeriesKind = "mark_kline"
	SeriesFunding      SeriesKind = "funding"
	SeriesOpenInterest SeriesKind = "open_interest"
)

// String returns the string representation of SeriesKind.
func (k SeriesKind) String() string {
	return string(k)
}

// IsValid checks if the kind is a known value.
func (k SeriesKind) IsValid() bool {
	switch k {
	case SeriesKline, SeriesMarkKline, SeriesFunding, SeriesOpenInterest:
		return true
	}
	return false
}

// SeriesPoint is one sample of a market series.
// Keyed by (kind, symbol, interval, timestamp_ms). Funding points use an empty interval.
//
// Field usage by kind:
//   - kline, mark_kline: Open/High/Low/Close/Volume, CloseTimeMs
//   - funding: Value = funding rate, QuoteValue = mark price
//   - open_interest: Value = sum open interest, QuoteValue = sum open interest value
type SeriesPoint struct {
	Kind        SeriesKind
	Symbol      string
	Interval    string
	TimestampMs int64
	CloseTimeMs int64

	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64

	Value      float64
	QuoteValue float64
}
