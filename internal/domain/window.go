package domain

// LookbackWindow is one market feature horizon and the kline interval that feeds it.
type LookbackWindow struct {
	Label    string // 30m | 2h | 24h
	Interval string // kline interval
	Periods  int    // rolling window in klines
	Ms       int64  // horizon length in milliseconds
}

// LookbackWindows are the feature horizons joined onto every fact.
var LookbackWindows = []LookbackWindow{
	{Label: "30m", Interval: "1m", Periods: 30, Ms: 30 * 60 * 1000},
	{Label: "2h", Interval: "5m", Periods: 24, Ms: 2 * 60 * 60 * 1000},
	{Label: "24h", Interval: "1h", Periods: 24, Ms: 24 * 60 * 60 * 1000},
}

// OIPeriod is the open interest history period.
const OIPeriod = "5m"
