package domain

// AnomalyCode identifies an anomaly rule.
type AnomalyCode string

const (
	AnomalyFeeEatsProfit     AnomalyCode = "FEE_EATS_PROFIT"
	AnomalyFundingDrag       AnomalyCode = "FUNDING_DRAG"
	AnomalyTailLossDominates AnomalyCode = "TAIL_LOSS_DOMINATES"
	AnomalyOvertradingNoEdge AnomalyCode = "OVERTRADING_NO_EDGE"
	AnomalyRevengeCluster    AnomalyCode = "REVENGE_CLUSTER"
	AnomalyConcentrationRisk AnomalyCode = "CONCENTRATION_RISK"
)

// Severity of an anomaly.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Window is an ISO-8601 UTC time span.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Anomaly is a triggered rule. Evidence and Impact values are JSON scalars
// (decimal strings for money, floats for ratios).
type Anomaly struct {
	Code     AnomalyCode    `json:"code"`
	Severity Severity       `json:"severity"`
	Window   Window         `json:"window"`
	Evidence map[string]any `json:"evidence"`
	Impact   map[string]any `json:"impact"`
}
