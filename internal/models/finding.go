package models

// Severity grades a single finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Finding is one issue reported by the risk analysis.
type Finding struct {
	Type        string   `json:"type" validate:"required"`
	Severity    Severity `json:"severity" validate:"required,oneof=critical high medium low info"`
	Title       string   `json:"title" validate:"required"`
	Description string   `json:"description"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

var severityWeights = map[Severity]int{
	SeverityCritical: 30,
	SeverityHigh:     15,
	SeverityMedium:   7,
	SeverityLow:      3,
	SeverityInfo:     1,
}

// MaxRiskScore caps RiskScore.
const MaxRiskScore = 100

// RiskScore weighs findings by severity and caps the sum at MaxRiskScore.
// Unknown severities weigh nothing.
func RiskScore(findings []Finding) int {
	score := 0
	for _, f := range findings {
		score += severityWeights[f.Severity]
	}
	if score > MaxRiskScore {
		return MaxRiskScore
	}
	return score
}

// CountBySeverity tallies findings per severity.
func CountBySeverity(findings []Finding) map[Severity]int {
	out := make(map[Severity]int, len(severityWeights))
	for _, f := range findings {
		out[f.Severity]++
	}
	return out
}
