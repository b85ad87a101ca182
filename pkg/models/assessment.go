package models

import "time"

// RiskLevel is the discrete qualitative risk tier, used both for per-rule
// severity and for the final assessment level.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Rank orders risk levels for sorting and comparison. Unknown values rank
// lowest so malformed config can never escalate an outcome.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskCritical:
		return 4
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	default:
		return 0
	}
}

// MaxRiskLevel returns the higher of two levels.
func MaxRiskLevel(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// RuleOutcome is the result of evaluating one rule against one transaction.
// One instance per rule per transaction; consumed by the risk scorer and
// discarded.
type RuleOutcome struct {
	RuleName    string         `json:"ruleName"`
	Triggered   bool           `json:"triggered"`
	Severity    RiskLevel      `json:"severity"`
	Confidence  float64        `json:"confidence"` // [0,1]; acts as the aggregation weight
	Description string         `json:"description,omitempty"`
	Context     map[string]any `json:"context,omitempty"` // structured evidence: matched address, cycle path, z-score
	Err         string         `json:"error,omitempty"`   // non-fatal evaluation error marker
}

// RiskAssessment is the aggregated verdict for one transaction.
type RiskAssessment struct {
	TransactionHash string        `json:"transactionHash"`
	Score           float64       `json:"score"` // always within [0,1]
	Level           RiskLevel     `json:"level"`
	Outcomes        []RuleOutcome `json:"outcomes"` // severity desc, then registration order
	TriggeredRules  []string      `json:"triggeredRules"`
	Duration        time.Duration `json:"durationNs"`
	Partial         bool          `json:"partial,omitempty"` // pipeline deadline hit before all rules returned
}

// Suspicious reports whether the assessment crossed the given alerting
// threshold or triggered at least one rule.
func (a RiskAssessment) Suspicious(threshold float64) bool {
	return a.Score >= threshold || len(a.TriggeredRules) > 0
}

// BlacklistEntry is a flagged address from the reference store. The engine
// only reads these; curation happens out of band.
type BlacklistEntry struct {
	Address     string    `json:"address"` // normalized lower-case
	AddressType string    `json:"addressType"`
	Severity    RiskLevel `json:"severity"`
	Reason      string    `json:"reason"`
	Source      string    `json:"source"`
	Active      bool      `json:"active"`
}
