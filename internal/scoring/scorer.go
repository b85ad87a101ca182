package scoring

import (
	"sort"

	"github.com/rawblock/fraud-engine/pkg/models"
)

// Risk Scorer
//
// Aggregates rule outcomes into one bounded score. No single correct
// combination exists, so the policy is explicit and auditable:
//
//	contribution_i = confidence_i × severityWeight(severity_i)
//	score          = 1 − ∏(1 − contribution_i)      (probabilistic OR)
//
// The product form keeps the score inside [0,1] while still rewarding
// multiple simultaneous triggers, and adding a triggered outcome can never
// lower the score. The function is pure: identical outcome sets always
// produce identical scores, which audit and replay depend on.

// severityWeights maps discrete severities onto contribution multipliers.
var severityWeights = map[models.RiskLevel]float64{
	models.RiskLow:      0.2,
	models.RiskMedium:   0.4,
	models.RiskHigh:     0.7,
	models.RiskCritical: 1.0,
}

// SeverityWeight returns the aggregation multiplier for a severity.
// Unknown severities weigh zero and therefore cannot move the score.
func SeverityWeight(level models.RiskLevel) float64 {
	return severityWeights[level]
}

// LevelForScore buckets a final score into the discrete risk level.
func LevelForScore(score float64) models.RiskLevel {
	switch {
	case score >= 0.8:
		return models.RiskCritical
	case score >= 0.6:
		return models.RiskHigh
	case score >= 0.3:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// Score combines triggered outcomes with the probabilistic-OR policy.
// Non-triggered and errored outcomes contribute nothing.
func Score(outcomes []models.RuleOutcome) float64 {
	survival := 1.0
	for _, o := range outcomes {
		if !o.Triggered {
			continue
		}
		contribution := clamp01(o.Confidence) * SeverityWeight(o.Severity)
		survival *= 1.0 - contribution
	}
	score := 1.0 - survival
	return clamp01(score)
}

// Assess produces the full assessment for one transaction: outcomes sorted
// by descending severity (registration order preserved within a tier), the
// aggregate score, and the derived level. Duration and the partial flag are
// the caller's to fill in.
func Assess(txHash string, outcomes []models.RuleOutcome) models.RiskAssessment {
	ordered := append([]models.RuleOutcome(nil), outcomes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Severity.Rank() > ordered[j].Severity.Rank()
	})

	var triggered []string
	for _, o := range ordered {
		if o.Triggered {
			triggered = append(triggered, o.RuleName)
		}
	}

	score := Score(ordered)
	return models.RiskAssessment{
		TransactionHash: txHash,
		Score:           score,
		Level:           LevelForScore(score),
		Outcomes:        ordered,
		TriggeredRules:  triggered,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
