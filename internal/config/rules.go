package config

import (
	"time"

	"github.com/rawblock/fraud-engine/pkg/models"
)

// Canonical rule names. The engine registers evaluators under these names
// and the snapshot enables/tunes them.
const (
	RuleHighValueTransfer    = "high_value_transfer"
	RuleSuspiciousGasPrice   = "suspicious_gas_price"
	RuleNewWalletInteraction = "new_wallet_interaction"
	RuleUnusualTimePattern   = "unusual_time_pattern"
	RuleBlacklistInteraction = "blacklist_interaction"
	RuleSelfTrading          = "self_trading"
	RuleBackAndForth         = "back_and_forth"
	RuleCircularTrading      = "circular_trading"
	RuleUnusualTiming        = "unusual_timing"
	RuleStructuring          = "multiple_small_transfers"
)

// RuleConfig tunes one rule. Snapshots are immutable once published; a
// reload builds a fresh slice and swaps the pointer.
type RuleConfig struct {
	Name       string             `json:"name"`
	Enabled    bool               `json:"enabled"`
	Severity   models.RiskLevel   `json:"severity"`
	Weight     float64            `json:"weight"` // scales rule confidence into the aggregate, [0,1]
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
}

// Threshold reads a named numeric threshold with a fallback.
func (r RuleConfig) Threshold(key string, def float64) float64 {
	if v, ok := r.Thresholds[key]; ok {
		return v
	}
	return def
}

// Snapshot is one consistent rule configuration. Every pipeline invocation
// evaluates against exactly one snapshot; a mid-flight reload is never
// observed.
type Snapshot struct {
	Version  int
	LoadedAt time.Time

	rules  []RuleConfig // registration order
	byName map[string]RuleConfig
}

// NewSnapshot builds an immutable snapshot from a rule list.
func NewSnapshot(version int, rules []RuleConfig) *Snapshot {
	s := &Snapshot{
		Version:  version,
		LoadedAt: time.Now().UTC(),
		rules:    append([]RuleConfig(nil), rules...),
		byName:   make(map[string]RuleConfig, len(rules)),
	}
	for _, r := range s.rules {
		s.byName[r.Name] = r
	}
	return s
}

// Rules returns the configured rules in registration order.
func (s *Snapshot) Rules() []RuleConfig {
	return append([]RuleConfig(nil), s.rules...)
}

// Rule returns the configuration for a named rule.
func (s *Snapshot) Rule(name string) (RuleConfig, bool) {
	r, ok := s.byName[name]
	return r, ok
}

// Enabled reports whether a named rule is present and enabled.
func (s *Snapshot) Enabled(name string) bool {
	r, ok := s.byName[name]
	return ok && r.Enabled
}

// DefaultRules are the compiled-in rule set, used when no rules.json is
// configured. Thresholds follow the shipped institutional defaults.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{
			Name: RuleHighValueTransfer, Enabled: true,
			Severity: models.RiskHigh, Weight: 0.9,
			Thresholds: map[string]float64{"threshold_usd": 10_000},
		},
		{
			Name: RuleSuspiciousGasPrice, Enabled: true,
			Severity: models.RiskMedium, Weight: 0.6,
			Thresholds: map[string]float64{"baseline_gwei": 25, "multiplier": 5},
		},
		{
			Name: RuleNewWalletInteraction, Enabled: true,
			Severity: models.RiskMedium, Weight: 0.7,
			Thresholds: map[string]float64{"max_wallet_age_hours": 24, "min_value_usd": 1_000},
		},
		{
			Name: RuleUnusualTimePattern, Enabled: true,
			Severity: models.RiskLow, Weight: 0.6,
			Thresholds: map[string]float64{"start_hour": 22, "end_hour": 6, "min_value_usd": 5_000, "include_weekends": 1},
		},
		{
			Name: RuleBlacklistInteraction, Enabled: true,
			Severity: models.RiskCritical, Weight: 1.0,
		},
		{
			Name: RuleSelfTrading, Enabled: true,
			Severity: models.RiskHigh, Weight: 1.0,
		},
		{
			Name: RuleBackAndForth, Enabled: true,
			Severity: models.RiskHigh, Weight: 0.85,
			Thresholds: map[string]float64{"time_delta_minutes": 30},
		},
		{
			Name: RuleCircularTrading, Enabled: true,
			Severity: models.RiskCritical, Weight: 0.95,
			Thresholds: map[string]float64{"max_depth": 6, "min_cycle_length": 3},
		},
		{
			Name: RuleUnusualTiming, Enabled: true,
			Severity: models.RiskMedium, Weight: 0.7,
			Thresholds: map[string]float64{"z_score_threshold": 2.5},
		},
		{
			Name: RuleStructuring, Enabled: true,
			Severity: models.RiskHigh, Weight: 0.8,
			Thresholds: map[string]float64{"max_individual_value_usd": 9_999, "min_count": 10, "total_threshold_usd": 50_000},
		},
	}
}
