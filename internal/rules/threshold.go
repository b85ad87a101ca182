package rules

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rawblock/fraud-engine/internal/config"
	"github.com/rawblock/fraud-engine/pkg/models"
)

// Stateless threshold rules. Each one is a pure function of the transaction
// and its config; no history, no shared state.

// HighValueRule flags transfers at or above a USD threshold.
type HighValueRule struct{}

func (HighValueRule) Name() string { return config.RuleHighValueTransfer }

func (HighValueRule) Evaluate(_ context.Context, tx models.Transaction, cfg config.RuleConfig) models.RuleOutcome {
	threshold := cfg.Threshold("threshold_usd", 10_000)
	out := models.RuleOutcome{RuleName: cfg.Name, Severity: cfg.Severity}
	if threshold <= 0 || tx.ValueUSD < threshold {
		return out
	}
	ratio := tx.ValueUSD / threshold
	out.Triggered = true
	out.Confidence = clamp01(0.9 * cfg.Weight)
	out.Description = fmt.Sprintf("transfer of $%.2f exceeds threshold of $%.2f", tx.ValueUSD, threshold)
	out.Context = map[string]any{
		"value_usd":     tx.ValueUSD,
		"threshold_usd": threshold,
		"ratio":         ratio,
	}
	return out
}

// GasPriceRule flags gas prices far from the configured baseline in either
// direction. Paying 5× the going rate signals urgency to front-run or to
// bury a transaction; paying a fraction of it signals off-peak automation.
type GasPriceRule struct{}

func (GasPriceRule) Name() string { return config.RuleSuspiciousGasPrice }

func (GasPriceRule) Evaluate(_ context.Context, tx models.Transaction, cfg config.RuleConfig) models.RuleOutcome {
	baseline := cfg.Threshold("baseline_gwei", 25)
	multiplier := cfg.Threshold("multiplier", 5)
	out := models.RuleOutcome{RuleName: cfg.Name, Severity: cfg.Severity}
	if tx.GasPriceGwei <= 0 || baseline <= 0 || multiplier <= 1 {
		return out
	}
	ratio := tx.GasPriceGwei / baseline
	if ratio < multiplier && ratio > 1/multiplier {
		return out
	}
	out.Triggered = true
	out.Confidence = clamp01(0.6 * cfg.Weight)
	out.Description = fmt.Sprintf("gas price %.1fx the baseline", ratio)
	out.Context = map[string]any{
		"gas_price_gwei": tx.GasPriceGwei,
		"baseline_gwei":  baseline,
		"ratio":          ratio,
	}
	return out
}

// WalletAgeRule flags meaningful transfers from freshly funded wallets.
// Abstains when the funding date is unknown — a missing fact is not
// evidence of youth.
type WalletAgeRule struct{}

func (WalletAgeRule) Name() string { return config.RuleNewWalletInteraction }

func (WalletAgeRule) Evaluate(_ context.Context, tx models.Transaction, cfg config.RuleConfig) models.RuleOutcome {
	out := models.RuleOutcome{RuleName: cfg.Name, Severity: cfg.Severity}
	if tx.FundedAt == nil {
		out.Context = map[string]any{"reason": "funding date unknown"}
		return out
	}
	maxAge := time.Duration(cfg.Threshold("max_wallet_age_hours", 24) * float64(time.Hour))
	minValue := cfg.Threshold("min_value_usd", 1_000)
	age := tx.Timestamp.Sub(*tx.FundedAt)
	if age < 0 || age > maxAge || tx.ValueUSD < minValue {
		return out
	}
	// The younger the wallet, the stronger the signal.
	youth := 1.0 - age.Hours()/maxAge.Hours()
	out.Triggered = true
	out.Confidence = clamp01((0.5 + 0.4*youth) * cfg.Weight)
	out.Description = fmt.Sprintf("wallet funded %.1fh before a $%.2f transfer", age.Hours(), tx.ValueUSD)
	out.Context = map[string]any{
		"wallet_age_hours":     age.Hours(),
		"max_wallet_age_hours": maxAge.Hours(),
		"value_usd":            tx.ValueUSD,
	}
	return out
}

// TimePatternRule flags sizeable transfers during off-hours or weekends.
// Hours are evaluated in UTC; the threshold pair (start_hour, end_hour)
// describes the overnight range, e.g. 22 → 6.
type TimePatternRule struct{}

func (TimePatternRule) Name() string { return config.RuleUnusualTimePattern }

func (TimePatternRule) Evaluate(_ context.Context, tx models.Transaction, cfg config.RuleConfig) models.RuleOutcome {
	out := models.RuleOutcome{RuleName: cfg.Name, Severity: cfg.Severity}
	minValue := cfg.Threshold("min_value_usd", 5_000)
	if tx.ValueUSD < minValue {
		return out
	}

	start := int(cfg.Threshold("start_hour", 22))
	end := int(cfg.Threshold("end_hour", 6))
	ts := tx.Timestamp.UTC()
	hour := ts.Hour()

	offHours := inOvernightRange(hour, start, end)
	weekend := cfg.Threshold("include_weekends", 1) > 0 &&
		(ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday)
	if !offHours && !weekend {
		return out
	}

	window := "off hours"
	if !offHours {
		window = "weekend"
	}
	out.Triggered = true
	out.Confidence = clamp01(0.6 * cfg.Weight)
	out.Description = fmt.Sprintf("$%.2f transfer during %s", tx.ValueUSD, window)
	out.Context = map[string]any{
		"hour_utc":   hour,
		"weekday":    ts.Weekday().String(),
		"window":     window,
		"value_usd":  tx.ValueUSD,
		"is_weekend": weekend,
	}
	return out
}

// inOvernightRange handles ranges that wrap midnight (22 → 6) as well as
// plain ranges (1 → 5). Start is inclusive, end exclusive.
func inOvernightRange(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
