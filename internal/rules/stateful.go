package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rawblock/fraud-engine/internal/blacklist"
	"github.com/rawblock/fraud-engine/internal/config"
	"github.com/rawblock/fraud-engine/internal/graph"
	"github.com/rawblock/fraud-engine/internal/pattern"
	"github.com/rawblock/fraud-engine/internal/washtrade"
	"github.com/rawblock/fraud-engine/pkg/models"
)

// Stateful rules delegate to the shared graph, blacklist store, and pattern
// analyzer. They read snapshots only — graph insertion for the transaction
// under analysis has already happened by the time they run.

// MarkerMatcherUnavailable flags a blacklist outcome degraded by store failure.
const MarkerMatcherUnavailable = "matcher_unavailable"

// BlacklistRule checks both endpoints against the reference store.
type BlacklistRule struct {
	Store blacklist.Store
}

func (BlacklistRule) Name() string { return config.RuleBlacklistInteraction }

func (r BlacklistRule) Evaluate(ctx context.Context, tx models.Transaction, cfg config.RuleConfig) models.RuleOutcome {
	out := models.RuleOutcome{RuleName: cfg.Name, Severity: cfg.Severity}

	m := blacklist.CheckTransaction(ctx, r.Store, tx)
	if m.Unavailable && !m.Matched() {
		out.Err = MarkerMatcherUnavailable
		out.Context = map[string]any{"detail": "blacklist store unreachable"}
		return out
	}
	if !m.Matched() {
		return out
	}

	// The highest severity among the matched entries drives the outcome,
	// not the configured default.
	if m.Severity.Rank() > 0 {
		out.Severity = m.Severity
	}

	matched := make([]string, 0, len(m.Entries))
	evidence := make([]map[string]any, 0, len(m.Entries))
	from := models.NormalizeAddress(tx.FromAddress)
	for _, e := range m.Entries {
		matched = append(matched, e.Address)
		direction := "to"
		if e.Address == from {
			direction = "from"
		}
		evidence = append(evidence, map[string]any{
			"address":   e.Address,
			"direction": direction,
			"severity":  string(e.Severity),
			"reason":    e.Reason,
			"source":    e.Source,
		})
	}

	out.Triggered = true
	out.Confidence = clamp01(1.0 * cfg.Weight)
	out.Description = fmt.Sprintf("transaction involves blacklisted address %s", strings.Join(matched, ", "))
	out.Context = map[string]any{
		"matched_addresses": matched,
		"entries":           evidence,
		"multiple_match":    len(matched) > 1,
	}
	if m.Unavailable {
		// One endpoint matched but the other lookup failed.
		out.Context["partial_lookup"] = true
	}
	return out
}

// washConfig derives the detector bounds from rule thresholds so a snapshot
// reload retunes detection without rebuilding the engine.
func washConfig(cfg config.RuleConfig) washtrade.Config {
	def := washtrade.DefaultConfig()
	return washtrade.Config{
		BackForthDelta: time.Duration(cfg.Threshold("time_delta_minutes", def.BackForthDelta.Minutes()) * float64(time.Minute)),
		MaxCycleDepth:  int(cfg.Threshold("max_depth", float64(def.MaxCycleDepth))),
		MinCycleLength: int(cfg.Threshold("min_cycle_length", float64(def.MinCycleLength))),
	}
}

// SelfTradeRule flags from == to. The pattern is unambiguous, so the
// confidence is pinned at 1.0 regardless of configured weight.
type SelfTradeRule struct {
	Graph *graph.Graph
	Log   *zap.Logger
}

func (SelfTradeRule) Name() string { return config.RuleSelfTrading }

func (r SelfTradeRule) Evaluate(_ context.Context, tx models.Transaction, cfg config.RuleConfig) models.RuleOutcome {
	out := models.RuleOutcome{RuleName: cfg.Name, Severity: cfg.Severity}
	det := washtrade.NewDetector(r.Graph, washConfig(cfg), r.Log)
	res := det.CheckSelfTrade(tx)
	if !res.Detected {
		return out
	}
	out.Triggered = true
	out.Confidence = res.Confidence
	out.Description = "sender and recipient are the same address"
	out.Context = map[string]any{
		"address": models.NormalizeAddress(tx.FromAddress),
	}
	return out
}

// BackAndForthRule flags opposite-direction transfer pairs inside the
// configured time delta.
type BackAndForthRule struct {
	Graph *graph.Graph
	Log   *zap.Logger
}

func (BackAndForthRule) Name() string { return config.RuleBackAndForth }

func (r BackAndForthRule) Evaluate(_ context.Context, tx models.Transaction, cfg config.RuleConfig) models.RuleOutcome {
	out := models.RuleOutcome{RuleName: cfg.Name, Severity: cfg.Severity}
	det := washtrade.NewDetector(r.Graph, washConfig(cfg), r.Log)
	res := det.CheckBackAndForth(tx)
	if !res.Detected {
		return out
	}
	out.Triggered = true
	out.Confidence = clamp01(res.Confidence * cfg.Weight)
	out.Description = fmt.Sprintf("reverse transfer %.1f minutes earlier", res.TimeGap.Minutes())
	out.Context = map[string]any{
		"prior_tx_hash":   res.PriorTxHash,
		"prior_value_usd": res.PriorValueUSD,
		"time_gap_sec":    res.TimeGap.Seconds(),
		"counterparty":    models.NormalizeAddress(tx.ToAddress),
	}
	return out
}

// CircularTradingRule flags transactions that close a funding loop.
type CircularTradingRule struct {
	Graph *graph.Graph
	Log   *zap.Logger
}

func (CircularTradingRule) Name() string { return config.RuleCircularTrading }

func (r CircularTradingRule) Evaluate(_ context.Context, tx models.Transaction, cfg config.RuleConfig) models.RuleOutcome {
	out := models.RuleOutcome{RuleName: cfg.Name, Severity: cfg.Severity}
	det := washtrade.NewDetector(r.Graph, washConfig(cfg), r.Log)
	res := det.CheckCircular(tx)
	if !res.Detected {
		return out
	}
	out.Triggered = true
	out.Confidence = clamp01(res.Confidence * cfg.Weight)
	out.Description = fmt.Sprintf("transaction closes a %d-hop funding cycle", res.Length)
	out.Context = map[string]any{
		"cycle_path":   res.Path,
		"cycle_txs":    res.TxHashes,
		"cycle_length": res.Length,
	}
	return out
}

// reasonInsufficientHistory is the abstention reason shared by the
// statistical rules below the minimum sample count.
const reasonInsufficientHistory = "insufficient history"

// TimingAnomalyRule flags inter-transaction intervals far outside the
// sender's own baseline.
type TimingAnomalyRule struct {
	Analyzer *pattern.Analyzer
}

func (TimingAnomalyRule) Name() string { return config.RuleUnusualTiming }

func (r TimingAnomalyRule) Evaluate(_ context.Context, tx models.Transaction, cfg config.RuleConfig) models.RuleOutcome {
	out := models.RuleOutcome{RuleName: cfg.Name, Severity: cfg.Severity}
	res := r.Analyzer.AnalyzeTiming(tx.FromAddress, tx.Timestamp)
	if res.State != models.StateActive {
		out.Description = reasonInsufficientHistory
		out.Context = map[string]any{
			"reason":       reasonInsufficientHistory,
			"state":        string(res.State),
			"sample_count": res.SampleCount,
		}
		return out
	}

	zThreshold := cfg.Threshold("z_score_threshold", 2.5)
	out.Context = map[string]any{
		"z_score":              res.ZScore,
		"z_score_threshold":    zThreshold,
		"mean_interval_sec":    res.MeanInterval,
		"stddev_interval_sec":  res.StdDevInterval,
		"median_interval_sec":  res.MedianInterval,
		"autocorrelation_lag1": res.Autocorrelation,
		"current_interval_sec": res.CurrentInterval,
		"sample_count":         res.SampleCount,
	}
	if res.ZScore <= zThreshold {
		return out
	}
	out.Triggered = true
	// Confidence grows with how far past the threshold the deviation is.
	excess := (res.ZScore - zThreshold) / zThreshold
	out.Confidence = clamp01((0.6 + 0.3*clamp01(excess)) * cfg.Weight)
	out.Description = fmt.Sprintf("inter-transaction interval %.1fσ from the sender's baseline", res.ZScore)
	return out
}

// StructuringRule flags clusters of sub-threshold transfers that together
// move a reportable total.
type StructuringRule struct {
	Analyzer *pattern.Analyzer
}

func (StructuringRule) Name() string { return config.RuleStructuring }

func (r StructuringRule) Evaluate(_ context.Context, tx models.Transaction, cfg config.RuleConfig) models.RuleOutcome {
	out := models.RuleOutcome{RuleName: cfg.Name, Severity: cfg.Severity}
	res := r.Analyzer.StructuringWithin(
		tx.FromAddress,
		tx.Timestamp,
		cfg.Threshold("max_individual_value_usd", 9_999),
		int(cfg.Threshold("min_count", 10)),
		cfg.Threshold("total_threshold_usd", 50_000),
	)
	if res.State != models.StateActive {
		out.Description = reasonInsufficientHistory
		out.Context = map[string]any{
			"reason": reasonInsufficientHistory,
			"state":  string(res.State),
		}
		return out
	}
	if !res.Detected {
		return out
	}
	out.Triggered = true
	out.Confidence = clamp01(res.Confidence * cfg.Weight)
	out.Description = fmt.Sprintf("%d transfers totalling $%.2f below the structuring ceiling", res.Count, res.TotalUSD)
	out.Context = map[string]any{
		"transfer_count": res.Count,
		"total_usd":      res.TotalUSD,
		"time_span_sec":  res.TimeSpan.Seconds(),
		"pattern":        "structuring",
	}
	return out
}
