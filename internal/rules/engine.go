package rules

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rawblock/fraud-engine/internal/config"
	"github.com/rawblock/fraud-engine/pkg/models"
)

// Rule Engine
//
// Orchestrates a registry of independent evaluators against one transaction
// plus its consistent config snapshot. Rules are read-only over shared
// immutable state, so they fan out in parallel; a synchronization barrier
// joins every evaluation (or its timeout) before the scorer runs.
//
// Failure isolation is absolute: a rule that returns a degraded outcome,
// panics, or overruns its timeout yields a non-triggering outcome with an
// error marker and never disturbs a sibling.

// Error markers carried on degraded outcomes.
const (
	MarkerPanic   = "rule_panicked"
	MarkerTimeout = "timeout_exceeded"
)

// Rule is the single capability every evaluator implements. Evaluate must
// honor ctx on anything blocking and never mutate tx or shared state.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, tx models.Transaction, cfg config.RuleConfig) models.RuleOutcome
}

// Engine holds the ordered rule registry.
type Engine struct {
	registry []Rule
	timeout  time.Duration // per-rule budget
	log      *zap.Logger
}

// NewEngine builds an engine over the given rules. Registration order is
// preserved and breaks severity ties in the final assessment ordering.
func NewEngine(perRuleTimeout time.Duration, log *zap.Logger, rules ...Rule) *Engine {
	if perRuleTimeout <= 0 {
		perRuleTimeout = 2 * time.Second
	}
	return &Engine{registry: rules, timeout: perRuleTimeout, log: log}
}

// RuleNames returns the registered rule names in order.
func (e *Engine) RuleNames() []string {
	names := make([]string, len(e.registry))
	for i, r := range e.registry {
		names[i] = r.Name()
	}
	return names
}

// Evaluate runs every rule enabled in the snapshot concurrently and returns
// one outcome per enabled rule, in registration order. It returns when all
// rules have finished or timed out, or when ctx is cancelled — in which
// case unfinished rules are reported as timed out.
func (e *Engine) Evaluate(ctx context.Context, tx models.Transaction, snap *config.Snapshot) []models.RuleOutcome {
	type slot struct {
		rule Rule
		cfg  config.RuleConfig
	}
	var slots []slot
	for _, r := range e.registry {
		cfg, ok := snap.Rule(r.Name())
		if !ok || !cfg.Enabled {
			continue
		}
		slots = append(slots, slot{rule: r, cfg: cfg})
	}

	outcomes := make([]models.RuleOutcome, len(slots))
	g := &errgroup.Group{}
	g.SetLimit(len(slots) + 1) // one worker per enabled rule

	for i, s := range slots {
		g.Go(func() error {
			outcomes[i] = e.runRule(ctx, s.rule, tx, s.cfg)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// runRule executes one rule under its timeout with panic containment. A
// rule that ignores its context is abandoned after the deadline; its
// goroutine writes into a buffered channel and leaks nothing.
func (e *Engine) runRule(ctx context.Context, r Rule, tx models.Transaction, cfg config.RuleConfig) models.RuleOutcome {
	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan models.RuleOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				if e.log != nil {
					e.log.Error("rule panicked",
						zap.String("rule", r.Name()),
						zap.String("tx", tx.Hash),
						zap.Any("panic", rec))
				}
				done <- degradedOutcome(r.Name(), cfg, MarkerPanic, fmt.Sprintf("panic: %v", rec))
			}
		}()
		done <- r.Evaluate(rctx, tx, cfg)
	}()

	select {
	case out := <-done:
		return out
	case <-rctx.Done():
		if e.log != nil {
			e.log.Warn("rule evaluation timed out",
				zap.String("rule", r.Name()),
				zap.String("tx", tx.Hash),
				zap.Duration("budget", e.timeout))
		}
		return degradedOutcome(r.Name(), cfg, MarkerTimeout, rctx.Err().Error())
	}
}

// degradedOutcome is the canonical non-triggering error outcome.
func degradedOutcome(name string, cfg config.RuleConfig, marker, detail string) models.RuleOutcome {
	return models.RuleOutcome{
		RuleName: name,
		Severity: cfg.Severity,
		Err:      marker,
		Context:  map[string]any{"detail": detail},
	}
}
