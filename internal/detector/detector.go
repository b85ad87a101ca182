package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rawblock/fraud-engine/internal/config"
	"github.com/rawblock/fraud-engine/internal/graph"
	"github.com/rawblock/fraud-engine/internal/observability"
	"github.com/rawblock/fraud-engine/internal/pattern"
	"github.com/rawblock/fraud-engine/internal/rules"
	"github.com/rawblock/fraud-engine/internal/scoring"
	"github.com/rawblock/fraud-engine/pkg/models"
)

// Fraud Detector
//
// The single entry point of the pipeline. Per transaction:
//
//	validate → record (graph + pattern history) → evaluate rules under a
//	consistent config snapshot → score → assessment
//
// Analyze is safe for concurrent callers; recording is serialized inside
// the graph and analyzer, and everything downstream reads immutable state.
// Recording happens exactly once per transaction even when the pipeline
// deadline later expires.

// AssessmentSink receives completed assessments, e.g. for persistence or
// alerting. Sinks must not block.
type AssessmentSink func(tx models.Transaction, a models.RiskAssessment)

// Detector wires the stateful components behind one facade.
type Detector struct {
	graph    *graph.Graph
	analyzer *pattern.Analyzer
	engine   *rules.Engine
	configs  *config.Store
	metrics  *observability.Metrics
	log      *zap.Logger

	deadline time.Duration // whole-pipeline budget per transaction

	mu    sync.Mutex
	stats Stats

	sinks []AssessmentSink
}

// Stats is a running summary of pipeline activity since startup.
type Stats struct {
	Analyzed     uint64             `json:"analyzed"`
	Suspicious   uint64             `json:"suspicious"`
	Partial      uint64             `json:"partial"`
	Invalid      uint64             `json:"invalid"`
	ByLevel      map[string]uint64  `json:"byLevel"`
	AvgRiskScore float64            `json:"avgRiskScore"`
	scoreSum     float64
}

// Option configures a Detector.
type Option func(*Detector)

// WithPipelineDeadline bounds the per-transaction wall time. Past it, the
// assessment is returned partial with unfinished rules marked timed out.
func WithPipelineDeadline(d time.Duration) Option {
	return func(det *Detector) { det.deadline = d }
}

// WithSink registers an assessment sink. Sinks run synchronously after
// scoring, in registration order.
func WithSink(s AssessmentSink) Option {
	return func(det *Detector) { det.sinks = append(det.sinks, s) }
}

// New builds the detector facade over already-constructed components.
func New(g *graph.Graph, an *pattern.Analyzer, eng *rules.Engine, cfgs *config.Store, m *observability.Metrics, log *zap.Logger, opts ...Option) *Detector {
	det := &Detector{
		graph:    g,
		analyzer: an,
		engine:   eng,
		configs:  cfgs,
		metrics:  m,
		log:      log,
		deadline: 5 * time.Second,
	}
	det.stats.ByLevel = make(map[string]uint64)
	for _, opt := range opts {
		opt(det)
	}
	return det
}

// Analyze runs the full pipeline for one transaction and returns its
// assessment. Invalid transactions are rejected before touching any state.
func (d *Detector) Analyze(ctx context.Context, tx models.Transaction) (models.RiskAssessment, error) {
	start := time.Now()

	if err := tx.Validate(); err != nil {
		d.mu.Lock()
		d.stats.Invalid++
		d.mu.Unlock()
		return models.RiskAssessment{}, fmt.Errorf("analyze %s: %w", tx.Hash, err)
	}

	// History first: every rule must see the transaction it is judging.
	d.graph.Insert(tx)
	d.analyzer.Record(tx)

	snap := d.configs.Current()

	pctx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	outcomes := d.engine.Evaluate(pctx, tx, snap)

	assessment := scoring.Assess(tx.Hash, outcomes)
	assessment.Duration = time.Since(start)
	assessment.Partial = pctx.Err() != nil
	for _, o := range outcomes {
		if o.Err == rules.MarkerTimeout {
			assessment.Partial = true
		}
	}

	d.observe(tx, assessment)

	for _, sink := range d.sinks {
		sink(tx, assessment)
	}
	return assessment, nil
}

// observe updates counters, metrics, and the structured log for one
// completed assessment.
func (d *Detector) observe(tx models.Transaction, a models.RiskAssessment) {
	d.mu.Lock()
	d.stats.Analyzed++
	d.stats.scoreSum += a.Score
	d.stats.AvgRiskScore = d.stats.scoreSum / float64(d.stats.Analyzed)
	d.stats.ByLevel[string(a.Level)]++
	if len(a.TriggeredRules) > 0 {
		d.stats.Suspicious++
	}
	if a.Partial {
		d.stats.Partial++
	}
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.TransactionsAnalyzed.WithLabelValues(string(a.Level)).Inc()
		d.metrics.AnalysisDuration.Observe(a.Duration.Seconds())
		d.metrics.RiskScore.Observe(a.Score)
		for _, o := range a.Outcomes {
			if o.Triggered {
				d.metrics.RuleTriggers.WithLabelValues(o.RuleName).Inc()
			}
			if o.Err != "" {
				d.metrics.RuleErrors.WithLabelValues(o.RuleName, o.Err).Inc()
			}
		}
		_, edges := d.graph.Size()
		d.metrics.GraphEdges.Set(float64(edges))
	}

	if d.log != nil {
		fields := []zap.Field{
			zap.String("tx", tx.Hash),
			zap.Float64("score", a.Score),
			zap.String("level", string(a.Level)),
			zap.Duration("duration", a.Duration),
		}
		if len(a.TriggeredRules) > 0 {
			fields = append(fields, zap.Strings("triggered", a.TriggeredRules))
		}
		if a.Partial {
			fields = append(fields, zap.Bool("partial", true))
		}
		switch {
		case a.Level == models.RiskCritical || a.Level == models.RiskHigh:
			d.log.Warn("suspicious transaction", fields...)
		case len(a.TriggeredRules) > 0:
			d.log.Info("rules triggered", fields...)
		default:
			d.log.Debug("transaction analyzed", fields...)
		}
	}
}

// Stats returns a copy of the running counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.stats
	out.ByLevel = make(map[string]uint64, len(d.stats.ByLevel))
	for k, v := range d.stats.ByLevel {
		out.ByLevel[k] = v
	}
	return out
}

// RuleNames exposes the registered rules, for introspection endpoints.
func (d *Detector) RuleNames() []string { return d.engine.RuleNames() }

// GraphSize exposes the graph footprint, for stats endpoints.
func (d *Detector) GraphSize() (nodes, edges int) { return d.graph.Size() }

// ConfigVersion reports the active rule snapshot version.
func (d *Detector) ConfigVersion() int { return d.configs.Current().Version }
