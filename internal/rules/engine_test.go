package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rawblock/fraud-engine/internal/config"
	"github.com/rawblock/fraud-engine/pkg/models"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func sampleTx() models.Transaction {
	return models.Transaction{
		Hash:        "0xabc",
		FromAddress: "0xalice",
		ToAddress:   "0xbob",
		ValueUSD:    100,
		Timestamp:   t0,
		Type:        models.TxTransfer,
	}
}

// stubRule is a scriptable rule for engine behavior tests.
type stubRule struct {
	name string
	fn   func(ctx context.Context, tx models.Transaction, cfg config.RuleConfig) models.RuleOutcome
}

func (s stubRule) Name() string { return s.name }
func (s stubRule) Evaluate(ctx context.Context, tx models.Transaction, cfg config.RuleConfig) models.RuleOutcome {
	return s.fn(ctx, tx, cfg)
}

func triggering(name string) stubRule {
	return stubRule{name: name, fn: func(_ context.Context, _ models.Transaction, cfg config.RuleConfig) models.RuleOutcome {
		return models.RuleOutcome{RuleName: name, Triggered: true, Severity: cfg.Severity, Confidence: 0.9}
	}}
}

func snapshotFor(names ...string) *config.Snapshot {
	cfgs := make([]config.RuleConfig, 0, len(names))
	for _, n := range names {
		cfgs = append(cfgs, config.RuleConfig{Name: n, Enabled: true, Severity: models.RiskHigh, Weight: 1.0})
	}
	return config.NewSnapshot(1, cfgs)
}

func TestEvaluateRunsEnabledRulesInRegistrationOrder(t *testing.T) {
	eng := NewEngine(time.Second, zap.NewNop(), triggering("r1"), triggering("r2"), triggering("r3"))

	outcomes := eng.Evaluate(context.Background(), sampleTx(), snapshotFor("r1", "r2", "r3"))
	require.Len(t, outcomes, 3)
	require.Equal(t, "r1", outcomes[0].RuleName)
	require.Equal(t, "r2", outcomes[1].RuleName)
	require.Equal(t, "r3", outcomes[2].RuleName)
}

func TestDisabledAndUnknownRulesAreSkipped(t *testing.T) {
	eng := NewEngine(time.Second, zap.NewNop(), triggering("enabled"), triggering("disabled"), triggering("unknown"))

	snap := config.NewSnapshot(1, []config.RuleConfig{
		{Name: "enabled", Enabled: true, Severity: models.RiskHigh, Weight: 1.0},
		{Name: "disabled", Enabled: false, Severity: models.RiskHigh, Weight: 1.0},
	})

	outcomes := eng.Evaluate(context.Background(), sampleTx(), snap)
	require.Len(t, outcomes, 1)
	require.Equal(t, "enabled", outcomes[0].RuleName)
}

func TestPanickingRuleIsIsolated(t *testing.T) {
	boom := stubRule{name: "boom", fn: func(_ context.Context, _ models.Transaction, _ config.RuleConfig) models.RuleOutcome {
		panic("unexpected nil")
	}}
	eng := NewEngine(time.Second, zap.NewNop(), triggering("ok1"), boom, triggering("ok2"))

	outcomes := eng.Evaluate(context.Background(), sampleTx(), snapshotFor("ok1", "boom", "ok2"))
	require.Len(t, outcomes, 3)

	require.True(t, outcomes[0].Triggered)
	require.True(t, outcomes[2].Triggered)

	require.False(t, outcomes[1].Triggered)
	require.Equal(t, MarkerPanic, outcomes[1].Err)
}

func TestSlowRuleTimesOutWithoutBlockingSiblings(t *testing.T) {
	started := time.Now()
	slow := stubRule{name: "slow", fn: func(_ context.Context, _ models.Transaction, _ config.RuleConfig) models.RuleOutcome {
		// Ignores its context entirely; the engine must abandon it.
		time.Sleep(2 * time.Second)
		return models.RuleOutcome{RuleName: "slow", Triggered: true}
	}}
	eng := NewEngine(50*time.Millisecond, zap.NewNop(), slow, triggering("fast"))

	outcomes := eng.Evaluate(context.Background(), sampleTx(), snapshotFor("slow", "fast"))
	require.Less(t, time.Since(started), time.Second)

	require.Equal(t, MarkerTimeout, outcomes[0].Err)
	require.False(t, outcomes[0].Triggered)
	require.True(t, outcomes[1].Triggered)
}

func TestContextHonoringRuleSeesCancellation(t *testing.T) {
	polite := stubRule{name: "polite", fn: func(ctx context.Context, _ models.Transaction, _ config.RuleConfig) models.RuleOutcome {
		<-ctx.Done()
		return models.RuleOutcome{RuleName: "polite", Err: ctx.Err().Error()}
	}}
	eng := NewEngine(20*time.Millisecond, zap.NewNop(), polite)

	outcomes := eng.Evaluate(context.Background(), sampleTx(), snapshotFor("polite"))
	require.Len(t, outcomes, 1)
	require.False(t, outcomes[0].Triggered)
	require.NotEmpty(t, outcomes[0].Err)
}

func TestRuleNames(t *testing.T) {
	eng := NewEngine(time.Second, zap.NewNop(), triggering("a"), triggering("b"))
	require.Equal(t, []string{"a", "b"}, eng.RuleNames())
}
