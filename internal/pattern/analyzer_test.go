package pattern

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rawblock/fraud-engine/pkg/models"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func tx(hash string, value float64, ts time.Time) models.Transaction {
	return models.Transaction{
		Hash:        hash,
		FromAddress: "0xsender",
		ToAddress:   "0xreceiver",
		ValueUSD:    value,
		Timestamp:   ts,
		Type:        models.TxTransfer,
	}
}

func newAnalyzer() *Analyzer {
	return NewAnalyzer(DefaultConfig(), zap.NewNop())
}

// record feeds n transactions at a fixed cadence and returns the timestamp
// of the last one.
func record(a *Analyzer, n int, interval time.Duration, value float64) time.Time {
	ts := t0
	for i := 0; i < n; i++ {
		ts = t0.Add(time.Duration(i) * interval)
		a.Record(tx(fmt.Sprintf("0x%03d", i), value, ts))
	}
	return ts
}

func TestAbstainsBelowMinSamples(t *testing.T) {
	a := newAnalyzer()

	// Three prior transactions, below the five required.
	last := record(a, 4, 10*time.Minute, 100)

	res := a.AnalyzeTiming("0xsender", last)
	require.Equal(t, models.StateWarming, res.State)
	require.False(t, res.Anomalous)
	require.Zero(t, res.ZScore)
}

func TestStateLifecycle(t *testing.T) {
	a := newAnalyzer()

	require.Equal(t, models.StateEmpty, a.State("0xsender", t0))

	last := record(a, 3, 10*time.Minute, 100)
	require.Equal(t, models.StateWarming, a.State("0xsender", last))

	last = record(a, 8, 10*time.Minute, 100)
	require.Equal(t, models.StateActive, a.State("0xsender", last))
}

func TestRegularCadenceIsNotAnomalous(t *testing.T) {
	a := newAnalyzer()
	last := record(a, 10, 10*time.Minute, 100)

	res := a.AnalyzeTiming("0xsender", last)
	require.Equal(t, models.StateActive, res.State)
	require.False(t, res.Anomalous)
	require.InDelta(t, 600, res.MeanInterval, 1e-6)
	require.InDelta(t, 0, res.StdDevInterval, 1e-6)
}

func TestSuddenBurstIsAnomalous(t *testing.T) {
	a := newAnalyzer()

	// Minute-scale cadence with mild jitter, then a one-second follow-up.
	ts := t0
	for i := 0; i < 10; i++ {
		jitter := time.Duration(i%3) * time.Second
		ts = t0.Add(time.Duration(i)*10*time.Minute + jitter)
		a.Record(tx(fmt.Sprintf("0x%03d", i), 100, ts))
	}
	burst := ts.Add(time.Second)
	a.Record(tx("0xburst", 100, burst))

	res := a.AnalyzeTiming("0xsender", burst)
	require.Equal(t, models.StateActive, res.State)
	require.True(t, res.Anomalous)
	require.Greater(t, res.ZScore, 2.5)
}

func TestAlternatingCadenceHasNegativeAutocorrelation(t *testing.T) {
	a := newAnalyzer()

	// Alternating long/short intervals produce strong negative lag-1
	// correlation; constant intervals have zero variance and report 0.
	ts := t0
	a.Record(tx("0x000", 100, ts))
	for i := 1; i < 12; i++ {
		step := 5 * time.Minute
		if i%2 == 0 {
			step = 15 * time.Minute
		}
		ts = ts.Add(step)
		a.Record(tx(fmt.Sprintf("0x%03d", i), 100, ts))
	}

	res := a.AnalyzeTiming("0xsender", ts)
	require.Equal(t, models.StateActive, res.State)
	require.Less(t, res.Autocorrelation, -0.5)
}

func TestWindowEvictionDropsOldSamples(t *testing.T) {
	a := newAnalyzer()
	record(a, 10, 10*time.Minute, 100)

	// A day later everything has aged out.
	later := t0.Add(48 * time.Hour)
	require.Zero(t, a.SampleCount("0xsender", later))
	require.Equal(t, models.StateEmpty, a.State("0xsender", later))
}

func TestAnalyzeVolume(t *testing.T) {
	a := newAnalyzer()
	a.Record(tx("0x1", 100, t0))
	a.Record(tx("0x2", 200, t0.Add(time.Minute)))
	a.Record(tx("0x3", 300, t0.Add(2*time.Minute)))

	stats := a.AnalyzeVolume("0xsender", t0.Add(2*time.Minute))
	require.Equal(t, 3, stats.Count)
	require.InDelta(t, 200, stats.Mean, 1e-9)
	require.Greater(t, stats.StdDev, 0.0)
}

func TestStructuringDetected(t *testing.T) {
	a := newAnalyzer()

	// Twelve transfers of $8,000 each: individually under the $9,999
	// ceiling, $96,000 combined.
	var last time.Time
	for i := 0; i < 12; i++ {
		last = t0.Add(time.Duration(i) * 30 * time.Minute)
		a.Record(tx(fmt.Sprintf("0x%03d", i), 8_000, last))
	}

	res := a.AnalyzeStructuring("0xsender", last)
	require.Equal(t, models.StateActive, res.State)
	require.True(t, res.Detected)
	require.Equal(t, 12, res.Count)
	require.InDelta(t, 96_000, res.TotalUSD, 1e-6)
	// Uniform values, regular cadence, ceiling-proximate amounts.
	require.Greater(t, res.Confidence, 0.8)
}

func TestStructuringNotTriggeredBelowTotal(t *testing.T) {
	a := newAnalyzer()

	var last time.Time
	for i := 0; i < 12; i++ {
		last = t0.Add(time.Duration(i) * 30 * time.Minute)
		a.Record(tx(fmt.Sprintf("0x%03d", i), 1_000, last))
	}

	res := a.AnalyzeStructuring("0xsender", last)
	require.Equal(t, models.StateActive, res.State)
	require.False(t, res.Detected)
}

func TestStructuringIgnoresLargeTransfers(t *testing.T) {
	a := newAnalyzer()

	// Transfers at or above the ceiling don't count toward the cluster.
	var last time.Time
	for i := 0; i < 12; i++ {
		last = t0.Add(time.Duration(i) * 30 * time.Minute)
		a.Record(tx(fmt.Sprintf("0x%03d", i), 50_000, last))
	}

	res := a.AnalyzeStructuring("0xsender", last)
	require.False(t, res.Detected)
	require.Zero(t, res.Count)
}

func TestStructuringWithinCustomThresholds(t *testing.T) {
	a := newAnalyzer()

	var last time.Time
	for i := 0; i < 6; i++ {
		last = t0.Add(time.Duration(i) * 10 * time.Minute)
		a.Record(tx(fmt.Sprintf("0x%03d", i), 400, last))
	}

	// Defaults need 10 transfers and $50k; a tighter profile flags six
	// transfers totalling $2,400.
	require.False(t, a.AnalyzeStructuring("0xsender", last).Detected)

	res := a.StructuringWithin("0xsender", last, 500, 5, 2_000)
	require.True(t, res.Detected)
	require.Equal(t, 6, res.Count)
}

func TestMaxSamplesCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSamples = 16
	a := NewAnalyzer(cfg, zap.NewNop())

	last := record(a, 100, time.Minute, 100)
	require.Equal(t, 16, a.SampleCount("0xsender", last))
}
