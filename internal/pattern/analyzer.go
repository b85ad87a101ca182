package pattern

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rawblock/fraud-engine/pkg/models"
)

// Statistical Pattern Analyzer
//
// Keeps a bounded per-address history of (timestamp, value) samples inside
// the same lookback window as the transaction graph, and derives temporal
// and volume features from it:
//
//   - Inter-transaction interval mean, standard deviation, median, and
//     lag-1 autocorrelation. Bots transact on near-perfect schedules; the
//     autocorrelation separates a regular drumbeat from bursty human use.
//   - Z-score of the current interval against the address's own baseline.
//   - Structuring (smurfing): many transfers just under a reporting
//     threshold that together move a large total.
//
// Below MinSamples prior transactions the analyzer abstains rather than
// guessing — a five-sample mean is noise, not evidence.

// Config holds the analyzer thresholds.
type Config struct {
	Window     time.Duration
	MinSamples int // prior transactions required before emitting statistics
	MaxSamples int // per-address history cap

	ZScoreThreshold float64 // |z| above this flags unusual timing

	StructuringMaxValueUSD float64 // individual transfer ceiling for the pattern
	StructuringMinCount    int     // transfers required inside the window
	StructuringTotalUSD    float64 // combined value floor
}

// DefaultConfig mirrors the shipped rule thresholds.
func DefaultConfig() Config {
	return Config{
		Window:                 24 * time.Hour,
		MinSamples:             5,
		MaxSamples:             512,
		ZScoreThreshold:        2.5,
		StructuringMaxValueUSD: 9_999,
		StructuringMinCount:    10,
		StructuringTotalUSD:    50_000,
	}
}

type sample struct {
	ts    time.Time
	value float64
}

// Analyzer maintains per-address history. Writes are exclusive, reads
// concurrent; safe across parallel pipelines.
type Analyzer struct {
	mu     sync.RWMutex
	cfg    Config
	byAddr map[string][]sample
	log    *zap.Logger
}

// NewAnalyzer creates an empty analyzer.
func NewAnalyzer(cfg Config, log *zap.Logger) *Analyzer {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 512
	}
	return &Analyzer{cfg: cfg, byAddr: make(map[string][]sample), log: log}
}

// Record inserts the transaction into its sender's history and evicts
// samples that fell out of the window. Must run before the rules read, so
// the analyzer always sees the transaction it is judging.
func (a *Analyzer) Record(tx models.Transaction) {
	addr := models.NormalizeAddress(tx.FromAddress)
	cutoff := tx.Timestamp.Add(-a.cfg.Window)

	a.mu.Lock()
	defer a.mu.Unlock()

	hist := a.byAddr[addr]
	kept := hist[:0]
	for _, s := range hist {
		if !s.ts.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	kept = append(kept, sample{ts: tx.Timestamp, value: tx.ValueUSD})
	sort.Slice(kept, func(i, j int) bool { return kept[i].ts.Before(kept[j].ts) })
	if len(kept) > a.cfg.MaxSamples {
		kept = kept[len(kept)-a.cfg.MaxSamples:]
	}
	if len(kept) == 0 {
		delete(a.byAddr, addr)
		return
	}
	a.byAddr[addr] = kept
}

// SampleCount returns the live history size for an address.
func (a *Analyzer) SampleCount(addr string, now time.Time) int {
	return len(a.window(addr, now))
}

// State reports the lifecycle phase of an address's history. Prior samples
// are all but the most recent one.
func (a *Analyzer) State(addr string, now time.Time) models.DetectorState {
	n := a.SampleCount(addr, now)
	prior := n - 1
	if prior < 0 {
		prior = 0
	}
	return models.DetectorStateFor(prior, a.cfg.MinSamples)
}

// TimingResult holds the interval statistics for one address at one instant.
// All durations are in seconds.
type TimingResult struct {
	State           models.DetectorState
	SampleCount     int // transactions in the window, current included
	MeanInterval    float64
	StdDevInterval  float64
	MedianInterval  float64
	Autocorrelation float64 // lag-1, over the interval series
	CurrentInterval float64 // gap between the two most recent transactions
	ZScore          float64
	Anomalous       bool
}

// AnalyzeTiming computes interval statistics for addr as of now. With fewer
// than MinSamples prior transactions the result carries the lifecycle state
// and Anomalous=false; callers must treat that as an abstention.
func (a *Analyzer) AnalyzeTiming(addr string, now time.Time) TimingResult {
	hist := a.window(addr, now)
	res := TimingResult{
		SampleCount: len(hist),
		State:       models.DetectorStateFor(maxInt(len(hist)-1, 0), a.cfg.MinSamples),
	}
	if res.State != models.StateActive {
		return res
	}

	intervals := make([]float64, 0, len(hist)-1)
	for i := 1; i < len(hist); i++ {
		intervals = append(intervals, hist[i].ts.Sub(hist[i-1].ts).Seconds())
	}

	res.MeanInterval, res.StdDevInterval = meanStd(intervals)
	res.MedianInterval = median(intervals)
	res.Autocorrelation = lag1Autocorrelation(intervals)
	res.CurrentInterval = intervals[len(intervals)-1]

	if res.StdDevInterval > 0 {
		res.ZScore = math.Abs(res.CurrentInterval-res.MeanInterval) / res.StdDevInterval
	}
	res.Anomalous = res.ZScore > a.cfg.ZScoreThreshold
	if res.Anomalous && a.log != nil {
		a.log.Debug("interval anomaly",
			zap.String("address", addr),
			zap.Float64("zScore", res.ZScore),
			zap.Float64("currentIntervalSec", res.CurrentInterval))
	}
	return res
}

// VolumeStats holds value statistics over the window.
type VolumeStats struct {
	Count  int
	Mean   float64
	StdDev float64
}

// AnalyzeVolume computes value_usd statistics for addr as of now.
func (a *Analyzer) AnalyzeVolume(addr string, now time.Time) VolumeStats {
	hist := a.window(addr, now)
	values := make([]float64, len(hist))
	for i, s := range hist {
		values[i] = s.value
	}
	mean, std := meanStd(values)
	return VolumeStats{Count: len(values), Mean: mean, StdDev: std}
}

// StructuringResult reports a smurfing pattern over the window.
type StructuringResult struct {
	State      models.DetectorState
	Detected   bool
	Confidence float64
	Count      int           // sub-threshold transfers involved
	TotalUSD   float64       // combined value of those transfers
	TimeSpan   time.Duration // first to last involved transfer
}

// AnalyzeStructuring flags clusters of transfers individually below the
// structuring ceiling whose combined value crosses the total floor, using
// the analyzer's default thresholds.
func (a *Analyzer) AnalyzeStructuring(addr string, now time.Time) StructuringResult {
	return a.StructuringWithin(addr, now, a.cfg.StructuringMaxValueUSD, a.cfg.StructuringMinCount, a.cfg.StructuringTotalUSD)
}

// StructuringWithin is AnalyzeStructuring with explicit thresholds, for
// rules whose configuration overrides the analyzer defaults.
func (a *Analyzer) StructuringWithin(addr string, now time.Time, maxIndividual float64, minCount int, totalThreshold float64) StructuringResult {
	hist := a.window(addr, now)
	res := StructuringResult{
		State: models.DetectorStateFor(maxInt(len(hist)-1, 0), a.cfg.MinSamples),
	}
	if res.State != models.StateActive {
		return res
	}

	var small []sample
	for _, s := range hist {
		if s.value > 0 && s.value < maxIndividual {
			small = append(small, s)
			res.TotalUSD += s.value
		}
	}
	res.Count = len(small)
	if res.Count < minCount || res.TotalUSD < totalThreshold {
		res.TotalUSD = 0
		res.Count = 0
		return res
	}

	res.Detected = true
	res.TimeSpan = small[len(small)-1].ts.Sub(small[0].ts)
	res.Confidence = a.structuringConfidence(small, maxIndividual, minCount)
	return res
}

// structuringConfidence blends four signals: how far past the minimum count
// the cluster is, how uniform the values are, how regular the cadence is,
// and how close values sit to the ceiling. Deliberate structuring tends to
// max all four.
func (a *Analyzer) structuringConfidence(small []sample, maxIndividual float64, minCount int) float64 {
	countFactor := math.Min(float64(len(small))/float64(minCount), 1.0)

	values := make([]float64, len(small))
	proximity := 0.0
	for i, s := range small {
		values[i] = s.value
		ratio := s.value / maxIndividual
		switch {
		case ratio >= 0.7 && ratio <= 0.9:
			proximity += 1.0
		case ratio >= 0.5:
			proximity += 0.7
		case ratio > 0.9:
			proximity += 0.8
		default:
			proximity += 0.3
		}
	}
	proximity /= float64(len(small))

	consistency := consistencyScore(values)

	intervals := make([]float64, 0, len(small)-1)
	for i := 1; i < len(small); i++ {
		intervals = append(intervals, small[i].ts.Sub(small[i-1].ts).Seconds())
	}
	regularity := consistencyScore(intervals)

	return clamp01(0.3*countFactor + 0.3*consistency + 0.2*regularity + 0.2*proximity)
}

// window returns addr's samples still inside the window at `now`, oldest
// first. The slice is a copy safe to use without the lock.
func (a *Analyzer) window(addr string, now time.Time) []sample {
	cutoff := now.Add(-a.cfg.Window)
	key := models.NormalizeAddress(addr)

	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []sample
	for _, s := range a.byAddr[key] {
		if !s.ts.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// lag1Autocorrelation measures how strongly consecutive intervals predict
// each other; near 1.0 means a metronomic schedule.
func lag1Autocorrelation(xs []float64) float64 {
	if len(xs) < 3 {
		return 0
	}
	mean, _ := meanStd(xs)
	var num, den float64
	for i := 0; i < len(xs); i++ {
		d := xs[i] - mean
		den += d * d
		if i+1 < len(xs) {
			num += d * (xs[i+1] - mean)
		}
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// consistencyScore is 1 − coefficient of variation, floored at zero. Equal
// values (or intervals) score 1.0.
func consistencyScore(xs []float64) float64 {
	if len(xs) < 2 {
		return 0.5
	}
	mean, std := meanStd(xs)
	if mean <= 0 {
		return 0
	}
	return clamp01(1.0 - std/mean)
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

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
