package washtrade

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/rawblock/fraud-engine/internal/graph"
	"github.com/rawblock/fraud-engine/pkg/models"
)

// Wash-Trading Detector
//
// Classifies the three wash-trading shapes over the windowed transaction
// graph, always against post-insertion state so the edge under analysis is
// part of the picture:
//
//   - Self-trade: from == to. Unambiguous, confidence pinned at 1.0.
//   - Back-and-forth: an opposite-direction edge B→A inside the window and
//     a configurable time delta of the current A→B transfer. Confidence
//     rises as the pair gets closer in time and more symmetric in value.
//   - Circular: the current edge closes a simple directed cycle of length
//     ≥3. Found by a depth-bounded DFS from the destination back to the
//     source; the discovered path ships as evidence.
//
// Eviction happens on insert, before detection, so stale edges can never
// manufacture a cycle.

// Config bounds the detector's search.
type Config struct {
	BackForthDelta time.Duration // max separation between the two legs
	MaxCycleDepth  int           // DFS hop cap, bounds worst-case cost
	MinCycleLength int           // simple cycles shorter than this don't count
}

// DefaultConfig matches the production thresholds.
func DefaultConfig() Config {
	return Config{
		BackForthDelta: 30 * time.Minute,
		MaxCycleDepth:  6,
		MinCycleLength: 3,
	}
}

// Detector reads the shared transaction graph. It holds no per-transaction
// state of its own and is safe for concurrent use.
type Detector struct {
	graph *graph.Graph
	cfg   Config
	log   *zap.Logger
}

// NewDetector wires the detector to a graph view.
func NewDetector(g *graph.Graph, cfg Config, log *zap.Logger) *Detector {
	if cfg.MaxCycleDepth <= 0 {
		cfg.MaxCycleDepth = 6
	}
	if cfg.MinCycleLength < 3 {
		cfg.MinCycleLength = 3
	}
	return &Detector{graph: g, cfg: cfg, log: log}
}

// SelfTradeResult reports direct self-dealing.
type SelfTradeResult struct {
	Detected   bool
	Confidence float64
}

// CheckSelfTrade flags transactions whose endpoints are the same address.
func (d *Detector) CheckSelfTrade(tx models.Transaction) SelfTradeResult {
	if !tx.IsSelfTransfer() {
		return SelfTradeResult{}
	}
	return SelfTradeResult{Detected: true, Confidence: 1.0}
}

// BackForthResult reports a short-window opposite-direction pair.
type BackForthResult struct {
	Detected      bool
	Confidence    float64
	PriorTxHash   string
	PriorValueUSD float64
	TimeGap       time.Duration
}

// CheckBackAndForth looks for a prior B→A transfer paired with the current
// A→B one. Among several candidates the highest-confidence pairing wins.
func (d *Detector) CheckBackAndForth(tx models.Transaction) BackForthResult {
	if tx.ToAddress == "" || tx.IsSelfTransfer() {
		return BackForthResult{}
	}

	var best BackForthResult
	for _, e := range d.graph.EdgesBetween(tx.ToAddress, tx.FromAddress, tx.Timestamp) {
		if e.TxHash == tx.Hash {
			continue
		}
		gap := tx.Timestamp.Sub(e.Timestamp)
		if gap < 0 || gap > d.cfg.BackForthDelta {
			continue
		}
		conf := backForthConfidence(gap, d.cfg.BackForthDelta, e.ValueUSD, tx.ValueUSD)
		if conf > best.Confidence {
			best = BackForthResult{
				Detected:      true,
				Confidence:    conf,
				PriorTxHash:   e.TxHash,
				PriorValueUSD: e.ValueUSD,
				TimeGap:       gap,
			}
		}
	}

	if best.Detected && d.log != nil {
		d.log.Debug("back-and-forth pair detected",
			zap.String("tx", tx.Hash),
			zap.String("priorTx", best.PriorTxHash),
			zap.Duration("gap", best.TimeGap),
			zap.Float64("confidence", best.Confidence))
	}
	return best
}

// backForthConfidence blends time proximity and value symmetry equally.
// A same-value round trip seconds apart scores near 1.0.
func backForthConfidence(gap, delta time.Duration, v1, v2 float64) float64 {
	proximity := 1.0 - float64(gap)/float64(delta)
	symmetry := valueSymmetry(v1, v2)
	return clamp01(0.5*proximity + 0.5*symmetry)
}

// valueSymmetry is min/max of the two values, 1.0 for identical transfers.
func valueSymmetry(a, b float64) float64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	return math.Min(a, b) / math.Max(a, b)
}

// CycleResult reports a closed funding loop.
type CycleResult struct {
	Detected   bool
	Confidence float64
	Path       []string // address sequence from → ... → from
	TxHashes   []string // one per hop, current edge first
	Length     int      // edges in the cycle, current edge included
}

// CheckCircular reports whether the current edge A→B closes a simple
// directed cycle of at least MinCycleLength edges. The search walks out
// edges from B looking for A, never revisiting a node, and gives up past
// MaxCycleDepth hops.
func (d *Detector) CheckCircular(tx models.Transaction) CycleResult {
	if tx.ToAddress == "" || tx.IsSelfTransfer() {
		return CycleResult{}
	}

	src := models.NormalizeAddress(tx.FromAddress)
	dst := models.NormalizeAddress(tx.ToAddress)

	visited := map[string]bool{dst: true}
	path := []string{dst}
	hashes := []string{}
	values := []float64{tx.ValueUSD}

	found := d.dfs(dst, src, tx, 1, visited, &path, &hashes, &values)
	if !found {
		return CycleResult{}
	}

	// Cycle = current edge + discovered return path.
	length := len(hashes) + 1
	if length < d.cfg.MinCycleLength {
		return CycleResult{}
	}

	fullPath := append([]string{src}, path...)
	fullPath = append(fullPath, src)
	fullHashes := append([]string{tx.Hash}, hashes...)

	conf := circularConfidence(length, values)
	if d.log != nil {
		d.log.Debug("circular routing detected",
			zap.String("tx", tx.Hash),
			zap.Int("cycleLength", length),
			zap.Float64("confidence", conf))
	}
	return CycleResult{
		Detected:   true,
		Confidence: conf,
		Path:       fullPath,
		TxHashes:   fullHashes,
		Length:     length,
	}
}

// dfs extends the current simple path from node, hunting for target. Depth
// counts edges already on the path including the implicit current edge.
func (d *Detector) dfs(node, target string, tx models.Transaction, depth int, visited map[string]bool, path *[]string, hashes *[]string, values *[]float64) bool {
	if depth >= d.cfg.MaxCycleDepth {
		return false
	}
	for _, e := range d.graph.OutEdges(node, tx.Timestamp) {
		if e.TxHash == tx.Hash {
			continue
		}
		if e.To == target {
			// Closing here yields a cycle of depth+1 edges. Too short a
			// closure is skipped, not accepted, so a direct reverse edge
			// cannot shadow a longer valid return path.
			if depth+1 < d.cfg.MinCycleLength {
				continue
			}
			*hashes = append(*hashes, e.TxHash)
			*values = append(*values, e.ValueUSD)
			return true
		}
		if visited[e.To] {
			continue
		}
		visited[e.To] = true
		*path = append(*path, e.To)
		*hashes = append(*hashes, e.TxHash)
		*values = append(*values, e.ValueUSD)
		if d.dfs(e.To, target, tx, depth+1, visited, path, hashes, values) {
			return true
		}
		*path = (*path)[:len(*path)-1]
		*hashes = (*hashes)[:len(*hashes)-1]
		*values = (*values)[:len(*values)-1]
		delete(visited, e.To)
	}
	return false
}

// circularConfidence rewards tight loops that preserve value. A 3-hop cycle
// moving the same amount end to end is the canonical wash pattern.
func circularConfidence(length int, values []float64) float64 {
	minV, maxV := values[0], values[0]
	for _, v := range values[1:] {
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	preservation := 0.0
	if maxV > 0 {
		preservation = minV / maxV
	}
	// Longer cycles are harder to assemble by accident but also harder to
	// attribute; taper confidence gently with length.
	lengthFactor := 1.0 - 0.05*float64(length-3)
	return clamp01((0.55 + 0.45*preservation) * clamp01(lengthFactor))
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
