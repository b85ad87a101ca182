package graph

import (
	"sync"
	"time"

	"github.com/rawblock/fraud-engine/pkg/models"
)

// Windowed Transaction Graph
//
// A directed multigraph of transfers between addresses, bounded to a
// configurable lookback window. Addresses are interned to integer IDs and
// adjacency is kept as per-node time-ordered edge lists, so windowed
// eviction is a cheap prefix trim and cycle search never chases pointers.
//
// Invariant: no query ever observes an edge older than (now − window).
// Eviction is lazy — physically performed on insert for the touched nodes,
// and enforced on every read by filtering against the window cutoff.

// Edge is one transfer inside the window, as returned by queries.
type Edge struct {
	From      string
	To        string
	ValueUSD  float64
	Timestamp time.Time
	TxHash    string
}

// edge is the interned in-memory representation.
type edge struct {
	to       int32
	valueUSD float64
	ts       time.Time
	txHash   string
}

// Graph maintains the bounded transfer graph. Safe for concurrent use:
// writes are exclusive, reads are concurrent.
type Graph struct {
	mu     sync.RWMutex
	window time.Duration
	maxPer int // per-address edge cap, oldest dropped first

	ids   map[string]int32
	addrs []string
	out   [][]edge
}

// Option configures a Graph.
type Option func(*Graph)

// WithMaxEdgesPerAddress caps the retained out-edges per address.
func WithMaxEdgesPerAddress(n int) Option {
	return func(g *Graph) { g.maxPer = n }
}

// New creates a graph retaining edges for the given lookback window.
func New(window time.Duration, opts ...Option) *Graph {
	g := &Graph{
		window: window,
		maxPer: 1024,
		ids:    make(map[string]int32),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Window returns the configured lookback window.
func (g *Graph) Window() time.Duration { return g.window }

// Insert adds the transaction's edge to the graph and evicts stale edges on
// the touched nodes. Transactions without a destination (contract creation)
// still intern the sender so history queries can see it. Insert is atomic:
// once it returns, the edge is fully visible or not at all.
func (g *Graph) Insert(tx models.Transaction) {
	from := models.NormalizeAddress(tx.FromAddress)
	cutoff := tx.Timestamp.Add(-g.window)

	g.mu.Lock()
	defer g.mu.Unlock()

	src := g.internLocked(from)
	if tx.ToAddress == "" {
		g.evictLocked(src, cutoff)
		return
	}
	dst := g.internLocked(models.NormalizeAddress(tx.ToAddress))

	g.evictLocked(src, cutoff)
	g.evictLocked(dst, cutoff)

	g.out[src] = append(g.out[src], edge{
		to:       dst,
		valueUSD: tx.ValueUSD,
		ts:       tx.Timestamp,
		txHash:   tx.Hash,
	})
	if len(g.out[src]) > g.maxPer {
		g.out[src] = g.out[src][len(g.out[src])-g.maxPer:]
	}
}

// OutEdges returns a copy of the live out-edges of addr at the given
// reference time. Edges older than the window are filtered out even if not
// yet physically evicted.
func (g *Graph) OutEdges(addr string, now time.Time) []Edge {
	cutoff := now.Add(-g.window)
	from := models.NormalizeAddress(addr)

	g.mu.RLock()
	defer g.mu.RUnlock()

	id, ok := g.ids[from]
	if !ok {
		return nil
	}
	var edges []Edge
	for _, e := range g.out[id] {
		if e.ts.Before(cutoff) {
			continue
		}
		edges = append(edges, Edge{
			From:      from,
			To:        g.addrs[e.to],
			ValueUSD:  e.valueUSD,
			Timestamp: e.ts,
			TxHash:    e.txHash,
		})
	}
	return edges
}

// EdgesBetween returns live edges from → to inside the window.
func (g *Graph) EdgesBetween(from, to string, now time.Time) []Edge {
	target := models.NormalizeAddress(to)
	var edges []Edge
	for _, e := range g.OutEdges(from, now) {
		if e.To == target {
			edges = append(edges, e)
		}
	}
	return edges
}

// OutDegree returns the number of live out-edges of addr.
func (g *Graph) OutDegree(addr string, now time.Time) int {
	return len(g.OutEdges(addr, now))
}

// Size returns the interned node count and the retained (possibly stale,
// pre-eviction) edge count. Intended for stats endpoints, not invariants.
func (g *Graph) Size() (nodes, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nodes = len(g.addrs)
	for _, adj := range g.out {
		edges += len(adj)
	}
	return nodes, edges
}

// internLocked returns the ID for addr, allocating one if unseen.
func (g *Graph) internLocked(addr string) int32 {
	if id, ok := g.ids[addr]; ok {
		return id
	}
	id := int32(len(g.addrs))
	g.ids[addr] = id
	g.addrs = append(g.addrs, addr)
	g.out = append(g.out, nil)
	return id
}

// evictLocked trims edges of node id older than cutoff. Edge lists are
// time-ordered in the common case, but ingestion may deliver slightly out of
// order, so this filters rather than trimming a prefix.
func (g *Graph) evictLocked(id int32, cutoff time.Time) {
	adj := g.out[id]
	kept := adj[:0]
	for _, e := range adj {
		if !e.ts.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	g.out[id] = kept
}
