package graph

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rawblock/fraud-engine/pkg/models"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func tx(hash, from, to string, value float64, ts time.Time) models.Transaction {
	return models.Transaction{
		Hash:        hash,
		FromAddress: from,
		ToAddress:   to,
		ValueUSD:    value,
		Timestamp:   ts,
		Type:        models.TxTransfer,
	}
}

func TestInsertAndOutEdges(t *testing.T) {
	g := New(24 * time.Hour)
	g.Insert(tx("0xa1", "0xAlice", "0xBob", 100, t0))
	g.Insert(tx("0xa2", "0xalice", "0xcarol", 50, t0.Add(time.Minute)))

	edges := g.OutEdges("0xALICE", t0.Add(time.Hour))
	require.Len(t, edges, 2)
	require.Equal(t, "0xbob", edges[0].To)
	require.Equal(t, "0xcarol", edges[1].To)

	require.Empty(t, g.OutEdges("0xbob", t0.Add(time.Hour)))
}

func TestWindowEviction(t *testing.T) {
	g := New(time.Hour)
	g.Insert(tx("0xold", "0xa", "0xb", 10, t0))
	g.Insert(tx("0xnew", "0xa", "0xb", 20, t0.Add(2*time.Hour)))

	edges := g.OutEdges("0xa", t0.Add(2*time.Hour))
	require.Len(t, edges, 1)
	require.Equal(t, "0xnew", edges[0].TxHash)
}

func TestReadsFilterStaleEdgesWithoutInsert(t *testing.T) {
	g := New(time.Hour)
	g.Insert(tx("0xe1", "0xa", "0xb", 10, t0))

	// No further inserts: physical eviction never ran, the read-side cutoff
	// must still hide the edge once the window passes.
	require.Len(t, g.OutEdges("0xa", t0.Add(30*time.Minute)), 1)
	require.Empty(t, g.OutEdges("0xa", t0.Add(2*time.Hour)))
}

func TestEdgesBetween(t *testing.T) {
	g := New(24 * time.Hour)
	g.Insert(tx("0xe1", "0xa", "0xb", 10, t0))
	g.Insert(tx("0xe2", "0xa", "0xc", 20, t0))
	g.Insert(tx("0xe3", "0xa", "0xb", 30, t0.Add(time.Minute)))

	between := g.EdgesBetween("0xa", "0xb", t0.Add(time.Hour))
	require.Len(t, between, 2)
	for _, e := range between {
		require.Equal(t, "0xb", e.To)
	}
}

func TestOutOfOrderInsertion(t *testing.T) {
	g := New(time.Hour)
	g.Insert(tx("0xlate", "0xa", "0xb", 10, t0.Add(time.Minute)))
	g.Insert(tx("0xearly", "0xa", "0xb", 10, t0))

	require.Len(t, g.OutEdges("0xa", t0.Add(time.Minute)), 2)
}

func TestContractCreationInternsSenderOnly(t *testing.T) {
	g := New(time.Hour)
	g.Insert(tx("0xc1", "0xdeployer", "", 0, t0))

	nodes, edges := g.Size()
	require.Equal(t, 1, nodes)
	require.Equal(t, 0, edges)
}

func TestMaxEdgesPerAddress(t *testing.T) {
	g := New(24*time.Hour, WithMaxEdgesPerAddress(5))
	for i := 0; i < 10; i++ {
		g.Insert(tx(fmt.Sprintf("0x%02d", i), "0xa", "0xb", 1, t0.Add(time.Duration(i)*time.Second)))
	}

	edges := g.OutEdges("0xa", t0.Add(time.Minute))
	require.Len(t, edges, 5)
	// Oldest edges dropped first.
	require.Equal(t, "0x05", edges[0].TxHash)
}

func TestSize(t *testing.T) {
	g := New(time.Hour)
	g.Insert(tx("0xe1", "0xa", "0xb", 10, t0))
	g.Insert(tx("0xe2", "0xb", "0xc", 10, t0))

	nodes, edges := g.Size()
	require.Equal(t, 3, nodes)
	require.Equal(t, 2, edges)
}
