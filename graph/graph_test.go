package graph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/graph"
)

func buildChain(g *graph.Graph) {
	svc := graph.Node{ID: graph.ServiceNodeID("fs"), Kind: graph.NodeService, Label: "fs"}
	a := graph.Node{ID: graph.ToolNodeID("read_file"), Kind: graph.NodeTool, Label: "read_file"}
	b := graph.Node{ID: graph.ToolNodeID("parse_json"), Kind: graph.NodeTool, Label: "parse_json"}
	c := graph.Node{ID: graph.ToolNodeID("summarize"), Kind: graph.NodeTool, Label: "summarize"}

	g.Rebuild(
		[]graph.Node{svc, a, b, c},
		[]graph.Edge{
			{From: a.ID, To: svc.ID, Kind: graph.EdgeBelongsTo},
			{From: a.ID, To: b.ID, Kind: graph.EdgeDataFlow, Confidence: 0.9},
			{From: b.ID, To: c.ID, Kind: graph.EdgeDataFlow, Confidence: 0.8},
		},
	)
}

func TestNeighborsFiltersByEdgeKindAndSortsDeterministically(t *testing.T) {
	g := graph.New()
	buildChain(g)

	all := g.Neighbors(graph.ToolNodeID("read_file"))
	require.Len(t, all, 2)
	assert.Equal(t, graph.EdgeBelongsTo, all[0].Edge.Kind)
	assert.Equal(t, graph.EdgeDataFlow, all[1].Edge.Kind)

	onlyDataFlow := g.Neighbors(graph.ToolNodeID("read_file"), graph.EdgeDataFlow)
	require.Len(t, onlyDataFlow, 1)
	assert.Equal(t, graph.ToolNodeID("parse_json"), onlyDataFlow[0].Node.ID)
}

func TestShortestPathFindsMultiHopPath(t *testing.T) {
	g := graph.New()
	buildChain(g)

	path, ok := g.ShortestPath(graph.ToolNodeID("read_file"), graph.ToolNodeID("summarize"), 5)
	require.True(t, ok)
	require.Len(t, path, 2)
	assert.Equal(t, graph.ToolNodeID("parse_json"), path[0].To)
	assert.Equal(t, graph.ToolNodeID("summarize"), path[1].To)
}

func TestShortestPathRespectsMaxDepth(t *testing.T) {
	g := graph.New()
	buildChain(g)

	_, ok := g.ShortestPath(graph.ToolNodeID("read_file"), graph.ToolNodeID("summarize"), 1)
	assert.False(t, ok)
}

func TestShortestPathUnreachableReturnsFalse(t *testing.T) {
	g := graph.New()
	buildChain(g)
	g2 := graph.Node{ID: graph.ToolNodeID("isolated"), Kind: graph.NodeTool}
	nodes, edges := g.Subgraph([]graph.NodeID{graph.ToolNodeID("read_file")})
	_ = nodes
	_ = edges
	g.Rebuild(append([]graph.Node{g2}, nodes...), edges)

	_, ok := g.ShortestPath(graph.ToolNodeID("read_file"), graph.ToolNodeID("isolated"), 5)
	assert.False(t, ok)
}

func TestStructuralSimilarityDecaysWithPathLength(t *testing.T) {
	g := graph.New()
	buildChain(g)

	simAdjacent, ok := g.StructuralSimilarity(graph.ToolNodeID("read_file"), graph.ToolNodeID("parse_json"))
	require.True(t, ok)
	assert.InDelta(t, 0.5, simAdjacent, 1e-9)

	simFar, ok := g.StructuralSimilarity(graph.ToolNodeID("read_file"), graph.ToolNodeID("summarize"))
	require.True(t, ok)
	assert.InDelta(t, 1.0/3.0, simFar, 1e-9)
	assert.Less(t, simFar, simAdjacent)
}

func TestSubgraphInducesOnlyRequestedNodesAndEdges(t *testing.T) {
	g := graph.New()
	buildChain(g)

	nodes, edges := g.Subgraph([]graph.NodeID{graph.ToolNodeID("read_file"), graph.ToolNodeID("parse_json")})
	require.Len(t, nodes, 2)
	require.Len(t, edges, 1)
	assert.Equal(t, graph.EdgeDataFlow, edges[0].Kind)
}
