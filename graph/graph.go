// Package graph implements the orchestrator's in-memory knowledge graph
// (spec §4.G): a typed multigraph over Service/Tool/Type/Concept/Registry
// nodes connected by compatibility, ownership, and type/concept edges.
// Rebuilt atomically from the catalog store on every discovery pass
// (swap-on-complete, spec §5), never mutated incrementally while readers
// hold it. TypeRelation/ConceptRelation edge kinds and the Concept/Registry
// node kinds are recovered from
// original_source/src/knowledge_graph/graph.rs, which the distilled spec
// names in its node-kind list but drops from its edge enumeration.
package graph

import (
	"sort"
	"sync"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
)

// NodeKind tags the variant of a graph Node.
type NodeKind string

const (
	NodeService  NodeKind = "service"
	NodeTool     NodeKind = "tool"
	NodeType     NodeKind = "type"
	NodeConcept  NodeKind = "concept"
	NodeRegistry NodeKind = "registry"
)

// EdgeKind tags the variant of a graph Edge: the compatibility kinds
// (catalog.EdgeKind) plus BelongsTo (tool -> service), TypeRelation, and
// ConceptRelation.
type EdgeKind string

const (
	EdgeDataFlow           EdgeKind = EdgeKind(catalog.EdgeDataFlow)
	EdgeSemanticSimilarity EdgeKind = EdgeKind(catalog.EdgeSemanticSimilarity)
	EdgeSequential         EdgeKind = EdgeKind(catalog.EdgeSequential)
	EdgeParallel           EdgeKind = EdgeKind(catalog.EdgeParallel)
	EdgeConditional        EdgeKind = EdgeKind(catalog.EdgeConditional)
	EdgeTransform          EdgeKind = EdgeKind(catalog.EdgeTransform)
	EdgeBelongsTo          EdgeKind = "belongs_to"
	EdgeTypeRelation       EdgeKind = "type_relation"
	EdgeConceptRelation    EdgeKind = "concept_relation"
)

// NodeID identifies a graph node: a kind-prefixed string so ids never
// collide across node kinds, e.g. "tool:read_file".
type NodeID string

// Node is one vertex of the graph.
type Node struct {
	ID    NodeID
	Kind  NodeKind
	Label string
}

// Edge is one directed, typed connection between two nodes.
type Edge struct {
	From       NodeID
	To         NodeID
	Kind       EdgeKind
	Confidence float64
	Reasoning  string
}

// Neighbor pairs a reached node with the edge that reached it.
type Neighbor struct {
	Node Node
	Edge Edge
}

// Graph is the in-memory knowledge graph. Safe for concurrent use: a single
// writer lock guards Rebuild, a shared lock guards every read operation
// (spec §5).
type Graph struct {
	mu    sync.RWMutex
	nodes map[NodeID]Node
	// adjacency keeps both directions for BFS and neighbor queries, since
	// callers may traverse compatibility edges in either sense.
	out map[NodeID][]Edge
	in  map[NodeID][]Edge
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		nodes: map[NodeID]Node{},
		out:   map[NodeID][]Edge{},
		in:    map[NodeID][]Edge{},
	}
}

// ServiceNodeID builds the NodeID for a service.
func ServiceNodeID(name string) NodeID { return NodeID("service:" + name) }

// ToolNodeID builds the NodeID for a tool.
func ToolNodeID(name string) NodeID { return NodeID("tool:" + name) }

// TypeNodeID builds the NodeID for a named type.
func TypeNodeID(name string) NodeID { return NodeID("type:" + name) }

// ConceptNodeID builds the NodeID for a concept.
func ConceptNodeID(name string) NodeID { return NodeID("concept:" + name) }

// RegistryNodeID builds the NodeID for a registry.
func RegistryNodeID(name string) NodeID { return NodeID("registry:" + name) }

// Rebuild replaces the graph's contents atomically: callers pass the
// complete node and edge set, Rebuild builds new maps from them and swaps
// them in, so no
// reader ever observes a partially-populated graph. Matches "rebuild
// atomically from the store... swap-on-complete" (spec §5).
func (g *Graph) Rebuild(nodes []Node, edges []Edge) {
	newNodes := make(map[NodeID]Node, len(nodes))
	for _, n := range nodes {
		newNodes[n.ID] = n
	}
	newOut := map[NodeID][]Edge{}
	newIn := map[NodeID][]Edge{}
	for _, e := range edges {
		newOut[e.From] = append(newOut[e.From], e)
		newIn[e.To] = append(newIn[e.To], e)
	}

	g.mu.Lock()
	g.nodes = newNodes
	g.out = newOut
	g.in = newIn
	g.mu.Unlock()
}

// Node looks up a node by id.
func (g *Graph) Node(id NodeID) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Neighbors returns every node reachable by one outbound edge from node,
// optionally filtered to a set of edge kinds. Deterministic order: by edge
// kind then neighbor id.
func (g *Graph) Neighbors(node NodeID, kinds ...EdgeKind) []Neighbor {
	allow := kindSet(kinds)

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Neighbor
	for _, e := range g.out[node] {
		if allow != nil {
			if _, ok := allow[e.Kind]; !ok {
				continue
			}
		}
		if n, ok := g.nodes[e.To]; ok {
			out = append(out, Neighbor{Node: n, Edge: e})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Edge.Kind != out[j].Edge.Kind {
			return out[i].Edge.Kind < out[j].Edge.Kind
		}
		return out[i].Node.ID < out[j].Node.ID
	})
	return out
}

// ShortestPath runs a breadth-first search from `from` to `to`, restricted
// to at most maxDepth hops and optionally to a set of edge kinds. Ties are
// broken by insertion/traversal order (the first-discovered path at the
// shortest depth wins), matching spec §4.G. Returns (nil, false) if `to` is
// unreachable within maxDepth.
func (g *Graph) ShortestPath(from, to NodeID, maxDepth int, kinds ...EdgeKind) ([]Edge, bool) {
	if from == to {
		return nil, true
	}
	allow := kindSet(kinds)

	g.mu.RLock()
	defer g.mu.RUnlock()

	type frame struct {
		node  NodeID
		path  []Edge
		depth int
	}
	visited := map[NodeID]struct{}{from: {}}
	queue := []frame{{node: from, depth: 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}
		for _, e := range g.out[cur.node] {
			if allow != nil {
				if _, ok := allow[e.Kind]; !ok {
					continue
				}
			}
			if _, seen := visited[e.To]; seen {
				continue
			}
			visited[e.To] = struct{}{}
			path := append(append([]Edge(nil), cur.path...), e)
			if e.To == to {
				return path, true
			}
			queue = append(queue, frame{node: e.To, path: path, depth: cur.depth + 1})
		}
	}
	return nil, false
}

// Subgraph returns the induced subgraph over nodeSet: every requested node
// that exists, plus every edge whose endpoints are both in nodeSet.
func (g *Graph) Subgraph(nodeSet []NodeID) ([]Node, []Edge) {
	want := map[NodeID]struct{}{}
	for _, id := range nodeSet {
		want[id] = struct{}{}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var nodes []Node
	for id := range want {
		if n, ok := g.nodes[id]; ok {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	var edges []Edge
	for from := range want {
		for _, e := range g.out[from] {
			if _, ok := want[e.To]; ok {
				edges = append(edges, e)
			}
		}
	}
	return nodes, edges
}

// StructuralSimilarity returns 1/(1+path_edges) if b is reachable from a
// within depth 5, else (0, false). Semantic similarity is explicitly not
// computed here — that is embedding.Manager.SearchToolsByEmbedding's job
// (spec §4.G).
func (g *Graph) StructuralSimilarity(a, b NodeID) (float64, bool) {
	path, ok := g.ShortestPath(a, b, 5)
	if !ok {
		return 0, false
	}
	return 1.0 / float64(1+len(path)), true
}

func kindSet(kinds []EdgeKind) map[EdgeKind]struct{} {
	if len(kinds) == 0 {
		return nil
	}
	out := make(map[EdgeKind]struct{}, len(kinds))
	for _, k := range kinds {
		out[k] = struct{}{}
	}
	return out
}
