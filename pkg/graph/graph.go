// Package graph holds the validated pipeline topology: a directed multigraph
// of typed nodes and labelled edges plus the per-gate route map.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// NodeID builds the canonical node id for a pipeline element.
func NodeID(typ domain.NodeType, name string) string {
	return string(typ) + ":" + name
}

// ExecutionGraph is a directed multigraph. Edges are keyed by
// (from, to, label), so parallel edges between one pair of nodes survive as
// long as their labels differ. It is not safe for concurrent mutation; once
// built it may be read from any goroutine.
type ExecutionGraph struct {
	nodes     map[string]domain.Node
	nodeOrder []string
	edges     map[string]domain.Edge
	outgoing  map[string][]domain.Edge

	routes   map[string]map[string]domain.RouteDestination
	forks    map[string][]string
	coalesce map[string][]string
}

// New returns an empty graph.
func New() *ExecutionGraph {
	return &ExecutionGraph{
		nodes:    make(map[string]domain.Node),
		edges:    make(map[string]domain.Edge),
		outgoing: make(map[string][]domain.Edge),
		routes:   make(map[string]map[string]domain.RouteDestination),
		forks:    make(map[string][]string),
		coalesce: make(map[string][]string),
	}
}

// AddNode registers a vertex. Node ids are unique.
func (g *ExecutionGraph) AddNode(id string, typ domain.NodeType, pluginName string, config map[string]any) error {
	if id == "" {
		return fmt.Errorf("%w: node id is required", domain.ErrGraphValidation)
	}
	if !typ.Valid() {
		return fmt.Errorf("%w: node %q has unknown type %q", domain.ErrGraphValidation, id, typ)
	}
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("%w: duplicate node id %q", domain.ErrGraphValidation, id)
	}

	g.nodes[id] = domain.Node{ID: id, Type: typ, PluginName: pluginName, Config: config}
	g.nodeOrder = append(g.nodeOrder, id)
	return nil
}

// AddEdge registers a labelled edge. The label is part of the edge identity,
// so the same (from, to) pair may carry several edges. An edge that would
// close a cycle is rejected. Edges to unknown nodes are accepted here and
// reported by Validate.
func (g *ExecutionGraph) AddEdge(from, to, label string, mode domain.EdgeMode) error {
	if from == "" || to == "" {
		return fmt.Errorf("%w: edge endpoints are required", domain.ErrGraphValidation)
	}
	if label == "" {
		label = domain.RouteContinue
	}
	if mode == "" {
		mode = domain.EdgeMove
	}

	edge := domain.Edge{From: from, To: to, Label: label, Mode: mode}
	if _, exists := g.edges[edge.Key()]; exists {
		return fmt.Errorf("%w: duplicate edge %s", domain.ErrGraphValidation, edge)
	}
	if from == to || g.reachable(to, from) {
		return fmt.Errorf("%w: edge %s would create a cycle", domain.ErrGraphValidation, edge)
	}

	g.edges[edge.Key()] = edge
	g.outgoing[from] = append(g.outgoing[from], edge)
	return nil
}

// Node returns the node with the given id.
func (g *ExecutionGraph) Node(id string) (domain.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every node in insertion order.
func (g *ExecutionGraph) Nodes() []domain.Node {
	out := make([]domain.Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		out = append(out, g.nodes[id])
	}
	return out
}

// Edges returns every edge ordered by (from, to, label). The result does not
// depend on insertion order.
func (g *ExecutionGraph) Edges() []domain.Edge {
	out := make([]domain.Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	sortEdges(out)
	return out
}

// EdgesFrom returns the outgoing edges of a node ordered by (to, label).
func (g *ExecutionGraph) EdgesFrom(id string) []domain.Edge {
	out := append([]domain.Edge(nil), g.outgoing[id]...)
	sortEdges(out)
	return out
}

// Sinks returns the ids of all sink nodes in sorted order.
func (g *ExecutionGraph) Sinks() []string {
	var out []string
	for id, n := range g.nodes {
		if n.Type == domain.NodeSink {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// HasSink reports whether a sink with the given name is declared.
func (g *ExecutionGraph) HasSink(name string) bool {
	n, ok := g.nodes[NodeID(domain.NodeSink, name)]
	return ok && n.Type == domain.NodeSink
}

func sortEdges(edges []domain.Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.Label < b.Label
	})
}

// reachable reports whether target can be reached from start along edges.
func (g *ExecutionGraph) reachable(start, target string) bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		for _, e := range g.outgoing[id] {
			if !seen[e.To] {
				seen[e.To] = true
				stack = append(stack, e.To)
			}
		}
	}
	return false
}

// IsAcyclic reports whether the graph has no directed cycle.
func (g *ExecutionGraph) IsAcyclic() bool {
	_, err := g.TopologicalOrder()
	return err == nil
}

// ErrCycle is returned by TopologicalOrder when the graph has a cycle.
var ErrCycle = errors.New("graph contains a cycle")

// TopologicalOrder returns node ids so that every edge points forward. Ties
// are broken by id for a deterministic result.
func (g *ExecutionGraph) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = 0
	}
	for _, e := range g.edges {
		if _, ok := g.nodes[e.To]; ok {
			if _, ok := g.nodes[e.From]; ok {
				inDegree[e.To]++
			}
		}
	}

	var ready []string
	for id, d := range inDegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var next []string
		for _, e := range g.outgoing[id] {
			if _, ok := g.nodes[e.To]; !ok {
				continue
			}
			inDegree[e.To]--
			if inDegree[e.To] == 0 {
				next = append(next, e.To)
			}
		}
		if len(next) > 0 {
			ready = append(ready, next...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.nodes) {
		return nil, ErrCycle
	}
	return order, nil
}
