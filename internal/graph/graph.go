// Package graph keeps the explicit adjacency of a workflow's call nodes.
//
// Nodes live in an arena in insertion order. Edges are never stored
// directly: an index from entry id to the node producing it turns every
// consumed entry into an edge. Each entry has at most one producer, and a
// node is registered before any node that consumes its outputs.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/lazyflow/internal/call"
	"github.com/roach88/lazyflow/internal/errs"
)

// Graph is the call graph of one workflow run.
type Graph struct {
	nodes    []*call.Node
	index    map[string]int    // node id -> arena position
	producer map[string]string // entry id -> node id
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		index:    make(map[string]int),
		producer: make(map[string]string),
	}
}

// Add registers a node and indexes its outputs. It fails if the node id is
// taken or an output entry already has a producer.
func (g *Graph) Add(n *call.Node) error {
	if _, dup := g.index[n.ID]; dup {
		return errs.New(errs.CodeInvalidState, "node already in graph").With("call", n.ID)
	}
	for _, id := range n.OutputEntryIDs {
		if prev, ok := g.producer[id]; ok {
			return errs.New(errs.CodeInvalidState, "entry already has a producer").
				With("entry", id).
				With("producer", prev).
				With("call", n.ID)
		}
	}
	g.index[n.ID] = len(g.nodes)
	g.nodes = append(g.nodes, n)
	for _, id := range n.OutputEntryIDs {
		g.producer[id] = n.ID
	}
	return nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*call.Node { return slices.Clone(g.nodes) }

// Node looks up a node by id.
func (g *Graph) Node(id string) (*call.Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Producer returns the id of the node producing entryID. Entries supplied
// locally have no producer.
func (g *Graph) Producer(entryID string) (string, bool) {
	id, ok := g.producer[entryID]
	return id, ok
}

// Dependencies returns the producers of a node's inputs in insertion order.
func (g *Graph) Dependencies(nodeID string) []string {
	n, ok := g.Node(nodeID)
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var deps []string
	for _, e := range n.InputEntryIDs() {
		if p, ok := g.producer[e]; ok && !seen[p] {
			seen[p] = true
			deps = append(deps, p)
		}
	}
	slices.SortFunc(deps, func(a, b string) int { return g.index[a] - g.index[b] })
	return deps
}

// Dependents returns the nodes consuming any output of nodeID, in insertion
// order.
func (g *Graph) Dependents(nodeID string) []string {
	var out []string
	for _, n := range g.nodes {
		if slices.Contains(g.Dependencies(n.ID), nodeID) {
			out = append(out, n.ID)
		}
	}
	return out
}

// TopoOrder orders the given nodes (all nodes when none are given) so every
// node follows the producers of its inputs. Ties keep insertion order.
// Producers outside the selection are assumed complete.
func (g *Graph) TopoOrder(nodeIDs ...string) ([]*call.Node, error) {
	selected := make(map[string]bool)
	if len(nodeIDs) == 0 {
		for _, n := range g.nodes {
			selected[n.ID] = true
		}
	}
	for _, id := range nodeIDs {
		if _, ok := g.index[id]; !ok {
			return nil, errs.New(errs.CodeNotFound, "node not in graph").With("call", id)
		}
		selected[id] = true
	}

	indegree := make(map[string]int, len(selected))
	succ := make(map[string][]string, len(selected))
	for _, n := range g.nodes {
		if !selected[n.ID] {
			continue
		}
		for _, dep := range g.Dependencies(n.ID) {
			if selected[dep] {
				indegree[n.ID]++
				succ[dep] = append(succ[dep], n.ID)
			}
		}
	}

	// Kahn over arena positions keeps insertion order among ready nodes.
	var ready []int
	for _, n := range g.nodes {
		if selected[n.ID] && indegree[n.ID] == 0 {
			ready = append(ready, g.index[n.ID])
		}
	}
	order := make([]*call.Node, 0, len(selected))
	for len(ready) > 0 {
		slices.Sort(ready)
		n := g.nodes[ready[0]]
		ready = ready[1:]
		order = append(order, n)
		for _, s := range succ[n.ID] {
			indegree[s]--
			if indegree[s] == 0 {
				ready = append(ready, g.index[s])
			}
		}
	}

	if len(order) != len(selected) {
		cycles := g.Cycles()
		paths := make([]string, len(cycles))
		for i, c := range cycles {
			paths[i] = strings.Join(c, " -> ")
		}
		return nil, fmt.Errorf("call graph has a cycle: %s", strings.Join(paths, "; "))
	}
	return order, nil
}

// Cycles returns every cycle as a path of node ids that starts and ends at
// the same node. An acyclic graph returns nil.
func (g *Graph) Cycles() [][]string {
	adj := make(map[string][]string, len(g.nodes))
	for _, n := range g.nodes {
		adj[n.ID] = g.Dependencies(n.ID)
	}

	var out [][]string
	for _, scc := range tarjanSCC(g.nodeIDs(), adj) {
		if len(scc) == 1 && !slices.Contains(adj[scc[0]], scc[0]) {
			continue
		}
		out = append(out, cyclePath(scc, adj))
	}
	return out
}

func (g *Graph) nodeIDs() []string {
	ids := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		ids[i] = n.ID
	}
	return ids
}

// tarjanSCC finds strongly connected components, visiting roots in the
// given order so results are deterministic.
func tarjanSCC(nodes []string, adj map[string][]string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, n := range nodes {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}
	return sccs
}

// cyclePath walks edges inside an SCC from its first member back to it.
func cyclePath(scc []string, adj map[string][]string) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}
	start := scc[0]
	path := []string{start}
	visited := map[string]bool{start: true}
	cur := start
	for {
		next := ""
		for _, w := range adj[cur] {
			if members[w] && (w == start || !visited[w]) {
				next = w
				break
			}
		}
		if next == "" {
			return path
		}
		path = append(path, next)
		if next == start {
			return path
		}
		visited[next] = true
		cur = next
	}
}
