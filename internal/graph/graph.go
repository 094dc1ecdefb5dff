// Package graph validates and represents a DAG's nodes, edges, and
// dependency closure.
package graph

import (
	"fmt"
	"sort"

	"github.com/taskmesh/taskmesh/pkg/types"
)

// Node is a validated workflow node with its cached topological rank.
type Node struct {
	Spec         types.NodeSpec
	Order        int // position in a topological ordering
	Depth        int // longest path from any entry point
	IsEntryPoint bool
	IsExitPoint  bool
}

// Graph is a validated DAG. Nodes are stored in a flat slice and
// referenced by index; dependency sets hold indexes, never pointers.
type Graph struct {
	nodes      []Node
	index      map[string]int   // node id -> slice index
	dependents map[int][]int    // index -> downstream indexes
	required   map[int][]int    // index -> upstream indexes with required=true
	optional   map[int][]int    // index -> upstream indexes with required=false
}

// Build validates the node set and returns a Graph. It rejects edges
// referencing unknown nodes and any cycle, computing topological order
// and depth once via Kahn's algorithm.
func Build(specs []types.NodeSpec) (*Graph, error) {
	g := &Graph{
		index:      make(map[string]int, len(specs)),
		dependents: make(map[int][]int),
		required:   make(map[int][]int),
		optional:   make(map[int][]int),
	}

	for i, spec := range specs {
		if _, dup := g.index[spec.ID]; dup {
			return nil, fmt.Errorf("node %q: duplicate id: %w", spec.ID, types.ErrDanglingDependency)
		}
		g.index[spec.ID] = i
		g.nodes = append(g.nodes, Node{Spec: spec})
	}

	indegree := make([]int, len(g.nodes))
	for i, n := range g.nodes {
		for _, dep := range n.Spec.DependsOn {
			j, ok := g.index[dep.NodeID]
			if !ok {
				return nil, fmt.Errorf("node %q depends on unknown node %q: %w",
					n.Spec.ID, dep.NodeID, types.ErrDanglingDependency)
			}
			if j == i {
				return nil, fmt.Errorf("node %q depends on itself: %w", n.Spec.ID, types.ErrCycleDetected)
			}
			g.dependents[j] = append(g.dependents[j], i)
			if dep.Required {
				g.required[i] = append(g.required[i], j)
			} else {
				g.optional[i] = append(g.optional[i], j)
			}
			indegree[i]++
		}
	}

	// Kahn's algorithm. Order is the pop sequence; depth is the longest
	// chain of edges from an entry point.
	queue := make([]int, 0, len(g.nodes))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
			g.nodes[i].IsEntryPoint = true
		}
	}
	sort.Ints(queue) // deterministic order for equal ranks

	visited := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		g.nodes[i].Order = visited
		visited++

		for _, j := range g.dependents[i] {
			if d := g.nodes[i].Depth + 1; d > g.nodes[j].Depth {
				g.nodes[j].Depth = d
			}
			indegree[j]--
			if indegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}

	if visited != len(g.nodes) {
		return nil, fmt.Errorf("%d nodes unreachable in topological order: %w",
			len(g.nodes)-visited, types.ErrCycleDetected)
	}

	for i := range g.nodes {
		g.nodes[i].IsExitPoint = len(g.dependents[i]) == 0
	}

	return g, nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the validated node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return &g.nodes[i], true
}

// Nodes returns all nodes in topological order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, len(g.nodes))
	copy(out, g.nodes)
	sort.Slice(out, func(a, b int) bool { return out[a].Order < out[b].Order })
	return out
}

// ExitPoints returns the ids of nodes with no outgoing edges.
func (g *Graph) ExitPoints() []string {
	var ids []string
	for _, n := range g.Nodes() {
		if n.IsExitPoint {
			ids = append(ids, n.Spec.ID)
		}
	}
	return ids
}

// Dependents returns the ids of nodes directly downstream of id.
func (g *Graph) Dependents(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.dependents[i]))
	for _, j := range g.dependents[i] {
		out = append(out, g.nodes[j].Spec.ID)
	}
	sort.Strings(out)
	return out
}

// ReadyNodes returns the ids of nodes whose required dependencies are
// all in completed and which are not in dispatched. Recomputing from
// the same sets yields the same result.
func (g *Graph) ReadyNodes(completed, dispatched map[string]bool) []string {
	var ready []string
	for i := range g.nodes {
		id := g.nodes[i].Spec.ID
		if dispatched[id] || completed[id] {
			continue
		}
		blocked := false
		for _, j := range g.required[i] {
			if !completed[g.nodes[j].Spec.ID] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, id)
		}
	}
	// Stable order: topological rank, entry points first.
	sort.Slice(ready, func(a, b int) bool {
		return g.nodes[g.index[ready[a]]].Order < g.nodes[g.index[ready[b]]].Order
	})
	return ready
}

// RequiredUpstream returns the ids of required dependencies of id.
func (g *Graph) RequiredUpstream(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.required[i]))
	for _, j := range g.required[i] {
		out = append(out, g.nodes[j].Spec.ID)
	}
	sort.Strings(out)
	return out
}

// AddNode extends a validated graph with one new node. Only the delta
// is re-checked: edges must reference existing nodes, and the new node
// may not be depended on by an already validated node, so no cycle can
// form through it.
func (g *Graph) AddNode(spec types.NodeSpec) error {
	if _, dup := g.index[spec.ID]; dup {
		return fmt.Errorf("node %q: duplicate id: %w", spec.ID, types.ErrDanglingDependency)
	}

	maxDepth := -1
	maxOrder := -1
	for _, dep := range spec.DependsOn {
		j, ok := g.index[dep.NodeID]
		if !ok {
			return fmt.Errorf("node %q depends on unknown node %q: %w",
				spec.ID, dep.NodeID, types.ErrDanglingDependency)
		}
		if g.nodes[j].Depth > maxDepth {
			maxDepth = g.nodes[j].Depth
		}
		if g.nodes[j].Order > maxOrder {
			maxOrder = g.nodes[j].Order
		}
	}
	for i := range g.nodes {
		if g.nodes[i].Order > maxOrder {
			maxOrder = g.nodes[i].Order
		}
	}

	i := len(g.nodes)
	g.nodes = append(g.nodes, Node{
		Spec:         spec,
		Order:        maxOrder + 1,
		Depth:        maxDepth + 1,
		IsEntryPoint: len(spec.DependsOn) == 0,
		IsExitPoint:  true,
	})
	g.index[spec.ID] = i

	for _, dep := range spec.DependsOn {
		j := g.index[dep.NodeID]
		g.dependents[j] = append(g.dependents[j], i)
		g.nodes[j].IsExitPoint = false
		if dep.Required {
			g.required[i] = append(g.required[i], j)
		} else {
			g.optional[i] = append(g.optional[i], j)
		}
	}

	return nil
}
