package depgraph

import (
	"container/heap"
	"context"
	"fmt"
	"slices"
)

// Graph is a non-owning registry of Computables with a precomputed
// topological order. It is not safe for concurrent use; the simulation
// drives it from a single worker.
type Graph struct {
	nodes []Computable
	index map[string]int

	// prereqs[i] and dependents[i] hold registration indices, ascending
	prereqs    [][]int
	dependents [][]int

	order    []int
	built    bool
	stale    []bool
	computed []bool
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{index: make(map[string]int)}
}

// Register adds c. Registering a node after Build requires another Build.
func (g *Graph) Register(c Computable) error {
	if _, ok := g.index[c.ID()]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateNode, c.ID())
	}
	g.add(c)
	return nil
}

func (g *Graph) add(c Computable) int {
	i := len(g.nodes)
	g.nodes = append(g.nodes, c)
	g.index[c.ID()] = i
	g.stale = append(g.stale, true)
	g.computed = append(g.computed, false)
	g.built = false
	return i
}

// Len returns the number of registered nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Build registers the transitive prerequisites of all registered nodes and
// computes the update order. Among nodes whose prerequisites are ordered,
// the earliest registered comes first.
func (g *Graph) Build() error {
	// closure: nodes appended while iterating are visited as well
	for i := 0; i < len(g.nodes); i++ {
		for _, p := range g.nodes[i].Prerequisites() {
			j, ok := g.index[p.ID()]
			if !ok {
				g.add(p)
				continue
			}
			if g.nodes[j] != p {
				return fmt.Errorf("%w: %q names two different nodes", ErrDuplicateNode, p.ID())
			}
		}
	}

	n := len(g.nodes)
	g.prereqs = make([][]int, n)
	g.dependents = make([][]int, n)
	indeg := make([]int, n)
	for i, c := range g.nodes {
		for _, p := range c.Prerequisites() {
			j := g.index[p.ID()]
			if slices.Contains(g.prereqs[i], j) {
				continue
			}
			g.prereqs[i] = append(g.prereqs[i], j)
			g.dependents[j] = append(g.dependents[j], i)
			indeg[i]++
		}
	}
	for i := range g.nodes {
		slices.Sort(g.prereqs[i])
		slices.Sort(g.dependents[i])
	}

	ready := &intMinHeap{}
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}
	order := make([]int, 0, n)
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, i)
		for _, d := range g.dependents[i] {
			indeg[d]--
			if indeg[d] == 0 {
				heap.Push(ready, d)
			}
		}
	}
	if len(order) != n {
		return &CycleError{Path: g.findCycle()}
	}

	g.order = order
	g.built = true
	return nil
}

// Order returns the nodes in update order.
func (g *Graph) Order() []Computable {
	out := make([]Computable, 0, len(g.order))
	for _, i := range g.order {
		out = append(out, g.nodes[i])
	}
	return out
}

// MarkStale flags c as changed; c and its transitive dependents are
// recomputed by the next ApplyUpdateSequence.
func (g *Graph) MarkStale(c Computable) error {
	i, ok := g.index[c.ID()]
	if !ok || g.nodes[i] != c {
		return fmt.Errorf("%w: %q", ErrUnknownNode, c.ID())
	}
	g.stale[i] = true
	return nil
}

// ApplyUpdateSequence walks the update order once. Static nodes are
// computed on the first pass only. A non-static node is computed when it
// was never computed, was marked stale, or one of its prerequisites was
// computed in this pass. It returns the number of non-static nodes computed.
// The first failing computation aborts the pass; the node stays stale.
func (g *Graph) ApplyUpdateSequence(ctx context.Context) (int, error) {
	if !g.built {
		return 0, ErrNotBuilt
	}

	recomputed := make([]bool, len(g.nodes))
	count := 0
	for _, i := range g.order {
		c := g.nodes[i]
		if c.IsStatic() && g.computed[i] {
			continue
		}

		needed := c.IsStatic() || g.stale[i] || !g.computed[i]
		for _, p := range g.prereqs[i] {
			if needed {
				break
			}
			needed = recomputed[p]
		}
		if !needed {
			continue
		}

		if err := c.Compute(ctx); err != nil {
			g.stale[i] = true
			return count, &ComputeError{ID: c.ID(), Err: err}
		}
		g.computed[i] = true
		g.stale[i] = false
		recomputed[i] = true
		if !c.IsStatic() {
			count++
		}
	}
	return count, nil
}

// findCycle returns one cycle by a DFS over registration indices.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.nodes))
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var visit func(u int) bool
	visit = func(u int) bool {
		color[u] = gray
		for _, v := range g.dependents[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if visit(v) {
					return true
				}
			case gray:
				// back edge u -> v: walk parents from u back to v
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range g.nodes {
		if color[i] == white && visit(i) {
			break
		}
	}

	path := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		path = append(path, g.nodes[cycle[i]].ID())
	}
	return path
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
