package network

import (
	"fmt"
	"slices"
	"sort"
)

// Partition is the part of the network owned by one rank.
//
// Local nodes are sorted by ID and their indices are stable for the lifetime
// of the partition. Incoming edges are grouped by target in the same order.
type Partition struct {
	rank int
	// bounds[r] is the first ID owned by rank r; bounds[len-1] is the end.
	bounds []ID

	nodes     []NodeRecord
	edges     []Edge
	edgeStart []int

	mirrors map[ID]*NodeRecord
	// requested[r] lists, sorted, the local IDs rank r mirrors
	requested map[int][]ID
}

// NewPartition validates and indexes the rank's nodes and edges. bounds has
// one entry per rank plus the exclusive end of the ID space. Edges are
// sorted by (target, source); every target must be a local node.
func NewPartition(rank int, bounds []ID, nodes []NodeRecord, edges []Edge) (*Partition, error) {
	if len(bounds) < 2 || rank < 0 || rank >= len(bounds)-1 {
		return nil, fmt.Errorf("network: rank %d outside partition bounds of %d ranks", rank, len(bounds)-1)
	}
	if !slices.IsSorted(bounds) {
		return nil, fmt.Errorf("network: partition bounds not ascending: %v", bounds)
	}

	p := &Partition{
		rank:      rank,
		bounds:    bounds,
		nodes:     nodes,
		mirrors:   make(map[ID]*NodeRecord),
		requested: make(map[int][]ID),
	}
	for i := range nodes {
		if i > 0 && nodes[i-1].ID >= nodes[i].ID {
			return nil, fmt.Errorf("network: node %d not in ascending ID order", nodes[i].ID)
		}
		if p.Owner(nodes[i].ID) != rank {
			return nil, fmt.Errorf("network: node %d is not owned by rank %d", nodes[i].ID, rank)
		}
	}

	sorted := slices.Clone(edges)
	slices.SortStableFunc(sorted, func(a, b Edge) int {
		switch {
		case a.Target != b.Target:
			return cmpID(a.Target, b.Target)
		default:
			return cmpID(a.Source, b.Source)
		}
	})
	p.edges = sorted
	p.edgeStart = make([]int, len(nodes)+1)
	e := 0
	for i := range nodes {
		p.edgeStart[i] = e
		for e < len(sorted) && sorted[e].Target == nodes[i].ID {
			e++
		}
	}
	p.edgeStart[len(nodes)] = e
	if e != len(sorted) {
		return nil, fmt.Errorf("network: edge %d -> %d targets a node not owned by rank %d",
			sorted[e].Source, sorted[e].Target, rank)
	}
	return p, nil
}

func cmpID(a, b ID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Rank returns the owning rank.
func (p *Partition) Rank() int { return p.rank }

// Ranks returns the number of ranks the network is split across.
func (p *Partition) Ranks() int { return len(p.bounds) - 1 }

// Bounds returns the ID range [first, end) owned by rank.
func (p *Partition) Bounds(rank int) (first, end ID) {
	return p.bounds[rank], p.bounds[rank+1]
}

// Owner returns the rank owning id, or -1 if id is outside the ID space.
func (p *Partition) Owner(id ID) int {
	if id < p.bounds[0] || id >= p.bounds[len(p.bounds)-1] {
		return -1
	}
	// first bound greater than id, minus one
	return sort.Search(len(p.bounds), func(i int) bool { return p.bounds[i] > id }) - 1
}

// IsLocal reports whether id is owned by this rank.
func (p *Partition) IsLocal(id ID) bool { return p.Owner(id) == p.rank }

// Nodes returns the local nodes. Callers may mutate the records in place
// but not reorder them.
func (p *Partition) Nodes() []NodeRecord { return p.nodes }

// Index returns the position of local node id.
func (p *Partition) Index(id ID) (int, bool) {
	return slices.BinarySearchFunc(p.nodes, id, func(n NodeRecord, id ID) int { return cmpID(n.ID, id) })
}

// Local returns local node id.
func (p *Partition) Local(id ID) (*NodeRecord, bool) {
	i, ok := p.Index(id)
	if !ok {
		return nil, false
	}
	return &p.nodes[i], true
}

// Lookup returns a local node or a mirror.
func (p *Partition) Lookup(id ID) (*NodeRecord, bool) {
	if n, ok := p.Local(id); ok {
		return n, true
	}
	n, ok := p.mirrors[id]
	return n, ok
}

// Incoming returns the edges targeting local node i.
func (p *Partition) Incoming(i int) []Edge {
	return p.edges[p.edgeStart[i]:p.edgeStart[i+1]]
}

// Edges returns all local edges ordered by (target, source).
func (p *Partition) Edges() []Edge { return p.edges }

// Mirrors returns the mirrored IDs in ascending order.
func (p *Partition) Mirrors() []ID {
	ids := make([]ID, 0, len(p.mirrors))
	for id := range p.mirrors {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Requested returns the sorted local IDs rank mirrors.
func (p *Partition) Requested(rank int) []ID { return p.requested[rank] }

// remoteSources returns the sorted, distinct sources of local edges that
// other ranks own.
func (p *Partition) remoteSources() []ID {
	var ids []ID
	for _, e := range p.edges {
		if !p.IsLocal(e.Source) {
			ids = append(ids, e.Source)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
