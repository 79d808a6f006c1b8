package network

import (
	"fmt"
	"math"

	"github.com/episim/episim/sim"
)

// GenerateConfig describes a synthetic random contact network.
type GenerateConfig struct {
	// Nodes is the number of persons, with IDs [FirstID, FirstID+Nodes).
	Nodes   uint64
	FirstID ID
	// MeanDegree is the expected number of contacts per person.
	MeanDegree float64
	// MinDuration and MaxDuration bound the uniform contact duration.
	MinDuration float64
	MaxDuration float64
	// TraitBits is the number of low trait bits set at random per node.
	TraitBits int
}

// Validate checks the generator parameters.
func (c GenerateConfig) Validate() error {
	if c.Nodes == 0 {
		return fmt.Errorf("network: generator needs at least one node")
	}
	if c.MeanDegree < 0 || (c.Nodes > 1 && c.MeanDegree > float64(c.Nodes-1)) {
		return fmt.Errorf("network: mean degree %g outside [0, %d]", c.MeanDegree, c.Nodes-1)
	}
	if c.MinDuration < 0 || c.MaxDuration < c.MinDuration {
		return fmt.Errorf("network: invalid contact duration range [%g, %g]", c.MinDuration, c.MaxDuration)
	}
	if c.TraitBits < 0 || c.TraitBits > 64 {
		return fmt.Errorf("network: trait bits %d outside [0, 64]", c.TraitBits)
	}
	return nil
}

// SplitBounds divides [first, first+n) into ranks contiguous ranges whose
// sizes differ by at most one.
func SplitBounds(first ID, n uint64, ranks int) []ID {
	bounds := make([]ID, ranks+1)
	chunk := n / uint64(ranks)
	rest := n % uint64(ranks)
	next := first
	for r := 0; r < ranks; r++ {
		bounds[r] = next
		next += ID(chunk)
		if uint64(r) < rest {
			next++
		}
	}
	bounds[ranks] = next
	return bounds
}

// Generate builds the partition of rank out of ranks for an undirected
// Erdos-Renyi network. Each contact is drawn from the stream of its lower
// endpoint, so the global network does not depend on the rank count.
func Generate(cfg GenerateConfig, rng *sim.PartitionedRNG, rank, ranks int) (*Partition, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bounds := SplitBounds(cfg.FirstID, cfg.Nodes, ranks)
	first, end := bounds[rank], bounds[rank+1]
	owns := func(id ID) bool { return id >= first && id < end }

	nodes := make([]NodeRecord, 0, end-first)
	for id := first; id < end; id++ {
		var traits uint64
		if cfg.TraitBits > 0 {
			r := rng.ForElement(sim.SubsystemNetwork+"_traits", uint64(id))
			traits = r.Uint64()
			if cfg.TraitBits < 64 {
				traits &= (uint64(1) << cfg.TraitBits) - 1
			}
		}
		nodes = append(nodes, NodeRecord{
			ID:                   id,
			SusceptibilityFactor: 1,
			Susceptibility:       1,
			InfectivityFactor:    1,
			Traits:               traits,
		})
	}

	var edges []Edge
	p := 0.0
	if cfg.Nodes > 1 {
		p = cfg.MeanDegree / float64(cfg.Nodes-1)
	}
	last := cfg.FirstID + ID(cfg.Nodes)
	// sources below first can still have contacts into this rank
	for i := cfg.FirstID; i < last && i < end; i++ {
		if p <= 0 {
			break
		}
		r := rng.ForElement(sim.SubsystemNetwork, uint64(i))
		j := i
		for {
			j = nextNeighbor(j, p, r.Float64())
			if j >= last {
				break
			}
			duration := cfg.MinDuration + r.Float64()*(cfg.MaxDuration-cfg.MinDuration)
			if owns(i) {
				edges = append(edges, Edge{Target: i, Source: j, Duration: duration, Active: true})
			}
			if owns(j) {
				edges = append(edges, Edge{Target: j, Source: i, Duration: duration, Active: true})
			}
		}
	}

	return NewPartition(rank, bounds, nodes, edges)
}

// nextNeighbor skips ahead geometrically: each later ID is a neighbour with
// probability p.
func nextNeighbor(j ID, p, u float64) ID {
	if p >= 1 {
		return j + 1
	}
	skip := math.Floor(math.Log(1-u) / math.Log(1-p))
	if skip > float64(math.MaxUint32) {
		return math.MaxUint64
	}
	return j + 1 + ID(skip)
}
