package model

import (
	"math"
	"math/rand"

	"github.com/episim/episim/sim/actions"
	"github.com/episim/episim/sim/network"
	"github.com/episim/episim/sim/team"
)

// Probability returns the chance that a contact of the given duration
// transmits: 1 - exp(-duration * transmissibility * susceptibility * infectivity).
func Probability(duration, transmissibility, susceptibility, infectivity float64) float64 {
	rate := duration * transmissibility * susceptibility * infectivity
	if rate <= 0 {
		return 0
	}
	return 1 - math.Exp(-rate)
}

// Transmit evaluates the incoming contacts of the worker's share of local
// nodes and schedules a StateChange for tick on q for every infected node.
// Sources are read from local nodes or mirrors; nothing is mutated, so all
// workers may run concurrently. It returns the number of infections.
func (m *Model) Transmit(w *team.Worker, q *actions.Queue, p *network.Partition, tick int, rng *rand.Rand) (int, error) {
	if len(m.transmissions) == 0 {
		return 0, nil
	}
	nodes := p.Nodes()
	lo, hi := w.Range(len(nodes))
	infections := 0
	for i := lo; i < hi; i++ {
		n := &nodes[i]
		if n.Susceptibility <= 0 {
			continue
		}
		a := m.transmitTo(n, p.Incoming(i), p, rng)
		if a == nil {
			continue
		}
		if err := q.Add(w, tick, a); err != nil {
			return infections, err
		}
		infections++
	}
	return infections, nil
}

// transmitTo draws the infection of n along its incoming edges in edge
// order and stops at the first success.
func (m *Model) transmitTo(n *network.NodeRecord, edges []network.Edge, p *network.Partition, rng *rand.Rand) *StateChange {
	for _, e := range edges {
		if !e.Active {
			continue
		}
		src, ok := p.Lookup(e.Source)
		if !ok || src.Infectivity <= 0 {
			continue
		}
		for _, t := range m.transmissions {
			if t.entry != n.State || t.contact != src.State {
				continue
			}
			prob := Probability(e.Duration, m.transmissibility*t.transmissibility, n.Susceptibility, src.Infectivity)
			if rng.Float64() >= prob {
				continue
			}
			return &StateChange{
				model:   m,
				node:    n,
				from:    t.entry,
				to:      t.exit,
				order:   OrderTransmission,
				contact: int64(src.ID),
				sus:     t.sus,
				inf:     t.inf,
			}
		}
	}
	return nil
}
