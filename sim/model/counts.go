package model

import (
	"context"
	"fmt"

	"github.com/episim/episim/sim/comm"
)

// GlobalCounts accumulates the per-state counts of all ranks in an RMA
// window. Each rank adds the difference to what it contributed before, so
// the window always holds the global sums.
type GlobalCounts struct {
	comm   *comm.Communicator
	window *comm.Window
	// index[s] is the first of three window slots (current, in, out) of state s
	index  []int
	pushed []Counts
	global []Counts
}

// NewGlobalCounts allocates the window slots of every state. It must be
// called before the window is created.
func NewGlobalCounts(m *Model, c *comm.Communicator, w *comm.Window) (*GlobalCounts, error) {
	g := &GlobalCounts{
		comm:   c,
		window: w,
		index:  make([]int, len(m.states)),
		pushed: make([]Counts, len(m.states)),
		global: make([]Counts, len(m.states)),
	}
	for s := range m.states {
		first := -1
		for k := 0; k < 3; k++ {
			i, err := w.AllocateIndex()
			if err != nil {
				return nil, fmt.Errorf("allocating count slots of %q: %w", m.states[s].ID, err)
			}
			if first < 0 {
				first = i
			}
		}
		g.index[s] = first
	}
	return g, nil
}

// Update contributes the local counts and reads back the global ones.
// Collective; call from a single worker per rank.
func (g *GlobalCounts) Update(ctx context.Context, local []Counts) error {
	for s, l := range local {
		deltas := [3]float64{
			l.Current - g.pushed[s].Current,
			l.In - g.pushed[s].In,
			l.Out - g.pushed[s].Out,
		}
		for k, d := range deltas {
			if d == 0 {
				continue
			}
			if _, err := g.window.Update(ctx, g.index[s]+k, comm.OpSum, d); err != nil {
				return err
			}
		}
		g.pushed[s] = l
	}
	if err := g.comm.Barrier(ctx); err != nil {
		return err
	}

	for s := range g.global {
		var vals [3]float64
		for k := range vals {
			v, err := g.window.Get(ctx, g.index[s]+k)
			if err != nil {
				return err
			}
			vals[k] = v
		}
		g.global[s] = Counts{Current: vals[0], In: vals[1], Out: vals[2]}
	}
	// no rank may add the next tick's deltas before all have read
	return g.comm.Barrier(ctx)
}

// Global returns the global counts of the last Update, indexed by state.
func (g *GlobalCounts) Global() []Counts { return g.global }

// Total returns the number of nodes across all states.
func (g *GlobalCounts) Total() float64 {
	total := 0.0
	for _, c := range g.global {
		total += c.Current
	}
	return total
}
