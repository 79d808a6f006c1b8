package actions

import (
	"maps"
	"slices"

	"github.com/episim/episim/sim/network"
	"github.com/episim/episim/sim/team"
)

// NoContact marks a change without a contact node in the output.
const NoContact = -1

// Change is one row of the default output.
type Change struct {
	Tick      int
	Node      network.ID
	ExitState string
	// Contact is the infecting node, or NoContact.
	Contact int64
}

// Recordable is implemented by actions whose change belongs in the default
// output.
type Recordable interface {
	Action
	Change(tick int) Change
}

type changeSlot struct {
	nodes map[network.ID]struct{}
	rows  []Change
}

// ChangeSet collects the nodes changed in the current tick and the output
// rows describing them, one slot per worker plus master.
type ChangeSet struct {
	slots *team.ThreadContext[changeSlot]
}

// NewChangeSet returns an empty change set for a team of workers.
func NewChangeSet(workers int) *ChangeSet {
	cs := &ChangeSet{slots: team.NewThreadContext[changeSlot](workers)}
	cs.slots.ForEach(func(s *changeSlot) { s.nodes = make(map[network.ID]struct{}) })
	return cs
}

// Record notes that a changed its target. w selects the slot; nil selects
// master.
func (cs *ChangeSet) Record(w *team.Worker, tick int, a Action) {
	s := cs.slot(w)
	s.nodes[a.Target()] = struct{}{}
	if r, ok := a.(Recordable); ok {
		s.rows = append(s.rows, r.Change(tick))
	}
}

// Add inserts a changed node without an output row.
func (cs *ChangeSet) Add(w *team.Worker, id network.ID) {
	cs.slot(w).nodes[id] = struct{}{}
}

func (cs *ChangeSet) slot(w *team.Worker) *changeSlot {
	if w == nil {
		return cs.slots.Master()
	}
	return cs.slots.Active(w)
}

// Nodes returns the union of changed nodes, sorted ascending.
func (cs *ChangeSet) Nodes() []network.ID {
	all := make(map[network.ID]struct{})
	cs.slots.ForEach(func(s *changeSlot) { maps.Copy(all, s.nodes) })
	ids := slices.Collect(maps.Keys(all))
	slices.Sort(ids)
	return ids
}

// Contains reports whether id changed.
func (cs *ChangeSet) Contains(id network.ID) bool {
	found := false
	cs.slots.ForEach(func(s *changeSlot) {
		if _, ok := s.nodes[id]; ok {
			found = true
		}
	})
	return found
}

// Len returns the number of distinct changed nodes.
func (cs *ChangeSet) Len() int { return len(cs.Nodes()) }

// Rows returns the output rows in slot order, master last.
func (cs *ChangeSet) Rows() []Change {
	var rows []Change
	cs.slots.ForEach(func(s *changeSlot) { rows = append(rows, s.rows...) })
	return rows
}

// Clear empties every slot for the next tick.
func (cs *ChangeSet) Clear() {
	cs.slots.ForEach(func(s *changeSlot) {
		clear(s.nodes)
		s.rows = s.rows[:0]
	})
}

// Release frees the per-worker slots.
func (cs *ChangeSet) Release() { cs.slots.Release() }
