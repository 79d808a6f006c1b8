// Package actions schedules state mutations by tick and applies them in a
// deterministic order, and records what changed for output and mirror
// refresh.
package actions

import (
	"container/heap"
	"fmt"

	"github.com/episim/episim/sim/network"
	"github.com/episim/episim/sim/team"
)

// Action is a deferred mutation of one node.
type Action interface {
	// Order ranks actions of the same tick; lower runs first.
	Order() int
	// Target is the node the action mutates.
	Target() network.ID
	// Execute applies the action and reports whether the node changed.
	Execute() bool
}

// slot holds the actions one producer scheduled, by tick, and the
// producer's insertion counter.
type slot struct {
	pending map[int][]actionEntry
	seq     int64
}

// Queue holds the pending actions of all ticks. Producers add to their own
// worker slot, so adding never contends. Draining and tick changes happen
// from a single worker.
type Queue struct {
	tick  int
	slots *team.ThreadContext[slot]

	// OnChange is called for every executed action that changed its target.
	OnChange func(tick int, a Action)
}

// NewQueue returns a queue for a team of workers.
func NewQueue(workers int) *Queue {
	q := &Queue{slots: team.NewThreadContext[slot](workers)}
	q.slots.ForEach(func(s *slot) { s.pending = make(map[int][]actionEntry) })
	return q
}

// Add schedules a for tick. w selects the producer slot; nil selects the
// master slot, which only a single-worker section may use. The action is
// stamped with the current tick, its slot and the slot's insertion count.
func (q *Queue) Add(w *team.Worker, tick int, a Action) error {
	if tick < q.tick {
		return fmt.Errorf("actions: cannot schedule for tick %d, current tick is %d", tick, q.tick)
	}
	var s *slot
	index := q.slots.Size()
	if w == nil {
		s = q.slots.Master()
	} else {
		s = q.slots.Active(w)
		index = w.ID()
	}
	s.pending[tick] = append(s.pending[tick], actionEntry{action: a, added: q.tick, slot: index, seq: s.seq})
	s.seq++
	return nil
}

// Pending returns the number of actions scheduled for tick.
func (q *Queue) Pending(tick int) int {
	n := 0
	q.slots.ForEach(func(s *slot) { n += len(s.pending[tick]) })
	return n
}

// ProcessStats summarizes one ProcessCurrentActions call.
type ProcessStats struct {
	Executed int
	Changed  int
}

// ProcessCurrentActions executes the actions of the current tick ordered by
// Order. Ties run in insertion order: earlier insertion tick first, then
// worker slot order with the master slot last, then the order within a slot.
// The tick's actions are removed; other ticks stay untouched.
func (q *Queue) ProcessCurrentActions() ProcessStats {
	pending := actionHeap{}
	q.slots.ForEach(func(s *slot) {
		pending = append(pending, s.pending[q.tick]...)
		delete(s.pending, q.tick)
	})
	heap.Init(&pending)

	var stats ProcessStats
	for pending.Len() > 0 {
		e := heap.Pop(&pending).(actionEntry)
		stats.Executed++
		if !e.action.Execute() {
			continue
		}
		stats.Changed++
		if q.OnChange != nil {
			q.OnChange(q.tick, e.action)
		}
	}
	return stats
}

// CurrentTick returns the tick ProcessCurrentActions drains.
func (q *Queue) CurrentTick() int { return q.tick }

// SetCurrentTick moves the queue to tick.
func (q *Queue) SetCurrentTick(tick int) { q.tick = tick }

// IncrementTick advances the queue by one tick.
func (q *Queue) IncrementTick() { q.tick++ }

// Release frees the per-worker slots.
func (q *Queue) Release() { q.slots.Release() }

// actionEntry wraps an Action with its insertion stamp for deterministic
// tie-breaking when order keys are equal.
type actionEntry struct {
	action Action
	added  int   // queue tick at insertion
	slot   int   // producer slot, master last
	seq    int64 // insertion count within the slot
}

// actionHeap is a min-heap ordered by (Order, added, slot, seq).
type actionHeap []actionEntry

func (h actionHeap) Len() int { return len(h) }

func (h actionHeap) Less(i, j int) bool {
	if h[i].action.Order() != h[j].action.Order() {
		return h[i].action.Order() < h[j].action.Order()
	}
	if h[i].added != h[j].added {
		return h[i].added < h[j].added
	}
	if h[i].slot != h[j].slot {
		return h[i].slot < h[j].slot
	}
	return h[i].seq < h[j].seq
}

func (h actionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *actionHeap) Push(x any) {
	*h = append(*h, x.(actionEntry))
}

func (h *actionHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
