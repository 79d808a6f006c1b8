package team

import "fmt"

// ThreadContext gives every worker of a team a private instance of T plus a
// master slot used to aggregate the worker instances (build-then-merge).
//
// Every Init must be matched by exactly one Release. Initializing a live
// context or releasing a dead one panics, so leaks surface in tests.
type ThreadContext[T any] struct {
	slots []T
	live  bool
}

// NewThreadContext returns an initialized context for workers workers.
func NewThreadContext[T any](workers int) *ThreadContext[T] {
	c := &ThreadContext[T]{}
	c.Init(workers)
	return c
}

// Init allocates workers+1 slots: one per worker and the master slot.
func (c *ThreadContext[T]) Init(workers int) {
	if c.live {
		panic("team: ThreadContext initialized twice without Release")
	}
	if workers < 1 {
		panic(fmt.Sprintf("team: ThreadContext needs at least one worker, got %d", workers))
	}
	c.slots = make([]T, workers+1)
	c.live = true
}

// Release frees all slots.
func (c *ThreadContext[T]) Release() {
	if !c.live {
		panic("team: ThreadContext released without Init")
	}
	c.slots = nil
	c.live = false
}

// IsLive reports whether the context is between Init and Release.
func (c *ThreadContext[T]) IsLive() bool {
	return c.live
}

// Size returns the number of worker slots, excluding master.
func (c *ThreadContext[T]) Size() int {
	c.mustBeLive()
	return len(c.slots) - 1
}

// Active returns the slot of the calling worker. The worker handle only
// exists inside Team.Run, so calling Active outside a parallel region panics.
func (c *ThreadContext[T]) Active(w *Worker) *T {
	c.mustBeLive()
	if w == nil || !w.active.Load() {
		panic("team: ThreadContext.Active called outside a parallel region")
	}
	if w.id >= len(c.slots)-1 {
		panic(fmt.Sprintf("team: worker %d outside ThreadContext of %d workers", w.id, len(c.slots)-1))
	}
	return &c.slots[w.id]
}

// Master returns the aggregation slot.
func (c *ThreadContext[T]) Master() *T {
	c.mustBeLive()
	return &c.slots[len(c.slots)-1]
}

// Workers returns the worker slots in worker order, excluding master.
// The slice aliases the context storage.
func (c *ThreadContext[T]) Workers() []T {
	c.mustBeLive()
	return c.slots[:len(c.slots)-1]
}

// Reduce folds every worker slot, in worker order, into the master slot.
func (c *ThreadContext[T]) Reduce(fold func(master, worker *T)) {
	c.mustBeLive()
	master := &c.slots[len(c.slots)-1]
	for i := 0; i < len(c.slots)-1; i++ {
		fold(master, &c.slots[i])
	}
}

// ForEach calls fn for every slot including master (master last).
func (c *ThreadContext[T]) ForEach(fn func(slot *T)) {
	c.mustBeLive()
	for i := range c.slots {
		fn(&c.slots[i])
	}
}

func (c *ThreadContext[T]) mustBeLive() {
	if !c.live {
		panic("team: ThreadContext used before Init or after Release")
	}
}
