// Package team provides the fixed-size worker team each rank runs for the
// whole simulation, the barrier and elect-one primitives the tick loop is
// synchronized with, and ThreadContext, the per-worker replicated storage.
//
// All workers of a team execute the same function in lock-step. Shared state
// is only mutated inside Single sections; everything else is either
// worker-private (ThreadContext slots) or read-only for the tick.
package team

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrTeamFailed is returned by Barrier when another worker reported a
// failure through Fail and the failure carried no error value.
var ErrTeamFailed = errors.New("team: a worker reported failure")

// Team is a fixed-size group of workers executing one function in parallel.
type Team struct {
	size    int
	running atomic.Bool

	mu      sync.Mutex
	err     error
	barrier *barrier
}

// NewTeam creates a team of size workers. Panics if size < 1.
func NewTeam(size int) *Team {
	if size < 1 {
		panic(fmt.Sprintf("team: size must be >= 1, got %d", size))
	}
	return &Team{size: size}
}

// Size returns the number of workers.
func (t *Team) Size() int {
	return t.size
}

// Run executes fn on every worker concurrently and waits for all of them.
// It returns the first error returned by a worker or recorded with Fail.
// The context passed to fn is canceled as soon as one worker returns an error,
// which releases workers blocked in Barrier.
// Panics if the team is already running.
func (t *Team) Run(ctx context.Context, fn func(ctx context.Context, w *Worker) error) error {
	if !t.running.CompareAndSwap(false, true) {
		panic("team: Run called while the team is already running")
	}
	defer t.running.Store(false)

	t.mu.Lock()
	t.err = nil
	t.barrier = newBarrier(t.size)
	t.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < t.size; i++ {
		w := &Worker{id: i, team: t}
		w.active.Store(true)
		g.Go(func() error {
			defer w.active.Store(false)
			return fn(gctx, w)
		})
	}

	if err := g.Wait(); err != nil {
		if first := t.Err(); first != nil {
			return first
		}
		return err
	}
	return t.Err()
}

// Fail records err as the team's failure. The first recorded error wins.
// Every worker observes the failure after its next barrier.
func (t *Team) Fail(err error) {
	if err == nil {
		err = ErrTeamFailed
	}
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
}

// Err returns the recorded failure, if any.
func (t *Team) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Worker is the handle a team member receives inside Run. It is only valid
// while Run is executing; using it afterwards is a programming error.
type Worker struct {
	id     int
	team   *Team
	active atomic.Bool
}

// ID returns the worker index in [0, team size).
func (w *Worker) ID() int {
	return w.id
}

// Team returns the team the worker belongs to.
func (w *Worker) Team() *Team {
	return w.team
}

// IsLeader reports whether w is the designated worker of Single sections.
func (w *Worker) IsLeader() bool {
	return w.id == 0
}

// Fail records a failure for the whole team.
func (w *Worker) Fail(err error) {
	w.team.Fail(err)
}

// Barrier blocks until every worker of the team reached it. After the
// barrier it returns the team failure, so that all workers stop together.
func (w *Worker) Barrier(ctx context.Context) error {
	if err := w.team.barrier.wait(ctx); err != nil {
		return err
	}
	return w.team.Err()
}

// Single runs fn on the leader only, followed by a barrier. Every worker
// returns the same result: nil, or the team failure fn produced.
func (w *Worker) Single(ctx context.Context, fn func() error) error {
	if w.IsLeader() {
		if err := fn(); err != nil {
			w.team.Fail(err)
		}
	}
	return w.Barrier(ctx)
}

// Range returns the half-open static share [lo, hi) of n items for w.
// Shares differ in size by at most one item.
func (w *Worker) Range(n int) (lo, hi int) {
	size := w.team.size
	chunk := n / size
	rest := n % size
	lo = w.id*chunk + min(w.id, rest)
	hi = lo + chunk
	if w.id < rest {
		hi++
	}
	return lo, hi
}

// barrier is a reusable barrier for a fixed number of parties.
type barrier struct {
	mu      sync.Mutex
	parties int
	waiting int
	release chan struct{}
}

func newBarrier(parties int) *barrier {
	return &barrier{parties: parties, release: make(chan struct{})}
}

func (b *barrier) wait(ctx context.Context) error {
	b.mu.Lock()
	b.waiting++
	if b.waiting == b.parties {
		close(b.release)
		b.release = make(chan struct{})
		b.waiting = 0
		b.mu.Unlock()
		return nil
	}
	release := b.release
	b.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
