package actions

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/episim/episim/sim/comm"
	"github.com/episim/episim/sim/network"
	"github.com/episim/episim/sim/team"
)

// fakeAction appends its name to a log when executed.
type fakeAction struct {
	name    string
	order   int
	target  network.ID
	changes bool
	log     *[]string
}

func (a *fakeAction) Order() int             { return a.order }
func (a *fakeAction) Target() network.ID     { return a.target }
func (a *fakeAction) Execute() bool          { *a.log = append(*a.log, a.name); return a.changes }
func (a *fakeAction) Change(tick int) Change { return Change{Tick: tick, Node: a.target, ExitState: a.name, Contact: NoContact} }

// TestQueue_ProcessCurrentActions_Ordering verifies:
// GIVEN actions for the current tick added with mixed order keys, and one for a later tick
// WHEN the current tick is processed
// THEN actions run by ascending order key, ties in insertion order,
// the tick's bucket is empty afterwards and the later tick is untouched
func TestQueue_ProcessCurrentActions_Ordering(t *testing.T) {
	var log []string
	q := NewQueue(1)
	defer q.Release()
	q.SetCurrentTick(5)

	add := func(tick int, name string, order int) {
		require.NoError(t, q.Add(nil, tick, &fakeAction{name: name, order: order, changes: true, log: &log}))
	}
	add(5, "c1", 2)
	add(5, "a1", 0)
	add(6, "later", 0)
	add(5, "c2", 2)
	add(5, "b1", 1)
	add(5, "a2", 0)

	stats := q.ProcessCurrentActions()

	assert.Equal(t, []string{"a1", "a2", "b1", "c1", "c2"}, log)
	assert.Equal(t, ProcessStats{Executed: 5, Changed: 5}, stats)
	assert.Equal(t, 0, q.Pending(5))
	assert.Equal(t, 1, q.Pending(6))

	log = nil
	q.IncrementTick()
	assert.Equal(t, 6, q.CurrentTick())
	q.ProcessCurrentActions()
	assert.Equal(t, []string{"later"}, log)
}

func TestQueue_NoOpActionsAreNotReported(t *testing.T) {
	var log []string
	var reported []network.ID
	q := NewQueue(1)
	defer q.Release()
	q.OnChange = func(_ int, a Action) { reported = append(reported, a.Target()) }

	require.NoError(t, q.Add(nil, 0, &fakeAction{name: "noop", target: 1, log: &log}))
	require.NoError(t, q.Add(nil, 0, &fakeAction{name: "real", target: 2, changes: true, log: &log}))

	stats := q.ProcessCurrentActions()
	assert.Equal(t, ProcessStats{Executed: 2, Changed: 1}, stats)
	assert.Equal(t, []network.ID{2}, reported)
}

func TestQueue_AddToPastTick_Fails(t *testing.T) {
	q := NewQueue(1)
	defer q.Release()
	q.SetCurrentTick(3)
	assert.Error(t, q.Add(nil, 2, &fakeAction{}))
	assert.NoError(t, q.Add(nil, 3, &fakeAction{}))
}

// TestQueue_ConcurrentProducers verifies that workers add without
// contention and that ties resolve in worker order, master last.
func TestQueue_ConcurrentProducers(t *testing.T) {
	var log []string
	tm := team.NewTeam(3)
	q := NewQueue(tm.Size())
	defer q.Release()

	err := tm.Run(context.Background(), func(ctx context.Context, w *team.Worker) error {
		// names encode the producing worker
		for i := 0; i < 2; i++ {
			name := string(rune('a'+w.ID())) + string(rune('0'+i))
			if err := q.Add(w, 0, &fakeAction{name: name, order: 1, log: &log}); err != nil {
				return err
			}
		}
		return w.Single(ctx, func() error {
			return q.Add(nil, 0, &fakeAction{name: "m0", order: 1, log: &log})
		})
	})
	require.NoError(t, err)
	require.NoError(t, q.Add(nil, 0, &fakeAction{name: "first", order: 0, log: &log}))

	q.ProcessCurrentActions()
	assert.Equal(t, []string{"first", "a0", "a1", "b0", "b1", "c0", "c1", "m0"}, log)
}

// TestQueue_TiesFollowInsertionAcrossTicks verifies:
// GIVEN worker 1 schedules an action for tick 5 while the queue is at tick 3
// WHEN worker 0 schedules an action with the same order key at tick 5
// THEN the earlier insertion runs first even though its slot comes later
func TestQueue_TiesFollowInsertionAcrossTicks(t *testing.T) {
	var log []string
	tm := team.NewTeam(2)
	q := NewQueue(tm.Size())
	defer q.Release()

	addFrom := func(id int, name string) {
		err := tm.Run(context.Background(), func(_ context.Context, w *team.Worker) error {
			if w.ID() != id {
				return nil
			}
			return q.Add(w, 5, &fakeAction{name: name, order: 1, log: &log})
		})
		require.NoError(t, err)
	}
	q.SetCurrentTick(3)
	addFrom(1, "first")
	q.SetCurrentTick(5)
	addFrom(0, "second")

	q.ProcessCurrentActions()
	assert.Equal(t, []string{"first", "second"}, log)
}

func TestChangeSet_SortedUnionAndRows(t *testing.T) {
	var log []string
	tm := team.NewTeam(2)
	cs := NewChangeSet(tm.Size())
	defer cs.Release()

	err := tm.Run(context.Background(), func(_ context.Context, w *team.Worker) error {
		base := network.ID(10 * (w.ID() + 1))
		cs.Record(w, 4, &fakeAction{name: "infected", target: base + 1, log: &log})
		cs.Add(w, base)
		cs.Add(w, 15)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []network.ID{10, 11, 15, 20, 21}, cs.Nodes())
	assert.True(t, cs.Contains(21))
	assert.False(t, cs.Contains(12))
	assert.Equal(t, 5, cs.Len())
	assert.Equal(t, []Change{
		{Tick: 4, Node: 11, ExitState: "infected", Contact: NoContact},
		{Tick: 4, Node: 21, ExitState: "infected", Contact: NoContact},
	}, cs.Rows())

	cs.Clear()
	assert.Empty(t, cs.Nodes())
	assert.Empty(t, cs.Rows())
}

// TestChangeWriter_RankOrder verifies that rank 0 writes the header and that
// rows of all ranks appear in rank order.
func TestChangeWriter_RankOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "changes.csv")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var g errgroup.Group
	for _, tr := range comm.NewLocalCluster(3) {
		c := comm.New(tr, nil, nil)
		g.Go(func() error {
			w := NewChangeWriter(path, c)
			if err := w.Init(ctx); err != nil {
				return err
			}
			for tick := 0; tick < 2; tick++ {
				rows := []Change{{Tick: tick, Node: network.ID(c.Rank()), ExitState: "I", Contact: int64(c.Rank()) - 1}}
				if c.Rank() == 1 && tick == 0 {
					rows = nil
				}
				if err := w.Write(ctx, rows); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, []string{
		"tick,pid,exit_state,contact_pid",
		"0,0,I,-1",
		"0,2,I,1",
		"1,0,I,-1",
		"1,1,I,0",
		"1,2,I,1",
	}, lines)
}
