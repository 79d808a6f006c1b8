package team

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestThreadContext_BuildThenMerge verifies:
// GIVEN a ThreadContext[int] over 4 workers
// WHEN each worker adds to its own slot inside a parallel region
// THEN Reduce folds the worker slots into master
func TestThreadContext_BuildThenMerge(t *testing.T) {
	tm := NewTeam(4)
	ctx := NewThreadContext[int](tm.Size())
	defer ctx.Release()

	err := tm.Run(context.Background(), func(_ context.Context, w *Worker) error {
		slot := ctx.Active(w)
		for i := 0; i <= w.ID(); i++ {
			*slot += 10
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{10, 20, 30, 40}, ctx.Workers())
	ctx.Reduce(func(master, worker *int) { *master += *worker })
	assert.Equal(t, 100, *ctx.Master())
}

func TestThreadContext_InitTwice_Panics(t *testing.T) {
	var c ThreadContext[string]
	c.Init(2)
	assert.Panics(t, func() { c.Init(2) })
	c.Release()
	assert.NotPanics(t, func() { c.Init(3) })
	assert.Equal(t, 3, c.Size())
	c.Release()
}

func TestThreadContext_ReleaseWithoutInit_Panics(t *testing.T) {
	var c ThreadContext[int]
	assert.Panics(t, func() { c.Release() })

	c.Init(1)
	c.Release()
	assert.Panics(t, func() { c.Release() })
}

func TestThreadContext_UseBeforeInit_Panics(t *testing.T) {
	var c ThreadContext[int]
	assert.False(t, c.IsLive())
	assert.Panics(t, func() { c.Master() })
	assert.Panics(t, func() { c.Workers() })
	assert.Panics(t, func() { c.Size() })
}

// TestThreadContext_ActiveOutsideRegion_Panics verifies that the active slot
// cannot be resolved without a live worker handle.
func TestThreadContext_ActiveOutsideRegion_Panics(t *testing.T) {
	c := NewThreadContext[int](2)
	defer c.Release()

	assert.Panics(t, func() { c.Active(nil) })

	var escaped *Worker
	tm := NewTeam(1)
	require.NoError(t, tm.Run(context.Background(), func(_ context.Context, w *Worker) error {
		escaped = w
		return nil
	}))
	assert.Panics(t, func() { c.Active(escaped) })
}

func TestThreadContext_ActiveWorkerOutOfRange_Panics(t *testing.T) {
	c := NewThreadContext[int](1)
	defer c.Release()

	tm := NewTeam(2)
	var panicked bool
	require.NoError(t, tm.Run(context.Background(), func(_ context.Context, w *Worker) error {
		if w.ID() != 1 {
			return nil
		}
		defer func() { panicked = recover() != nil }()
		c.Active(w)
		return nil
	}))
	assert.True(t, panicked)
}

func TestThreadContext_ForEach_VisitsMasterLast(t *testing.T) {
	c := NewThreadContext[int](3)
	defer c.Release()
	for i := range c.Workers() {
		c.Workers()[i] = i + 1
	}
	*c.Master() = 99

	var order []int
	c.ForEach(func(slot *int) { order = append(order, *slot) })
	assert.Equal(t, []int{1, 2, 3, 99}, order)
}
