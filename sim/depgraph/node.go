// Package depgraph evaluates derived simulation quantities incrementally.
//
// Nodes declare their prerequisites; the Graph orders them topologically
// once and then recomputes, per tick, only the nodes whose inputs changed.
package depgraph

import "context"

// Computable is a node of the dependency graph.
//
// Compute must be idempotent and read only the values of its prerequisites
// and external state marked through Graph.MarkStale. Nodes that communicate
// with other ranks must be computed on every rank in the same pass; mark
// them stale every tick.
type Computable interface {
	ID() string
	Prerequisites() []Computable
	// IsStatic reports whether the value never changes after the first
	// computation.
	IsStatic() bool
	Compute(ctx context.Context) error
}

// Derived caches the value of fn.
type Derived[T any] struct {
	id      string
	static  bool
	fn      func(ctx context.Context) (T, error)
	prereqs []Computable

	value T
	valid bool
}

// NewDerived returns a node computing its value with fn.
func NewDerived[T any](id string, static bool, fn func(ctx context.Context) (T, error), prereqs ...Computable) *Derived[T] {
	return &Derived[T]{id: id, static: static, fn: fn, prereqs: prereqs}
}

func (d *Derived[T]) ID() string                  { return d.id }
func (d *Derived[T]) Prerequisites() []Computable { return d.prereqs }
func (d *Derived[T]) IsStatic() bool              { return d.static }

// Compute refreshes the cached value. On error the value is invalidated.
func (d *Derived[T]) Compute(ctx context.Context) error {
	v, err := d.fn(ctx)
	if err != nil {
		d.valid = false
		return err
	}
	d.value = v
	d.valid = true
	return nil
}

// Value returns the last computed value.
func (d *Derived[T]) Value() T { return d.value }

// Valid reports whether the last computation succeeded.
func (d *Derived[T]) Valid() bool { return d.valid }

// Source is an input node whose value is set from outside the graph, for
// example the current tick or the node states after the action queue ran.
// Setting the value does not invalidate dependents; call Graph.MarkStale.
type Source[T any] struct {
	id    string
	value T
}

// NewSource returns an input node holding initial.
func NewSource[T any](id string, initial T) *Source[T] {
	return &Source[T]{id: id, value: initial}
}

func (s *Source[T]) ID() string                  { return s.id }
func (s *Source[T]) Prerequisites() []Computable { return nil }
func (s *Source[T]) IsStatic() bool              { return false }
func (s *Source[T]) Compute(context.Context) error { return nil }

// Set replaces the value.
func (s *Source[T]) Set(v T) { s.value = v }

// Value returns the current value.
func (s *Source[T]) Value() T { return s.value }
