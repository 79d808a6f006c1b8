// Package intervention evaluates observables and triggers every tick and
// applies the interventions they fire.
//
// Sets, observables and triggers are nodes of the dependency graph. Nodes
// that communicate (set sizes, the trigger reduction) depend on the tick
// source, which the simulation marks stale every tick, so every rank
// computes them in the same pass.
package intervention

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"

	"github.com/episim/episim/sim/actions"
	"github.com/episim/episim/sim/comm"
	"github.com/episim/episim/sim/depgraph"
	"github.com/episim/episim/sim/model"
	"github.com/episim/episim/sim/network"
	"github.com/episim/episim/sim/sampling"
	"github.com/episim/episim/sim/team"
)

// Env is what a plan is built against.
type Env struct {
	Graph     *depgraph.Graph
	Model     *model.Model
	Partition *network.Partition
	Comm      *comm.Communicator
	Workers   int
	// Tick is marked stale every tick.
	Tick *depgraph.Source[int]
	// States is marked stale whenever local node states changed.
	States *depgraph.Source[int]
	// Counts holds the global state counts, marked stale every tick.
	Counts *depgraph.Source[[]model.Counts]
}

// Set is a named selection of local nodes.
type Set struct {
	id      string
	members *depgraph.Derived[[]network.ID]
	size    *depgraph.Derived[float64]
}

// ID returns the set name.
func (s *Set) ID() string { return s.id }

// Members returns the local members in ascending ID order.
func (s *Set) Members() []network.ID { return s.members.Value() }

// Size returns the global number of members.
func (s *Set) Size() float64 { return s.size.Value() }

// Observable is a named global quantity.
type Observable struct {
	id    string
	value *depgraph.Derived[float64]
}

// ID returns the observable name.
func (o *Observable) ID() string { return o.id }

// Value returns the value of the current tick.
func (o *Observable) Value() float64 { return o.value.Value() }

// Trigger compares an observable with a threshold.
type Trigger struct {
	id    string
	local *depgraph.Derived[bool]
	fired bool
}

// ID returns the trigger name.
func (t *Trigger) ID() string { return t.id }

// Fired reports whether the trigger held on any rank in the current tick.
func (t *Trigger) Fired() bool { return t.fired }

// Intervention moves sampled set members to a health state.
type Intervention struct {
	id       string
	target   *Set
	sampler  *sampling.Sampler
	to       network.StateCode
	sus, inf model.FactorOp
	delay    int
	atTick   *int
	once     bool
	triggers []*Trigger

	firings int
}

// ID returns the intervention name.
func (iv *Intervention) ID() string { return iv.id }

// Firings returns how often the intervention fired.
func (iv *Intervention) Firings() int { return iv.firings }

// Plan holds the sets, observables, triggers and interventions of a run.
type Plan struct {
	env           Env
	sets          map[string]*Set
	observables   map[string]*Observable
	triggers      []*Trigger
	reduced       *depgraph.Derived[[]bool]
	interventions []*Intervention
	active        []*Intervention
}

// Build resolves cfg and registers its nodes with env.Graph. All problems
// are reported together, before any node is registered.
func Build(cfg Config, env Env) (*Plan, error) {
	if err := cfg.Validate(env.Model); err != nil {
		return nil, err
	}
	p := &Plan{
		env:         env,
		sets:        make(map[string]*Set),
		observables: make(map[string]*Observable),
	}
	var errs []error
	for _, sc := range cfg.Sets {
		if err := p.addSet(sc); err != nil {
			errs = append(errs, err)
		}
	}
	for _, oc := range cfg.Observables {
		if err := p.addObservable(oc); err != nil {
			errs = append(errs, err)
		}
	}
	ivs := make(map[string]*Intervention)
	for _, ic := range cfg.Interventions {
		iv, err := p.newIntervention(ic)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := ivs[iv.id]; dup {
			errs = append(errs, fmt.Errorf("intervention %q: duplicate id", iv.id))
			continue
		}
		ivs[iv.id] = iv
		p.interventions = append(p.interventions, iv)
	}
	for _, tc := range cfg.Triggers {
		if err := p.addTrigger(tc, ivs); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		p.Release()
		return nil, err
	}

	if len(p.triggers) > 0 {
		prereqs := []depgraph.Computable{env.Tick}
		for _, t := range p.triggers {
			prereqs = append(prereqs, t.local)
		}
		p.reduced = depgraph.NewDerived("triggers", false, p.reduceTriggers, prereqs...)
		if err := env.Graph.Register(p.reduced); err != nil {
			p.Release()
			return nil, err
		}
	}
	return p, nil
}

func (p *Plan) addSet(sc SetConfig) error {
	if _, dup := p.sets[sc.ID]; dup {
		return fmt.Errorf("set %q: duplicate id", sc.ID)
	}
	match, err := compileFilter(p.env.Model, sc.Filter)
	if err != nil {
		return fmt.Errorf("set %q: %w", sc.ID, err)
	}
	part := p.env.Partition
	members := depgraph.NewDerived("set/"+sc.ID, false, func(context.Context) ([]network.ID, error) {
		var ids []network.ID
		for _, n := range part.Nodes() {
			if match(&n) {
				ids = append(ids, n.ID)
			}
		}
		return ids, nil
	}, p.env.States)
	c := p.env.Comm
	size := depgraph.NewDerived("size/"+sc.ID, false, func(ctx context.Context) (float64, error) {
		sum, err := ReduceSum(ctx, c, []float64{float64(len(members.Value()))})
		if err != nil {
			return 0, err
		}
		return sum[0], nil
	}, members, p.env.Tick)
	for _, n := range []depgraph.Computable{members, size} {
		if err := p.env.Graph.Register(n); err != nil {
			return err
		}
	}
	p.sets[sc.ID] = &Set{id: sc.ID, members: members, size: size}
	return nil
}

func compileFilter(m *model.Model, f FilterConfig) (func(*network.NodeRecord) bool, error) {
	var states []network.StateCode
	for _, name := range f.States {
		code, ok := m.Code(name)
		if !ok {
			return nil, fmt.Errorf("unknown health state %q", name)
		}
		states = append(states, code)
	}
	if f.TraitsValue&^f.TraitsMask != 0 {
		return nil, fmt.Errorf("traits value %#x has bits outside mask %#x", f.TraitsValue, f.TraitsMask)
	}
	return func(n *network.NodeRecord) bool {
		if len(states) > 0 && !slices.Contains(states, n.State) {
			return false
		}
		return n.Traits&f.TraitsMask == f.TraitsValue
	}, nil
}

func (p *Plan) addObservable(oc ObservableConfig) error {
	if _, dup := p.observables[oc.ID]; dup {
		return fmt.Errorf("observable %q: duplicate id", oc.ID)
	}
	counts := p.env.Counts
	total := func() float64 {
		sum := 0.0
		for _, c := range counts.Value() {
			sum += c.Current
		}
		return sum
	}
	scale := func(v float64) float64 {
		if !oc.Relative {
			return v
		}
		if t := total(); t > 0 {
			return v / t
		}
		return 0
	}

	var value *depgraph.Derived[float64]
	switch oc.Kind {
	case "state":
		code, ok := p.env.Model.Code(oc.State)
		if !ok {
			return fmt.Errorf("observable %q: unknown health state %q", oc.ID, oc.State)
		}
		flow := oc.Flow
		value = depgraph.NewDerived("observable/"+oc.ID, false, func(context.Context) (float64, error) {
			all := counts.Value()
			if int(code) >= len(all) {
				return 0, fmt.Errorf("no global counts for state %q", oc.State)
			}
			c := all[code]
			switch flow {
			case "in":
				return scale(c.In), nil
			case "out":
				return scale(c.Out), nil
			default:
				return scale(c.Current), nil
			}
		}, counts)
	case "size":
		set, ok := p.sets[oc.Set]
		if !ok {
			return fmt.Errorf("observable %q: unknown set %q", oc.ID, oc.Set)
		}
		value = depgraph.NewDerived("observable/"+oc.ID, false, func(context.Context) (float64, error) {
			return scale(set.Size()), nil
		}, set.size, counts)
	default:
		return fmt.Errorf("observable %q: unknown kind %q", oc.ID, oc.Kind)
	}
	if err := p.env.Graph.Register(value); err != nil {
		return err
	}
	p.observables[oc.ID] = &Observable{id: oc.ID, value: value}
	return nil
}

func compare(op string) (func(a, b float64) bool, error) {
	switch op {
	case "<":
		return func(a, b float64) bool { return a < b }, nil
	case "<=":
		return func(a, b float64) bool { return a <= b }, nil
	case ">":
		return func(a, b float64) bool { return a > b }, nil
	case ">=":
		return func(a, b float64) bool { return a >= b }, nil
	case "==":
		return func(a, b float64) bool { return a == b }, nil
	case "!=":
		return func(a, b float64) bool { return a != b }, nil
	default:
		return nil, fmt.Errorf("unknown comparison %q", op)
	}
}

func (p *Plan) addTrigger(tc TriggerConfig, ivs map[string]*Intervention) error {
	obs, ok := p.observables[tc.Observable]
	if !ok {
		return fmt.Errorf("trigger %q: unknown observable %q", tc.ID, tc.Observable)
	}
	cmp, err := compare(tc.Comparison)
	if err != nil {
		return fmt.Errorf("trigger %q: %w", tc.ID, err)
	}
	if len(tc.Interventions) == 0 {
		return fmt.Errorf("trigger %q: no interventions", tc.ID)
	}
	threshold := tc.Value
	t := &Trigger{id: tc.ID}
	t.local = depgraph.NewDerived("trigger/"+tc.ID, false, func(context.Context) (bool, error) {
		return cmp(obs.Value(), threshold), nil
	}, obs.value)
	for _, name := range tc.Interventions {
		iv, ok := ivs[name]
		if !ok {
			return fmt.Errorf("trigger %q: unknown intervention %q", tc.ID, name)
		}
		iv.triggers = append(iv.triggers, t)
	}
	if err := p.env.Graph.Register(t.local); err != nil {
		return err
	}
	p.triggers = append(p.triggers, t)
	return nil
}

// reduceTriggers ORs the local trigger values of all ranks.
func (p *Plan) reduceTriggers(ctx context.Context) ([]bool, error) {
	local := make([]bool, len(p.triggers))
	for i, t := range p.triggers {
		local[i] = t.local.Value()
	}
	global, err := ReduceOr(ctx, p.env.Comm, local)
	if err != nil {
		return nil, err
	}
	for i, t := range p.triggers {
		t.fired = global[i]
	}
	return global, nil
}

func (p *Plan) newIntervention(ic InterventionConfig) (*Intervention, error) {
	set, ok := p.sets[ic.Target]
	if !ok {
		return nil, fmt.Errorf("intervention %q: unknown target set %q", ic.ID, ic.Target)
	}
	to, ok := p.env.Model.Code(ic.SetState)
	if !ok {
		return nil, fmt.Errorf("intervention %q: unknown health state %q", ic.ID, ic.SetState)
	}
	if ic.Delay < 0 {
		return nil, fmt.Errorf("intervention %q: negative delay %d", ic.ID, ic.Delay)
	}
	iv := &Intervention{
		id:     ic.ID,
		target: set,
		to:     to,
		delay:  ic.Delay,
		atTick: ic.AtTick,
		once:   ic.Once,
	}
	if ic.SusceptibilityFactor != nil {
		iv.sus = *ic.SusceptibilityFactor
	}
	if ic.InfectivityFactor != nil {
		iv.inf = *ic.InfectivityFactor
	}
	if ic.Sampling != nil {
		kind, err := sampling.ParseKind(ic.Sampling.Type)
		if err != nil {
			return nil, fmt.Errorf("intervention %q: %w", ic.ID, err)
		}
		spec := sampling.Spec{Kind: kind, Percentage: ic.Sampling.Percentage, Count: ic.Sampling.Count}
		if iv.sampler, err = sampling.NewSampler(spec, p.env.Comm, p.env.Workers); err != nil {
			return nil, fmt.Errorf("intervention %q: %w", ic.ID, err)
		}
	}
	return iv, nil
}

// Set returns the set with id.
func (p *Plan) Set(id string) (*Set, bool) {
	s, ok := p.sets[id]
	return s, ok
}

// Observable returns the observable with id.
func (p *Plan) Observable(id string) (*Observable, bool) {
	o, ok := p.observables[id]
	return o, ok
}

// Triggers returns the triggers in declaration order.
func (p *Plan) Triggers() []*Trigger { return p.triggers }

// Interventions returns the interventions in declaration order.
func (p *Plan) Interventions() []*Intervention { return p.interventions }

// Firings returns the firing count of every intervention that fired.
func (p *Plan) Firings() map[string]int {
	firings := make(map[string]int)
	for _, iv := range p.interventions {
		if iv.firings > 0 {
			firings[iv.id] = iv.firings
		}
	}
	return firings
}

// RestoreFirings sets the firing counts of a resumed run. Unknown ids are
// ignored; interventions missing from firings keep their count.
func (p *Plan) RestoreFirings(firings map[string]int) {
	for _, iv := range p.interventions {
		if n, ok := firings[iv.id]; ok {
			iv.firings = n
		}
	}
}

// Prepare selects the interventions firing in tick. Call it from a single
// worker after the dependency graph was updated for tick.
func (p *Plan) Prepare(tick int) []*Intervention {
	p.active = p.active[:0]
	for _, iv := range p.interventions {
		if iv.once && iv.firings > 0 {
			continue
		}
		fire := iv.atTick != nil && *iv.atTick == tick
		for _, t := range iv.triggers {
			fire = fire || t.fired
		}
		if fire {
			iv.firings++
			p.active = append(p.active, iv)
		}
	}
	return p.active
}

// Apply schedules the actions of the prepared interventions. Every worker
// of every rank calls it; the worker handles its share of each target set.
// It returns the number of actions the worker scheduled.
func (p *Plan) Apply(ctx context.Context, w *team.Worker, q *actions.Queue, tick int, rng *rand.Rand) (int, error) {
	scheduled := 0
	for _, iv := range p.active {
		members := iv.target.Members()
		lo, hi := w.Range(len(members))
		targets := members[lo:hi]
		if iv.sampler != nil {
			res, err := iv.sampler.Process(ctx, w, targets, rng)
			if err != nil {
				return scheduled, fmt.Errorf("sampling for intervention %q: %w", iv.id, err)
			}
			targets = res.Sampled
		}
		for _, id := range targets {
			n, ok := p.env.Partition.Local(id)
			if !ok {
				return scheduled, fmt.Errorf("intervention %q: set member %d is not local", iv.id, id)
			}
			a := p.env.Model.NewStateChange(n, iv.to, model.OrderIntervention).WithFactors(iv.sus, iv.inf)
			if err := q.Add(w, tick+iv.delay, a); err != nil {
				return scheduled, err
			}
			scheduled++
		}
	}
	return scheduled, nil
}

// Release frees the samplers.
func (p *Plan) Release() {
	for _, iv := range p.interventions {
		if iv.sampler != nil {
			iv.sampler.Release()
			iv.sampler = nil
		}
	}
}
