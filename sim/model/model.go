// Package model is the disease model: health states, progressions between
// them and transmissions along contacts. It turns the state of the
// partition into actions and keeps per-state counts.
package model

import (
	"fmt"
	"math/rand"

	"github.com/episim/episim/sim/network"
)

// FactorOp modifies a susceptibility or infectivity factor on a state change.
type FactorOp struct {
	Operator string  `yaml:"operator" validate:"oneof=assign multiply divide"`
	Value    float64 `yaml:"value"`
}

// Apply returns v modified by the operation. The zero FactorOp keeps v.
func (o FactorOp) Apply(v float64) float64 {
	switch o.Operator {
	case "assign":
		return o.Value
	case "multiply":
		return v * o.Value
	case "divide":
		if o.Value == 0 {
			return v
		}
		return v / o.Value
	default:
		return v
	}
}

// StateConfig declares a health state.
type StateConfig struct {
	ID             string  `yaml:"id" validate:"required"`
	Susceptibility float64 `yaml:"susceptibility" validate:"gte=0"`
	Infectivity    float64 `yaml:"infectivity" validate:"gte=0"`
}

// ProgressionConfig declares a spontaneous transition out of Entry.
// The dwell time in Entry is uniform in [MinDwell, MaxDwell] ticks.
type ProgressionConfig struct {
	ID                   string    `yaml:"id" validate:"required"`
	Entry                string    `yaml:"entry" validate:"required"`
	Exit                 string    `yaml:"exit" validate:"required"`
	Probability          float64   `yaml:"probability" validate:"gte=0,lte=1"`
	MinDwell             int       `yaml:"min_dwell" validate:"gte=1"`
	MaxDwell             int       `yaml:"max_dwell" validate:"gtefield=MinDwell"`
	SusceptibilityFactor *FactorOp `yaml:"susceptibility_factor,omitempty"`
	InfectivityFactor    *FactorOp `yaml:"infectivity_factor,omitempty"`
}

// TransmissionConfig declares an infection of a node in Entry by a contact
// in Contact, moving the node to Exit.
type TransmissionConfig struct {
	ID                   string    `yaml:"id" validate:"required"`
	Entry                string    `yaml:"entry" validate:"required"`
	Exit                 string    `yaml:"exit" validate:"required"`
	Contact              string    `yaml:"contact" validate:"required"`
	Transmissibility     float64   `yaml:"transmissibility" validate:"gte=0"`
	SusceptibilityFactor *FactorOp `yaml:"susceptibility_factor,omitempty"`
	InfectivityFactor    *FactorOp `yaml:"infectivity_factor,omitempty"`
}

// Config is the declarative disease model.
type Config struct {
	States           []StateConfig        `yaml:"states" validate:"required,min=1,dive"`
	InitialState     string               `yaml:"initial_state" validate:"required"`
	Transmissibility float64              `yaml:"transmissibility" validate:"gte=0"`
	Progressions     []ProgressionConfig  `yaml:"progressions" validate:"dive"`
	Transmissions    []TransmissionConfig `yaml:"transmissions" validate:"dive"`
}

// HealthState is a resolved health state.
type HealthState struct {
	ID             string
	Susceptibility float64
	Infectivity    float64
}

type progression struct {
	id          string
	exit        network.StateCode
	probability float64
	minDwell    int
	maxDwell    int
	sus, inf    FactorOp
}

type transmission struct {
	id               string
	entry, exit      network.StateCode
	contact          network.StateCode
	transmissibility float64
	sus, inf         FactorOp
}

// Counts are the per-state node counts: nodes currently in the state and
// nodes that entered and left it during the current tick.
type Counts struct {
	Current float64
	In      float64
	Out     float64
}

// Model is a resolved disease model.
type Model struct {
	states           []HealthState
	index            map[string]network.StateCode
	initial          network.StateCode
	transmissibility float64
	// progressions[s] lists the transitions out of state s
	progressions  [][]progression
	transmissions []transmission

	local []Counts
}

// New resolves state names and checks the references of cfg.
func New(cfg Config) (*Model, error) {
	if len(cfg.States) == 0 {
		return nil, fmt.Errorf("model: no health states")
	}
	m := &Model{
		index:            make(map[string]network.StateCode, len(cfg.States)),
		transmissibility: cfg.Transmissibility,
		progressions:     make([][]progression, len(cfg.States)),
		local:            make([]Counts, len(cfg.States)),
	}
	for i, s := range cfg.States {
		if _, dup := m.index[s.ID]; dup {
			return nil, fmt.Errorf("model: duplicate health state %q", s.ID)
		}
		if s.Susceptibility < 0 || s.Infectivity < 0 {
			return nil, fmt.Errorf("model: health state %q has negative susceptibility or infectivity", s.ID)
		}
		m.index[s.ID] = network.StateCode(i)
		m.states = append(m.states, HealthState(s))
	}

	var err error
	if m.initial, err = m.resolve("initial state", cfg.InitialState); err != nil {
		return nil, err
	}

	for _, p := range cfg.Progressions {
		entry, err := m.resolve("progression "+p.ID+" entry", p.Entry)
		if err != nil {
			return nil, err
		}
		exit, err := m.resolve("progression "+p.ID+" exit", p.Exit)
		if err != nil {
			return nil, err
		}
		if p.MinDwell < 1 || p.MaxDwell < p.MinDwell {
			return nil, fmt.Errorf("model: progression %q has invalid dwell [%d, %d]", p.ID, p.MinDwell, p.MaxDwell)
		}
		m.progressions[entry] = append(m.progressions[entry], progression{
			id: p.ID, exit: exit, probability: p.Probability,
			minDwell: p.MinDwell, maxDwell: p.MaxDwell,
			sus: deref(p.SusceptibilityFactor), inf: deref(p.InfectivityFactor),
		})
	}
	for s, ps := range m.progressions {
		total := 0.0
		for _, p := range ps {
			total += p.probability
		}
		if total > 1+1e-9 {
			return nil, fmt.Errorf("model: progressions out of %q have total probability %g", m.states[s].ID, total)
		}
	}

	for _, t := range cfg.Transmissions {
		var tr transmission
		if tr.entry, err = m.resolve("transmission "+t.ID+" entry", t.Entry); err != nil {
			return nil, err
		}
		if tr.exit, err = m.resolve("transmission "+t.ID+" exit", t.Exit); err != nil {
			return nil, err
		}
		if tr.contact, err = m.resolve("transmission "+t.ID+" contact", t.Contact); err != nil {
			return nil, err
		}
		tr.id = t.ID
		tr.transmissibility = t.Transmissibility
		tr.sus = deref(t.SusceptibilityFactor)
		tr.inf = deref(t.InfectivityFactor)
		m.transmissions = append(m.transmissions, tr)
	}
	return m, nil
}

func deref(op *FactorOp) FactorOp {
	if op == nil {
		return FactorOp{}
	}
	return *op
}

func (m *Model) resolve(what, name string) (network.StateCode, error) {
	code, ok := m.index[name]
	if !ok {
		return 0, fmt.Errorf("model: %s refers to unknown health state %q", what, name)
	}
	return code, nil
}

// Code returns the code of the named state.
func (m *Model) Code(name string) (network.StateCode, bool) {
	code, ok := m.index[name]
	return code, ok
}

// States returns the health states indexed by code.
func (m *Model) States() []HealthState { return m.states }

// State returns the health state of code.
func (m *Model) State(code network.StateCode) HealthState { return m.states[code] }

// Initialize puts every local node into the initial state and recounts.
func (m *Model) Initialize(p *network.Partition) {
	nodes := p.Nodes()
	for i := range nodes {
		m.enter(&nodes[i], m.initial)
	}
	m.Recount(p)
}

// Recount sets the current local counts from the partition and clears the
// tick flows.
func (m *Model) Recount(p *network.Partition) {
	clear(m.local)
	for _, n := range p.Nodes() {
		m.local[n.State].Current++
	}
}

// LocalCounts returns the local counts indexed by state code. The slice
// aliases the model.
func (m *Model) LocalCounts() []Counts { return m.local }

// ResetFlows clears the In and Out counts for a new tick.
func (m *Model) ResetFlows() {
	for i := range m.local {
		m.local[i].In = 0
		m.local[i].Out = 0
	}
}

// enter sets the state of n and derives its susceptibility and infectivity.
func (m *Model) enter(n *network.NodeRecord, to network.StateCode) {
	n.State = to
	n.Susceptibility = n.SusceptibilityFactor * m.states[to].Susceptibility
	n.Infectivity = n.InfectivityFactor * m.states[to].Infectivity
}

// transition moves n to state to, applying the factor operations, and
// maintains the local counts.
func (m *Model) transition(n *network.NodeRecord, to network.StateCode, sus, inf FactorOp) {
	from := n.State
	n.SusceptibilityFactor = sus.Apply(n.SusceptibilityFactor)
	n.InfectivityFactor = inf.Apply(n.InfectivityFactor)
	m.enter(n, to)
	m.local[from].Current--
	m.local[from].Out++
	m.local[to].Current++
	m.local[to].In++
}

// ScheduleProgression picks the next progression out of the current state
// of node and returns the action and the tick it is due. ok is false when
// the node stays in its state.
func (m *Model) ScheduleProgression(tick int, n *network.NodeRecord, rng *rand.Rand) (a *StateChange, due int, ok bool) {
	ps := m.progressions[n.State]
	if len(ps) == 0 {
		return nil, 0, false
	}
	u := rng.Float64()
	for _, p := range ps {
		if u >= p.probability {
			u -= p.probability
			continue
		}
		dwell := p.minDwell
		if p.maxDwell > p.minDwell {
			dwell += rng.Intn(p.maxDwell - p.minDwell + 1)
		}
		return &StateChange{
			model:   m,
			node:    n,
			from:    n.State,
			to:      p.exit,
			order:   OrderProgression,
			contact: -1,
			sus:     p.sus,
			inf:     p.inf,
		}, tick + dwell, true
	}
	return nil, 0, false
}

// NewStateChange returns an action moving n to state to unconditionally.
// Interventions and initialization use it.
func (m *Model) NewStateChange(n *network.NodeRecord, to network.StateCode, order int) *StateChange {
	return &StateChange{model: m, node: n, from: AnyState, to: to, order: order, contact: -1}
}
