package model

import (
	"math"

	"github.com/episim/episim/sim/actions"
	"github.com/episim/episim/sim/network"
)

// Order keys of the model's actions within a tick.
const (
	OrderIntervention = iota
	OrderTransmission
	OrderProgression
)

// AnyState lets a StateChange apply regardless of the current state.
const AnyState = network.StateCode(math.MaxUint16)

// StateChange moves one local node to a new health state.
type StateChange struct {
	model *Model
	node  *network.NodeRecord
	// from guards the change: it is a no-op unless the node is still in from
	from     network.StateCode
	to       network.StateCode
	order    int
	contact  int64
	sus, inf FactorOp
}

var _ actions.Recordable = (*StateChange)(nil)

func (a *StateChange) Order() int            { return a.order }
func (a *StateChange) Target() network.ID    { return a.node.ID }
func (a *StateChange) To() network.StateCode { return a.to }
func (a *StateChange) Contact() int64        { return a.contact }

// WithFactors sets the factor operations applied on the change.
func (a *StateChange) WithFactors(sus, inf FactorOp) *StateChange {
	a.sus, a.inf = sus, inf
	return a
}

// Execute applies the change. It reports false when the node already left
// the guarding state or is already in the target state.
func (a *StateChange) Execute() bool {
	if a.node.State == a.to {
		return false
	}
	if a.from != AnyState && a.node.State != a.from {
		return false
	}
	a.model.transition(a.node, a.to, a.sus, a.inf)
	return true
}

// Change returns the output row of the executed change.
func (a *StateChange) Change(tick int) actions.Change {
	return actions.Change{
		Tick:      tick,
		Node:      a.node.ID,
		ExitState: a.model.states[a.to].ID,
		Contact:   a.contact,
	}
}
