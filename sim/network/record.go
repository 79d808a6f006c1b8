// Package network holds the rank-local part of the contact network: the
// nodes a rank owns, the edges pointing at them, and read-only mirrors of
// the remote nodes those edges originate from.
package network

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ID identifies a node. IDs are totally ordered; every rank owns one
// contiguous ID range.
type ID uint64

// StateCode is the index of a health state in the disease model.
type StateCode uint16

// RecordSize is the encoded size of a NodeRecord.
const RecordSize = 50

// NodeRecord is the persisted and exchanged state of a node.
type NodeRecord struct {
	ID                   ID
	State                StateCode
	SusceptibilityFactor float64
	Susceptibility       float64
	InfectivityFactor    float64
	Infectivity          float64
	Traits               uint64
}

// AppendBinary appends the 50 byte little endian layout:
// id(8) state(2) susceptibilityFactor(8) susceptibility(8)
// infectivityFactor(8) infectivity(8) traits(8).
func (n *NodeRecord) AppendBinary(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(n.ID))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(n.State))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(n.SusceptibilityFactor))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(n.Susceptibility))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(n.InfectivityFactor))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(n.Infectivity))
	buf = binary.LittleEndian.AppendUint64(buf, n.Traits)
	return buf
}

// UnmarshalBinary decodes exactly RecordSize bytes.
func (n *NodeRecord) UnmarshalBinary(buf []byte) error {
	if len(buf) != RecordSize {
		return fmt.Errorf("network: node record of %d bytes, want %d", len(buf), RecordSize)
	}
	n.ID = ID(binary.LittleEndian.Uint64(buf[0:8]))
	n.State = StateCode(binary.LittleEndian.Uint16(buf[8:10]))
	n.SusceptibilityFactor = math.Float64frombits(binary.LittleEndian.Uint64(buf[10:18]))
	n.Susceptibility = math.Float64frombits(binary.LittleEndian.Uint64(buf[18:26]))
	n.InfectivityFactor = math.Float64frombits(binary.LittleEndian.Uint64(buf[26:34]))
	n.Infectivity = math.Float64frombits(binary.LittleEndian.Uint64(buf[34:42]))
	n.Traits = binary.LittleEndian.Uint64(buf[42:50])
	return nil
}

// Edge is a directed contact from Source to Target. Edges are stored on
// the rank owning Target.
type Edge struct {
	Target   ID
	Source   ID
	Duration float64
	Active   bool
}
