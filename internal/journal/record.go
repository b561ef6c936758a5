package journal

import (
	"time"

	"github.com/nerrad567/gray-logic-devmgr/internal/device"
)

// Record is one journaled lifecycle event. Handles are kept in their
// "index.generation" text form so records outlive the arena that minted them.
type Record struct {
	ID         string    `json:"id" cbor:"1,keyasint"`
	Type       string    `json:"type" cbor:"2,keyasint"`
	Node       string    `json:"node" cbor:"3,keyasint"`
	Parent     string    `json:"parent,omitempty" cbor:"4,keyasint,omitempty"`
	Module     string    `json:"module,omitempty" cbor:"5,keyasint,omitempty"`
	Driver     string    `json:"driver,omitempty" cbor:"6,keyasint,omitempty"`
	Confidence float64   `json:"confidence,omitempty" cbor:"7,keyasint,omitempty"`
	Cycle      uint64    `json:"cycle" cbor:"8,keyasint"`
	State      string    `json:"state,omitempty" cbor:"9,keyasint,omitempty"`
	Error      string    `json:"error,omitempty" cbor:"10,keyasint,omitempty"`
	Time       time.Time `json:"time" cbor:"11,keyasint"`
}

// FromEvent converts a manager event into a Record.
func FromEvent(ev device.Event) Record {
	r := Record{
		ID:         ev.ID.String(),
		Type:       string(ev.Type),
		Node:       ev.Node.String(),
		Module:     ev.Module,
		Driver:     ev.Driver,
		Confidence: ev.Confidence,
		Cycle:      ev.Cycle,
		State:      ev.State,
		Error:      ev.Error,
		Time:       ev.Time.UTC(),
	}
	if !ev.Parent.IsZero() {
		r.Parent = ev.Parent.String()
	}
	return r
}

// Query selects journal records. Empty fields match everything.
type Query struct {
	Node  string
	Type  string
	Since time.Time
	Limit int
}

func (q Query) matches(r Record) bool {
	if q.Node != "" && r.Node != q.Node {
		return false
	}
	if q.Type != "" && r.Type != q.Type {
		return false
	}
	if !q.Since.IsZero() && r.Time.Before(q.Since) {
		return false
	}
	return true
}
