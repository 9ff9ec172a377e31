package shard

import "slidesync/internal/document/model"

// Clock is a Lamport timestamp. Ties break on actor so every replica picks
// the same winner.
type Clock struct {
	Counter uint64 `json:"counter"`
	Actor   string `json:"actor"`
}

func (c Clock) Less(o Clock) bool {
	if c.Counter != o.Counter {
		return c.Counter < o.Counter
	}
	return c.Actor < o.Actor
}

type OpKind string

const (
	OpSlideSet        OpKind = "slide.set"
	OpComponentAdd    OpKind = "component.add"
	OpComponentSet    OpKind = "component.set"
	OpComponentRemove OpKind = "component.remove"
	OpComponentMove   OpKind = "component.move"
)

// Op is one entry of a shard's replicated log. Applying the same op twice,
// or a set of ops in any order, yields the same state.
type Op struct {
	ID          string         `json:"id"`
	DocID       string         `json:"doc_id"`
	SlideID     string         `json:"slide_id"`
	Kind        OpKind         `json:"kind"`
	ComponentID string         `json:"component_id,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	Style       model.Props    `json:"style,omitempty"`
	Props       model.Props    `json:"props,omitempty"`
	Rank        float64        `json:"rank,omitempty"`
	Clock       Clock          `json:"clock"`
}

const (
	fieldTitle   = "title"
	fieldNotes   = "notes"
	fieldStatus  = "status"
	fieldType    = "type"
	fieldLocked  = "locked"
	fieldVisible = "visible"
)
