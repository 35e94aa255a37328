// Package change defines the tagged union of mutation records that
// flow through a topic's EventLog (spec.md §4.1), plus the result sum
// type the state machine produces when applying them. The union is
// represented as a single flat struct with a Kind discriminator,
// mirroring internal/eventbus's Event shape, rather than as a Go
// interface hierarchy — there is exactly one concrete wire format and
// dispatch is a switch on Kind, not virtual dispatch.
package change

import (
	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/value"
)

// Kind discriminates the change-record union.
type Kind string

const (
	KindPut           Kind = "PUT"
	KindReplace       Kind = "REPLACE"
	KindInsert        Kind = "INSERT"
	KindMoveBefore    Kind = "MOVE_BEFORE"
	KindMoveAfter     Kind = "MOVE_AFTER"
	KindListSet       Kind = "LIST_SET"
	KindMapTimeout    Kind = "MAP_TIMEOUT"
	KindListTimeout   Kind = "LIST_TIMEOUT"
	KindNodeJoin      Kind = "NODE_JOIN"
	KindNodeActivate  Kind = "NODE_ACTIVATE"
	KindNodeDeactivate Kind = "NODE_DEACTIVATE"
)

// Scope controls the visibility/lifetime of a written map or list
// entry (spec.md Glossary).
type Scope string

const (
	ScopeTopic      Scope = "TOPIC"
	ScopeConnection Scope = "CONNECTION"
)

// Condition asserts that rightKey is the successor of leftKey in a
// named list at the time an INSERT is applied (spec.md §4.1). Nil
// keys represent head/tail.
type Condition struct {
	Left  *string `json:"left,omitempty"`
	Right *string `json:"right,omitempty"`
}

// Record is the tagged-union wire format for a single change. Only the
// fields relevant to Kind are populated; the rest are zero values and
// omitted from JSON.
type Record struct {
	Kind Kind `json:"kind"`

	// Submitter identifies the node that authored this change
	// (spec.md §4.1: "Records carry the tracking ID of the submitter").
	Submitter uuid.UUID `json:"submitter,omitempty"`

	// Map/list collection name, shared by most kinds.
	Name string `json:"name,omitempty"`

	// PUT / REPLACE / LIST_SET
	Key           string      `json:"key,omitempty"`
	Value         *value.Value `json:"value,omitempty"`
	ExpectedID    *uuid.UUID  `json:"expected_id,omitempty"`
	ExpectedValue *value.Value `json:"expected_value,omitempty"`
	ScopeOwner    *uuid.UUID  `json:"scope_owner,omitempty"`

	// INSERT
	ReferenceKey *string      `json:"reference_key,omitempty"`
	Before       bool         `json:"before,omitempty"`
	Item         *value.Value `json:"item,omitempty"`
	Conditions   []Condition  `json:"conditions,omitempty"`

	// MOVE_BEFORE / MOVE_AFTER
	KeyToMove string `json:"key_to_move,omitempty"`

	// MAP_TIMEOUT / LIST_TIMEOUT: Name (above) names the collection and
	// Value (above) holds the time.Duration as integer nanoseconds (or
	// is nil/Null to clear it) when Kind is one of these. TimeoutName is
	// not read by the topic state machine.
	TimeoutName string `json:"timeout_name,omitempty"`

	// NODE_JOIN / NODE_ACTIVATE / NODE_DEACTIVATE
	NodeID uuid.UUID `json:"node_id,omitempty"`
}

// IsMutating reports whether this change kind can mutate map/list
// state (and therefore needs a tracking-ID result resolved). TIMEOUT
// and NODE_* changes are always accepted and never rejected (spec.md
// §4.1).
func (r Record) IsMutating() bool {
	switch r.Kind {
	case KindPut, KindReplace, KindInsert, KindMoveBefore, KindMoveAfter, KindListSet:
		return true
	default:
		return false
	}
}

// Outcome is whether applying a mutating change succeeded.
type Outcome int

const (
	Rejected Outcome = iota
	Accepted
)

// Result is what applying a Record to the topic state machine produces:
// the outcome (for mutating changes) and, if accepted, the
// ChangeDetails describing what changed (for subscriber fan-out).
type Result struct {
	TrackingID uuid.UUID
	Outcome    Outcome
	Details    Details
}

// Details is the sum type of "what changed", parallel to Record's
// union (spec.md §9: "ChangeDetails returned by the state machine as a
// parallel sum type (MapChange | ListChange)").
type Details struct {
	Map        *MapChange
	List       *ListChange
	Membership *MembershipChange
}

// MapChange describes an observed map mutation, delivered to map
// subscribers and used to build catch-up streams.
type MapChange struct {
	Name string
	Key  string
	Old  *value.Value // nil if the key had no prior value
	New  *value.Value // nil if the key was removed
}

// ListChange describes an observed list mutation.
type ListChange struct {
	Name string
	Key  string       // the list entry's stable id
	Old  *value.Value // nil on insert
	New  *value.Value // nil on remove
	Prev *string      // new predecessor id, nil if head
	Next *string      // new successor id, nil if tail
	Kind Kind         // which record kind produced this (INSERT/LIST_SET/MOVE_*)
}

// MembershipChange describes an applied NODE_JOIN/ACTIVATE/DEACTIVATE.
// A MembershipLog LEAVE produces no MembershipChange.
type MembershipChange struct {
	NodeID uuid.UUID
	Kind   Kind // KindNodeJoin / KindNodeActivate / KindNodeDeactivate
}
