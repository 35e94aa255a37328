// Package value implements the structured-document value handling that
// backs every map and list entry in the fabric. A Value is a thin
// wrapper around encoded JSON bytes (decoded on demand by Decode) plus
// the deep-copy semantics §3 requires: readers always observe a
// snapshot that is stable even if the topic mutates concurrently.
package value

import (
	"bytes"
	"encoding/json"
)

// Value is an opaque structured document. It is serializable as JSON
// and carries no schema beyond that — per spec.md §1's non-goal of
// schema validation beyond "serializable as a structured document".
type Value struct {
	raw json.RawMessage
}

// Null is the sentinel meaning "no value" / "delete this entry". It is
// distinct from a Go nil *Value, which means "not yet observed".
var Null = Value{raw: json.RawMessage("null")}

// IsNull reports whether v is the null sentinel.
func (v Value) IsNull() bool {
	return v.raw == nil || bytes.Equal(bytes.TrimSpace(v.raw), []byte("null"))
}

// FromAny encodes an arbitrary Go value (struct, map, slice, scalar)
// into a Value.
func FromAny(v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, err
	}
	return Value{raw: raw}, nil
}

// FromRaw wraps already-encoded JSON bytes as a Value without
// re-marshaling. The caller must not mutate raw afterward.
func FromRaw(raw json.RawMessage) Value {
	if len(raw) == 0 {
		return Null
	}
	return Value{raw: append(json.RawMessage(nil), raw...)}
}

// Raw returns the underlying JSON bytes. The returned slice is a copy
// and safe for the caller to retain.
func (v Value) Raw() json.RawMessage {
	if v.raw == nil {
		return json.RawMessage("null")
	}
	return append(json.RawMessage(nil), v.raw...)
}

// Decode unmarshals the value into out, the same way json.Unmarshal
// would.
func (v Value) Decode(out any) error {
	if v.raw == nil {
		return json.Unmarshal([]byte("null"), out)
	}
	return json.Unmarshal(v.raw, out)
}

// Clone returns a deep copy of v. Because Value is backed by an
// immutable raw buffer, cloning is just copying the slice header plus
// its backing bytes — callers that hold a cloned Value are insulated
// from any future mutation of the original's backing array.
func (v Value) Clone() Value {
	if v.raw == nil {
		return Null
	}
	cp := make(json.RawMessage, len(v.raw))
	copy(cp, v.raw)
	return Value{raw: cp}
}

// Equal reports whether two values encode to byte-identical JSON. This
// is used for REPLACE's expectedValue comparison (spec.md §4.1) — a
// semantic, not textual, comparison would require canonicalization,
// which the fabric does not need since values are always produced by
// FromAny/FromRaw using the same marshaler.
func Equal(a, b Value) bool {
	return bytes.Equal(a.Raw(), b.Raw())
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.raw == nil {
		return []byte("null"), nil
	}
	return v.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	v.raw = append(json.RawMessage(nil), data...)
	return nil
}
