package policy

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Value is a policy value of some concrete kind. Values are compared during
// resolution and serialize themselves into the durable policy document.
//
// Implementations are small immutable value types. The engine stores them
// behind this interface and recovers the concrete kind through the
// definition's Codec, so no reflection or unchecked casts are needed.
type Value interface {
	// Equal reports whether other holds the same kind and contents.
	Equal(other Value) bool
	json.Marshaler
}

// Codec decodes a raw JSON claim value into the definition's value kind.
type Codec func(raw json.RawMessage) (Value, error)

// ValuesEqual compares two possibly-absent values. Two absent values are
// equal; an absent value never equals a present one.
func ValuesEqual(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

// --- Boolean values ---

// BoolValue is a boolean policy value (e.g. "camera disabled").
type BoolValue bool

func (v BoolValue) Equal(other Value) bool {
	o, ok := other.(BoolValue)
	return ok && o == v
}

func (v BoolValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(v))
}

// DecodeBool is the Codec for BoolValue claims.
func DecodeBool(raw json.RawMessage) (Value, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode bool value: %w", err)
	}
	return BoolValue(b), nil
}

// --- Integer values ---

// IntValue is an integer policy value (e.g. "password minimum length").
type IntValue int64

func (v IntValue) Equal(other Value) bool {
	o, ok := other.(IntValue)
	return ok && o == v
}

func (v IntValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(v))
}

// DecodeInt is the Codec for IntValue claims.
func DecodeInt(raw json.RawMessage) (Value, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("decode int value: %w", err)
	}
	return IntValue(n), nil
}

// --- String set values ---

// StringSetValue is a set of strings (e.g. "blocked package names").
// The slice is kept sorted and deduplicated so equality and serialization
// are canonical.
type StringSetValue []string

// NewStringSet builds a canonical StringSetValue from arbitrary elements.
func NewStringSet(elems ...string) StringSetValue {
	seen := make(map[string]struct{}, len(elems))
	out := make([]string, 0, len(elems))
	for _, e := range elems {
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	sort.Strings(out)
	return StringSetValue(out)
}

func (v StringSetValue) Equal(other Value) bool {
	o, ok := other.(StringSetValue)
	if !ok || len(o) != len(v) {
		return false
	}
	for i := range v {
		if v[i] != o[i] {
			return false
		}
	}
	return true
}

func (v StringSetValue) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(v))
}

// Contains reports set membership.
func (v StringSetValue) Contains(s string) bool {
	i := sort.SearchStrings([]string(v), s)
	return i < len(v) && v[i] == s
}

// DecodeStringSet is the Codec for StringSetValue claims.
func DecodeStringSet(raw json.RawMessage) (Value, error) {
	var elems []string
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("decode string set value: %w", err)
	}
	return NewStringSet(elems...), nil
}
