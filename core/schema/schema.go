// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package schema

// FieldType is the internal type lexicon used to describe sink columns.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeInteger  FieldType = "integer"
	TypeFloat    FieldType = "float"
	TypeBoolean  FieldType = "boolean"
	TypeDatetime FieldType = "datetime"
	TypeObject   FieldType = "object"
	TypeArray    FieldType = "array"
)

// Field describes a single flattened field of a logical table.
type Field struct {
	Type        FieldType `json:"type"`
	Nullable    bool      `json:"nullable"`
	Description string    `json:"description,omitempty"`
}

// Schema maps flattened field paths (dot notation for nested paths) to
// field descriptors. Dot paths flatten one level of nested objects and
// one level of same-shape object arrays.
type Schema map[string]Field

// Copy returns a deep copy of the schema. Field is a value type, so a
// map copy suffices.
func (s Schema) Copy() Schema {
	out := make(Schema, len(s))
	for path, field := range s {
		out[path] = field
	}
	return out
}

// Equal reports whether both schemas declare exactly the same fields.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for path, field := range s {
		if other[path] != field {
			return false
		}
	}
	return true
}
