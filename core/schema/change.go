// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package schema

import (
	"fmt"
	"time"
)

// ChangeKind classifies a single schema drift. The kinds form a total
// order; aggregation over a set of changes takes the worst.
type ChangeKind int

const (
	Safe ChangeKind = iota
	Warning
	Breaking
)

// String returns the canonical name of the kind, as persisted by the
// schema registry.
func (k ChangeKind) String() string {
	switch k {
	case Safe:
		return "SAFE"
	case Warning:
		return "WARNING"
	case Breaking:
		return "BREAKING"
	}
	return fmt.Sprintf("unknown kind %d", int(k))
}

// ParseChangeKind converts a persisted kind name back to a ChangeKind.
func ParseChangeKind(name string) (ChangeKind, error) {
	switch name {
	case "SAFE":
		return Safe, nil
	case "WARNING":
		return Warning, nil
	case "BREAKING":
		return Breaking, nil
	}
	return Safe, fmt.Errorf("unknown change kind %q", name)
}

// MarshalJSON persists the kind by name, so that registry rows remain
// readable without this package's enumeration values.
func (k ChangeKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *ChangeKind) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("change kind %s not valid", data)
	}
	kind, err := ParseChangeKind(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// Change describes one detected drift for one field. A co-occurring type
// and nullability change on the same field is reported as two separate
// changes.
type Change struct {
	FieldName   string     `json:"field_name"`
	Kind        ChangeKind `json:"change_type"`
	OldType     FieldType  `json:"old_type,omitempty"`
	NewType     FieldType  `json:"new_type,omitempty"`
	OldNullable *bool      `json:"old_nullable,omitempty"`
	NewNullable *bool      `json:"new_nullable,omitempty"`
	Description string     `json:"description"`
}

// DedupKey identifies a change for batch-level deduplication.
func (c Change) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%s", c.FieldName, c.Kind, c.OldType, c.NewType)
}

// Result buckets the changes detected over a document or a batch.
type Result struct {
	Safe     []Change
	Warning  []Change
	Breaking []Change
}

// Empty reports whether no drift was detected.
func (r Result) Empty() bool {
	return len(r.Safe) == 0 && len(r.Warning) == 0 && len(r.Breaking) == 0
}

// All returns every change in the result, safest first.
func (r Result) All() []Change {
	out := make([]Change, 0, len(r.Safe)+len(r.Warning)+len(r.Breaking))
	out = append(out, r.Safe...)
	out = append(out, r.Warning...)
	out = append(out, r.Breaking...)
	return out
}

// Worst returns the most severe kind present in the result. An empty
// result is Safe.
func (r Result) Worst() ChangeKind {
	switch {
	case len(r.Breaking) > 0:
		return Breaking
	case len(r.Warning) > 0:
		return Warning
	}
	return Safe
}

// WorstOf aggregates the change kind across a set of changes.
func WorstOf(changes []Change) ChangeKind {
	worst := Safe
	for _, change := range changes {
		if change.Kind > worst {
			worst = change.Kind
		}
	}
	return worst
}

// Version is one registered, immutable schema version for a logical
// table. Versions per table are dense and monotonic.
type Version struct {
	TableName   string
	Version     int
	Schema      Schema
	Changes     []Change
	ChangeType  ChangeKind
	AppliedAt   time.Time
	AppliedBy   string
	RollbackDDL string
}
