// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package schema detects drift between live change-stream documents and
// the declared schema of their sink table, and evolves the declared
// schema when the drift is safe.
package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/mgo/v3/bson"

	"github.com/driftlake/driftlake/core/logger"
	coreschema "github.com/driftlake/driftlake/core/schema"
)

// Evaluator classifies per-document and per-batch schema drift.
// Evaluation never fails the enclosing batch: errors are logged and an
// empty result is returned instead.
type Evaluator struct {
	logger logger.Logger
}

// NewEvaluator returns a new evaluator.
func NewEvaluator(logger logger.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// EvaluateDocument compares the document's flattened field set and
// inferred types to the current schema, producing per-field changes. A
// co-occurring type and nullability change on the same field yields two
// separate changes.
func (e *Evaluator) EvaluateDocument(ctx context.Context, doc bson.M, current coreschema.Schema) coreschema.Result {
	var result coreschema.Result
	if doc == nil {
		return result
	}

	flat := Flatten(doc)
	for path, value := range flat {
		field, known := current[path]

		inferred, isNull := InferType(value)
		if !known {
			result = appendChange(result, coreschema.Change{
				FieldName:   path,
				Kind:        coreschema.Safe,
				NewType:     inferred,
				NewNullable: boolPtr(true),
				Description: fmt.Sprintf("new field %q (%s)", path, inferred),
			})
			continue
		}

		if isNull {
			// A null value is nullability evidence only; there is no
			// type to compare.
			if !field.Nullable {
				result = appendChange(result, coreschema.Change{
					FieldName:   path,
					Kind:        coreschema.Breaking,
					OldNullable: boolPtr(false),
					NewNullable: boolPtr(true),
					Description: fmt.Sprintf("required field %q observed null", path),
				})
			}
			continue
		}

		if inferred != field.Type {
			result = appendChange(result, coreschema.Change{
				FieldName:   path,
				Kind:        classifyTransition(field.Type, inferred),
				OldType:     field.Type,
				NewType:     inferred,
				Description: fmt.Sprintf("field %q changed type %s -> %s", path, field.Type, inferred),
			})
		}
		if field.Nullable {
			// Same type, nullable -> required. Advisory only: the
			// evolved schema never narrows nullability.
			result = appendChange(result, coreschema.Change{
				FieldName:   path,
				Kind:        coreschema.Safe,
				OldNullable: boolPtr(true),
				NewNullable: boolPtr(false),
				Description: fmt.Sprintf("nullable field %q observed non-null", path),
			})
		}
	}

	for path, field := range current {
		if _, present := flat[path]; present {
			continue
		}
		kind := coreschema.Breaking
		description := fmt.Sprintf("required field %q missing", path)
		if field.Nullable {
			kind = coreschema.Warning
			description = fmt.Sprintf("nullable field %q missing", path)
		}
		result = appendChange(result, coreschema.Change{
			FieldName:   path,
			Kind:        kind,
			OldType:     field.Type,
			OldNullable: boolPtr(field.Nullable),
			Description: description,
		})
	}
	return result
}

// EvaluateBatch evaluates every document and deduplicates the changes
// across the batch by (field, kind, old type, new type). The result is
// independent of document order.
func (e *Evaluator) EvaluateBatch(ctx context.Context, batch []bson.M, current coreschema.Schema) coreschema.Result {
	var result coreschema.Result
	seen := set.NewStrings()
	for _, doc := range batch {
		for _, change := range e.EvaluateDocument(ctx, doc, current).All() {
			key := change.DedupKey()
			if seen.Contains(key) {
				continue
			}
			seen.Add(key)
			result = appendChange(result, change)
		}
	}
	return result
}

// BuildEvolvedSchema applies the changes to a copy of the current
// schema. Only SAFE changes apply; WARNING widens the type in place;
// BREAKING changes are logged and skipped. The evolved schema never
// loses a field and never narrows a type or nullability.
func (e *Evaluator) BuildEvolvedSchema(ctx context.Context, current coreschema.Schema, changes []coreschema.Change) coreschema.Schema {
	evolved := current.Copy()
	for _, change := range changes {
		switch change.Kind {
		case coreschema.Safe:
			if _, exists := evolved[change.FieldName]; exists {
				// Same-type nullability advisories stay advisory.
				continue
			}
			evolved[change.FieldName] = coreschema.Field{
				Type:     change.NewType,
				Nullable: true,
			}
		case coreschema.Warning:
			field, exists := evolved[change.FieldName]
			if !exists || change.NewType == "" {
				// Missing-field warnings never remove anything.
				continue
			}
			field.Type = widenedType(field.Type, change.NewType)
			evolved[change.FieldName] = field
		case coreschema.Breaking:
			e.logger.Errorf(ctx, "breaking schema change skipped: %s", change.Description)
		}
	}
	return evolved
}

// classifyTransition implements the type-transition classification for
// two non-null, differing types.
func classifyTransition(old, new coreschema.FieldType) coreschema.ChangeKind {
	switch {
	case old == coreschema.TypeInteger && new == coreschema.TypeFloat:
		return coreschema.Warning
	case old == coreschema.TypeBoolean && new == coreschema.TypeString:
		return coreschema.Warning
	case (old == coreschema.TypeObject || old == coreschema.TypeArray) && new == coreschema.TypeString:
		return coreschema.Warning
	}
	return coreschema.Breaking
}

// widenedType resolves a WARNING transition to the wider of the two
// types. Transitions outside the warning matrix leave the type alone.
func widenedType(old, new coreschema.FieldType) coreschema.FieldType {
	if classifyTransition(old, new) == coreschema.Warning {
		return new
	}
	return old
}

// Flatten flattens one level of nested objects and the first element of
// object arrays into dot-notation paths. Deeper nesting stays attached
// to its level-one path as a raw value.
func Flatten(doc bson.M) map[string]interface{} {
	flat := make(map[string]interface{}, len(doc))
	for key, value := range doc {
		nested, ok := asDocument(value)
		if !ok {
			if element, ok := firstObjectElement(value); ok {
				for sub, subValue := range element {
					flat[key+"."+sub] = subValue
				}
				continue
			}
			flat[key] = value
			continue
		}
		for sub, subValue := range nested {
			flat[key+"."+sub] = subValue
		}
	}
	return flat
}

// InferType maps a decoded BSON value to the internal type lexicon. The
// second return is true when the value is null, in which case the type
// is meaningless and the value only carries nullability evidence.
// Unknown or mixed types map to string.
func InferType(value interface{}) (coreschema.FieldType, bool) {
	switch value.(type) {
	case nil:
		return coreschema.TypeString, true
	case string, bson.ObjectId, bson.Symbol:
		return coreschema.TypeString, false
	case int, int32, int64:
		return coreschema.TypeInteger, false
	case float32, float64:
		return coreschema.TypeFloat, false
	case bool:
		return coreschema.TypeBoolean, false
	case time.Time, bson.MongoTimestamp:
		return coreschema.TypeDatetime, false
	case bson.M, bson.D, map[string]interface{}:
		return coreschema.TypeObject, false
	case []interface{}:
		return coreschema.TypeArray, false
	}
	return coreschema.TypeString, false
}

func asDocument(value interface{}) (bson.M, bool) {
	switch doc := value.(type) {
	case bson.M:
		return doc, true
	case map[string]interface{}:
		return bson.M(doc), true
	}
	return nil, false
}

// firstObjectElement unwraps the first element of an object array, the
// shape-probe for same-shape object arrays.
func firstObjectElement(value interface{}) (bson.M, bool) {
	array, ok := value.([]interface{})
	if !ok || len(array) == 0 {
		return nil, false
	}
	return asDocument(array[0])
}

func appendChange(result coreschema.Result, change coreschema.Change) coreschema.Result {
	switch change.Kind {
	case coreschema.Warning:
		result.Warning = append(result.Warning, change)
	case coreschema.Breaking:
		result.Breaking = append(result.Breaking, change)
	default:
		result.Safe = append(result.Safe, change)
	}
	return result
}

func boolPtr(b bool) *bool {
	return &b
}
