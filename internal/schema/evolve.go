// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/juju/errors"

	coreschema "github.com/driftlake/driftlake/core/schema"
)

// Registry records evolved schema versions. It is satisfied by the
// schema registry service.
type Registry interface {
	RegisterVersion(
		ctx context.Context,
		tableName string,
		schema coreschema.Schema,
		changes []coreschema.Change,
		appliedBy string,
		rollbackDDL string,
	) (int, error)
}

// SinkAdapter applies DDL to a concrete sink. Sinks that infer schema
// lazily on the next write run without one; the DDL is then recorded in
// the registry only.
type SinkAdapter interface {
	ApplyDDL(ctx context.Context, table string, statements []string) error
}

// sinkTypes maps the internal type lexicon to the sink's column types.
var sinkTypes = map[coreschema.FieldType]string{
	coreschema.TypeString:   "STRING",
	coreschema.TypeInteger:  "BIGINT",
	coreschema.TypeFloat:    "DOUBLE",
	coreschema.TypeBoolean:  "BOOLEAN",
	coreschema.TypeDatetime: "TIMESTAMP",
	coreschema.TypeObject:   "STRING",
	coreschema.TypeArray:    "STRING",
}

// SinkColumnType returns the sink column type for an internal field
// type. Unknown types serialize as STRING.
func SinkColumnType(fieldType coreschema.FieldType) string {
	if columnType, ok := sinkTypes[fieldType]; ok {
		return columnType
	}
	return "STRING"
}

// AddColumnDDL generates the ADD COLUMN statements for the SAFE
// new-field changes, in field-name order so the output is stable.
func AddColumnDDL(table string, changes []coreschema.Change) []string {
	sorted := make([]coreschema.Change, 0, len(changes))
	for _, change := range changes {
		if change.Kind != coreschema.Safe || change.NewType == "" || change.OldNullable != nil {
			continue
		}
		sorted = append(sorted, change)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].FieldName < sorted[j].FieldName
	})

	statements := make([]string, 0, len(sorted))
	for _, change := range sorted {
		column := strings.ReplaceAll(change.FieldName, ".", "_")
		statements = append(statements, fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN %s %s", table, column, SinkColumnType(change.NewType)))
	}
	return statements
}

// EvolveSinkSchema records the evolved schema as a new version in the
// registry and, when a sink adapter is supplied, forwards the generated
// ADD COLUMN DDL to the sink. It returns the evolved schema.
//
// Failure here never blocks batch delivery: the caller logs the error,
// delivers the batch anyway, and the next batch re-attempts evolution.
func (e *Evaluator) EvolveSinkSchema(
	ctx context.Context,
	registry Registry,
	adapter SinkAdapter,
	table string,
	current coreschema.Schema,
	changes []coreschema.Change,
	appliedBy string,
) (coreschema.Schema, error) {
	evolved := e.BuildEvolvedSchema(ctx, current, changes)
	if evolved.Equal(current) {
		// Advisory and skipped changes leave the declared schema as it
		// is; registering would append identical versions every batch.
		return current, nil
	}
	statements := AddColumnDDL(table, changes)

	version, err := registry.RegisterVersion(ctx, table, evolved, changes, appliedBy, "")
	if err != nil {
		return nil, errors.Annotatef(err, "registering evolved schema for table %q", table)
	}
	e.logger.Infof(ctx, "registered schema version %d for table %q (%d changes, %d new columns)",
		version, table, len(changes), len(statements))

	if adapter != nil && len(statements) > 0 {
		if err := adapter.ApplyDDL(ctx, table, statements); err != nil {
			return nil, errors.Annotatef(err, "applying DDL to sink table %q", table)
		}
	}
	return evolved, nil
}
