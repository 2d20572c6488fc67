// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	coredatabase "github.com/driftlake/driftlake/core/database"
	"github.com/driftlake/driftlake/core/logger"
	coreschema "github.com/driftlake/driftlake/core/schema"
	"github.com/driftlake/driftlake/domain"
	registryerrors "github.com/driftlake/driftlake/domain/schemaregistry/errors"
	"github.com/driftlake/driftlake/internal/database"
)

// State describes retrieval and persistence methods for the append-only
// schema version history. Registered versions are never mutated or
// deleted; writes are serialized per table by the (table_name, version)
// unique constraint.
type State struct {
	*domain.StateBase
	logger logger.Logger
}

// NewState returns a new state reference.
func NewState(factory coredatabase.TxnRunnerFactory, logger logger.Logger) *State {
	return &State{
		StateBase: domain.NewStateBase(factory),
		logger:    logger,
	}
}

// RegisterVersion persists a new schema version for the table, computing
// the next version number atomically within the transaction. The JSON
// serialization of schema and changes happens here, at the registry
// boundary; in-memory representations stay typed.
func (s *State) RegisterVersion(ctx context.Context, version coreschema.Version, now time.Time) (int, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}

	schemaJSON, err := json.Marshal(version.Schema)
	if err != nil {
		return 0, errors.Annotate(err, "encoding schema")
	}
	changesJSON, err := json.Marshal(version.Changes)
	if err != nil {
		return 0, errors.Annotate(err, "encoding changes")
	}

	table := tableKey{TableName: version.TableName}
	maxStmt, err := s.Prepare(`
SELECT COALESCE(MAX(version), 0) AS &maxVersion.version
FROM   schema_versions
WHERE  table_name = $tableKey.table_name;`, maxVersion{}, table)
	if err != nil {
		return 0, errors.Annotate(err, "preparing select max version statement")
	}

	row := versionRow{
		TableName:   version.TableName,
		SchemaJSON:  string(schemaJSON),
		ChangesJSON: string(changesJSON),
		ChangeType:  version.ChangeType.String(),
		AppliedAt:   now.UTC(),
		AppliedBy:   version.AppliedBy,
	}
	if version.RollbackDDL != "" {
		ddl := version.RollbackDDL
		row.RollbackDDL = &ddl
	}

	insertStmt, err := s.Prepare(`
INSERT INTO schema_versions (table_name, version, schema_json, changes_json, change_type, applied_at, applied_by, rollback_ddl)
VALUES ($versionRow.table_name, $versionRow.version, $versionRow.schema_json, $versionRow.changes_json,
        $versionRow.change_type, $versionRow.applied_at, $versionRow.applied_by, $versionRow.rollback_ddl);`, row)
	if err != nil {
		return 0, errors.Annotate(err, "preparing insert version statement")
	}

	var next int
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var max maxVersion
		if err := tx.Query(ctx, maxStmt, table).Get(&max); err != nil {
			return errors.Annotate(err, "reading latest version")
		}
		next = max.Version + 1
		row.Version = next

		if err := tx.Query(ctx, insertStmt, row).Run(); err != nil {
			if database.IsErrConstraintUnique(err) {
				return registryerrors.VersionAlreadyExists
			}
			return errors.Trace(err)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Annotatef(err, "registering schema version for table %q", version.TableName)
	}
	return next, nil
}

// GetVersion returns the registered version for the given table and
// version number, or SchemaNotFound.
func (s *State) GetVersion(ctx context.Context, tableName string, versionNum int) (coreschema.Version, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return coreschema.Version{}, errors.Trace(err)
	}

	key := versionKey{TableName: tableName, Version: versionNum}
	stmt, err := s.Prepare(`
SELECT &versionRow.*
FROM   schema_versions
WHERE  table_name = $versionKey.table_name
AND    version = $versionKey.version;`, versionRow{}, key)
	if err != nil {
		return coreschema.Version{}, errors.Annotate(err, "preparing select version statement")
	}

	var row versionRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, key).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return registryerrors.SchemaNotFound
		}
		return errors.Trace(err)
	})
	if err != nil {
		return coreschema.Version{}, errors.Trace(err)
	}
	return decodeVersionRow(row)
}

// LatestVersion returns the highest registered version for the table,
// or SchemaNotFound when the table has no history.
func (s *State) LatestVersion(ctx context.Context, tableName string) (coreschema.Version, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return coreschema.Version{}, errors.Trace(err)
	}

	table := tableKey{TableName: tableName}
	stmt, err := s.Prepare(`
SELECT   &versionRow.*
FROM     schema_versions
WHERE    table_name = $tableKey.table_name
ORDER BY version DESC
LIMIT    1;`, versionRow{}, table)
	if err != nil {
		return coreschema.Version{}, errors.Annotate(err, "preparing select latest version statement")
	}

	var row versionRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, table).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return registryerrors.SchemaNotFound
		}
		return errors.Trace(err)
	})
	if err != nil {
		return coreschema.Version{}, errors.Trace(err)
	}
	return decodeVersionRow(row)
}

// VersionHistory returns all registered versions for the table in
// ascending version order.
func (s *State) VersionHistory(ctx context.Context, tableName string) ([]coreschema.Version, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	table := tableKey{TableName: tableName}
	stmt, err := s.Prepare(`
SELECT   &versionRow.*
FROM     schema_versions
WHERE    table_name = $tableKey.table_name
ORDER BY version ASC;`, versionRow{}, table)
	if err != nil {
		return nil, errors.Annotate(err, "preparing select version history statement")
	}

	var rows []versionRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, table).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	history := make([]coreschema.Version, 0, len(rows))
	for _, row := range rows {
		version, err := decodeVersionRow(row)
		if err != nil {
			return nil, errors.Trace(err)
		}
		history = append(history, version)
	}
	return history, nil
}

// LatestVersionNumber returns the highest registered version number for
// the table, or 0 when the table has no history.
func (s *State) LatestVersionNumber(ctx context.Context, tableName string) (int, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}

	table := tableKey{TableName: tableName}
	stmt, err := s.Prepare(`
SELECT COALESCE(MAX(version), 0) AS &maxVersion.version
FROM   schema_versions
WHERE  table_name = $tableKey.table_name;`, maxVersion{}, table)
	if err != nil {
		return 0, errors.Annotate(err, "preparing select max version statement")
	}

	var max maxVersion
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, table).Get(&max))
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	return max.Version, nil
}

func decodeVersionRow(row versionRow) (coreschema.Version, error) {
	var schema coreschema.Schema
	if err := json.Unmarshal([]byte(row.SchemaJSON), &schema); err != nil {
		return coreschema.Version{}, errors.Annotatef(err, "decoding schema for table %q version %d",
			row.TableName, row.Version)
	}
	var changes []coreschema.Change
	if err := json.Unmarshal([]byte(row.ChangesJSON), &changes); err != nil {
		return coreschema.Version{}, errors.Annotatef(err, "decoding changes for table %q version %d",
			row.TableName, row.Version)
	}
	changeType, err := coreschema.ParseChangeKind(row.ChangeType)
	if err != nil {
		return coreschema.Version{}, errors.Trace(err)
	}

	version := coreschema.Version{
		TableName:  row.TableName,
		Version:    row.Version,
		Schema:     schema,
		Changes:    changes,
		ChangeType: changeType,
		AppliedAt:  row.AppliedAt,
		AppliedBy:  row.AppliedBy,
	}
	if row.RollbackDDL != nil {
		version.RollbackDDL = *row.RollbackDDL
	}
	return version, nil
}
