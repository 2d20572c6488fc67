// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"
)

// versionRow mirrors a row of the schema_versions table.
type versionRow struct {
	TableName   string    `db:"table_name"`
	Version     int       `db:"version"`
	SchemaJSON  string    `db:"schema_json"`
	ChangesJSON string    `db:"changes_json"`
	ChangeType  string    `db:"change_type"`
	AppliedAt   time.Time `db:"applied_at"`
	AppliedBy   string    `db:"applied_by"`
	RollbackDDL *string   `db:"rollback_ddl"`
}

// versionKey identifies one version of one table.
type versionKey struct {
	TableName string `db:"table_name"`
	Version   int    `db:"version"`
}

// tableKey identifies a table.
type tableKey struct {
	TableName string `db:"table_name"`
}

// maxVersion receives the highest registered version for a table.
type maxVersion struct {
	Version int `db:"version"`
}
