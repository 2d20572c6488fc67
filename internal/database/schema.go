// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

// SchemaDDL returns the DDL statements for the tables owned by the core,
// in application order. Statements are idempotent so that the schema can
// be ensured on every start.
func SchemaDDL() []string {
	return []string{
		checkpointSchema,
		schemaVersionSchema,
		jobConfigSchema,
		jobExecutionSchema,
		jobExecutionIndex,
	}
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS cdc_checkpoints (
    job_id            TEXT NOT NULL,
    collection        TEXT NOT NULL,
    resume_token      BLOB NOT NULL,
    last_event_time   TIMESTAMP,
    records_processed INTEGER NOT NULL DEFAULT 0,
    created_at        TIMESTAMP NOT NULL,
    updated_at        TIMESTAMP NOT NULL,
    PRIMARY KEY (job_id, collection)
);`

const schemaVersionSchema = `
CREATE TABLE IF NOT EXISTS schema_versions (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    table_name   TEXT NOT NULL,
    version      INTEGER NOT NULL,
    schema_json  TEXT NOT NULL,
    changes_json TEXT NOT NULL,
    change_type  TEXT NOT NULL,
    applied_at   TIMESTAMP NOT NULL,
    applied_by   TEXT NOT NULL,
    rollback_ddl TEXT,
    UNIQUE (table_name, version)
);`

const jobConfigSchema = `
CREATE TABLE IF NOT EXISTS job_configs (
    job_id              TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL,
    job_type            TEXT NOT NULL,
    source_uri          TEXT NOT NULL,
    source_database     TEXT NOT NULL,
    source_collection   TEXT NOT NULL,
    filter_pipeline     TEXT,
    sink_table          TEXT NOT NULL,
    sink_base_path      TEXT NOT NULL,
    batch_size          INTEGER NOT NULL,
    batch_interval_secs INTEGER NOT NULL,
    enabled             BOOLEAN NOT NULL DEFAULT TRUE,
    schedule            TEXT,
    description         TEXT,
    created_at          TIMESTAMP NOT NULL,
    updated_at          TIMESTAMP NOT NULL
);`

const jobExecutionSchema = `
CREATE TABLE IF NOT EXISTS job_executions (
    execution_id      TEXT PRIMARY KEY,
    job_id            TEXT NOT NULL REFERENCES job_configs (job_id) ON DELETE CASCADE,
    status            TEXT NOT NULL,
    run_state         TEXT NOT NULL,
    started_at        TIMESTAMP NOT NULL,
    completed_at      TIMESTAMP,
    triggered_by      TEXT NOT NULL,
    retry_count       INTEGER NOT NULL DEFAULT 0,
    max_retries       INTEGER NOT NULL DEFAULT 0,
    worker_identity   TEXT,
    error_message     TEXT,
    error_kind        TEXT,
    records_processed INTEGER NOT NULL DEFAULT 0
);`

const jobExecutionIndex = `
CREATE INDEX IF NOT EXISTS idx_job_executions_job_id
    ON job_executions (job_id, started_at);`
