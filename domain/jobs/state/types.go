// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"
)

// configRow mirrors a row of the job_configs table.
type configRow struct {
	JobID             string    `db:"job_id"`
	UserID            string    `db:"user_id"`
	JobType           string    `db:"job_type"`
	SourceURI         string    `db:"source_uri"`
	SourceDatabase    string    `db:"source_database"`
	SourceCollection  string    `db:"source_collection"`
	FilterPipeline    *string   `db:"filter_pipeline"`
	SinkTable         string    `db:"sink_table"`
	SinkBasePath      string    `db:"sink_base_path"`
	BatchSize         int       `db:"batch_size"`
	BatchIntervalSecs int64     `db:"batch_interval_secs"`
	Enabled           bool      `db:"enabled"`
	Schedule          *string   `db:"schedule"`
	Description       *string   `db:"description"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// executionRow mirrors a row of the job_executions table.
type executionRow struct {
	ExecutionID      string     `db:"execution_id"`
	JobID            string     `db:"job_id"`
	Status           string     `db:"status"`
	RunState         string     `db:"run_state"`
	StartedAt        time.Time  `db:"started_at"`
	CompletedAt      *time.Time `db:"completed_at"`
	TriggeredBy      string     `db:"triggered_by"`
	RetryCount       int        `db:"retry_count"`
	MaxRetries       int        `db:"max_retries"`
	WorkerIdentity   *string    `db:"worker_identity"`
	ErrorMessage     *string    `db:"error_message"`
	ErrorKind        *string    `db:"error_kind"`
	RecordsProcessed int64      `db:"records_processed"`
}

// jobKey identifies a job config.
type jobKey struct {
	JobID string `db:"job_id"`
}

// executionKey identifies an execution record.
type executionKey struct {
	ExecutionID string `db:"execution_id"`
}

// jobFilter narrows job listings; empty fields match everything.
type jobFilter struct {
	UserID  string `db:"user_id"`
	JobType string `db:"job_type"`
}

// executionQuery bounds an execution history listing.
type executionQuery struct {
	JobID string `db:"job_id"`
	Limit int    `db:"row_limit"`
}

// metricsQuery bounds an execution metrics aggregation. Since holds a
// SQLite datetime modifier such as "-7 days".
type metricsQuery struct {
	JobID string `db:"job_id"`
	Since string `db:"since"`
}

// runningCount receives the number of live executions for a job.
type runningCount struct {
	Count int `db:"count"`
}

// metricsRow receives the aggregated execution metrics for a job.
// Averages are null when no completed execution falls in the window.
type metricsRow struct {
	Total       int      `db:"total"`
	Successes   int      `db:"successes"`
	Failures    int      `db:"failures"`
	AvgDuration *float64 `db:"avg_duration"`
	AvgRate     *float64 `db:"avg_rate"`
}
