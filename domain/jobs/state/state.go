// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	coredatabase "github.com/driftlake/driftlake/core/database"
	"github.com/driftlake/driftlake/core/logger"
	"github.com/driftlake/driftlake/domain"
	"github.com/driftlake/driftlake/domain/jobs"
	jobserrors "github.com/driftlake/driftlake/domain/jobs/errors"
	"github.com/driftlake/driftlake/internal/database"
)

// State describes retrieval and persistence methods for job configs and
// their execution records.
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

// CreateJob inserts a new job config, or returns JobAlreadyExists.
func (s *State) CreateJob(ctx context.Context, config jobs.Config) error {
	db, err := s.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	row := encodeConfig(config)
	stmt, err := s.Prepare(`
INSERT INTO job_configs (job_id, user_id, job_type, source_uri, source_database, source_collection,
                         filter_pipeline, sink_table, sink_base_path, batch_size, batch_interval_secs,
                         enabled, schedule, description, created_at, updated_at)
VALUES ($configRow.*);`, row)
	if err != nil {
		return errors.Annotate(err, "preparing insert job statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		if err := tx.Query(ctx, stmt, row).Run(); err != nil {
			if database.IsErrConstraintUnique(err) {
				return jobserrors.JobAlreadyExists
			}
			return errors.Trace(err)
		}
		return nil
	})
	return errors.Annotatef(err, "creating job %q", config.JobID)
}

// GetJob returns the config for the given job, or JobNotFound.
func (s *State) GetJob(ctx context.Context, jobID string) (jobs.Config, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return jobs.Config{}, errors.Trace(err)
	}

	key := jobKey{JobID: jobID}
	stmt, err := s.Prepare(`
SELECT &configRow.*
FROM   job_configs
WHERE  job_id = $jobKey.job_id;`, configRow{}, key)
	if err != nil {
		return jobs.Config{}, errors.Annotate(err, "preparing select job statement")
	}

	var row configRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, key).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return jobserrors.JobNotFound
		}
		return errors.Trace(err)
	})
	if err != nil {
		return jobs.Config{}, errors.Trace(err)
	}
	return decodeConfig(row), nil
}

// ListJobs returns the configs matching the filter, ordered by job ID.
// Empty filter fields match everything.
func (s *State) ListJobs(ctx context.Context, userID string, jobType jobs.Type) ([]jobs.Config, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	filter := jobFilter{UserID: userID, JobType: string(jobType)}
	stmt, err := s.Prepare(`
SELECT   &configRow.*
FROM     job_configs
WHERE    ($jobFilter.user_id = '' OR user_id = $jobFilter.user_id)
AND      ($jobFilter.job_type = '' OR job_type = $jobFilter.job_type)
ORDER BY job_id;`, configRow{}, filter)
	if err != nil {
		return nil, errors.Annotate(err, "preparing list jobs statement")
	}

	var rows []configRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, filter).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	configs := make([]jobs.Config, 0, len(rows))
	for _, row := range rows {
		configs = append(configs, decodeConfig(row))
	}
	return configs, nil
}

// UpdateJob overwrites the mutable fields of the job config, or returns
// JobNotFound. The job ID and created_at are immutable.
func (s *State) UpdateJob(ctx context.Context, config jobs.Config) error {
	db, err := s.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	row := encodeConfig(config)
	stmt, err := s.Prepare(`
UPDATE job_configs
SET    user_id = $configRow.user_id,
       job_type = $configRow.job_type,
       source_uri = $configRow.source_uri,
       source_database = $configRow.source_database,
       source_collection = $configRow.source_collection,
       filter_pipeline = $configRow.filter_pipeline,
       sink_table = $configRow.sink_table,
       sink_base_path = $configRow.sink_base_path,
       batch_size = $configRow.batch_size,
       batch_interval_secs = $configRow.batch_interval_secs,
       enabled = $configRow.enabled,
       schedule = $configRow.schedule,
       description = $configRow.description,
       updated_at = $configRow.updated_at
WHERE  job_id = $configRow.job_id;`, row)
	if err != nil {
		return errors.Annotate(err, "preparing update job statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, row).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return jobserrors.JobNotFound
		}
		return nil
	})
	return errors.Annotatef(err, "updating job %q", config.JobID)
}

// SetEnabled flips the enabled flag of the job config, or returns
// JobNotFound.
func (s *State) SetEnabled(ctx context.Context, jobID string, enabled bool, now time.Time) error {
	db, err := s.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	row := configRow{JobID: jobID, Enabled: enabled, UpdatedAt: now.UTC()}
	stmt, err := s.Prepare(`
UPDATE job_configs
SET    enabled = $configRow.enabled,
       updated_at = $configRow.updated_at
WHERE  job_id = $configRow.job_id;`, row)
	if err != nil {
		return errors.Annotate(err, "preparing set enabled statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, row).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return jobserrors.JobNotFound
		}
		return nil
	})
	return errors.Annotatef(err, "setting enabled=%v on job %q", enabled, jobID)
}

// DeleteJob removes the job config and, via cascade, its execution
// history. Checkpoints are owned elsewhere and cleaned up by the caller.
func (s *State) DeleteJob(ctx context.Context, jobID string) error {
	db, err := s.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	key := jobKey{JobID: jobID}
	stmt, err := s.Prepare(`
DELETE FROM job_configs
WHERE  job_id = $jobKey.job_id;`, key)
	if err != nil {
		return errors.Annotate(err, "preparing delete job statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, key).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return jobserrors.JobNotFound
		}
		return nil
	})
	return errors.Annotatef(err, "deleting job %q", jobID)
}

// StartExecution records a new live execution for the job. It refuses
// to start when the job is unknown, disabled, or already has a live
// execution; the checks and the insert share one transaction so two
// concurrent starters cannot both succeed.
func (s *State) StartExecution(ctx context.Context, execution jobs.Execution) error {
	db, err := s.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	key := jobKey{JobID: execution.JobID}
	configStmt, err := s.Prepare(`
SELECT &configRow.*
FROM   job_configs
WHERE  job_id = $jobKey.job_id;`, configRow{}, key)
	if err != nil {
		return errors.Annotate(err, "preparing select job statement")
	}

	runningStmt, err := s.Prepare(`
SELECT COUNT(*) AS &runningCount.count
FROM   job_executions
WHERE  job_id = $jobKey.job_id
AND    status = 'RUNNING';`, runningCount{}, key)
	if err != nil {
		return errors.Annotate(err, "preparing count running statement")
	}

	row := encodeExecution(execution)
	insertStmt, err := s.Prepare(`
INSERT INTO job_executions (execution_id, job_id, status, run_state, started_at, completed_at,
                            triggered_by, retry_count, max_retries, worker_identity,
                            error_message, error_kind, records_processed)
VALUES ($executionRow.*);`, row)
	if err != nil {
		return errors.Annotate(err, "preparing insert execution statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var config configRow
		err := tx.Query(ctx, configStmt, key).Get(&config)
		if errors.Is(err, sqlair.ErrNoRows) {
			return jobserrors.JobNotFound
		} else if err != nil {
			return errors.Trace(err)
		}
		if !config.Enabled {
			return jobserrors.JobDisabled
		}

		var running runningCount
		if err := tx.Query(ctx, runningStmt, key).Get(&running); err != nil {
			return errors.Trace(err)
		}
		if running.Count > 0 {
			return jobserrors.JobAlreadyRunning
		}

		return errors.Trace(tx.Query(ctx, insertStmt, row).Run())
	})
	return errors.Annotatef(err, "starting execution %q for job %q", execution.ExecutionID, execution.JobID)
}

// GetExecution returns the execution record, or ExecutionNotFound.
func (s *State) GetExecution(ctx context.Context, executionID string) (jobs.Execution, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return jobs.Execution{}, errors.Trace(err)
	}

	key := executionKey{ExecutionID: executionID}
	stmt, err := s.Prepare(`
SELECT &executionRow.*
FROM   job_executions
WHERE  execution_id = $executionKey.execution_id;`, executionRow{}, key)
	if err != nil {
		return jobs.Execution{}, errors.Annotate(err, "preparing select execution statement")
	}

	var row executionRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, key).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return jobserrors.ExecutionNotFound
		}
		return errors.Trace(err)
	})
	if err != nil {
		return jobs.Execution{}, errors.Trace(err)
	}
	return decodeExecution(row), nil
}

// UpdateRunState advances the fine-grained run state of a live
// execution. Terminal states are set by CompleteExecution only.
func (s *State) UpdateRunState(ctx context.Context, executionID string, state jobs.RunState) error {
	db, err := s.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	row := executionRow{ExecutionID: executionID, RunState: string(state)}
	stmt, err := s.Prepare(`
UPDATE job_executions
SET    run_state = $executionRow.run_state
WHERE  execution_id = $executionRow.execution_id
AND    status = 'RUNNING';`, row)
	if err != nil {
		return errors.Annotate(err, "preparing update run state statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, row).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return jobserrors.ExecutionNotFound
		}
		return nil
	})
	return errors.Annotatef(err, "updating run state of execution %q to %q", executionID, state)
}

// IncrementRetry bumps the retry counter of a live execution.
func (s *State) IncrementRetry(ctx context.Context, executionID string) error {
	db, err := s.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	key := executionKey{ExecutionID: executionID}
	stmt, err := s.Prepare(`
UPDATE job_executions
SET    retry_count = retry_count + 1
WHERE  execution_id = $executionKey.execution_id
AND    status = 'RUNNING';`, key)
	if err != nil {
		return errors.Annotate(err, "preparing increment retry statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, key).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return jobserrors.ExecutionNotFound
		}
		return nil
	})
	return errors.Annotatef(err, "incrementing retry count of execution %q", executionID)
}

// CompleteExecution records the terminal outcome of a live execution
// exactly once. A second completion attempt finds the status guard no
// longer matches and returns ExecutionAlreadyComplete.
func (s *State) CompleteExecution(ctx context.Context, executionID string, result jobs.Result, completedAt time.Time) error {
	db, err := s.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	runState := result.RunState
	if runState == "" {
		runState = jobs.RunStateFinished
		if result.Status != jobs.StatusSuccess {
			runState = jobs.RunStateFailed
		}
	}

	completed := completedAt.UTC()
	row := executionRow{
		ExecutionID:      executionID,
		Status:           string(result.Status),
		RunState:         string(runState),
		CompletedAt:      &completed,
		RecordsProcessed: result.RecordsProcessed,
	}
	if result.ErrorMessage != "" {
		msg := result.ErrorMessage
		row.ErrorMessage = &msg
	}
	if result.ErrorKind != "" {
		kind := result.ErrorKind
		row.ErrorKind = &kind
	}

	stmt, err := s.Prepare(`
UPDATE job_executions
SET    status = $executionRow.status,
       run_state = $executionRow.run_state,
       completed_at = $executionRow.completed_at,
       error_message = $executionRow.error_message,
       error_kind = $executionRow.error_kind,
       records_processed = $executionRow.records_processed
WHERE  execution_id = $executionRow.execution_id
AND    status = 'RUNNING';`, row)
	if err != nil {
		return errors.Annotate(err, "preparing complete execution statement")
	}

	key := executionKey{ExecutionID: executionID}
	existsStmt, err := s.Prepare(`
SELECT &executionRow.*
FROM   job_executions
WHERE  execution_id = $executionKey.execution_id;`, executionRow{}, key)
	if err != nil {
		return errors.Annotate(err, "preparing select execution statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, row).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected > 0 {
			return nil
		}

		var existing executionRow
		err = tx.Query(ctx, existsStmt, key).Get(&existing)
		if errors.Is(err, sqlair.ErrNoRows) {
			return jobserrors.ExecutionNotFound
		} else if err != nil {
			return errors.Trace(err)
		}
		return jobserrors.ExecutionAlreadyComplete
	})
	return errors.Annotatef(err, "completing execution %q", executionID)
}

// Executions returns the most recent executions for the job, newest
// first, up to limit.
func (s *State) Executions(ctx context.Context, jobID string, limit int) ([]jobs.Execution, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	query := executionQuery{JobID: jobID, Limit: limit}
	stmt, err := s.Prepare(`
SELECT   &executionRow.*
FROM     job_executions
WHERE    job_id = $executionQuery.job_id
ORDER BY started_at DESC
LIMIT    $executionQuery.row_limit;`, executionRow{}, query)
	if err != nil {
		return nil, errors.Annotate(err, "preparing list executions statement")
	}

	var rows []executionRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, query).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	executions := make([]jobs.Execution, 0, len(rows))
	for _, row := range rows {
		executions = append(executions, decodeExecution(row))
	}
	return executions, nil
}

// JobMetrics aggregates the executions of the job started within the
// window. The since argument is a SQLite datetime modifier relative to
// now, such as "-7 days". Rate averages consider only executions that
// completed with a positive duration.
func (s *State) JobMetrics(ctx context.Context, jobID string, since string) (jobs.Metrics, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return jobs.Metrics{}, errors.Trace(err)
	}

	query := metricsQuery{JobID: jobID, Since: since}
	stmt, err := s.Prepare(`
SELECT COUNT(*) AS &metricsRow.total,
       COALESCE(SUM(status = 'SUCCESS'), 0) AS &metricsRow.successes,
       COALESCE(SUM(status = 'FAILED'), 0) AS &metricsRow.failures,
       AVG(CASE WHEN completed_at IS NOT NULL
           THEN (julianday(completed_at) - julianday(started_at)) * 86400.0 END) AS &metricsRow.avg_duration,
       AVG(CASE WHEN completed_at IS NOT NULL
                AND julianday(completed_at) > julianday(started_at)
           THEN records_processed / ((julianday(completed_at) - julianday(started_at)) * 86400.0) END)
           AS &metricsRow.avg_rate
FROM   job_executions
WHERE  job_id = $metricsQuery.job_id
AND    started_at >= datetime('now', $metricsQuery.since);`, metricsRow{}, query)
	if err != nil {
		return jobs.Metrics{}, errors.Annotate(err, "preparing job metrics statement")
	}

	var row metricsRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, query).Get(&row))
	})
	if err != nil {
		return jobs.Metrics{}, errors.Annotatef(err, "aggregating metrics for job %q", jobID)
	}

	metrics := jobs.Metrics{
		TotalExecutions: row.Total,
		Successes:       row.Successes,
		Failures:        row.Failures,
	}
	if row.Total > 0 {
		metrics.ErrorRate = float64(row.Failures) / float64(row.Total)
	}
	if row.AvgDuration != nil {
		metrics.AvgDurationSeconds = *row.AvgDuration
	}
	if row.AvgRate != nil {
		metrics.AvgRecordsPerSecond = *row.AvgRate
	}
	return metrics, nil
}

func encodeConfig(config jobs.Config) configRow {
	row := configRow{
		JobID:             config.JobID,
		UserID:            config.UserID,
		JobType:           string(config.Type),
		SourceURI:         config.SourceURI,
		SourceDatabase:    config.Database,
		SourceCollection:  config.Collection,
		SinkTable:         config.SinkTable,
		SinkBasePath:      config.SinkBasePath,
		BatchSize:         config.BatchSize,
		BatchIntervalSecs: int64(config.BatchInterval / time.Second),
		Enabled:           config.Enabled,
		CreatedAt:         config.CreatedAt.UTC(),
		UpdatedAt:         config.UpdatedAt.UTC(),
	}
	if config.FilterPipeline != "" {
		pipeline := config.FilterPipeline
		row.FilterPipeline = &pipeline
	}
	if config.Schedule != "" {
		schedule := config.Schedule
		row.Schedule = &schedule
	}
	if config.Description != "" {
		description := config.Description
		row.Description = &description
	}
	return row
}

func decodeConfig(row configRow) jobs.Config {
	config := jobs.Config{
		JobID:         row.JobID,
		UserID:        row.UserID,
		Type:          jobs.Type(row.JobType),
		SourceURI:     row.SourceURI,
		Database:      row.SourceDatabase,
		Collection:    row.SourceCollection,
		SinkTable:     row.SinkTable,
		SinkBasePath:  row.SinkBasePath,
		BatchSize:     row.BatchSize,
		BatchInterval: time.Duration(row.BatchIntervalSecs) * time.Second,
		Enabled:       row.Enabled,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if row.FilterPipeline != nil {
		config.FilterPipeline = *row.FilterPipeline
	}
	if row.Schedule != nil {
		config.Schedule = *row.Schedule
	}
	if row.Description != nil {
		config.Description = *row.Description
	}
	return config
}

func encodeExecution(execution jobs.Execution) executionRow {
	row := executionRow{
		ExecutionID:      execution.ExecutionID,
		JobID:            execution.JobID,
		Status:           string(execution.Status),
		RunState:         string(execution.RunState),
		StartedAt:        execution.StartedAt.UTC(),
		TriggeredBy:      execution.TriggeredBy,
		RetryCount:       execution.RetryCount,
		MaxRetries:       execution.MaxRetries,
		RecordsProcessed: execution.RecordsProcessed,
	}
	if !execution.CompletedAt.IsZero() {
		completed := execution.CompletedAt.UTC()
		row.CompletedAt = &completed
	}
	if execution.WorkerIdentity != "" {
		identity := execution.WorkerIdentity
		row.WorkerIdentity = &identity
	}
	if execution.ErrorMessage != "" {
		msg := execution.ErrorMessage
		row.ErrorMessage = &msg
	}
	if execution.ErrorKind != "" {
		kind := execution.ErrorKind
		row.ErrorKind = &kind
	}
	return row
}

func decodeExecution(row executionRow) jobs.Execution {
	execution := jobs.Execution{
		ExecutionID:      row.ExecutionID,
		JobID:            row.JobID,
		Status:           jobs.Status(row.Status),
		RunState:         jobs.RunState(row.RunState),
		StartedAt:        row.StartedAt,
		TriggeredBy:      row.TriggeredBy,
		RetryCount:       row.RetryCount,
		MaxRetries:       row.MaxRetries,
		RecordsProcessed: row.RecordsProcessed,
	}
	if row.CompletedAt != nil {
		execution.CompletedAt = *row.CompletedAt
	}
	if row.WorkerIdentity != nil {
		execution.WorkerIdentity = *row.WorkerIdentity
	}
	if row.ErrorMessage != nil {
		execution.ErrorMessage = *row.ErrorMessage
	}
	if row.ErrorKind != nil {
		execution.ErrorKind = *row.ErrorKind
	}
	return execution
}
