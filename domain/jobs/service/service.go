// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/utils/v4"

	"github.com/driftlake/driftlake/core/logger"
	"github.com/driftlake/driftlake/domain/jobs"
)

// State describes the persistence layer the service drives.
type State interface {
	CreateJob(ctx context.Context, config jobs.Config) error
	GetJob(ctx context.Context, jobID string) (jobs.Config, error)
	ListJobs(ctx context.Context, userID string, jobType jobs.Type) ([]jobs.Config, error)
	UpdateJob(ctx context.Context, config jobs.Config) error
	SetEnabled(ctx context.Context, jobID string, enabled bool, now time.Time) error
	DeleteJob(ctx context.Context, jobID string) error

	StartExecution(ctx context.Context, execution jobs.Execution) error
	GetExecution(ctx context.Context, executionID string) (jobs.Execution, error)
	UpdateRunState(ctx context.Context, executionID string, state jobs.RunState) error
	IncrementRetry(ctx context.Context, executionID string) error
	CompleteExecution(ctx context.Context, executionID string, result jobs.Result, completedAt time.Time) error
	Executions(ctx context.Context, jobID string, limit int) ([]jobs.Execution, error)
	JobMetrics(ctx context.Context, jobID string, since string) (jobs.Metrics, error)
}

// Service owns job configs and their execution records. It is the
// single writer of execution lifecycle transitions; the supervisor goes
// through it rather than touching the tables directly.
type Service struct {
	st     State
	clock  clock.Clock
	logger logger.Logger
}

// NewService returns a new job registry service.
func NewService(st State, clock clock.Clock, logger logger.Logger) *Service {
	return &Service{st: st, clock: clock, logger: logger}
}

// CreateJob validates and persists a new job config. Timestamps are
// stamped here; callers leave them zero.
func (s *Service) CreateJob(ctx context.Context, config jobs.Config) error {
	if err := config.Validate(); err != nil {
		return errors.Trace(err)
	}
	now := s.clock.Now()
	config.CreatedAt = now
	config.UpdatedAt = now
	return errors.Trace(s.st.CreateJob(ctx, config))
}

// GetJob returns the config for the given job, or JobNotFound.
func (s *Service) GetJob(ctx context.Context, jobID string) (jobs.Config, error) {
	config, err := s.st.GetJob(ctx, jobID)
	return config, errors.Trace(err)
}

// ListJobs returns the configs matching the filter; empty arguments
// match everything.
func (s *Service) ListJobs(ctx context.Context, userID string, jobType jobs.Type) ([]jobs.Config, error) {
	configs, err := s.st.ListJobs(ctx, userID, jobType)
	return configs, errors.Trace(err)
}

// UpdateJob validates and persists changes to an existing job config.
func (s *Service) UpdateJob(ctx context.Context, config jobs.Config) error {
	if err := config.Validate(); err != nil {
		return errors.Trace(err)
	}
	config.UpdatedAt = s.clock.Now()
	return errors.Trace(s.st.UpdateJob(ctx, config))
}

// EnableJob marks the job runnable again, typically after an operator
// resolved the failure that disabled it.
func (s *Service) EnableJob(ctx context.Context, jobID string) error {
	return errors.Trace(s.st.SetEnabled(ctx, jobID, true, s.clock.Now()))
}

// DisableJob prevents further executions of the job from starting.
// Live executions are unaffected.
func (s *Service) DisableJob(ctx context.Context, jobID string) error {
	return errors.Trace(s.st.SetEnabled(ctx, jobID, false, s.clock.Now()))
}

// DeleteJob removes the job config and its execution history.
func (s *Service) DeleteJob(ctx context.Context, jobID string) error {
	return errors.Trace(s.st.DeleteJob(ctx, jobID))
}

// StartJob records a new live execution for the job and returns it.
// The job must exist, be enabled and have no other live execution.
func (s *Service) StartJob(ctx context.Context, jobID, triggeredBy, workerIdentity string, maxRetries int) (jobs.Execution, error) {
	uuid, err := utils.NewUUID()
	if err != nil {
		return jobs.Execution{}, errors.Trace(err)
	}

	execution := jobs.Execution{
		ExecutionID:    uuid.String(),
		JobID:          jobID,
		Status:         jobs.StatusRunning,
		RunState:       jobs.RunStateReceived,
		StartedAt:      s.clock.Now(),
		TriggeredBy:    triggeredBy,
		MaxRetries:     maxRetries,
		WorkerIdentity: workerIdentity,
	}
	if err := s.st.StartExecution(ctx, execution); err != nil {
		return jobs.Execution{}, errors.Trace(err)
	}
	s.logger.Infof(ctx, "started execution %q for job %q (triggered by %s)",
		execution.ExecutionID, jobID, triggeredBy)
	return execution, nil
}

// GetExecution returns the execution record, or ExecutionNotFound.
func (s *Service) GetExecution(ctx context.Context, executionID string) (jobs.Execution, error) {
	execution, err := s.st.GetExecution(ctx, executionID)
	return execution, errors.Trace(err)
}

// MarkValidated advances a live execution to VALIDATED.
func (s *Service) MarkValidated(ctx context.Context, executionID string) error {
	return errors.Trace(s.st.UpdateRunState(ctx, executionID, jobs.RunStateValidated))
}

// MarkRunning advances a live execution to RUNNING.
func (s *Service) MarkRunning(ctx context.Context, executionID string) error {
	return errors.Trace(s.st.UpdateRunState(ctx, executionID, jobs.RunStateRunning))
}

// RecordRetry bumps the retry counter of a live execution.
func (s *Service) RecordRetry(ctx context.Context, executionID string) error {
	return errors.Trace(s.st.IncrementRetry(ctx, executionID))
}

// CompleteJob records the terminal outcome of an execution exactly
// once; a repeated completion returns ExecutionAlreadyComplete.
func (s *Service) CompleteJob(ctx context.Context, executionID string, result jobs.Result) error {
	if !result.Status.Terminal() {
		return errors.NotValidf("completion status %q", result.Status)
	}
	err := s.st.CompleteExecution(ctx, executionID, result, s.clock.Now())
	if err != nil {
		return errors.Trace(err)
	}
	s.logger.Infof(ctx, "execution %q completed with status %s (%d records)",
		executionID, result.Status, result.RecordsProcessed)
	return nil
}

// FailValidation terminates an execution whose config failed validation
// before any stream was opened.
func (s *Service) FailValidation(ctx context.Context, executionID string, reason error) error {
	result := jobs.Result{
		Status:       jobs.StatusFailed,
		RunState:     jobs.RunStateValidationFailed,
		ErrorMessage: reason.Error(),
		ErrorKind:    "non_retryable",
	}
	return errors.Trace(s.st.CompleteExecution(ctx, executionID, result, s.clock.Now()))
}

// JobExecutions returns the most recent executions for the job, newest
// first, up to limit.
func (s *Service) JobExecutions(ctx context.Context, jobID string, limit int) ([]jobs.Execution, error) {
	executions, err := s.st.Executions(ctx, jobID, limit)
	return executions, errors.Trace(err)
}

// JobMetrics aggregates the job's executions over the trailing window.
func (s *Service) JobMetrics(ctx context.Context, jobID string, window time.Duration) (jobs.Metrics, error) {
	secs := int64(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	metrics, err := s.st.JobMetrics(ctx, jobID, fmt.Sprintf("-%d seconds", secs))
	return metrics, errors.Trace(err)
}
