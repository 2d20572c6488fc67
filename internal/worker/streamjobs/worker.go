// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package streamjobs supervises the lifecycle of change-stream
// watchers: one worker per running stream job, started on behalf of the
// control plane and stopped cooperatively.
package streamjobs

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/driftlake/driftlake/core/logger"
	"github.com/driftlake/driftlake/domain/jobs"
	jobserrors "github.com/driftlake/driftlake/domain/jobs/errors"
	internalworker "github.com/driftlake/driftlake/internal/worker"
)

// Config holds what the supervisor needs to run stream jobs.
type Config struct {
	Jobs       JobService
	NewWatcher WatcherFactory

	// WorkerIdentity names this process on execution records, so an
	// operator can tell which host ran a job.
	WorkerIdentity string

	// MaxRetries is the retry budget recorded on each execution.
	MaxRetries int

	Clock  clock.Clock
	Logger logger.Logger
}

// Validate returns an error if the config cannot run a supervisor.
func (c Config) Validate() error {
	if c.Jobs == nil {
		return errors.NotValidf("nil Jobs")
	}
	if c.NewWatcher == nil {
		return errors.NotValidf("nil NewWatcher")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Supervisor manages one tracker worker per running stream job. It
// shares no mutable state across jobs beyond the worker table itself.
type Supervisor struct {
	catacomb catacomb.Catacomb
	config   Config
	runner   *worker.Runner

	mu      sync.Mutex
	tracked map[string]trackedJob
}

type trackedJob struct {
	jobID     string
	startedAt time.Time
}

// NewSupervisor returns a running supervisor.
func NewSupervisor(config Config) (*Supervisor, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	s := &Supervisor{
		config:  config,
		tracked: make(map[string]trackedJob),
	}
	// Trackers complete without error once they have recorded the
	// execution's terminal state, so the runner never restarts a
	// finished job.
	s.runner = worker.NewRunner(worker.RunnerParams{
		Clock:         config.Clock,
		IsFatal:       func(error) bool { return false },
		MoreImportant: func(error, error) bool { return false },
		RestartDelay:  time.Second,
		Logger:        internalworker.WrapLogger(config.Logger),
	})

	if err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
		Init: []worker.Worker{s.runner},
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Supervisor) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Supervisor) Wait() error {
	return s.catacomb.Wait()
}

func (s *Supervisor) loop() error {
	<-s.catacomb.Dying()
	return s.catacomb.ErrDying()
}

// StartStreamJob creates a RUNNING execution for the job, spins up a
// watcher in a dedicated worker and returns the execution ID without
// waiting for the watcher. At most one execution per job runs at a
// time; the registry refuses disabled and already-running jobs.
func (s *Supervisor) StartStreamJob(ctx context.Context, jobID, triggeredBy string) (string, error) {
	config, err := s.config.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", errors.Trace(err)
	}

	execution, err := s.config.Jobs.StartJob(ctx, jobID, triggeredBy, s.config.WorkerIdentity, s.config.MaxRetries)
	if err != nil {
		return "", errors.Trace(err)
	}

	if err := validateStreamConfig(config); err != nil {
		if ferr := s.config.Jobs.FailValidation(ctx, execution.ExecutionID, err); ferr != nil {
			s.config.Logger.Errorf(ctx, "recording validation failure for execution %q: %v",
				execution.ExecutionID, ferr)
		}
		return "", errors.Trace(err)
	}
	if err := s.config.Jobs.MarkValidated(ctx, execution.ExecutionID); err != nil {
		s.config.Logger.Warningf(ctx, "marking execution %q validated: %v", execution.ExecutionID, err)
	}

	err = s.runner.StartWorker(execution.ExecutionID, func() (worker.Worker, error) {
		return newTracker(s.config.Jobs, s.config.NewWatcher, config, execution.ExecutionID, s.config.Logger)
	})
	if err != nil {
		return "", errors.Annotatef(err, "starting worker for execution %q", execution.ExecutionID)
	}

	s.mu.Lock()
	s.tracked[execution.ExecutionID] = trackedJob{jobID: jobID, startedAt: execution.StartedAt}
	s.mu.Unlock()

	s.config.Logger.Infof(ctx, "stream job %q running as execution %q", jobID, execution.ExecutionID)
	return execution.ExecutionID, nil
}

// StopStreamJob signals the execution's watcher to stop and waits for
// it to drain. The tracker marks the execution CANCELLED on the way
// out. Unknown executions return ExecutionNotFound.
func (s *Supervisor) StopStreamJob(ctx context.Context, executionID string) error {
	s.mu.Lock()
	_, known := s.tracked[executionID]
	s.mu.Unlock()
	if !known {
		return jobserrors.ExecutionNotFound
	}

	err := s.runner.StopAndRemoveWorker(executionID, s.catacomb.Dying())
	if errors.IsNotFound(err) {
		// The watcher already exited; its terminal state is recorded.
		return nil
	}
	return errors.Trace(err)
}

// StreamJobStatus returns a snapshot of the execution, combining the
// persisted record with whether a worker is live right now.
func (s *Supervisor) StreamJobStatus(ctx context.Context, executionID string) (JobStatus, error) {
	execution, err := s.config.Jobs.GetExecution(ctx, executionID)
	if err != nil {
		return JobStatus{}, errors.Trace(err)
	}
	return JobStatus{
		ExecutionID:      execution.ExecutionID,
		JobID:            execution.JobID,
		Status:           execution.Status,
		RunState:         execution.RunState,
		StartedAt:        execution.StartedAt,
		IsRunning:        s.hasWorker(executionID),
		RecordsProcessed: execution.RecordsProcessed,
	}, nil
}

// CleanupCompletedJobs drops terminal executions from the in-memory
// worker table and returns how many were removed. Idempotent.
func (s *Supervisor) CleanupCompletedJobs() int {
	live := make(map[string]bool)
	for _, name := range s.runner.WorkerNames() {
		live[name] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for executionID := range s.tracked {
		if !live[executionID] {
			delete(s.tracked, executionID)
			removed++
		}
	}
	return removed
}

// Report is shown in the engine report.
func (s *Supervisor) Report() map[string]any {
	s.mu.Lock()
	executions := make(map[string]any, len(s.tracked))
	for executionID, job := range s.tracked {
		executions[executionID] = map[string]any{
			"job-id":     job.jobID,
			"started-at": job.startedAt,
			"running":    s.hasWorker(executionID),
		}
	}
	s.mu.Unlock()
	return map[string]any{
		"executions": executions,
		"workers":    s.runner.Report(),
	}
}

func (s *Supervisor) hasWorker(executionID string) bool {
	for _, name := range s.runner.WorkerNames() {
		if name == executionID {
			return true
		}
	}
	return false
}

func validateStreamConfig(config jobs.Config) error {
	if err := config.Validate(); err != nil {
		return errors.Trace(err)
	}
	if config.Type != jobs.TypeStream {
		return errors.NotValidf("job type %q for stream supervisor", config.Type)
	}
	return nil
}
