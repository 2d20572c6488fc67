// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package streamjobs

import (
	"context"
	"time"

	"github.com/juju/worker/v4"

	"github.com/driftlake/driftlake/domain/jobs"
)

// JobService is the slice of the job registry the supervisor drives.
type JobService interface {
	GetJob(ctx context.Context, jobID string) (jobs.Config, error)
	StartJob(ctx context.Context, jobID, triggeredBy, workerIdentity string, maxRetries int) (jobs.Execution, error)
	GetExecution(ctx context.Context, executionID string) (jobs.Execution, error)
	MarkValidated(ctx context.Context, executionID string) error
	MarkRunning(ctx context.Context, executionID string) error
	CompleteJob(ctx context.Context, executionID string, result jobs.Result) error
	FailValidation(ctx context.Context, executionID string, reason error) error
}

// Watcher is the worker driving one stream job's cursor.
type Watcher interface {
	worker.Worker

	// RecordsProcessed reports the lifetime acknowledged record count,
	// recorded on the execution when the watcher exits.
	RecordsProcessed() int64
}

// WatcherFactory builds the watcher for a validated job config.
type WatcherFactory func(config jobs.Config) (Watcher, error)

// JobStatus is a point-in-time snapshot of one execution.
type JobStatus struct {
	ExecutionID      string
	JobID            string
	Status           jobs.Status
	RunState         jobs.RunState
	StartedAt        time.Time
	IsRunning        bool
	RecordsProcessed int64
}
