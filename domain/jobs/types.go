// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package jobs defines the persistent job configuration and execution
// records that the stream supervisor runs against.
package jobs

import (
	"time"

	"github.com/juju/errors"
)

// Type discriminates stream jobs from single-shot batch jobs. The core
// only runs stream jobs; batch processors share the registry shape.
type Type string

const (
	TypeStream Type = "stream"
	TypeBatch  Type = "batch"
)

// Status is the lifecycle status of a job execution.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is a terminal one.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RunState is the fine-grained job-run state machine persisted alongside
// the execution record. Transitions are single-writer: the supervisor
// owns the execution for the duration of its run.
type RunState string

const (
	RunStateReceived         RunState = "RECEIVED"
	RunStateValidated        RunState = "VALIDATED"
	RunStateRunning          RunState = "RUNNING"
	RunStateFinished         RunState = "FINISHED"
	RunStateFailed           RunState = "FAILED"
	RunStateValidationFailed RunState = "VALIDATION_FAILED"
)

// Config is the persistent configuration of one ingestion job.
type Config struct {
	JobID  string
	UserID string
	Type   Type

	// SourceURI, Database and Collection identify the watched source
	// collection on a replica-set-enabled deployment.
	SourceURI  string
	Database   string
	Collection string

	// FilterPipeline is an optional JSON-encoded list of aggregation
	// stages applied server-side to reduce event volume. The core treats
	// it as opaque.
	FilterPipeline string

	SinkTable    string
	SinkBasePath string

	BatchSize     int
	BatchInterval time.Duration

	Enabled     bool
	Schedule    string
	Description string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate returns an error if the config is not usable as a stream job.
func (c Config) Validate() error {
	if c.JobID == "" {
		return errors.NotValidf("empty job ID")
	}
	if c.SourceURI == "" {
		return errors.NotValidf("empty source URI")
	}
	if c.Database == "" || c.Collection == "" {
		return errors.NotValidf("empty source namespace")
	}
	if c.SinkTable == "" {
		return errors.NotValidf("empty sink table")
	}
	if c.BatchSize <= 0 {
		return errors.NotValidf("batch size %d", c.BatchSize)
	}
	if c.BatchInterval <= 0 {
		return errors.NotValidf("batch interval %s", c.BatchInterval)
	}
	return nil
}

// Execution is one run of a job.
type Execution struct {
	ExecutionID string
	JobID       string
	Status      Status
	RunState    RunState
	StartedAt   time.Time

	// CompletedAt is the zero time while the execution is live.
	CompletedAt time.Time

	TriggeredBy      string
	RetryCount       int
	MaxRetries       int
	WorkerIdentity   string
	ErrorMessage     string
	ErrorKind        string
	RecordsProcessed int64
}

// Result carries the terminal outcome of an execution. RunState may be
// left empty, in which case FINISHED or FAILED is derived from Status;
// set it explicitly for VALIDATION_FAILED.
type Result struct {
	Status           Status
	RunState         RunState
	ErrorMessage     string
	ErrorKind        string
	RecordsProcessed int64
}

// Metrics aggregates a job's execution history.
type Metrics struct {
	TotalExecutions     int
	Successes           int
	Failures            int
	ErrorRate           float64
	AvgDurationSeconds  float64
	AvgRecordsPerSecond float64
}
