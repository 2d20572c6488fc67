// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/driftlake/driftlake/core/changestream"
	"github.com/driftlake/driftlake/core/logger"
	"github.com/driftlake/driftlake/domain/checkpoint"
	checkpointerrors "github.com/driftlake/driftlake/domain/checkpoint/errors"
	"github.com/driftlake/driftlake/internal/database"
)

const (
	// Transient backend failures on save are retried with exponential
	// backoff before being surfaced to the watcher.
	saveAttempts = 3
	saveDelay    = time.Second
	saveMaxDelay = 10 * time.Second
)

// State describes the persistence layer the service drives.
type State interface {
	// Upsert atomically writes the checkpoint keyed by (job, collection).
	Upsert(ctx context.Context, args checkpoint.SaveArgs) error

	// Get returns the stored checkpoint, CheckpointNotFound when absent,
	// or CorruptResumeToken when the stored token cannot be decoded.
	Get(ctx context.Context, jobID, collection string) (checkpoint.Checkpoint, error)

	// Delete removes the stored checkpoint.
	Delete(ctx context.Context, jobID, collection string) error
}

// MetricsCollector represents the checkpoint metrics methods called.
type MetricsCollector interface {
	SaveInc(status string)
	LoadInc(status string)
}

// Service provides validated, retrying access to the checkpoint store.
// One watcher logically owns each (job, collection) row; the store's
// row-level locking defends against accidental concurrent writers.
type Service struct {
	st      State
	clock   clock.Clock
	logger  logger.Logger
	metrics MetricsCollector
}

// NewService returns a new checkpoint service. A nil metrics collector
// is replaced with a no-op implementation.
func NewService(st State, clock clock.Clock, metrics MetricsCollector, logger logger.Logger) *Service {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Service{
		st:      st,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}
}

// SaveCheckpoint upserts the resume token for (job, collection). Empty
// tokens are rejected with InvalidResumeToken. Transient backend errors
// are retried with exponential backoff; integrity violations surface
// immediately.
func (s *Service) SaveCheckpoint(ctx context.Context, args checkpoint.SaveArgs) error {
	if !changestream.ResumeToken(args.Token).Valid() {
		s.metrics.SaveInc("invalid")
		return errors.Annotatef(checkpointerrors.InvalidResumeToken,
			"saving checkpoint for job %q collection %q", args.JobID, args.Collection)
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return s.st.Upsert(ctx, args)
		},
		Attempts:    saveAttempts,
		Delay:       saveDelay,
		MaxDelay:    saveMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.clock,
		Stop:        ctx.Done(),
		IsFatalError: func(err error) bool {
			return !database.IsErrRetryable(errors.Cause(err))
		},
		NotifyFunc: func(lastError error, attempt int) {
			s.logger.Warningf(ctx, "checkpoint save for job %q failed, attempt %d: %v",
				args.JobID, attempt, lastError)
		},
	})
	if err != nil {
		s.metrics.SaveInc("error")
		return errors.Trace(err)
	}
	s.metrics.SaveInc("success")
	return nil
}

// LoadCheckpoint returns the stored checkpoint for (job, collection).
// CheckpointNotFound means cold start. A corrupted stored token is
// logged and also reported as CheckpointNotFound: resuming from a token
// we cannot trust risks silent gaps, so the caller must treat the
// stream as new.
func (s *Service) LoadCheckpoint(ctx context.Context, jobID, collection string) (checkpoint.Checkpoint, error) {
	cp, err := s.st.Get(ctx, jobID, collection)
	switch {
	case err == nil:
		if !cp.Token.Valid() {
			s.logger.Warningf(ctx, "checkpoint for job %q collection %q holds an empty resume token; treating as cold start",
				jobID, collection)
			s.metrics.LoadInc("invalid")
			return checkpoint.Checkpoint{}, checkpointerrors.CheckpointNotFound
		}
		s.metrics.LoadInc("success")
		return cp, nil

	case errors.Is(err, checkpointerrors.CheckpointNotFound):
		s.metrics.LoadInc("not_found")
		return checkpoint.Checkpoint{}, errors.Trace(err)

	case errors.Is(err, checkpointerrors.CorruptResumeToken):
		s.metrics.LoadInc("invalid")
		return checkpoint.Checkpoint{}, checkpointerrors.CheckpointNotFound

	default:
		s.metrics.LoadInc("error")
		return checkpoint.Checkpoint{}, errors.Trace(err)
	}
}

// DeleteCheckpoint removes the checkpoint for (job, collection). This is
// the operator reset path, used during job teardown or to force a cold
// start after the oplog window has rolled past a stored token.
func (s *Service) DeleteCheckpoint(ctx context.Context, jobID, collection string) error {
	return errors.Trace(s.st.Delete(ctx, jobID, collection))
}

type noopMetrics struct{}

func (noopMetrics) SaveInc(string) {}
func (noopMetrics) LoadInc(string) {}
