// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package streamjobs

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/driftlake/driftlake/core/logger"
	"github.com/driftlake/driftlake/domain/jobs"
	jobserrors "github.com/driftlake/driftlake/domain/jobs/errors"
	"github.com/driftlake/driftlake/internal/changestream/stream"
)

// tracker runs one watcher and records the execution's terminal state
// when the watcher exits. It always completes without error so the
// runner removes it instead of restarting a finished job.
type tracker struct {
	catacomb catacomb.Catacomb

	jobs        JobService
	newWatcher  WatcherFactory
	jobConfig   jobs.Config
	executionID string
	logger      logger.Logger
}

func newTracker(
	jobService JobService,
	newWatcher WatcherFactory,
	jobConfig jobs.Config,
	executionID string,
	logger logger.Logger,
) (*tracker, error) {
	t := &tracker{
		jobs:        jobService,
		newWatcher:  newWatcher,
		jobConfig:   jobConfig,
		executionID: executionID,
		logger:      logger,
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &t.catacomb,
		Work: t.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return t, nil
}

// Kill is part of the worker.Worker interface.
func (t *tracker) Kill() {
	t.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (t *tracker) Wait() error {
	return t.catacomb.Wait()
}

func (t *tracker) loop() error {
	ctx := t.catacomb.Context(context.Background())

	watcher, err := t.newWatcher(t.jobConfig)
	if err != nil {
		t.logger.Errorf(ctx, "starting watcher for job %q: %v", t.jobConfig.JobID, err)
		t.complete(jobs.Result{
			Status:       jobs.StatusFailed,
			ErrorMessage: err.Error(),
			ErrorKind:    string(stream.KindNonRetryable),
		})
		return nil
	}

	if err := t.jobs.MarkRunning(ctx, t.executionID); err != nil {
		t.logger.Warningf(ctx, "marking execution %q running: %v", t.executionID, err)
	}

	watcherDone := make(chan error, 1)
	go func() {
		watcherDone <- watcher.Wait()
	}()

	select {
	case <-t.catacomb.Dying():
		// Cooperative stop: either the supervisor is shutting down or
		// the job was stopped explicitly. Either way the execution is
		// cancelled, unless the watcher failed on the way out.
		watcher.Kill()
		err := <-watcherDone
		result := jobs.Result{
			Status:           jobs.StatusCancelled,
			RecordsProcessed: watcher.RecordsProcessed(),
		}
		if err != nil {
			result.Status = jobs.StatusFailed
			result.ErrorMessage = err.Error()
			result.ErrorKind = terminalErrorKind(err)
		}
		t.complete(result)
		return t.catacomb.ErrDying()

	case err := <-watcherDone:
		result := jobs.Result{
			Status:           jobs.StatusSuccess,
			RecordsProcessed: watcher.RecordsProcessed(),
		}
		if err != nil {
			result.Status = jobs.StatusFailed
			result.ErrorMessage = err.Error()
			result.ErrorKind = terminalErrorKind(err)
		}
		t.complete(result)
		return nil
	}
}

// complete records the terminal execution state. The catacomb context
// may already be dead here, so completion gets its own.
func (t *tracker) complete(result jobs.Result) {
	ctx := context.Background()
	err := t.jobs.CompleteJob(ctx, t.executionID, result)
	if errors.Is(err, jobserrors.ExecutionAlreadyComplete) {
		t.logger.Debugf(ctx, "execution %q already completed", t.executionID)
		return
	} else if err != nil {
		t.logger.Errorf(ctx, "recording completion of execution %q: %v", t.executionID, err)
	}
}

// terminalErrorKind maps a watcher death to the persisted error kind.
func terminalErrorKind(err error) string {
	switch {
	case errors.Is(err, stream.ErrMaxRetriesExceeded):
		return "max_retries_exceeded"
	case errors.Is(err, stream.ErrResumeTokenInvalid):
		return string(stream.KindTokenInvalid)
	case errors.Is(err, stream.ErrCheckpointFailed):
		return "checkpoint_failed"
	}
	return string(stream.KindNonRetryable)
}
