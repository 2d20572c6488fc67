// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package stream implements the change-stream watcher: a long-lived
// cursor over one source collection's oplog that buffers events,
// flushes them to a sink callback on size or time thresholds, and
// persists a resume checkpoint only after the callback has acknowledged
// the batch.
package stream

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"github.com/driftlake/driftlake/core/changestream"
	"github.com/driftlake/driftlake/core/logger"
	coreschema "github.com/driftlake/driftlake/core/schema"
	"github.com/driftlake/driftlake/domain/checkpoint"
	checkpointerrors "github.com/driftlake/driftlake/domain/checkpoint/errors"
)

const (
	// defaultBackoffFactor is the exponent base for retry backoff.
	defaultBackoffFactor = 2.0

	// defaultMaxRetryDelay caps the backoff between retries.
	defaultMaxRetryDelay = time.Minute

	// defaultMaxCheckpointFailures is how many consecutive checkpoint
	// save failures are tolerated before the job is failed. A single
	// failure is survivable because the next successful save covers it.
	defaultMaxCheckpointFailures = 2
)

// Config holds everything a watcher needs to run one stream job.
type Config struct {
	// JobID and Collection key the watcher's checkpoint row.
	JobID      string
	Collection string

	// SinkTable is the logical sink table, used for schema evolution.
	SinkTable string

	Source      ChangeSource
	Checkpoints CheckpointService

	// Callback delivers each flushed batch. See the Callback contract.
	Callback Callback

	// Evolver and InitialSchema wire optional schema drift handling.
	// With a nil Evolver, drift goes undetected and batches flow
	// unconditionally.
	Evolver       SchemaEvolver
	InitialSchema coreschema.Schema

	// Classify assigns retry classes to source errors; nil treats all
	// source errors as transient.
	Classify ErrorClassifier

	// BatchSize flushes when the buffer reaches this many events.
	BatchSize int

	// BatchInterval flushes when this long has elapsed since the last
	// flush, even if the buffer is smaller than BatchSize.
	BatchInterval time.Duration

	// MaxRetries bounds both transient source retries and callback
	// redeliveries of a single batch.
	MaxRetries int

	// BackoffFactor (> 1) and MaxRetryDelay shape the retry delay:
	// min(BackoffFactor^attempt seconds, MaxRetryDelay).
	BackoffFactor float64
	MaxRetryDelay time.Duration

	// MaxCheckpointFailures is the number of consecutive checkpoint
	// save failures tolerated before the job is failed.
	MaxCheckpointFailures int

	Clock   clock.Clock
	Logger  logger.Logger
	Metrics MetricsCollector
}

// Validate returns an error if the config cannot run a watcher.
func (c Config) Validate() error {
	if c.JobID == "" {
		return errors.NotValidf("empty JobID")
	}
	if c.Collection == "" {
		return errors.NotValidf("empty Collection")
	}
	if c.Source == nil {
		return errors.NotValidf("nil Source")
	}
	if c.Checkpoints == nil {
		return errors.NotValidf("nil Checkpoints")
	}
	if c.Callback == nil {
		return errors.NotValidf("nil Callback")
	}
	if c.BatchSize <= 0 {
		return errors.NotValidf("BatchSize %d", c.BatchSize)
	}
	if c.BatchInterval <= 0 {
		return errors.NotValidf("BatchInterval %s", c.BatchInterval)
	}
	if c.MaxRetries < 0 {
		return errors.NotValidf("MaxRetries %d", c.MaxRetries)
	}
	if c.BackoffFactor != 0 && c.BackoffFactor <= 1 {
		return errors.NotValidf("BackoffFactor %v", c.BackoffFactor)
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Stream is a worker that drives one change-stream cursor. It is not
// safe for use by multiple callers: one goroutine owns the cursor loop,
// and Kill may be called from anywhere.
type Stream struct {
	tomb    tomb.Tomb
	config  Config
	metrics MetricsCollector

	mu            sync.Mutex
	buffer        []changestream.ChangeEvent
	currentToken  changestream.ResumeToken
	ackedToken    changestream.ResumeToken
	records       int64
	lastFlush     time.Time
	flushes       int64
	currentSchema coreschema.Schema

	checkpointFailures int
}

// New starts a watcher for the given config. The returned worker runs
// until Kill is called or a terminal error occurs.
func New(config Config) (*Stream, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.BackoffFactor == 0 {
		config.BackoffFactor = defaultBackoffFactor
	}
	if config.MaxRetryDelay == 0 {
		config.MaxRetryDelay = defaultMaxRetryDelay
	}
	if config.MaxCheckpointFailures == 0 {
		config.MaxCheckpointFailures = defaultMaxCheckpointFailures
	}

	s := &Stream{
		config:        config,
		metrics:       config.Metrics,
		currentSchema: config.InitialSchema,
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	s.tomb.Go(s.loop)
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Stream) Kill() {
	s.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Stream) Wait() error {
	return s.tomb.Wait()
}

// RecordsProcessed returns the number of events acknowledged by the
// sink over the lifetime of the job, including prior executions
// recovered from the checkpoint.
func (s *Stream) RecordsProcessed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records
}

// Report is shown in the engine report.
func (s *Stream) Report() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"job-id":            s.config.JobID,
		"collection":        s.config.Collection,
		"buffered-events":   len(s.buffer),
		"records-processed": s.records,
		"flushes":           s.flushes,
		"resumable":         s.ackedToken.Valid(),
	}
}

func (s *Stream) loop() error {
	ctx := s.tomb.Context(context.Background())

	resume := s.loadResumeToken(ctx)
	s.mu.Lock()
	s.lastFlush = s.config.Clock.Now()
	s.mu.Unlock()

	var attempt int
	for {
		before := s.flushCount()
		err := s.watch(ctx, resume)
		if s.flushCount() > before {
			// The cursor made progress, so earlier transient failures
			// no longer count against the retry budget.
			attempt = 0
		}

		if err == nil || errors.Is(err, tomb.ErrDying) {
			return s.finish()
		}
		if s.isDying() {
			s.config.Logger.Debugf(ctx, "ignoring source error during shutdown of job %q: %v",
				s.config.JobID, err)
			return s.finish()
		}
		if errors.Is(err, ErrMaxRetriesExceeded) || errors.Is(err, ErrCheckpointFailed) {
			s.metrics.ErrorInc(s.config.Collection, string(KindNonRetryable))
			s.saveFallback()
			return errors.Trace(err)
		}

		switch s.classify(err) {
		case KindNonRetryable:
			s.metrics.ErrorInc(s.config.Collection, string(KindNonRetryable))
			s.saveFallback()
			return errors.Annotatef(err, "watching collection %q", s.config.Collection)
		case KindTokenInvalid:
			s.metrics.ErrorInc(s.config.Collection, string(KindTokenInvalid))
			return errors.Annotatef(ErrResumeTokenInvalid, "collection %q: %v", s.config.Collection, err)
		default:
			s.metrics.ErrorInc(s.config.Collection, string(KindTransient))
			attempt++
			if attempt > s.config.MaxRetries {
				s.saveFallback()
				return errors.Annotatef(ErrMaxRetriesExceeded, "collection %q: %v", s.config.Collection, err)
			}
			delay := s.backoffDelay(attempt)
			s.config.Logger.Warningf(ctx,
				"transient error watching collection %q (attempt %d of %d), retrying in %s: %v",
				s.config.Collection, attempt, s.config.MaxRetries, delay, err)
			select {
			case <-s.tomb.Dying():
				return s.finish()
			case <-s.config.Clock.After(delay):
			}
			resume = s.resumeToken()
		}
	}
}

// watch opens a cursor and drives it until the stream dies or the
// cursor fails. Cancellation is observed at every iteration boundary.
func (s *Stream) watch(ctx context.Context, resume changestream.ResumeToken) error {
	cursor, err := s.config.Source.OpenCursor(ctx, resume)
	if err != nil {
		return errors.Annotate(err, "opening change cursor")
	}
	defer func() { _ = cursor.Close() }()

	s.config.Logger.Infof(ctx, "watching collection %q for job %q (resuming: %v)",
		s.config.Collection, s.config.JobID, resume.Valid())

	var event changestream.ChangeEvent
	for {
		select {
		case <-s.tomb.Dying():
			return tomb.ErrDying
		default:
		}

		event = changestream.ChangeEvent{}
		if cursor.Next(&event) {
			if err := s.handleEvent(ctx, event); err != nil {
				return errors.Trace(err)
			}
			continue
		}
		if cursor.Timeout() {
			// The server-side max-await elapsed without events; the
			// time threshold may still demand a flush.
			if err := s.maybeFlush(ctx); err != nil {
				return errors.Trace(err)
			}
			continue
		}
		if err := cursor.Err(); err != nil {
			return errors.Trace(err)
		}
		return errors.Errorf("change stream for collection %q closed unexpectedly", s.config.Collection)
	}
}

func (s *Stream) handleEvent(ctx context.Context, event changestream.ChangeEvent) error {
	s.mu.Lock()
	s.currentToken = event.Token()
	if event.Operation.IsRowLevel() {
		s.buffer = append(s.buffer, event)
	} else {
		s.config.Logger.Debugf(ctx, "collection-level %q event on %q",
			event.Operation, s.config.Collection)
	}
	size := len(s.buffer)
	s.mu.Unlock()

	if eventTime := event.EventTime(); !eventTime.IsZero() {
		s.metrics.SetLag(s.config.Collection, s.config.Clock.Now().Sub(eventTime).Seconds())
	}

	if size >= s.config.BatchSize {
		return errors.Trace(s.flush(ctx))
	}
	return errors.Trace(s.maybeFlush(ctx))
}

// maybeFlush flushes if the batch interval has elapsed since the last
// flush, regardless of buffer size.
func (s *Stream) maybeFlush(ctx context.Context) error {
	s.mu.Lock()
	due := s.config.Clock.Now().Sub(s.lastFlush) >= s.config.BatchInterval
	s.mu.Unlock()
	if !due {
		return nil
	}
	return errors.Trace(s.flush(ctx))
}

// flush delivers the buffered events to the callback and, on success,
// persists the checkpoint and clears the buffer. On callback failure
// the buffer is retained so the same batch is redelivered. An empty
// flush only resets the interval timer.
func (s *Stream) flush(ctx context.Context) error {
	s.mu.Lock()
	batch := make([]changestream.ChangeEvent, len(s.buffer))
	copy(batch, s.buffer)
	token := s.currentToken
	s.mu.Unlock()

	if len(batch) == 0 {
		s.mu.Lock()
		s.lastFlush = s.config.Clock.Now()
		s.mu.Unlock()
		return nil
	}

	s.evaluateSchema(ctx, batch)

	start := s.config.Clock.Now()
	if err := s.deliver(ctx, batch); err != nil {
		return errors.Trace(err)
	}
	s.metrics.BatchObserve(s.config.Collection, len(batch), s.config.Clock.Now().Sub(start).Seconds())
	for _, event := range batch {
		s.metrics.RecordInc(s.config.Collection, string(event.Operation))
	}

	s.mu.Lock()
	s.buffer = s.buffer[:0]
	s.records += int64(len(batch))
	records := s.records
	s.lastFlush = s.config.Clock.Now()
	s.flushes++
	s.mu.Unlock()

	if !token.Valid() {
		return nil
	}
	err := s.config.Checkpoints.SaveCheckpoint(ctx, checkpoint.SaveArgs{
		JobID:            s.config.JobID,
		Collection:       s.config.Collection,
		Token:            token,
		LastEventTime:    batch[len(batch)-1].EventTime(),
		RecordsProcessed: records,
	})
	if err != nil {
		s.checkpointFailures++
		s.metrics.ErrorInc(s.config.Collection, "checkpoint_save")
		s.config.Logger.Errorf(ctx, "saving checkpoint for job %q (failure %d of %d tolerated): %v",
			s.config.JobID, s.checkpointFailures, s.config.MaxCheckpointFailures, err)
		if s.checkpointFailures >= s.config.MaxCheckpointFailures {
			return errors.Annotatef(ErrCheckpointFailed, "job %q: %d consecutive failures",
				s.config.JobID, s.checkpointFailures)
		}
		return nil
	}
	s.checkpointFailures = 0
	s.mu.Lock()
	s.ackedToken = token
	s.mu.Unlock()
	return nil
}

// deliver hands the batch to the callback, redelivering the same batch
// on failure up to the retry budget.
func (s *Stream) deliver(ctx context.Context, batch []changestream.ChangeEvent) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return s.config.Callback(ctx, batch)
		},
		Attempts:    s.config.MaxRetries + 1,
		Delay:       time.Second,
		MaxDelay:    s.config.MaxRetryDelay,
		BackoffFunc: retry.ExpBackoff(time.Second, s.config.MaxRetryDelay, s.config.BackoffFactor, true),
		Clock:       s.config.Clock,
		Stop:        s.tomb.Dying(),
		NotifyFunc: func(lastError error, attempt int) {
			s.config.Logger.Warningf(ctx, "sink callback for collection %q failed (attempt %d of %d): %v",
				s.config.Collection, attempt, s.config.MaxRetries+1, lastError)
		},
	})
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) || retry.IsDurationExceeded(err) {
		return errors.Annotatef(ErrMaxRetriesExceeded, "sink callback for collection %q: %v",
			s.config.Collection, retry.LastError(err))
	}
	if retry.IsRetryStopped(err) {
		return errors.Trace(retry.LastError(err))
	}
	return errors.Trace(err)
}

// evaluateSchema runs drift detection over the batch's post-images and
// evolves the declared sink schema when safe. It never fails the batch.
func (s *Stream) evaluateSchema(ctx context.Context, batch []changestream.ChangeEvent) {
	if s.config.Evolver == nil {
		return
	}
	s.mu.Lock()
	current := s.currentSchema
	s.mu.Unlock()
	if current == nil {
		return
	}

	docs := make([]bson.M, 0, len(batch))
	for _, event := range batch {
		if event.Operation.HasPostImage() && event.FullDocument != nil {
			docs = append(docs, event.FullDocument)
		}
	}
	if len(docs) == 0 {
		return
	}

	result := s.config.Evolver.EvaluateBatch(ctx, docs, current)
	if result.Empty() {
		return
	}
	for _, change := range result.Breaking {
		s.config.Logger.Errorf(ctx, "breaking schema change on collection %q: %s",
			s.config.Collection, change.Description)
		s.metrics.ErrorInc(s.config.Collection, "breaking_schema")
	}
	for _, change := range result.Warning {
		s.config.Logger.Warningf(ctx, "schema warning on collection %q: %s",
			s.config.Collection, change.Description)
	}
	if len(result.Safe) == 0 {
		return
	}

	evolved, err := s.config.Evolver.Evolve(ctx, s.config.SinkTable, current, result.All())
	if err != nil {
		// Evolution failure never blocks delivery; the next batch
		// re-attempts it.
		s.config.Logger.Errorf(ctx, "evolving schema of table %q: %v", s.config.SinkTable, err)
		s.metrics.ErrorInc(s.config.Collection, "schema_evolution")
		return
	}
	s.mu.Lock()
	s.currentSchema = evolved
	s.mu.Unlock()
}

// finish drains the buffer through the normal flush path and persists a
// final checkpoint. The worker context is already cancelled by the time
// we stop, so the final flush gets its own.
func (s *Stream) finish() error {
	ctx := context.Background()
	if err := s.flush(ctx); err != nil {
		// Events are still buffered; checkpoint whatever was last
		// acknowledged so a restart redelivers rather than drops.
		s.saveFallback()
		return errors.Trace(err)
	}

	s.mu.Lock()
	token := s.currentToken
	records := s.records
	s.mu.Unlock()
	if token.Valid() {
		err := s.config.Checkpoints.SaveCheckpoint(ctx, checkpoint.SaveArgs{
			JobID:            s.config.JobID,
			Collection:       s.config.Collection,
			Token:            token,
			RecordsProcessed: records,
		})
		if err != nil {
			s.config.Logger.Errorf(ctx, "saving final checkpoint for job %q: %v", s.config.JobID, err)
		}
	}
	s.config.Logger.Infof(ctx, "stopped watching collection %q for job %q (%d records processed)",
		s.config.Collection, s.config.JobID, records)
	return nil
}

// saveFallback persists the last acknowledged token, which may be
// stale. Best effort on a failure path.
func (s *Stream) saveFallback() {
	s.mu.Lock()
	token := s.ackedToken
	records := s.records
	s.mu.Unlock()
	if !token.Valid() {
		return
	}
	ctx := context.Background()
	err := s.config.Checkpoints.SaveCheckpoint(ctx, checkpoint.SaveArgs{
		JobID:            s.config.JobID,
		Collection:       s.config.Collection,
		Token:            token,
		RecordsProcessed: records,
	})
	if err != nil {
		s.config.Logger.Errorf(ctx, "saving fallback checkpoint for job %q: %v", s.config.JobID, err)
	}
}

// loadResumeToken recovers the stream position from the checkpoint
// store. Every load failure degrades to a cold start from the oplog
// head: data newer than now is captured, older uncaptured data is lost.
func (s *Stream) loadResumeToken(ctx context.Context) changestream.ResumeToken {
	cp, err := s.config.Checkpoints.LoadCheckpoint(ctx, s.config.JobID, s.config.Collection)
	if errors.Is(err, checkpointerrors.CheckpointNotFound) {
		s.config.Logger.Infof(ctx, "no checkpoint for job %q collection %q, cold starting",
			s.config.JobID, s.config.Collection)
		return nil
	} else if err != nil {
		s.config.Logger.Warningf(ctx, "loading checkpoint for job %q collection %q, cold starting: %v",
			s.config.JobID, s.config.Collection, err)
		return nil
	}

	s.mu.Lock()
	s.records = cp.RecordsProcessed
	s.currentToken = cp.Token
	s.ackedToken = cp.Token
	s.mu.Unlock()
	s.config.Logger.Infof(ctx, "resuming job %q collection %q after %d records",
		s.config.JobID, s.config.Collection, cp.RecordsProcessed)
	return cp.Token
}

func (s *Stream) classify(err error) ErrorKind {
	if s.config.Classify == nil {
		return KindTransient
	}
	return s.config.Classify(errors.Cause(err))
}

func (s *Stream) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(math.Pow(s.config.BackoffFactor, float64(attempt)) * float64(time.Second))
	if delay > s.config.MaxRetryDelay || delay <= 0 {
		delay = s.config.MaxRetryDelay
	}
	return delay
}

func (s *Stream) flushCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *Stream) resumeToken() changestream.ResumeToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentToken
}

func (s *Stream) isDying() bool {
	select {
	case <-s.tomb.Dying():
		return true
	default:
		return false
	}
}
