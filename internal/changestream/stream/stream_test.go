// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stream_test

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/driftlake/driftlake/core/changestream"
	coreschema "github.com/driftlake/driftlake/core/schema"
	"github.com/driftlake/driftlake/domain/checkpoint"
	checkpointerrors "github.com/driftlake/driftlake/domain/checkpoint/errors"
	"github.com/driftlake/driftlake/internal/changestream/stream"
	loggertesting "github.com/driftlake/driftlake/internal/logger/testing"
	internalschema "github.com/driftlake/driftlake/internal/schema"
	"github.com/driftlake/driftlake/internal/testhelpers"
)

type streamSuite struct {
	jujutesting.IsolationSuite

	source      *fakeSource
	checkpoints *fakeCheckpoints
	callback    *recordingCallback
}

var _ = gc.Suite(&streamSuite{})

func (s *streamSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.source = newFakeSource()
	s.checkpoints = newFakeCheckpoints()
	s.callback = newRecordingCallback()
}

func (s *streamSuite) config(c *gc.C) stream.Config {
	return stream.Config{
		JobID:         "job-1",
		Collection:    "orders",
		SinkTable:     "orders",
		Source:        s.source,
		Checkpoints:   s.checkpoints,
		Callback:      s.callback.callback,
		BatchSize:     2,
		BatchInterval: time.Hour,
		MaxRetries:    2,
		Clock:         clock.WallClock,
		Logger:        loggertesting.WrapCheckLog(c),
	}
}

func (s *streamSuite) TestValidateConfig(c *gc.C) {
	config := s.config(c)
	config.Source = nil
	_, err := stream.New(config)
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	config = s.config(c)
	config.BatchSize = 0
	_, err = stream.New(config)
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	config = s.config(c)
	config.BackoffFactor = 0.5
	_, err = stream.New(config)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *streamSuite) TestSizeFlushThenCheckpoint(c *gc.C) {
	cursor := newFakeCursor()
	s.source.enqueue(cursor)
	cursor.sendEvent(insertEvent("t1", bson.M{"id": "a"}))
	cursor.sendEvent(insertEvent("t2", bson.M{"id": "b"}))

	w, err := stream.New(s.config(c))
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	batch := s.callback.nextBatch(c)
	c.Assert(batch, gc.HasLen, 2)
	c.Check(batch[0].FullDocument["id"], gc.Equals, "a")
	c.Check(batch[1].FullDocument["id"], gc.Equals, "b")

	saved := s.checkpoints.nextSave(c)
	c.Check(saved.Token, jc.DeepEquals, changestream.ResumeToken{"_data": "t2"})
	c.Check(saved.RecordsProcessed, gc.Equals, int64(2))
	c.Check(w.RecordsProcessed(), gc.Equals, int64(2))

	workertest.CleanKill(c, w)
}

func (s *streamSuite) TestTimeFlushDeliversPartialBatch(c *gc.C) {
	cursor := newFakeCursor()
	s.source.enqueue(cursor)
	cursor.sendEvent(insertEvent("t1", bson.M{"id": "a"}))

	config := s.config(c)
	config.BatchSize = 100
	config.BatchInterval = 30 * time.Millisecond
	w, err := stream.New(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	batch := s.callback.nextBatch(c)
	c.Assert(batch, gc.HasLen, 1)
	c.Check(batch[0].Token(), jc.DeepEquals, changestream.ResumeToken{"_data": "t1"})

	workertest.CleanKill(c, w)
}

func (s *streamSuite) TestEmptyIntervalDoesNotDeliver(c *gc.C) {
	s.source.enqueue(newFakeCursor())

	config := s.config(c)
	config.BatchInterval = 20 * time.Millisecond
	w, err := stream.New(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	time.Sleep(5 * testhelpers.ShortWait)
	c.Check(s.callback.callCount(), gc.Equals, 0)
	c.Check(s.checkpoints.saveCount(), gc.Equals, 0)

	workertest.CleanKill(c, w)
}

func (s *streamSuite) TestColdStartOpensWithoutToken(c *gc.C) {
	s.source.enqueue(newFakeCursor())

	w, err := stream.New(s.config(c))
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	resume := s.source.nextOpen(c)
	c.Check(resume.Valid(), jc.IsFalse)

	workertest.CleanKill(c, w)
}

func (s *streamSuite) TestResumesFromCheckpoint(c *gc.C) {
	token := changestream.ResumeToken{"_data": "t7"}
	s.checkpoints.load = checkpoint.Checkpoint{
		JobID:            "job-1",
		Collection:       "orders",
		Token:            token,
		RecordsProcessed: 7,
	}
	s.checkpoints.loadErr = nil

	cursor := newFakeCursor()
	s.source.enqueue(cursor)
	cursor.sendEvent(insertEvent("t8", bson.M{"id": "a"}))

	config := s.config(c)
	config.BatchSize = 1
	w, err := stream.New(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	resume := s.source.nextOpen(c)
	c.Check(resume, jc.DeepEquals, token)

	s.callback.nextBatch(c)
	saved := s.checkpoints.nextSave(c)
	c.Check(saved.Token, jc.DeepEquals, changestream.ResumeToken{"_data": "t8"})
	c.Check(saved.RecordsProcessed, gc.Equals, int64(8))
	c.Check(w.RecordsProcessed(), gc.Equals, int64(8))

	workertest.CleanKill(c, w)
}

func (s *streamSuite) TestCollectionEventsAdvanceTokenOnly(c *gc.C) {
	cursor := newFakeCursor()
	s.source.enqueue(cursor)
	cursor.sendEvent(changestream.ChangeEvent{
		ID:        changestream.ResumeToken{"_data": "t1"},
		Operation: changestream.OperationDrop,
	})
	cursor.sendEvent(insertEvent("t2", bson.M{"id": "a"}))
	cursor.sendEvent(deleteEvent("t3", bson.M{"_id": "b"}))

	w, err := stream.New(s.config(c))
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	batch := s.callback.nextBatch(c)
	c.Assert(batch, gc.HasLen, 2)
	c.Check(batch[0].Operation, gc.Equals, changestream.OperationInsert)
	c.Check(batch[1].Operation, gc.Equals, changestream.OperationDelete)

	workertest.CleanKill(c, w)
}

func (s *streamSuite) TestCallbackFailureRedeliversSameBatch(c *gc.C) {
	cursor := newFakeCursor()
	s.source.enqueue(cursor)
	cursor.sendEvent(insertEvent("t1", bson.M{"id": "a"}))
	cursor.sendEvent(insertEvent("t2", bson.M{"id": "b"}))

	s.callback.failures = []error{errors.New("sink unavailable")}

	w, err := stream.New(s.config(c))
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	first := s.callback.nextBatch(c)
	second := s.callback.nextBatch(c)
	c.Check(second, jc.DeepEquals, first)

	// The checkpoint lands only after the redelivery succeeded.
	saved := s.checkpoints.nextSave(c)
	c.Check(saved.Token, jc.DeepEquals, changestream.ResumeToken{"_data": "t2"})
	c.Check(s.checkpoints.saveCount(), gc.Equals, 1)

	workertest.CleanKill(c, w)
}

func (s *streamSuite) TestCallbackExhaustionFailsJob(c *gc.C) {
	cursor := newFakeCursor()
	s.source.enqueue(cursor)
	cursor.sendEvent(insertEvent("t1", bson.M{"id": "a"}))
	cursor.sendEvent(insertEvent("t2", bson.M{"id": "b"}))

	s.callback.failures = []error{
		errors.New("sink unavailable"),
		errors.New("sink unavailable"),
	}

	config := s.config(c)
	config.MaxRetries = 1
	w, err := stream.New(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	err = workertest.CheckKilled(c, w)
	c.Assert(err, jc.ErrorIs, stream.ErrMaxRetriesExceeded)
	c.Check(s.checkpoints.saveCount(), gc.Equals, 0)
}

func (s *streamSuite) TestStopDrainsBuffer(c *gc.C) {
	cursor := newFakeCursor()
	s.source.enqueue(cursor)
	cursor.sendEvent(insertEvent("t1", bson.M{"id": "a"}))

	config := s.config(c)
	config.BatchSize = 100
	w, err := stream.New(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	waitBuffered(c, w, 1)
	workertest.CleanKill(c, w)

	batch := s.callback.nextBatch(c)
	c.Assert(batch, gc.HasLen, 1)
	saved := s.checkpoints.nextSave(c)
	c.Check(saved.Token, jc.DeepEquals, changestream.ResumeToken{"_data": "t1"})
}

func (s *streamSuite) TestCheckpointFailureTolerated(c *gc.C) {
	cursor := newFakeCursor()
	s.source.enqueue(cursor)
	cursor.sendEvent(insertEvent("t1", bson.M{"id": "a"}))

	s.checkpoints.saveErrs = []error{errors.New("database is locked")}

	config := s.config(c)
	config.BatchSize = 1
	w, err := stream.New(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	s.callback.nextBatch(c)
	workertest.CheckAlive(c, w)

	// The next flush saves cleanly and covers the lost one.
	cursor.sendEvent(insertEvent("t2", bson.M{"id": "b"}))
	s.callback.nextBatch(c)
	saved := s.checkpoints.nextSave(c)
	c.Check(saved.Token, jc.DeepEquals, changestream.ResumeToken{"_data": "t2"})
	c.Check(saved.RecordsProcessed, gc.Equals, int64(2))

	workertest.CleanKill(c, w)
}

func (s *streamSuite) TestConsecutiveCheckpointFailuresFatal(c *gc.C) {
	cursor := newFakeCursor()
	s.source.enqueue(cursor)
	cursor.sendEvent(insertEvent("t1", bson.M{"id": "a"}))
	cursor.sendEvent(insertEvent("t2", bson.M{"id": "b"}))

	s.checkpoints.saveErrs = []error{
		errors.New("database is locked"),
		errors.New("database is locked"),
	}

	config := s.config(c)
	config.BatchSize = 1
	w, err := stream.New(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	err = workertest.CheckKilled(c, w)
	c.Assert(err, jc.ErrorIs, stream.ErrCheckpointFailed)
}

func (s *streamSuite) TestTokenInvalidIsTerminal(c *gc.C) {
	cursor := newFakeCursor()
	s.source.enqueue(cursor)
	cursor.sendError(errors.New("resume point no longer in the oplog"))

	config := s.config(c)
	config.Classify = func(err error) stream.ErrorKind {
		return stream.KindTokenInvalid
	}
	w, err := stream.New(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	err = workertest.CheckKilled(c, w)
	c.Assert(err, jc.ErrorIs, stream.ErrResumeTokenInvalid)
}

func (s *streamSuite) TestNonRetryableIsTerminal(c *gc.C) {
	cursor := newFakeCursor()
	s.source.enqueue(cursor)
	cursor.sendEvent(insertEvent("t1", bson.M{"id": "a"}))
	cursor.sendError(errors.New("not authorized"))

	config := s.config(c)
	config.BatchSize = 1
	config.Classify = func(err error) stream.ErrorKind {
		return stream.KindNonRetryable
	}
	w, err := stream.New(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	err = workertest.CheckKilled(c, w)
	c.Assert(err, gc.ErrorMatches, `watching collection "orders": not authorized`)

	// The delivered batch's checkpoint plus the fallback save.
	c.Check(s.checkpoints.saveCount(), gc.Equals, 2)
}

func (s *streamSuite) TestTransientBudgetExhausted(c *gc.C) {
	s.source.enqueueErr(errors.New("connection reset"))

	config := s.config(c)
	config.MaxRetries = 0
	w, err := stream.New(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	err = workertest.CheckKilled(c, w)
	c.Assert(err, jc.ErrorIs, stream.ErrMaxRetriesExceeded)
}

func (s *streamSuite) TestTransientErrorReopensFromLastToken(c *gc.C) {
	clk := testclock.NewClock(time.Time{})

	first := newFakeCursor()
	second := newFakeCursor()
	s.source.enqueue(first)
	s.source.enqueue(second)
	first.sendEvent(insertEvent("t1", bson.M{"id": "a"}))
	first.sendError(errors.New("connection reset"))
	second.sendEvent(insertEvent("t2", bson.M{"id": "b"}))

	config := s.config(c)
	config.BatchSize = 1
	config.Clock = clk
	w, err := stream.New(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	c.Check(s.source.nextOpen(c).Valid(), jc.IsFalse)
	s.callback.nextBatch(c)
	s.checkpoints.nextSave(c)

	// The flush reset the attempt counter, so the backoff for this
	// first failure is BackoffFactor^1 seconds.
	err = clk.WaitAdvance(2*time.Second, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	resume := s.source.nextOpen(c)
	c.Check(resume, jc.DeepEquals, changestream.ResumeToken{"_data": "t1"})

	batch := s.callback.nextBatch(c)
	c.Check(batch[0].Token(), jc.DeepEquals, changestream.ResumeToken{"_data": "t2"})

	workertest.CleanKill(c, w)
}

func (s *streamSuite) TestSchemaEvolutionOnSafeDrift(c *gc.C) {
	cursor := newFakeCursor()
	s.source.enqueue(cursor)
	cursor.sendEvent(insertEvent("t1", bson.M{"id": "a"}))
	cursor.sendEvent(insertEvent("t2", bson.M{"id": "b", "tag": "x"}))

	evolver := &fakeEvolver{
		result: coreschema.Result{Safe: []coreschema.Change{{
			FieldName: "tag",
			Kind:      coreschema.Safe,
			NewType:   coreschema.TypeString,
		}}},
		evolved: coreschema.Schema{
			"id":  {Type: coreschema.TypeString},
			"tag": {Type: coreschema.TypeString, Nullable: true},
		},
	}

	config := s.config(c)
	config.Evolver = evolver
	config.InitialSchema = coreschema.Schema{"id": {Type: coreschema.TypeString}}
	w, err := stream.New(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	s.callback.nextBatch(c)
	s.checkpoints.nextSave(c)

	c.Check(evolver.evolveTable(), gc.Equals, "orders")

	// The next batch evaluates against the evolved schema.
	cursor.sendEvent(insertEvent("t3", bson.M{"id": "c", "tag": "y"}))
	cursor.sendEvent(insertEvent("t4", bson.M{"id": "d", "tag": "z"}))
	s.callback.nextBatch(c)
	c.Check(evolver.lastCurrent(), jc.DeepEquals, evolver.evolved)

	workertest.CleanKill(c, w)
}

func (s *streamSuite) TestSteadyStateRegistersNoNewVersions(c *gc.C) {
	cursor := newFakeCursor()
	s.source.enqueue(cursor)
	cursor.sendEvent(insertEvent("t1", bson.M{"id": "a", "tag": "x"}))
	cursor.sendEvent(insertEvent("t2", bson.M{"id": "b", "tag": "y"}))

	registry := &countingRegistry{}
	evaluator := internalschema.NewEvaluator(loggertesting.WrapCheckLog(c))

	config := s.config(c)
	config.Evolver = internalschema.NewEvolver(evaluator, registry, nil, "worker-1")
	config.InitialSchema = coreschema.Schema{"id": {Type: coreschema.TypeString}}
	w, err := stream.New(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	// The first batch carries a genuinely new field and evolves once.
	s.callback.nextBatch(c)
	s.checkpoints.nextSave(c)
	c.Check(registry.count(), gc.Equals, 1)

	// A second batch of the same shape drifts nowhere; the registry
	// must not grow.
	cursor.sendEvent(insertEvent("t3", bson.M{"id": "c", "tag": "z"}))
	cursor.sendEvent(insertEvent("t4", bson.M{"id": "d", "tag": "w"}))
	s.callback.nextBatch(c)
	s.checkpoints.nextSave(c)
	c.Check(registry.count(), gc.Equals, 1)

	workertest.CleanKill(c, w)
}

func (s *streamSuite) TestBreakingDriftDoesNotBlockDelivery(c *gc.C) {
	cursor := newFakeCursor()
	s.source.enqueue(cursor)
	cursor.sendEvent(insertEvent("t1", bson.M{"id": 42}))
	cursor.sendEvent(insertEvent("t2", bson.M{"id": 43}))

	evolver := &fakeEvolver{
		result: coreschema.Result{Breaking: []coreschema.Change{{
			FieldName: "id",
			Kind:      coreschema.Breaking,
			OldType:   coreschema.TypeString,
			NewType:   coreschema.TypeInteger,
		}}},
	}

	config := s.config(c)
	config.Evolver = evolver
	config.InitialSchema = coreschema.Schema{"id": {Type: coreschema.TypeString}}
	w, err := stream.New(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	batch := s.callback.nextBatch(c)
	c.Assert(batch, gc.HasLen, 2)
	c.Check(evolver.evolveCount(), gc.Equals, 0)
	s.checkpoints.nextSave(c)

	workertest.CleanKill(c, w)
}

func (s *streamSuite) TestEvolutionFailureDoesNotBlockDelivery(c *gc.C) {
	cursor := newFakeCursor()
	s.source.enqueue(cursor)
	cursor.sendEvent(insertEvent("t1", bson.M{"id": "a", "tag": "x"}))
	cursor.sendEvent(insertEvent("t2", bson.M{"id": "b", "tag": "y"}))

	evolver := &fakeEvolver{
		result: coreschema.Result{Safe: []coreschema.Change{{
			FieldName: "tag",
			Kind:      coreschema.Safe,
			NewType:   coreschema.TypeString,
		}}},
		evolveErr: errors.New("registry down"),
	}

	config := s.config(c)
	config.Evolver = evolver
	config.InitialSchema = coreschema.Schema{"id": {Type: coreschema.TypeString}}
	w, err := stream.New(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	batch := s.callback.nextBatch(c)
	c.Assert(batch, gc.HasLen, 2)
	s.checkpoints.nextSave(c)

	workertest.CleanKill(c, w)
}

func waitBuffered(c *gc.C, w *stream.Stream, n int) {
	timeout := time.After(testhelpers.LongWait)
	for {
		if w.Report()["buffered-events"] == n {
			return
		}
		select {
		case <-timeout:
			c.Fatalf("timed out waiting for %d buffered events", n)
		case <-time.After(time.Millisecond):
		}
	}
}

func insertEvent(token string, doc bson.M) changestream.ChangeEvent {
	return changestream.ChangeEvent{
		ID:           changestream.ResumeToken{"_data": token},
		Operation:    changestream.OperationInsert,
		DocumentKey:  bson.M{"_id": doc["id"]},
		FullDocument: doc,
	}
}

func deleteEvent(token string, key bson.M) changestream.ChangeEvent {
	return changestream.ChangeEvent{
		ID:          changestream.ResumeToken{"_data": token},
		Operation:   changestream.OperationDelete,
		DocumentKey: key,
	}
}

// cursorStep is one scripted response from a fake cursor: an event or a
// terminal error. An idle cursor reports server-side await timeouts.
type cursorStep struct {
	event *changestream.ChangeEvent
	err   error
}

type fakeCursor struct {
	steps chan cursorStep

	timedOut bool
	lastErr  error
}

func newFakeCursor() *fakeCursor {
	return &fakeCursor{steps: make(chan cursorStep, 16)}
}

func (f *fakeCursor) sendEvent(event changestream.ChangeEvent) {
	f.steps <- cursorStep{event: &event}
}

func (f *fakeCursor) sendError(err error) {
	f.steps <- cursorStep{err: err}
}

func (f *fakeCursor) Next(event *changestream.ChangeEvent) bool {
	f.timedOut = false
	f.lastErr = nil
	select {
	case step := <-f.steps:
		if step.err != nil {
			f.lastErr = step.err
			return false
		}
		*event = *step.event
		return true
	case <-time.After(10 * time.Millisecond):
		f.timedOut = true
		return false
	}
}

func (f *fakeCursor) Timeout() bool {
	return f.timedOut
}

func (f *fakeCursor) Err() error {
	return f.lastErr
}

func (f *fakeCursor) Close() error {
	return nil
}

type openResult struct {
	cursor *fakeCursor
	err    error
}

type fakeSource struct {
	mu      sync.Mutex
	pending []openResult
	opens   chan changestream.ResumeToken
}

func newFakeSource() *fakeSource {
	return &fakeSource{opens: make(chan changestream.ResumeToken, 16)}
}

func (f *fakeSource) enqueue(cursor *fakeCursor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, openResult{cursor: cursor})
}

func (f *fakeSource) enqueueErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, openResult{err: err})
}

func (f *fakeSource) OpenCursor(ctx context.Context, resumeAfter changestream.ResumeToken) (stream.ChangeCursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens <- resumeAfter
	if len(f.pending) == 0 {
		return newFakeCursor(), nil
	}
	next := f.pending[0]
	f.pending = f.pending[1:]
	if next.err != nil {
		return nil, next.err
	}
	return next.cursor, nil
}

func (f *fakeSource) nextOpen(c *gc.C) changestream.ResumeToken {
	select {
	case resume := <-f.opens:
		return resume
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timed out waiting for a cursor open")
	}
	return nil
}

type fakeCheckpoints struct {
	mu       sync.Mutex
	load     checkpoint.Checkpoint
	loadErr  error
	saveErrs []error
	saves    int
	saved    chan checkpoint.SaveArgs
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{
		loadErr: checkpointerrors.CheckpointNotFound,
		saved:   make(chan checkpoint.SaveArgs, 16),
	}
}

func (f *fakeCheckpoints) LoadCheckpoint(ctx context.Context, jobID, collection string) (checkpoint.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return checkpoint.Checkpoint{}, f.loadErr
	}
	return f.load, nil
}

func (f *fakeCheckpoints) SaveCheckpoint(ctx context.Context, args checkpoint.SaveArgs) error {
	f.mu.Lock()
	if len(f.saveErrs) > 0 {
		err := f.saveErrs[0]
		f.saveErrs = f.saveErrs[1:]
		f.mu.Unlock()
		return err
	}
	f.saves++
	f.mu.Unlock()
	f.saved <- args
	return nil
}

func (f *fakeCheckpoints) nextSave(c *gc.C) checkpoint.SaveArgs {
	select {
	case args := <-f.saved:
		return args
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timed out waiting for a checkpoint save")
	}
	return checkpoint.SaveArgs{}
}

func (f *fakeCheckpoints) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

type recordingCallback struct {
	mu       sync.Mutex
	failures []error
	calls    int
	batches  chan []changestream.ChangeEvent
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{batches: make(chan []changestream.ChangeEvent, 16)}
}

func (r *recordingCallback) callback(ctx context.Context, batch []changestream.ChangeEvent) error {
	r.mu.Lock()
	r.calls++
	var err error
	if len(r.failures) > 0 {
		err = r.failures[0]
		r.failures = r.failures[1:]
	}
	r.mu.Unlock()

	copied := make([]changestream.ChangeEvent, len(batch))
	copy(copied, batch)
	r.batches <- copied
	return err
}

func (r *recordingCallback) nextBatch(c *gc.C) []changestream.ChangeEvent {
	select {
	case batch := <-r.batches:
		return batch
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timed out waiting for a batch")
	}
	return nil
}

func (r *recordingCallback) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type countingRegistry struct {
	mu        sync.Mutex
	registers int
}

func (r *countingRegistry) RegisterVersion(
	ctx context.Context,
	tableName string,
	schema coreschema.Schema,
	changes []coreschema.Change,
	appliedBy string,
	rollbackDDL string,
) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registers++
	return r.registers, nil
}

func (r *countingRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registers
}

type fakeEvolver struct {
	mu        sync.Mutex
	result    coreschema.Result
	evolved   coreschema.Schema
	evolveErr error

	current coreschema.Schema
	table   string
	evolves int
}

func (f *fakeEvolver) EvaluateBatch(ctx context.Context, batch []bson.M, current coreschema.Schema) coreschema.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = current
	return f.result
}

func (f *fakeEvolver) Evolve(ctx context.Context, table string, current coreschema.Schema, changes []coreschema.Change) (coreschema.Schema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evolveErr != nil {
		return nil, f.evolveErr
	}
	f.table = table
	f.evolves++
	return f.evolved, nil
}

func (f *fakeEvolver) evolveTable() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.table
}

func (f *fakeEvolver) lastCurrent() coreschema.Schema {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeEvolver) evolveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evolves
}
