// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stream

import (
	"context"

	"github.com/juju/mgo/v3/bson"

	"github.com/driftlake/driftlake/core/changestream"
	coreschema "github.com/driftlake/driftlake/core/schema"
	"github.com/driftlake/driftlake/domain/checkpoint"
)

// ChangeCursor yields change events from an open source cursor. Next
// blocks up to the server-side max-await and returns false on timeout,
// stream end or error; Timeout and Err disambiguate.
type ChangeCursor interface {
	Next(event *changestream.ChangeEvent) bool
	Timeout() bool
	Err() error
	Close() error
}

// ChangeSource opens cursors over one source collection's oplog.
type ChangeSource interface {
	// OpenCursor opens a change cursor, resuming strictly after the
	// given token when it is valid, from the oplog head otherwise.
	OpenCursor(ctx context.Context, resumeAfter changestream.ResumeToken) (ChangeCursor, error)
}

// CheckpointService loads and saves the stream's durable position. It
// is satisfied by the checkpoint service.
type CheckpointService interface {
	LoadCheckpoint(ctx context.Context, jobID, collection string) (checkpoint.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, args checkpoint.SaveArgs) error
}

// SchemaEvolver evaluates buffered post-images for drift and evolves
// the sink's declared schema when the drift is safe.
type SchemaEvolver interface {
	EvaluateBatch(ctx context.Context, batch []bson.M, current coreschema.Schema) coreschema.Result
	Evolve(ctx context.Context, table string, current coreschema.Schema, changes []coreschema.Change) (coreschema.Schema, error)
}

// Callback delivers one batch to the sink. It must be idempotent with
// respect to document key, must not return before its durable work is
// complete, and returns an error to refuse checkpoint advancement.
type Callback func(ctx context.Context, batch []changestream.ChangeEvent) error

// ErrorKind classifies a source error for retry purposes.
type ErrorKind string

const (
	// KindTransient errors are retried with exponential backoff.
	KindTransient ErrorKind = "transient"

	// KindNonRetryable errors surface immediately as terminal.
	KindNonRetryable ErrorKind = "non_retryable"

	// KindTokenInvalid means the resume token has fallen out of the
	// source's oplog window. Terminal; an operator resets the
	// checkpoint to cold-start the job.
	KindTokenInvalid ErrorKind = "token_invalid"
)

// ErrorClassifier assigns an ErrorKind to a source error. A nil
// classifier treats every source error as transient.
type ErrorClassifier func(error) ErrorKind
