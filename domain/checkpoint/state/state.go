// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/driftlake/driftlake/core/changestream"
	coredatabase "github.com/driftlake/driftlake/core/database"
	"github.com/driftlake/driftlake/core/logger"
	"github.com/driftlake/driftlake/domain"
	"github.com/driftlake/driftlake/domain/checkpoint"
	checkpointerrors "github.com/driftlake/driftlake/domain/checkpoint/errors"
)

// State describes retrieval and persistence methods for checkpoints.
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

// Upsert writes the checkpoint keyed by (job, collection) in a single
// transaction. The write is atomic: either the new token is visible
// after return, or no change occurred. The records counter never
// decreases, even if a caller hands us a stale total.
func (s *State) Upsert(ctx context.Context, args checkpoint.SaveArgs) error {
	db, err := s.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	tokenBytes, err := bson.Marshal(bson.M(args.Token))
	if err != nil {
		return errors.Annotate(err, "encoding resume token")
	}

	row := checkpointRow{
		JobID:            args.JobID,
		Collection:       args.Collection,
		ResumeToken:      tokenBytes,
		RecordsProcessed: args.RecordsProcessed,
	}
	if !args.LastEventTime.IsZero() {
		eventTime := args.LastEventTime.UTC()
		row.LastEventTime = &eventTime
	}

	stmt, err := s.Prepare(`
INSERT INTO cdc_checkpoints (job_id, collection, resume_token, last_event_time, records_processed, created_at, updated_at)
VALUES ($checkpointRow.job_id, $checkpointRow.collection, $checkpointRow.resume_token,
        $checkpointRow.last_event_time, $checkpointRow.records_processed, datetime('now'), datetime('now'))
ON CONFLICT (job_id, collection) DO UPDATE SET
    resume_token      = excluded.resume_token,
    last_event_time   = excluded.last_event_time,
    records_processed = MAX(cdc_checkpoints.records_processed, excluded.records_processed),
    updated_at        = excluded.updated_at;`, row)
	if err != nil {
		return errors.Annotate(err, "preparing upsert checkpoint statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	})
	return errors.Annotatef(err, "saving checkpoint for job %q collection %q", args.JobID, args.Collection)
}

// Get returns the checkpoint for the given job and collection, or
// CheckpointNotFound when no row exists. A stored token that cannot be
// decoded returns CorruptResumeToken; the caller decides whether that
// constitutes a cold start.
func (s *State) Get(ctx context.Context, jobID, collection string) (checkpoint.Checkpoint, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return checkpoint.Checkpoint{}, errors.Trace(err)
	}

	key := checkpointKey{JobID: jobID, Collection: collection}
	stmt, err := s.Prepare(`
SELECT &checkpointRow.*
FROM   cdc_checkpoints
WHERE  job_id = $checkpointKey.job_id
AND    collection = $checkpointKey.collection;`, checkpointRow{}, key)
	if err != nil {
		return checkpoint.Checkpoint{}, errors.Annotate(err, "preparing select checkpoint statement")
	}

	var row checkpointRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, key).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return checkpointerrors.CheckpointNotFound
		}
		return errors.Trace(err)
	})
	if err != nil {
		return checkpoint.Checkpoint{}, errors.Trace(err)
	}

	var token bson.M
	if err := bson.Unmarshal(row.ResumeToken, &token); err != nil {
		s.logger.Warningf(ctx, "checkpoint for job %q collection %q holds an undecodable resume token: %v",
			jobID, collection, err)
		return checkpoint.Checkpoint{}, checkpointerrors.CorruptResumeToken
	}

	result := checkpoint.Checkpoint{
		JobID:            row.JobID,
		Collection:       row.Collection,
		Token:            changestream.ResumeToken(token),
		RecordsProcessed: row.RecordsProcessed,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if row.LastEventTime != nil {
		result.LastEventTime = *row.LastEventTime
	}
	return result, nil
}

// Delete removes the checkpoint for the given job and collection. It is
// used only during job teardown and is a no-op when no row exists.
func (s *State) Delete(ctx context.Context, jobID, collection string) error {
	db, err := s.DB(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	key := checkpointKey{JobID: jobID, Collection: collection}
	stmt, err := s.Prepare(`
DELETE FROM cdc_checkpoints
WHERE  job_id = $checkpointKey.job_id
AND    collection = $checkpointKey.collection;`, key)
	if err != nil {
		return errors.Annotate(err, "preparing delete checkpoint statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, key).Run())
	})
	return errors.Annotatef(err, "deleting checkpoint for job %q collection %q", jobID, collection)
}
