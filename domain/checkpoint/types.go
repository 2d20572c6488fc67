// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package checkpoint defines the types of the durable resume-token store.
// A checkpoint records, per (job, collection), the latest resume token
// whose batch has been acknowledged by the sink. Restart recovery re-opens
// the source cursor strictly after that token.
package checkpoint

import (
	"time"

	"github.com/driftlake/driftlake/core/changestream"
)

// Checkpoint is the persistent record of a stream's progress.
type Checkpoint struct {
	JobID      string
	Collection string

	// Token is the latest acknowledged resume token.
	Token changestream.ResumeToken

	// LastEventTime is the cluster time of the last flushed event.
	// The zero time means no event time was recorded.
	LastEventTime time.Time

	// RecordsProcessed counts events delivered to the sink. It never
	// decreases for a given (job, collection).
	RecordsProcessed int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaveArgs carries the arguments of a checkpoint upsert.
type SaveArgs struct {
	JobID            string
	Collection       string
	Token            changestream.ResumeToken
	LastEventTime    time.Time
	RecordsProcessed int64
}
