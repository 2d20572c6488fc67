// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"
)

// checkpointRow mirrors a row of the cdc_checkpoints table.
type checkpointRow struct {
	JobID            string     `db:"job_id"`
	Collection       string     `db:"collection"`
	ResumeToken      []byte     `db:"resume_token"`
	LastEventTime    *time.Time `db:"last_event_time"`
	RecordsProcessed int64      `db:"records_processed"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// checkpointKey identifies a checkpoint row.
type checkpointKey struct {
	JobID      string `db:"job_id"`
	Collection string `db:"collection"`
}
