// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stream

import (
	"github.com/juju/errors"
)

const (
	// ErrMaxRetriesExceeded describes an error that occurs when the
	// retry budget for a transient failure has been spent.
	ErrMaxRetriesExceeded = errors.ConstError("max retries exceeded")

	// ErrResumeTokenInvalid describes an error that occurs when the
	// source rejects the resume token, typically because it has fallen
	// out of the oplog window. Recovery requires an operator to reset
	// the checkpoint.
	ErrResumeTokenInvalid = errors.ConstError("resume token no longer valid")

	// ErrCheckpointFailed describes an error that occurs when
	// checkpoint saves have failed on consecutive flushes.
	ErrCheckpointFailed = errors.ConstError("checkpoint saves repeatedly failing")
)
