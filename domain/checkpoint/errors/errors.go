// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package errors

import (
	"github.com/juju/errors"
)

const (
	// CheckpointNotFound describes an error that occurs when the
	// checkpoint being operated on does not exist. Callers treat this
	// as a cold start.
	CheckpointNotFound = errors.ConstError("checkpoint not found")

	// InvalidResumeToken describes an error that occurs when a caller
	// attempts to save an empty or nil resume token. This is a caller
	// bug, never retried.
	InvalidResumeToken = errors.ConstError("resume token not valid")

	// CorruptResumeToken describes an error that occurs when a stored
	// resume token cannot be decoded. Loads translate this into a cold
	// start rather than failing the stream.
	CorruptResumeToken = errors.ConstError("stored resume token corrupt")
)
