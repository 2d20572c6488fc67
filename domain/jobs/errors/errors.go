// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package errors

import (
	"github.com/juju/errors"
)

const (
	// JobNotFound describes an error that occurs when no job config
	// exists for the requested job ID.
	JobNotFound = errors.ConstError("job not found")

	// JobAlreadyExists describes an error that occurs when creating a
	// job whose ID is already registered.
	JobAlreadyExists = errors.ConstError("job already exists")

	// JobDisabled describes an error that occurs when starting an
	// execution for a job whose config is disabled.
	JobDisabled = errors.ConstError("job is disabled")

	// JobAlreadyRunning describes an error that occurs when starting an
	// execution while another execution of the same job is still live.
	JobAlreadyRunning = errors.ConstError("job already running")

	// ExecutionNotFound describes an error that occurs when no execution
	// exists for the requested execution ID.
	ExecutionNotFound = errors.ConstError("execution not found")

	// ExecutionAlreadyComplete describes an error that occurs when
	// completing an execution that already holds a terminal status.
	ExecutionAlreadyComplete = errors.ConstError("execution already complete")
)
