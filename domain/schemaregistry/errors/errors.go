// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package errors

import (
	"github.com/juju/errors"
)

const (
	// SchemaNotFound describes an error that occurs when no schema
	// version exists for the requested table (or table and version).
	SchemaNotFound = errors.ConstError("schema version not found")

	// VersionAlreadyExists describes an error that occurs when a
	// concurrent writer registered the same (table, version) first.
	VersionAlreadyExists = errors.ConstError("schema version already exists")
)
