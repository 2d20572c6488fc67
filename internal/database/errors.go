// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"database/sql"
	"strings"

	"github.com/juju/errors"
	"github.com/mattn/go-sqlite3"
)

// IsErrConstraintUnique returns true if the input error was returned by
// the database due to a unique constraint violation, including primary
// key collisions.
func IsErrConstraintUnique(err error) bool {
	if err == nil {
		return false
	}
	var dbErr sqlite3.Error
	if !errors.As(err, &dbErr) {
		return false
	}
	return dbErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		dbErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// IsErrConstraintForeignKey returns true if the input error was returned
// by the database due to a foreign key constraint violation.
func IsErrConstraintForeignKey(err error) bool {
	if err == nil {
		return false
	}
	var dbErr sqlite3.Error
	if !errors.As(err, &dbErr) {
		return false
	}
	return dbErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

// IsErrRetryable returns true if the transaction that produced the input
// error can be expected to succeed when retried: lock contention and
// busy signals qualify, integrity and authorisation failures do not.
func IsErrRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Integrity violations are terminal no matter how they surface.
	if IsErrConstraintUnique(err) || IsErrConstraintForeignKey(err) {
		return false
	}

	var dbErr sqlite3.Error
	if errors.As(err, &dbErr) {
		switch dbErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return true
		}
		return false
	}

	if errors.Is(err, sql.ErrTxDone) {
		return false
	}

	// Drivers do not always surface typed errors from the depths of the
	// transaction machinery.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "cannot start a transaction within a transaction") ||
		strings.Contains(msg, "bad connection")
}
