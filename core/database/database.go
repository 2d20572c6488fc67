// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"context"
	"database/sql"

	"github.com/canonical/sqlair"
)

// TxnRunner defines an interface for running transactions against the
// relational store backing checkpoints, schema versions and jobs.
type TxnRunner interface {
	// Txn executes the input function within a transaction derived from
	// the input context. Retry semantics are applied automatically to
	// transient failures such as lock contention.
	Txn(context.Context, func(context.Context, *sqlair.TX) error) error

	// StdTxn is the database/sql variant of Txn, for queries that do not
	// benefit from sqlair's type mapping.
	StdTxn(context.Context, func(context.Context, *sql.Tx) error) error
}

// TxnRunnerFactory provides a TxnRunner on demand. State types hold a
// factory rather than a runner so that connection acquisition remains
// the concern of the database layer.
type TxnRunnerFactory func() (TxnRunner, error)
