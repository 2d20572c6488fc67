// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package database provides the SQLite-backed transaction runner behind
// the checkpoint store, the schema registry and the job registry.
package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	_ "github.com/mattn/go-sqlite3"

	coredatabase "github.com/driftlake/driftlake/core/database"
	"github.com/driftlake/driftlake/core/logger"
)

const (
	// Transient contention is expected on a busy store; the retry window
	// stays short so that checkpoint latency remains bounded.
	txnRetryAttempts = 5
	txnRetryDelay    = 10 * time.Millisecond
	txnRetryMaxDelay = 250 * time.Millisecond
)

// TxnRunner runs transactions against a single SQLite database, retrying
// transient failures. It implements coredatabase.TxnRunner.
type TxnRunner struct {
	db     *sqlair.DB
	clock  clock.Clock
	logger logger.Logger
}

// NewTxnRunner wraps the given database handle in a retrying runner.
func NewTxnRunner(db *sql.DB, clock clock.Clock, logger logger.Logger) *TxnRunner {
	return &TxnRunner{
		db:     sqlair.NewDB(db),
		clock:  clock,
		logger: logger,
	}
}

// Open opens (creating if necessary) the SQLite database at the given
// path, ensures the DDL is current, and returns a runner for it.
func Open(path string, clock clock.Clock, logger logger.Logger) (*TxnRunner, error) {
	db, err := sql.Open("sqlite3", path+"?_fk=1&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Annotatef(err, "opening database at %q", path)
	}
	// A single writer keeps SQLite's locking out of the retry path under
	// normal operation.
	db.SetMaxOpenConns(1)

	runner := NewTxnRunner(db, clock, logger)
	if err := runner.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, errors.Trace(err)
	}
	return runner, nil
}

// Txn executes the input function within a transaction, retrying on
// transient failures. It implements coredatabase.TxnRunner.
func (r *TxnRunner) Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	return r.retry(ctx, func() error {
		tx, err := r.db.Begin(ctx, nil)
		if err != nil {
			return errors.Trace(err)
		}
		if err := fn(ctx, tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				r.logger.Warningf(ctx, "failed to roll back transaction: %v", rbErr)
			}
			return errors.Trace(err)
		}
		return errors.Trace(tx.Commit())
	})
}

// StdTxn executes the input function within a database/sql transaction,
// retrying on transient failures. It implements coredatabase.TxnRunner.
func (r *TxnRunner) StdTxn(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	return r.retry(ctx, func() error {
		tx, err := r.db.PlainDB().BeginTx(ctx, nil)
		if err != nil {
			return errors.Trace(err)
		}
		if err := fn(ctx, tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				r.logger.Warningf(ctx, "failed to roll back transaction: %v", rbErr)
			}
			return errors.Trace(err)
		}
		return errors.Trace(tx.Commit())
	})
}

// Close closes the underlying database handle.
func (r *TxnRunner) Close() error {
	return errors.Trace(r.db.PlainDB().Close())
}

// Factory returns a TxnRunnerFactory yielding this runner.
func (r *TxnRunner) Factory() coredatabase.TxnRunnerFactory {
	return func() (coredatabase.TxnRunner, error) {
		return r, nil
	}
}

func (r *TxnRunner) retry(ctx context.Context, fn func() error) error {
	return retry.Call(retry.CallArgs{
		Func:        fn,
		Attempts:    txnRetryAttempts,
		Delay:       txnRetryDelay,
		MaxDelay:    txnRetryMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       r.clock,
		Stop:        ctx.Done(),
		IsFatalError: func(err error) bool {
			return !IsErrRetryable(err)
		},
		NotifyFunc: func(lastError error, attempt int) {
			r.logger.Debugf(ctx, "retrying transaction, attempt %d: %v", attempt, lastError)
		},
	})
}

func (r *TxnRunner) ensureSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return r.StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, ddl := range SchemaDDL() {
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return errors.Annotate(err, "applying schema")
			}
		}
		return nil
	})
}
