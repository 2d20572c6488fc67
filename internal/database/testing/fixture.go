// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides an in-memory database fixture for state
// layer test suites.
package testing

import (
	"database/sql"

	"github.com/juju/clock"
	jujutesting "github.com/juju/testing"
	gc "gopkg.in/check.v1"

	coredatabase "github.com/driftlake/driftlake/core/database"
	"github.com/driftlake/driftlake/internal/database"
	loggertesting "github.com/driftlake/driftlake/internal/logger/testing"
)

// DBSuite provides an in-memory SQLite database with the core schema
// applied, recreated for every test.
type DBSuite struct {
	jujutesting.IsolationSuite

	db     *sql.DB
	runner *database.TxnRunner
}

// SetUpTest is part of the gocheck Suite interface.
func (s *DBSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	// A shared-cache in-memory database lives until the last connection
	// closes, surviving the pool's connection churn within a test.
	db, err := sql.Open("sqlite3", "file::memory:?mode=memory&cache=shared&_fk=1")
	c.Assert(err, gc.IsNil)
	db.SetMaxOpenConns(1)
	s.db = db

	s.runner = database.NewTxnRunner(db, clock.WallClock, loggertesting.WrapCheckLog(c))
	for _, ddl := range database.SchemaDDL() {
		_, err := db.Exec(ddl)
		c.Assert(err, gc.IsNil)
	}

	s.AddCleanup(func(c *gc.C) {
		c.Assert(s.db.Close(), gc.IsNil)
	})
}

// TxnRunner returns the suite's transaction runner.
func (s *DBSuite) TxnRunner() coredatabase.TxnRunner {
	return s.runner
}

// TxnRunnerFactory returns a factory yielding the suite's runner.
func (s *DBSuite) TxnRunnerFactory() coredatabase.TxnRunnerFactory {
	return s.runner.Factory()
}

// DB returns the raw database handle for direct fixture queries.
func (s *DBSuite) DB() *sql.DB {
	return s.db
}
