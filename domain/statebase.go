// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package domain holds the shared plumbing for the persistence layers
// of the checkpoint store, the schema registry and the job registry.
package domain

import (
	"context"
	"sync"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	coredatabase "github.com/driftlake/driftlake/core/database"
)

// StateBase is embedded by every state type. It provides access to the
// transaction runner and a cache of prepared sqlair statements.
type StateBase struct {
	getDB coredatabase.TxnRunnerFactory

	mu    sync.Mutex
	cache map[string]*sqlair.Statement
}

// NewStateBase returns a new StateBase using the input factory.
func NewStateBase(getDB coredatabase.TxnRunnerFactory) *StateBase {
	return &StateBase{
		getDB: getDB,
		cache: make(map[string]*sqlair.Statement),
	}
}

// DB returns the transaction runner for this state.
func (s *StateBase) DB(ctx context.Context) (coredatabase.TxnRunner, error) {
	if s.getDB == nil {
		return nil, errors.New("nil getDB")
	}
	db, err := s.getDB()
	if err != nil {
		return nil, errors.Annotate(err, "invoking getDB")
	}
	return db, nil
}

// Prepare prepares a sqlair statement for the input query and type
// samples, caching it by query text. Statement preparation is pure
// reflection, so a statement is safe to share between transactions.
func (s *StateBase) Prepare(query string, typeSamples ...any) (*sqlair.Statement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stmt, ok := s.cache[query]; ok {
		return stmt, nil
	}
	stmt, err := sqlair.Prepare(query, typeSamples...)
	if err != nil {
		return nil, errors.Annotate(err, "preparing statement")
	}
	s.cache[query] = stmt
	return stmt, nil
}
