// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	coreschema "github.com/driftlake/driftlake/core/schema"
)

// State describes the persistence layer the service drives.
type State interface {
	RegisterVersion(ctx context.Context, version coreschema.Version, now time.Time) (int, error)
	GetVersion(ctx context.Context, tableName string, versionNum int) (coreschema.Version, error)
	LatestVersion(ctx context.Context, tableName string) (coreschema.Version, error)
	VersionHistory(ctx context.Context, tableName string) ([]coreschema.Version, error)
	LatestVersionNumber(ctx context.Context, tableName string) (int, error)
}

// Service provides the append-only, versioned schema history per
// logical table. Versions per table are dense and monotonic, and a
// registered version is never mutated or deleted.
type Service struct {
	st    State
	clock clock.Clock
}

// NewService returns a new schema registry service.
func NewService(st State, clock clock.Clock) *Service {
	return &Service{st: st, clock: clock}
}

// RegisterVersion persists a new version for the table and returns its
// number. The aggregate change type is the worst of the given changes.
func (s *Service) RegisterVersion(
	ctx context.Context,
	tableName string,
	schema coreschema.Schema,
	changes []coreschema.Change,
	appliedBy string,
	rollbackDDL string,
) (int, error) {
	version := coreschema.Version{
		TableName:   tableName,
		Schema:      schema,
		Changes:     changes,
		ChangeType:  coreschema.WorstOf(changes),
		AppliedBy:   appliedBy,
		RollbackDDL: rollbackDDL,
	}
	num, err := s.st.RegisterVersion(ctx, version, s.clock.Now())
	return num, errors.Trace(err)
}

// GetLatestSchema returns the schema of the table's latest version, or
// SchemaNotFound when the table has no history.
func (s *Service) GetLatestSchema(ctx context.Context, tableName string) (coreschema.Schema, error) {
	version, err := s.st.LatestVersion(ctx, tableName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return version.Schema, nil
}

// GetSchema returns the schema registered at the given version, or
// SchemaNotFound.
func (s *Service) GetSchema(ctx context.Context, tableName string, versionNum int) (coreschema.Schema, error) {
	version, err := s.st.GetVersion(ctx, tableName, versionNum)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return version.Schema, nil
}

// GetVersionHistory returns all versions for the table in ascending
// version order.
func (s *Service) GetVersionHistory(ctx context.Context, tableName string) ([]coreschema.Version, error) {
	history, err := s.st.VersionHistory(ctx, tableName)
	return history, errors.Trace(err)
}

// GetLatestVersionNumber returns the table's highest version number,
// or 0 when the table has no history.
func (s *Service) GetLatestVersionNumber(ctx context.Context, tableName string) (int, error) {
	num, err := s.st.LatestVersionNumber(ctx, tableName)
	return num, errors.Trace(err)
}
