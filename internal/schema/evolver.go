// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package schema

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	coreschema "github.com/driftlake/driftlake/core/schema"
)

// Evolver bundles an evaluator with the registry and optional sink
// adapter for one job, in the shape the watcher consumes.
type Evolver struct {
	evaluator *Evaluator
	registry  Registry
	adapter   SinkAdapter
	appliedBy string
}

// NewEvolver returns an evolver recording versions as appliedBy. The
// adapter may be nil for sinks that infer schema on the next write.
func NewEvolver(evaluator *Evaluator, registry Registry, adapter SinkAdapter, appliedBy string) *Evolver {
	return &Evolver{
		evaluator: evaluator,
		registry:  registry,
		adapter:   adapter,
		appliedBy: appliedBy,
	}
}

// EvaluateBatch classifies drift across the batch against the current
// schema.
func (e *Evolver) EvaluateBatch(ctx context.Context, batch []bson.M, current coreschema.Schema) coreschema.Result {
	return e.evaluator.EvaluateBatch(ctx, batch, current)
}

// Evolve registers the evolved schema and forwards DDL to the sink.
func (e *Evolver) Evolve(ctx context.Context, table string, current coreschema.Schema, changes []coreschema.Change) (coreschema.Schema, error) {
	evolved, err := e.evaluator.EvolveSinkSchema(ctx, e.registry, e.adapter, table, current, changes, e.appliedBy)
	return evolved, errors.Trace(err)
}
