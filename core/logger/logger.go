// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logger

import (
	"context"
)

// Level represents the log level.
type Level int

const (
	UNSPECIFIED Level = iota
	TRACE
	DEBUG
	INFO
	WARNING
	ERROR
	CRITICAL
)

// Logger is the logging interface used throughout the codebase. Each
// component receives a Logger in its configuration; there is no global
// logging state outside the process entry point.
type Logger interface {
	// Criticalf logs a message at the critical level.
	Criticalf(ctx context.Context, format string, args ...any)
	// Errorf logs a message at the error level.
	Errorf(ctx context.Context, format string, args ...any)
	// Warningf logs a message at the warning level.
	Warningf(ctx context.Context, format string, args ...any)
	// Infof logs a message at the info level.
	Infof(ctx context.Context, format string, args ...any)
	// Debugf logs a message at the debug level.
	Debugf(ctx context.Context, format string, args ...any)
	// Tracef logs a message at the trace level.
	Tracef(ctx context.Context, format string, args ...any)

	// IsLevelEnabled returns true if the given level is enabled for the
	// logger, allowing callers to elide expensive argument construction.
	IsLevelEnabled(Level) bool

	// Child returns a logger whose module name is the receiver's name
	// joined with the given name.
	Child(name string) Logger
}
