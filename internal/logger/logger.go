// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logger provides the loggo-backed implementation of the
// core logger interface.
package logger

import (
	"context"

	"github.com/juju/loggo/v2"

	corelogger "github.com/driftlake/driftlake/core/logger"
)

// GetLogger returns a logger for the given module name, backed by the
// default loggo context.
func GetLogger(name string) corelogger.Logger {
	return WrapLoggo(loggo.GetLogger(name))
}

// WrapLoggo adapts a loggo logger to the core logger interface.
func WrapLoggo(logger loggo.Logger) corelogger.Logger {
	return loggoLogger{logger: logger}
}

type loggoLogger struct {
	logger loggo.Logger
}

// Criticalf implements corelogger.Logger.
func (l loggoLogger) Criticalf(ctx context.Context, format string, args ...any) {
	l.logger.Logf(loggo.CRITICAL, format, args...)
}

// Errorf implements corelogger.Logger.
func (l loggoLogger) Errorf(ctx context.Context, format string, args ...any) {
	l.logger.Logf(loggo.ERROR, format, args...)
}

// Warningf implements corelogger.Logger.
func (l loggoLogger) Warningf(ctx context.Context, format string, args ...any) {
	l.logger.Logf(loggo.WARNING, format, args...)
}

// Infof implements corelogger.Logger.
func (l loggoLogger) Infof(ctx context.Context, format string, args ...any) {
	l.logger.Logf(loggo.INFO, format, args...)
}

// Debugf implements corelogger.Logger.
func (l loggoLogger) Debugf(ctx context.Context, format string, args ...any) {
	l.logger.Logf(loggo.DEBUG, format, args...)
}

// Tracef implements corelogger.Logger.
func (l loggoLogger) Tracef(ctx context.Context, format string, args ...any) {
	l.logger.Logf(loggo.TRACE, format, args...)
}

// IsLevelEnabled implements corelogger.Logger.
func (l loggoLogger) IsLevelEnabled(level corelogger.Level) bool {
	return l.logger.IsLevelEnabled(loggoLevel(level))
}

// Child implements corelogger.Logger.
func (l loggoLogger) Child(name string) corelogger.Logger {
	return loggoLogger{logger: l.logger.Child(name)}
}

func loggoLevel(level corelogger.Level) loggo.Level {
	switch level {
	case corelogger.TRACE:
		return loggo.TRACE
	case corelogger.DEBUG:
		return loggo.DEBUG
	case corelogger.INFO:
		return loggo.INFO
	case corelogger.WARNING:
		return loggo.WARNING
	case corelogger.ERROR:
		return loggo.ERROR
	case corelogger.CRITICAL:
		return loggo.CRITICAL
	}
	return loggo.UNSPECIFIED
}
