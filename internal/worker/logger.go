// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package worker holds helpers shared by the concrete workers.
package worker

import (
	"context"

	"github.com/driftlake/driftlake/core/logger"
)

// WrapLogger adapts our context-first logger to the engine's logging
// interface, which carries no context.
func WrapLogger(l logger.Logger) *EngineLogger {
	return &EngineLogger{logger: l}
}

// EngineLogger is a shim between the worker engine and our logger.
type EngineLogger struct {
	logger logger.Logger
}

// Tracef logs at trace level.
func (l *EngineLogger) Tracef(format string, args ...any) {
	l.logger.Tracef(context.Background(), format, args...)
}

// Debugf logs at debug level.
func (l *EngineLogger) Debugf(format string, args ...any) {
	l.logger.Debugf(context.Background(), format, args...)
}

// Infof logs at info level.
func (l *EngineLogger) Infof(format string, args ...any) {
	l.logger.Infof(context.Background(), format, args...)
}

// Warningf logs at warning level.
func (l *EngineLogger) Warningf(format string, args ...any) {
	l.logger.Warningf(context.Background(), format, args...)
}

// Errorf logs at error level.
func (l *EngineLogger) Errorf(format string, args ...any) {
	l.logger.Errorf(context.Background(), format, args...)
}

// Criticalf logs at critical level.
func (l *EngineLogger) Criticalf(format string, args ...any) {
	l.logger.Criticalf(context.Background(), format, args...)
}
