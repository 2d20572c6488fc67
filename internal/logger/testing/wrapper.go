// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"context"

	gc "gopkg.in/check.v1"

	"github.com/driftlake/driftlake/core/logger"
)

// WrapCheckLog returns a logger that logs via a gocheck C, so that test
// output is attributed to the test that produced it.
func WrapCheckLog(c *gc.C) logger.Logger {
	return checkLogger{c: c, name: "test"}
}

type checkLogger struct {
	c    *gc.C
	name string
}

func (l checkLogger) logf(level string, format string, args ...any) {
	l.c.Logf("%s: %s "+format, append([]any{level, l.name}, args...)...)
}

// Criticalf implements logger.Logger.
func (l checkLogger) Criticalf(ctx context.Context, format string, args ...any) {
	l.logf("CRITICAL", format, args...)
}

// Errorf implements logger.Logger.
func (l checkLogger) Errorf(ctx context.Context, format string, args ...any) {
	l.logf("ERROR", format, args...)
}

// Warningf implements logger.Logger.
func (l checkLogger) Warningf(ctx context.Context, format string, args ...any) {
	l.logf("WARNING", format, args...)
}

// Infof implements logger.Logger.
func (l checkLogger) Infof(ctx context.Context, format string, args ...any) {
	l.logf("INFO", format, args...)
}

// Debugf implements logger.Logger.
func (l checkLogger) Debugf(ctx context.Context, format string, args ...any) {
	l.logf("DEBUG", format, args...)
}

// Tracef implements logger.Logger.
func (l checkLogger) Tracef(ctx context.Context, format string, args ...any) {
	l.logf("TRACE", format, args...)
}

// IsLevelEnabled implements logger.Logger. Tests log everything.
func (l checkLogger) IsLevelEnabled(logger.Level) bool { return true }

// Child implements logger.Logger.
func (l checkLogger) Child(name string) logger.Logger {
	return checkLogger{c: l.c, name: l.name + "." + name}
}
