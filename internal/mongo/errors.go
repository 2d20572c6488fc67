// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo

import (
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"

	"github.com/driftlake/driftlake/internal/changestream/stream"
)

// Server error codes that change how the watcher reacts. Everything
// not enumerated here is assumed transient and retried.
const (
	codeUnauthorized            = 13
	codeAuthenticationFailed    = 18
	codeInvalidResumeToken      = 260
	codeChangeStreamFatalError  = 280
	codeChangeStreamHistoryLost = 286
)

// ClassifyError assigns a retry class to a source error. It satisfies
// the watcher's ErrorClassifier signature.
func ClassifyError(err error) stream.ErrorKind {
	switch errorCode(err) {
	case codeUnauthorized, codeAuthenticationFailed:
		return stream.KindNonRetryable
	case codeInvalidResumeToken, codeChangeStreamFatalError, codeChangeStreamHistoryLost:
		return stream.KindTokenInvalid
	}
	return stream.KindTransient
}

func errorCode(err error) int {
	var queryErr *mgo.QueryError
	if errors.As(err, &queryErr) {
		return queryErr.Code
	}
	var lastErr *mgo.LastError
	if errors.As(err, &lastErr) {
		return lastErr.Code
	}
	return 0
}
