// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package changestream

import (
	"time"

	"github.com/juju/mgo/v3/bson"
)

// OperationType represents the kind of mutation reported by the source
// change stream for a single event.
type OperationType string

const (
	OperationInsert     OperationType = "insert"
	OperationUpdate     OperationType = "update"
	OperationReplace    OperationType = "replace"
	OperationDelete     OperationType = "delete"
	OperationInvalidate OperationType = "invalidate"
	OperationDrop       OperationType = "drop"
	OperationRename     OperationType = "rename"
	OperationOther      OperationType = "other"
)

// IsRowLevel reports whether the operation mutates a single document,
// as opposed to collection-level events such as drop or invalidate.
func (o OperationType) IsRowLevel() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationReplace, OperationDelete:
		return true
	}
	return false
}

// HasPostImage reports whether the operation carries a full post-image
// when the cursor was opened with updateLookup semantics.
func (o OperationType) HasPostImage() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationReplace:
		return true
	}
	return false
}

// ResumeToken is an opaque position in the source oplog. A token produced
// by an event re-opens the stream strictly after that event. The core
// never introspects a token beyond the non-empty check used for
// corruption detection.
type ResumeToken bson.M

// Valid reports whether the token is structurally usable, which for our
// purposes means a non-empty document.
func (t ResumeToken) Valid() bool {
	return len(t) > 0
}

// ChangeEvent is a single oplog entry as surfaced by the source change
// stream. The bson tags match the server's change event document shape.
type ChangeEvent struct {
	// ID is the resume token identifying this event's position.
	ID ResumeToken `bson:"_id"`

	// Operation is the mutation kind for this event.
	Operation OperationType `bson:"operationType"`

	// DocumentKey identifies the affected document. It is always present
	// for row-level operations.
	DocumentKey bson.M `bson:"documentKey,omitempty"`

	// FullDocument is the post-image of the document. It is present for
	// insert, update and replace when the cursor requested updateLookup,
	// and absent for delete.
	FullDocument bson.M `bson:"fullDocument,omitempty"`

	// ClusterTime is the source-assigned timestamp for the operation.
	ClusterTime bson.MongoTimestamp `bson:"clusterTime,omitempty"`

	// Namespace identifies the database and collection the event
	// occurred in.
	Namespace Namespace `bson:"ns,omitempty"`
}

// Namespace identifies the source database and collection of an event.
type Namespace struct {
	Database   string `bson:"db"`
	Collection string `bson:"coll"`
}

// Token returns the event's resume token.
func (e ChangeEvent) Token() ResumeToken {
	return e.ID
}

// EventTime returns the wall-clock time encoded in the event's cluster
// time. The zero time is returned when the event carries no timestamp.
func (e ChangeEvent) EventTime() time.Time {
	if e.ClusterTime == 0 {
		return time.Time{}
	}
	// A Mongo timestamp packs seconds since the epoch into the upper
	// 32 bits and an ordinal into the lower 32.
	return time.Unix(int64(e.ClusterTime)>>32, 0)
}
