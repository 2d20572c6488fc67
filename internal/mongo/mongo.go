// Copyright 2026 Driftlake Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mongo adapts a MongoDB replica set to the change-stream
// watcher's source interface.
package mongo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/driftlake/driftlake/core/changestream"
	"github.com/driftlake/driftlake/internal/changestream/stream"
)

const (
	defaultDialTimeout = 10 * time.Second

	// defaultMaxAwait bounds how long the server holds an empty
	// getMore, which in turn bounds how quickly the watcher observes
	// cancellation and time-based flush deadlines.
	defaultMaxAwait = time.Second
)

// Dial connects to the source deployment. Change streams require a
// replica set; a standalone server fails on the first cursor open.
func Dial(uri string, timeout time.Duration) (*mgo.Session, error) {
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	session, err := mgo.DialWithTimeout(uri, timeout)
	if err != nil {
		return nil, errors.Annotate(err, "dialling source deployment")
	}
	session.SetMode(mgo.Primary, true)
	return session, nil
}

// SourceConfig identifies one watched collection on a dialled session.
type SourceConfig struct {
	Session    *mgo.Session
	Database   string
	Collection string

	// FilterPipeline holds optional aggregation stages applied
	// server-side before events reach the cursor.
	FilterPipeline []bson.M

	// MaxAwait bounds the server-side wait for the next event.
	MaxAwait time.Duration
}

// Validate returns an error if the config cannot open cursors.
func (c SourceConfig) Validate() error {
	if c.Session == nil {
		return errors.NotValidf("nil Session")
	}
	if c.Database == "" {
		return errors.NotValidf("empty Database")
	}
	if c.Collection == "" {
		return errors.NotValidf("empty Collection")
	}
	return nil
}

// Source opens change cursors over one collection. It satisfies the
// watcher's ChangeSource interface.
type Source struct {
	config SourceConfig
}

// NewSource returns a change source for the given collection.
func NewSource(config SourceConfig) (*Source, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.MaxAwait == 0 {
		config.MaxAwait = defaultMaxAwait
	}
	return &Source{config: config}, nil
}

// commandRunner runs database commands. *mgo.Database satisfies it.
type commandRunner interface {
	Run(cmd interface{}, result interface{}) error
}

// cursorReply is the cursor portion of aggregate and getMore replies.
type cursorReply struct {
	Cursor struct {
		ID         int64      `bson:"id"`
		FirstBatch []bson.Raw `bson:"firstBatch"`
		NextBatch  []bson.Raw `bson:"nextBatch"`
	} `bson:"cursor"`
}

// OpenCursor opens a change cursor with update post-images, resuming
// strictly after the given token when one is supplied. The driver has
// no native change-stream support, so the cursor runs the aggregate
// and getMore commands itself. The driver is not context-aware; the
// context is accepted for interface fit and honoured between events by
// the short server-side max-await.
func (s *Source) OpenCursor(_ context.Context, resumeAfter changestream.ResumeToken) (stream.ChangeCursor, error) {
	// Each cursor owns a session copy so that a dead socket on one job
	// does not poison the others.
	session := s.config.Session.Copy()
	db := session.DB(s.config.Database)

	var reply cursorReply
	err := db.Run(bson.D{
		{Name: "aggregate", Value: s.config.Collection},
		{Name: "pipeline", Value: changeStreamPipeline(resumeAfter, s.config.FilterPipeline)},
		{Name: "cursor", Value: bson.M{}},
	}, &reply)
	if err != nil {
		session.Close()
		return nil, errors.Annotatef(err, "opening change stream on %s.%s",
			s.config.Database, s.config.Collection)
	}
	return &cursor{
		runner:     db,
		session:    session,
		collection: s.config.Collection,
		cursorID:   reply.Cursor.ID,
		batch:      reply.Cursor.FirstBatch,
		maxAwait:   s.config.MaxAwait,
	}, nil
}

// changeStreamPipeline prepends the $changeStream stage to the job's
// filter stages. The stage requests updateLookup post-images and, when
// a token is supplied, resumption strictly after the event that
// produced it.
func changeStreamPipeline(resumeAfter changestream.ResumeToken, filter []bson.M) []bson.M {
	stage := bson.M{"fullDocument": "updateLookup"}
	if resumeAfter.Valid() {
		stage["resumeAfter"] = bson.M(resumeAfter)
	}
	pipeline := make([]bson.M, 0, len(filter)+1)
	pipeline = append(pipeline, bson.M{"$changeStream": stage})
	return append(pipeline, filter...)
}

// cursor iterates a server-side change-stream cursor by driving the
// getMore cycle directly. Every getMore carries the max-await as its
// time limit, so an idle stream returns regularly with Timeout true
// and the caller observes cancellation between calls. Resumption after
// an error is the watcher's job, not the cursor's.
type cursor struct {
	runner     commandRunner
	session    *mgo.Session
	collection string
	cursorID   int64
	batch      []bson.Raw
	maxAwait   time.Duration
	timedOut   bool
	err        error
}

// Next is part of the stream.ChangeCursor interface.
func (c *cursor) Next(event *changestream.ChangeEvent) bool {
	c.timedOut = false
	if c.err != nil {
		return false
	}
	if len(c.batch) == 0 {
		if c.cursorID == 0 {
			// The server released the cursor, typically after an
			// invalidate event. Surfaced as an error so the watcher
			// reopens from its last token.
			c.err = errors.Errorf("change stream cursor on %q closed by server", c.collection)
			return false
		}
		var reply cursorReply
		err := c.runner.Run(bson.D{
			{Name: "getMore", Value: c.cursorID},
			{Name: "collection", Value: c.collection},
			{Name: "maxTimeMS", Value: int64(c.maxAwait / time.Millisecond)},
		}, &reply)
		if err != nil {
			c.err = err
			return false
		}
		c.cursorID = reply.Cursor.ID
		c.batch = reply.Cursor.NextBatch
		if len(c.batch) == 0 {
			c.timedOut = true
			return false
		}
	}
	raw := c.batch[0]
	c.batch = c.batch[1:]
	if err := raw.Unmarshal(event); err != nil {
		c.err = errors.Annotate(err, "decoding change event")
		return false
	}
	return true
}

// Timeout is part of the stream.ChangeCursor interface.
func (c *cursor) Timeout() bool {
	return c.timedOut
}

// Err is part of the stream.ChangeCursor interface.
func (c *cursor) Err() error {
	return c.err
}

// Close is part of the stream.ChangeCursor interface. It releases the
// server-side cursor and the session copy backing it.
func (c *cursor) Close() error {
	var killErr error
	if c.cursorID != 0 {
		killErr = c.runner.Run(bson.D{
			{Name: "killCursors", Value: c.collection},
			{Name: "cursors", Value: []int64{c.cursorID}},
		}, nil)
		c.cursorID = 0
	}
	if c.session != nil {
		c.session.Close()
	}
	return errors.Trace(killErr)
}

// ParsePipeline decodes a JSON-encoded list of aggregation stages, as
// stored on a job config. An empty string is no pipeline.
func ParsePipeline(encoded string) ([]bson.M, error) {
	if encoded == "" {
		return nil, nil
	}
	var stages []bson.M
	if err := json.Unmarshal([]byte(encoded), &stages); err != nil {
		return nil, errors.Annotate(err, "decoding filter pipeline")
	}
	return stages, nil
}
