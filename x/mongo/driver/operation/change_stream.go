// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/ferrumdb/godriver/description"
	"github.com/ferrumdb/godriver/event"
	driverpkg "github.com/ferrumdb/godriver/x/mongo/driver"
	"github.com/ferrumdb/godriver/x/mongo/driver/session"
)

// ChangeStreamOptions configures the $changeStream stage and the wrapping
// cursor.
type ChangeStreamOptions struct {
	// Pipeline holds the aggregation stages appended after $changeStream.
	Pipeline []bsoncore.Document

	// FullDocument passes through to the server, e.g. "updateLookup".
	FullDocument string

	ResumeAfter          bsoncore.Document
	StartAfter           bsoncore.Document
	StartAtOperationTime *primitive.Timestamp

	BatchSize    int32
	MaxAwaitTime time.Duration

	ReadConcernLevel string
	ReadPref         description.ReadPreference

	ServerAPI *driverpkg.ServerAPIOptions
	Monitor   *event.CommandMonitor
}

// ChangeStream is a long-lived aggregate cursor that tracks the resume token
// of every observed change and transparently re-issues the aggregate with
// resumeAfter on any resumable error. Only the cursor changes across a
// resume; the session and options are retained.
type ChangeStream struct {
	database   string
	collection string
	deployment driverpkg.Deployment
	sess       *session.Session
	clock      *session.ClusterClock
	opts       ChangeStreamOptions

	cursor      *BatchCursor
	resumeToken bsoncore.Document
	current     bsoncore.Document
	err         error

	// operationTime from the initial aggregate, used as the resume point
	// when no event has been observed and no explicit token was configured.
	startAtOperationTime *primitive.Timestamp
}

// NewChangeStream opens a change stream against database.collection. An
// empty collection watches the whole database.
func NewChangeStream(ctx context.Context, deployment driverpkg.Deployment, database, collection string, sess *session.Session, clock *session.ClusterClock, opts ChangeStreamOptions) (*ChangeStream, error) {
	cs := &ChangeStream{
		database:   database,
		collection: collection,
		deployment: deployment,
		sess:       sess,
		clock:      clock,
		opts:       opts,
	}
	if len(opts.ResumeAfter) > 0 {
		cs.resumeToken = opts.ResumeAfter
	} else if len(opts.StartAfter) > 0 {
		cs.resumeToken = opts.StartAfter
	}
	if err := cs.run(ctx, false); err != nil {
		return nil, err
	}
	return cs, nil
}

// run issues the aggregate and installs the resulting cursor. resuming
// selects which resume field the $changeStream stage carries.
func (cs *ChangeStream) run(ctx context.Context, resuming bool) error {
	var resp CursorResponse
	op := &Operation{
		CommandFn: cs.aggregateCommand(resuming),
		ProcessResponseFn: func(info ResponseInfo) error {
			parsed, err := NewCursorResponse(info)
			if err != nil {
				return err
			}
			resp = parsed

			// The reply's operationTime anchors resumption for streams that
			// have not yet seen an event.
			if cs.startAtOperationTime == nil && cs.opts.StartAtOperationTime == nil {
				if ot, otErr := info.ServerResponse.LookupErr("operationTime"); otErr == nil {
					if t, i, ok := ot.TimestampOK(); ok {
						cs.startAtOperationTime = &primitive.Timestamp{T: t, I: i}
					}
				}
			}
			return nil
		},
		Database:         cs.database,
		Deployment:       cs.deployment,
		ReadPref:         cs.opts.ReadPref,
		Session:          cs.sess,
		Clock:            cs.clock,
		Kind:             description.ReadOperation,
		RetryMode:        RetryOnce,
		ReadConcernLevel: cs.opts.ReadConcernLevel,
		ServerAPI:        cs.opts.ServerAPI,
		Monitor:          cs.opts.Monitor,
	}

	if _, err := op.Execute(ctx); err != nil {
		return err
	}

	if len(resp.PostBatchResumeToken) > 0 {
		cs.resumeToken = resp.PostBatchResumeToken
	}

	cs.cursor = NewBatchCursor(resp, cs.sess, cs.clock, CursorOptions{
		BatchSize:     cs.opts.BatchSize,
		Tailable:      true,
		AwaitData:     true,
		MaxAwaitTime:  cs.opts.MaxAwaitTime,
		RetainSession: true,
		ServerAPI:     cs.opts.ServerAPI,
		Monitor:       cs.opts.Monitor,
	})
	return nil
}

func (cs *ChangeStream) aggregateCommand(resuming bool) CommandFn {
	return func(dst []byte, _ description.Server) ([]byte, error) {
		if cs.collection != "" {
			dst = bsoncore.AppendStringElement(dst, "aggregate", cs.collection)
		} else {
			dst = bsoncore.AppendInt32Element(dst, "aggregate", 1)
		}

		stage, err := cs.changeStreamStage(resuming)
		if err != nil {
			return nil, err
		}

		pIdx, pDst := bsoncore.AppendArrayElementStart(dst, "pipeline")
		pDst = bsoncore.AppendDocumentElement(pDst, "0", stage)
		for i, extra := range cs.opts.Pipeline {
			pDst = bsoncore.AppendDocumentElement(pDst, strconv.Itoa(i+1), extra)
		}
		dst, err = bsoncore.AppendArrayEnd(pDst, pIdx)
		if err != nil {
			return nil, err
		}

		cIdx, cDst := bsoncore.AppendDocumentElementStart(dst, "cursor")
		if cs.opts.BatchSize > 0 {
			cDst = bsoncore.AppendInt32Element(cDst, "batchSize", cs.opts.BatchSize)
		}
		return bsoncore.AppendDocumentEnd(cDst, cIdx)
	}
}

// changeStreamStage builds the leading {$changeStream: {...}} stage. On a
// resume, the latest observed token wins over the original start options.
func (cs *ChangeStream) changeStreamStage(resuming bool) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	oIdx, oDst := bsoncore.AppendDocumentElementStart(dst, "$changeStream")

	if cs.opts.FullDocument != "" {
		oDst = bsoncore.AppendStringElement(oDst, "fullDocument", cs.opts.FullDocument)
	}

	switch {
	case resuming && len(cs.resumeToken) > 0:
		oDst = bsoncore.AppendDocumentElement(oDst, "resumeAfter", cs.resumeToken)
	case resuming && cs.startAtOperationTime != nil:
		oDst = bsoncore.AppendTimestampElement(oDst, "startAtOperationTime", cs.startAtOperationTime.T, cs.startAtOperationTime.I)
	case !resuming && len(cs.opts.ResumeAfter) > 0:
		oDst = bsoncore.AppendDocumentElement(oDst, "resumeAfter", cs.opts.ResumeAfter)
	case !resuming && len(cs.opts.StartAfter) > 0:
		oDst = bsoncore.AppendDocumentElement(oDst, "startAfter", cs.opts.StartAfter)
	case !resuming && cs.opts.StartAtOperationTime != nil:
		oDst = bsoncore.AppendTimestampElement(oDst, "startAtOperationTime", cs.opts.StartAtOperationTime.T, cs.opts.StartAtOperationTime.I)
	}

	dst, err := bsoncore.AppendDocumentEnd(oDst, oIdx)
	if err != nil {
		return nil, err
	}
	return bsoncore.AppendDocumentEnd(dst, idx)
}

// Next blocks until the next change event is available, resuming through any
// resumable error. It returns false on a non-resumable error or when a
// tailable poll comes back empty; the stream stays open for the next call
// unless Err is set.
func (cs *ChangeStream) Next(ctx context.Context) bool {
	if cs.err != nil {
		return false
	}

	for {
		if cs.cursor.Next(ctx) {
			doc := cs.cursor.Current()
			id, err := doc.LookupErr("_id")
			if err != nil {
				cs.err = fmt.Errorf("change stream: event is missing its _id resume token: %w", err)
				return false
			}
			idDoc, ok := id.DocumentOK()
			if !ok {
				cs.err = fmt.Errorf("change stream: expected _id resume token to be a document but it's a BSON %s", id.Type)
				return false
			}
			cs.resumeToken = append([]byte(nil), idDoc...)
			cs.current = doc
			return true
		}

		if pbrt := cs.cursor.PostBatchResumeToken(); len(pbrt) > 0 {
			cs.resumeToken = pbrt
		}

		err := cs.cursor.Err()
		if err == nil {
			// Empty tailable poll; no event yet.
			return false
		}

		maxWire := cs.cursor.resp.Desc.WireVersion.Max
		if !driverpkg.IsResumableChangeStream(err, maxWire) {
			cs.err = err
			return false
		}

		_ = cs.cursor.KillCursor(ctx)
		if resumeErr := cs.run(ctx, true); resumeErr != nil {
			cs.err = resumeErr
			return false
		}
	}
}

// Current returns the change document most recently yielded by Next.
func (cs *ChangeStream) Current() bsoncore.Document { return cs.current }

// ResumeToken returns the latest observed resume token.
func (cs *ChangeStream) ResumeToken() bsoncore.Document { return cs.resumeToken }

// Err returns the first non-resumable error observed by the stream.
func (cs *ChangeStream) Err() error { return cs.err }

// Close closes the underlying cursor and releases the stream's session.
func (cs *ChangeStream) Close(ctx context.Context) {
	if cs.cursor != nil {
		cs.cursor.Close(ctx)
	}
	if cs.sess != nil {
		cs.sess.EndSession()
		cs.sess = nil
	}
}
