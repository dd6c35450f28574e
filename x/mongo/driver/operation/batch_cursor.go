// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/ferrumdb/godriver/description"
	"github.com/ferrumdb/godriver/event"
	driverpkg "github.com/ferrumdb/godriver/x/mongo/driver"
	"github.com/ferrumdb/godriver/x/mongo/driver/session"
)

// CursorResponse is the parsed "cursor" sub-document of a find/aggregate
// reply, plus the server it came from so getMore and killCursors stay
// pinned to it.
type CursorResponse struct {
	Server   driverpkg.SelectedServer
	Desc     description.Server
	ID       int64
	Database string
	Collection string

	FirstBatch           []bsoncore.Document
	PostBatchResumeToken bsoncore.Document
}

// NewCursorResponse extracts a CursorResponse from a reply that produced a
// cursor. It fails with a ProtocolError-shaped error if the reply carries no
// cursor document.
func NewCursorResponse(info ResponseInfo) (CursorResponse, error) {
	cur, err := info.ServerResponse.LookupErr("cursor")
	if err != nil {
		return CursorResponse{}, fmt.Errorf("cursor: reply carries no cursor document: %w", err)
	}
	curDoc, ok := cur.DocumentOK()
	if !ok {
		return CursorResponse{}, fmt.Errorf("cursor: expected cursor to be a document but it's a BSON %s", cur.Type)
	}

	resp := CursorResponse{Server: info.Server}
	if info.Server != nil {
		resp.Desc = info.Server.Description()
	}

	elements, err := curDoc.Elements()
	if err != nil {
		return CursorResponse{}, err
	}
	for _, element := range elements {
		switch element.Key() {
		case "id":
			resp.ID, _ = element.Value().Int64OK()
		case "ns":
			ns, _ := element.Value().StringValueOK()
			if dot := strings.IndexByte(ns, '.'); dot >= 0 {
				resp.Database = ns[:dot]
				resp.Collection = ns[dot+1:]
			}
		case "firstBatch", "nextBatch":
			resp.FirstBatch = arrayDocuments(element.Value())
		case "postBatchResumeToken":
			if doc, docOK := element.Value().DocumentOK(); docOK {
				resp.PostBatchResumeToken = append([]byte(nil), doc...)
			}
		}
	}
	return resp, nil
}

func arrayDocuments(v bsoncore.Value) []bsoncore.Document {
	arr, ok := v.ArrayOK()
	if !ok {
		return nil
	}
	values, err := arr.Values()
	if err != nil {
		return nil
	}
	out := make([]bsoncore.Document, 0, len(values))
	for _, val := range values {
		if doc, docOK := val.DocumentOK(); docOK {
			out = append(out, doc)
		}
	}
	return out
}

// CursorOptions configures a BatchCursor's iteration behavior.
type CursorOptions struct {
	BatchSize    int32
	Limit        int32
	Tailable     bool
	AwaitData    bool
	MaxAwaitTime time.Duration

	// RetainSession keeps the session handle alive past exhaustion/close;
	// the change stream needs it to survive a resume.
	RetainSession bool

	Monitor   *event.CommandMonitor
	ServerAPI *driverpkg.ServerAPIOptions
}

// BatchCursor iterates a server-side cursor: documents are
// yielded from the local batch, getMore fetches the next batch on the same
// server and session when the batch drains, and dropping a still-open cursor
// fires exactly one asynchronous killCursors.
type BatchCursor struct {
	resp  CursorResponse
	opts  CursorOptions
	sess  *session.Session
	clock *session.ClusterClock

	id          int64
	batch       []bsoncore.Document
	batchIdx    int
	numReturned int32

	postBatchResumeToken bsoncore.Document

	current bsoncore.Document
	err     error
	killed  int32
}

// NewBatchCursor wraps a first-batch reply. The session handle is retained
// for getMore affinity and released (for implicit sessions) when the cursor
// is exhausted or closed.
func NewBatchCursor(resp CursorResponse, sess *session.Session, clock *session.ClusterClock, opts CursorOptions) *BatchCursor {
	bc := &BatchCursor{
		resp:                 resp,
		opts:                 opts,
		sess:                 sess,
		clock:                clock,
		id:                   resp.ID,
		batch:                resp.FirstBatch,
		postBatchResumeToken: resp.PostBatchResumeToken,
	}
	if bc.id == 0 {
		bc.releaseSession()
	}
	return bc
}

// ID returns the server-side cursor id; zero once exhausted.
func (bc *BatchCursor) ID() int64 { return bc.id }

// Err returns the first error observed during iteration.
func (bc *BatchCursor) Err() error { return bc.err }

// Current returns the document most recently yielded by Next.
func (bc *BatchCursor) Current() bsoncore.Document { return bc.current }

// PostBatchResumeToken returns the server's resume token for the end of the
// most recent batch, used by change streams.
func (bc *BatchCursor) PostBatchResumeToken() bsoncore.Document {
	return bc.postBatchResumeToken
}

// Next advances to the next document, issuing getMore commands as local
// batches drain. It returns false when the cursor is exhausted, the limit is
// reached, an error occurs, or — for tailable cursors — the current batch is
// empty (the cursor stays open for a later Next call).
func (bc *BatchCursor) Next(ctx context.Context) bool {
	if bc.err != nil {
		return false
	}

	for {
		if bc.batchIdx < len(bc.batch) {
			if bc.opts.Limit > 0 && bc.numReturned >= bc.opts.Limit {
				bc.Close(ctx)
				return false
			}
			bc.current = bc.batch[bc.batchIdx]
			bc.batchIdx++
			bc.numReturned++
			return true
		}

		if bc.id == 0 {
			bc.releaseSession()
			return false
		}
		if bc.opts.Limit > 0 && bc.numReturned >= bc.opts.Limit {
			bc.Close(ctx)
			return false
		}

		if err := bc.getMore(ctx); err != nil {
			bc.err = err
			bc.releaseSession()
			return false
		}

		if len(bc.batch) == 0 && bc.opts.Tailable {
			// An empty batch does not close a tailable cursor; report "no
			// document yet" and let the caller poll again.
			return false
		}
		if len(bc.batch) == 0 && bc.id == 0 {
			bc.releaseSession()
			return false
		}
	}
}

func (bc *BatchCursor) getMore(ctx context.Context) error {
	id := bc.id
	op := &Operation{
		CommandFn: func(dst []byte, _ description.Server) ([]byte, error) {
			dst = bsoncore.AppendInt64Element(dst, "getMore", id)
			dst = bsoncore.AppendStringElement(dst, "collection", bc.resp.Collection)
			if size, ok := bc.getMoreBatchSize(); ok && size > 0 {
				dst = bsoncore.AppendInt32Element(dst, "batchSize", size)
			}
			if bc.opts.AwaitData && bc.opts.MaxAwaitTime > 0 {
				dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", bc.opts.MaxAwaitTime.Milliseconds())
			}
			return dst, nil
		},
		Database:   bc.resp.Database,
		Deployment: pinnedDeployment{bc.resp.Server},
		Session:    bc.sess,
		Clock:      bc.clock,
		Kind:       description.ReadOperation,
		RetryMode:  RetryNone,
		ServerAPI:  bc.opts.ServerAPI,
		Monitor:    bc.opts.Monitor,
	}

	res, err := op.Execute(ctx)
	if err != nil {
		return err
	}

	info := ResponseInfo{ServerResponse: res, Server: bc.resp.Server}
	next, err := NewCursorResponse(info)
	if err != nil {
		return err
	}

	bc.id = next.ID
	bc.batch = next.FirstBatch
	bc.batchIdx = 0
	if len(next.PostBatchResumeToken) > 0 {
		bc.postBatchResumeToken = next.PostBatchResumeToken
	}
	return nil
}

// getMoreBatchSize trims the requested batch size so a cursor with a limit
// never over-fetches past it.
func (bc *BatchCursor) getMoreBatchSize() (int32, bool) {
	size := bc.opts.BatchSize
	if bc.opts.Limit > 0 {
		remaining := bc.opts.Limit - bc.numReturned
		if remaining <= 0 {
			return 0, false
		}
		if size == 0 || remaining < size {
			size = remaining
		}
	}
	return size, true
}

// Close kills a still-open cursor asynchronously: the caller does not wait
// for the server round trip.
func (bc *BatchCursor) Close(ctx context.Context) {
	if bc.id != 0 && atomic.CompareAndSwapInt32(&bc.killed, 0, 1) {
		id := bc.id
		bc.id = 0
		go func() {
			killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = bc.killCursors(killCtx, id)
		}()
	}
	bc.releaseSession()
}

// KillCursor synchronously kills the server-side cursor, best effort. The
// change stream uses it before resuming so the abandoned cursor's resources
// are reclaimed promptly.
func (bc *BatchCursor) KillCursor(ctx context.Context) error {
	if bc.id == 0 || !atomic.CompareAndSwapInt32(&bc.killed, 0, 1) {
		return nil
	}
	id := bc.id
	bc.id = 0
	return bc.killCursors(ctx, id)
}

// killCursors issues the cleanup command for id. Errors are returned for
// tests but callers on the Close path ignore them: the server reaps orphaned
// cursors by timeout anyway.
func (bc *BatchCursor) killCursors(ctx context.Context, id int64) error {
	op := &Operation{
		CommandFn: func(dst []byte, _ description.Server) ([]byte, error) {
			dst = bsoncore.AppendStringElement(dst, "killCursors", bc.resp.Collection)
			aIdx, aDst := bsoncore.AppendArrayElementStart(dst, "cursors")
			aDst = bsoncore.AppendInt64Element(aDst, "0", id)
			return bsoncore.AppendArrayEnd(aDst, aIdx)
		},
		Database:   bc.resp.Database,
		Deployment: pinnedDeployment{bc.resp.Server},
		Clock:      bc.clock,
		Kind:       description.ReadOperation,
		RetryMode:  RetryNone,
		ServerAPI:  bc.opts.ServerAPI,
		Monitor:    bc.opts.Monitor,
	}
	_, err := op.Execute(ctx)
	return err
}

// releaseSession returns an implicit session to the pool once the cursor no
// longer needs it. The coupling is deliberately weak: the cursor never
// extends an explicit session's lifetime.
func (bc *BatchCursor) releaseSession() {
	if bc.sess != nil && !bc.opts.RetainSession {
		bc.sess.EndSession()
		bc.sess = nil
	}
}

// pinnedDeployment satisfies driver.Deployment with a fixed, pre-selected
// server, giving getMore/killCursors their server affinity.
type pinnedDeployment struct {
	server driverpkg.SelectedServer
}

func (p pinnedDeployment) SelectServer(context.Context, description.ReadPreference) (driverpkg.SelectedServer, error) {
	if p.server == nil {
		return nil, driverpkg.ErrNoDeployment
	}
	return p.server, nil
}

func (p pinnedDeployment) Kind() description.TopologyKind {
	if p.server == nil {
		return description.TopologyUnknown
	}
	return p.server.TopologyKind()
}
