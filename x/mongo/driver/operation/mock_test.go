// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/ferrumdb/godriver/address"
	"github.com/ferrumdb/godriver/description"
	"github.com/ferrumdb/godriver/wiremessage"
	driverpkg "github.com/ferrumdb/godriver/x/mongo/driver"
)

// mockConnection is an in-memory Connection:
// written messages are decoded and recorded, reads pop scripted replies.
type mockConnection struct {
	mu   sync.Mutex
	desc description.Server

	writes  []wiremessage.Msg
	queries [][]byte // raw payloads of legacy OP_QUERY writes

	writeErrs []error // popped per write; nil means success

	replies  [][]byte
	readErrs []error // popped per read; non-nil takes precedence
}

func (c *mockConnection) WriteWireMessage(_ context.Context, wm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var scripted error
	if len(c.writeErrs) > 0 {
		scripted = c.writeErrs[0]
		c.writeErrs = c.writeErrs[1:]
	}
	if scripted != nil {
		return scripted
	}

	header, rest, err := wiremessage.ReadHeader(wm)
	if err != nil {
		return err
	}
	switch header.OpCode {
	case wiremessage.OpQuery:
		c.queries = append(c.queries, rest)
	default:
		msg, err := wiremessage.DecodeMsg(header, rest)
		if err != nil {
			return err
		}
		c.writes = append(c.writes, msg)
	}
	return nil
}

func (c *mockConnection) ReadWireMessage(context.Context) (wiremessage.Header, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Pop the error and reply queues in lockstep; enqueueReply/enqueueReadErr
	// append matching placeholders to keep them aligned.
	var scripted error
	if len(c.readErrs) > 0 {
		scripted = c.readErrs[0]
		c.readErrs = c.readErrs[1:]
	}
	var reply []byte
	if len(c.replies) > 0 {
		reply = c.replies[0]
		c.replies = c.replies[1:]
	}

	if scripted != nil {
		return wiremessage.Header{}, nil, scripted
	}
	if reply == nil {
		return wiremessage.Header{}, nil, &driverpkg.NetworkError{Wrapped: context.Canceled, When: "during"}
	}
	return wiremessage.ReadHeader(reply)
}

func (c *mockConnection) Close() error                     { return nil }
func (c *mockConnection) Address() address.Address         { return "mock:27017" }
func (c *mockConnection) Description() description.Server  { return c.desc }
func (c *mockConnection) Stale() bool                      { return false }
func (c *mockConnection) ID() string                       { return "mock-conn-1" }

func (c *mockConnection) writtenBodies() []bsoncore.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bsoncore.Document, 0, len(c.writes))
	for _, msg := range c.writes {
		out = append(out, msg.Body)
	}
	return out
}

func (c *mockConnection) enqueueReply(reply []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, reply)
	c.readErrs = append(c.readErrs, nil)
}

func (c *mockConnection) enqueueReadErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, nil)
	c.readErrs = append(c.readErrs, err)
}

func (c *mockConnection) enqueueWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErrs = append(c.writeErrs, err)
}

func (c *mockConnection) allowWrites(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.writeErrs = append(c.writeErrs, nil)
	}
}

var _ driverpkg.Connection = (*mockConnection)(nil)

// mockServer implements SelectedServer over one mockConnection and records
// errors reported through the SDAM hook.
type mockServer struct {
	conn *mockConnection
	kind description.TopologyKind

	mu        sync.Mutex
	processed []error
}

func (s *mockServer) Connection(context.Context) (driverpkg.Connection, error) {
	return s.conn, nil
}

func (s *mockServer) Description() description.Server { return s.conn.desc }

func (s *mockServer) TopologyKind() description.TopologyKind {
	if s.kind == description.TopologyUnknown {
		return description.Single
	}
	return s.kind
}

func (s *mockServer) ProcessError(err error, _ driverpkg.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed = append(s.processed, err)
}

// mockDeployment counts selections and always returns its single server.
type mockDeployment struct {
	server *mockServer

	mu         sync.Mutex
	selections int
}

func (d *mockDeployment) SelectServer(context.Context, description.ReadPreference) (driverpkg.SelectedServer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selections++
	return d.server, nil
}

func (d *mockDeployment) Kind() description.TopologyKind { return d.server.TopologyKind() }

func newMockDeployment(desc description.Server) (*mockDeployment, *mockConnection) {
	conn := &mockConnection{desc: desc}
	return &mockDeployment{server: &mockServer{conn: conn}}, conn
}

func standaloneDesc() description.Server {
	return description.Server{
		Addr:                "mock:27017",
		Kind:                description.Standalone,
		HasWireVersion:      true,
		WireVersion:         description.WireRange{Min: 6, Max: 17},
		MaxBSONObjectSize:   16 * 1024 * 1024,
		MaxMessageSizeBytes: 48 * 1000 * 1000,
		MaxWriteBatchSize:   100000,
	}
}

type elemFn func([]byte) []byte

func str(key, val string) elemFn {
	return func(dst []byte) []byte { return bsoncore.AppendStringElement(dst, key, val) }
}

func i32(key string, val int32) elemFn {
	return func(dst []byte) []byte { return bsoncore.AppendInt32Element(dst, key, val) }
}

func i64(key string, val int64) elemFn {
	return func(dst []byte) []byte { return bsoncore.AppendInt64Element(dst, key, val) }
}

func dbl(key string, val float64) elemFn {
	return func(dst []byte) []byte { return bsoncore.AppendDoubleElement(dst, key, val) }
}

func ts(key string, t, i uint32) elemFn {
	return func(dst []byte) []byte { return bsoncore.AppendTimestampElement(dst, key, t, i) }
}

func subdoc(key string, doc bsoncore.Document) elemFn {
	return func(dst []byte) []byte { return bsoncore.AppendDocumentElement(dst, key, doc) }
}

func boolean(key string, val bool) elemFn {
	return func(dst []byte) []byte { return bsoncore.AppendBooleanElement(dst, key, val) }
}

func strArray(key string, vals ...string) elemFn {
	return func(dst []byte) []byte {
		aIdx, aDst := bsoncore.AppendArrayElementStart(dst, key)
		for i, v := range vals {
			aDst = bsoncore.AppendStringElement(aDst, itoa(i), v)
		}
		out, _ := bsoncore.AppendArrayEnd(aDst, aIdx)
		return out
	}
}

func doc(elems ...elemFn) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	for _, fn := range elems {
		dst = fn(dst)
	}
	out, _ := bsoncore.AppendDocumentEnd(dst, idx)
	return out
}

func docArray(key string, docs ...bsoncore.Document) elemFn {
	return func(dst []byte) []byte {
		aIdx, aDst := bsoncore.AppendArrayElementStart(dst, key)
		for i, d := range docs {
			aDst = bsoncore.AppendDocumentElement(aDst, itoa(i), d)
		}
		out, _ := bsoncore.AppendArrayEnd(aDst, aIdx)
		return out
	}
}

// frame wraps a reply body in a complete OP_MSG wire message.
func frame(t *testing.T, body bsoncore.Document) []byte {
	t.Helper()
	wm, err := wiremessage.EncodeMsg(1, 0, body, nil, 0)
	require.NoError(t, err)
	return wm
}

// frameReply wraps a reply body in a legacy OP_REPLY wire message.
func frameReply(t *testing.T, body bsoncore.Document) []byte {
	t.Helper()
	var payload []byte
	payload = append(payload, 0, 0, 0, 0)             // responseFlags
	payload = append(payload, make([]byte, 8)...)     // cursorID
	payload = append(payload, 0, 0, 0, 0)             // startingFrom
	payload = append(payload, 1, 0, 0, 0)             // numberReturned
	payload = append(payload, body...)

	total := int32(16 + len(payload))
	wm := wiremessage.AppendHeader(nil, total, 1, 1, wiremessage.OpReply)
	return append(wm, payload...)
}

func okReply(t *testing.T, extra ...elemFn) []byte {
	t.Helper()
	elems := append([]elemFn{dbl("ok", 1)}, extra...)
	return frame(t, doc(elems...))
}

func errReply(t *testing.T, code int32, codeName string, labels ...string) []byte {
	t.Helper()
	elems := []elemFn{dbl("ok", 0), i32("code", code), str("codeName", codeName), str("errmsg", codeName)}
	if len(labels) > 0 {
		labelDocs := func(dst []byte) []byte {
			aIdx, aDst := bsoncore.AppendArrayElementStart(dst, "errorLabels")
			for i, l := range labels {
				aDst = bsoncore.AppendStringElement(aDst, itoa(i), l)
			}
			out, _ := bsoncore.AppendArrayEnd(aDst, aIdx)
			return out
		}
		elems = append(elems, labelDocs)
	}
	return frame(t, doc(elems...))
}

// cursorReply builds a find/aggregate/getMore style reply.
func cursorReply(t *testing.T, id int64, ns, batchKey string, docs ...bsoncore.Document) []byte {
	t.Helper()
	cursor := doc(
		i64("id", id),
		str("ns", ns),
		docArray(batchKey, docs...),
	)
	return okReply(t, subdoc("cursor", cursor))
}
