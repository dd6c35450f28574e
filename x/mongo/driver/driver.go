// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/ferrumdb/godriver/address"
	"github.com/ferrumdb/godriver/description"
	"github.com/ferrumdb/godriver/wiremessage"
)

// Connection is one authenticated socket to one server. Implementations are exclusively owned while checked out: never
// interleaved by two operations.
type Connection interface {
	// WriteWireMessage sends a fully-framed request. A short write, a
	// timeout, or a closed socket surfaces as *NetworkError.
	WriteWireMessage(ctx context.Context, wm []byte) error

	// ReadWireMessage reads exactly one framed reply.
	ReadWireMessage(ctx context.Context) (wiremessage.Header, []byte, error)

	Close() error
	Address() address.Address
	Description() description.Server

	// Stale reports whether this Connection was already invalidated by an
	// earlier error, so a second ProcessError call for the same root cause
	// is a no-op.
	Stale() bool

	// ID uniquely identifies this connection for logging and pool events.
	ID() string
}

// Compressed is implemented by Connections that negotiated an
// OP_COMPRESSED codec during their handshake; the dispatcher consults it
// before framing each command.
type Compressed interface {
	Compressor() wiremessage.CompressorID
}

// Handshaker performs the initial hello/isMaster exchange over a
// not-yet-described Connection and returns the resulting ServerDescription.
type Handshaker interface {
	Handshake(ctx context.Context, addr address.Address, conn Connection) (description.Server, error)
}

// HandshakerFunc adapts a function to a Handshaker.
type HandshakerFunc func(ctx context.Context, addr address.Address, conn Connection) (description.Server, error)

// Handshake implements Handshaker.
func (f HandshakerFunc) Handshake(ctx context.Context, addr address.Address, conn Connection) (description.Server, error) {
	return f(ctx, addr, conn)
}

// SelectedServer is a server chosen by Deployment.SelectServer, exposing
// both its live description and a way to check out an exclusive Connection.
type SelectedServer interface {
	Connection(ctx context.Context) (Connection, error)
	Description() description.Server
	TopologyKind() description.TopologyKind
}

// Deployment abstracts the Topology from the dispatcher's point of view, so
// operations can be executed against a real multi-server Topology or a
// single fixed connection (used by the server monitor's own heartbeats,
// which must not recurse through full selection).
type Deployment interface {
	SelectServer(ctx context.Context, selector description.ReadPreference) (SelectedServer, error)
	Kind() description.TopologyKind
}

// SingleConnectionDeployment adapts one already-established Connection to
// the Deployment interface, the seam tests and monitors use to execute
// commands without full server selection.
type SingleConnectionDeployment struct {
	Connection Connection
}

// SelectServer implements Deployment by always returning the single wrapped
// connection.
func (s SingleConnectionDeployment) SelectServer(context.Context, description.ReadPreference) (SelectedServer, error) {
	return singleServer{s.Connection}, nil
}

// Kind implements Deployment.
func (s SingleConnectionDeployment) Kind() description.TopologyKind {
	return description.Single
}

type singleServer struct {
	conn Connection
}

func (s singleServer) Connection(context.Context) (Connection, error) { return s.conn, nil }
func (s singleServer) Description() description.Server                { return s.conn.Description() }
func (s singleServer) TopologyKind() description.TopologyKind          { return description.Single }

// ServerAPIOptions pins the server API version on every command sent over
// connections configured with it.
type ServerAPIOptions struct {
	ServerAPIVersion  string
	Strict            *bool
	DeprecationErrors *bool
}

// Append adds apiVersion/apiStrict/apiDeprecationErrors to a command body
// under construction.
func (o *ServerAPIOptions) Append(dst []byte) []byte {
	if o == nil {
		return dst
	}
	dst = bsoncore.AppendStringElement(dst, "apiVersion", o.ServerAPIVersion)
	if o.Strict != nil {
		dst = bsoncore.AppendBooleanElement(dst, "apiStrict", *o.Strict)
	}
	if o.DeprecationErrors != nil {
		dst = bsoncore.AppendBooleanElement(dst, "apiDeprecationErrors", *o.DeprecationErrors)
	}
	return dst
}
