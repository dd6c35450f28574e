// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology implements server discovery and monitoring, the
// per-address connection pool, and server selection.
package topology

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/ferrumdb/godriver/address"
	"github.com/ferrumdb/godriver/description"
	"github.com/ferrumdb/godriver/wiremessage"
	driverpkg "github.com/ferrumdb/godriver/x/mongo/driver"
)

var globalConnID uint64

func nextConnID() string {
	return fmt.Sprintf("conn-%d", atomic.AddUint64(&globalConnID, 1))
}

// Dialer opens a raw network connection to addr. net.Dialer satisfies it
// directly for plaintext connections, and a TLS-wrapping Dialer can be
// layered in front of it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext implements Dialer.
func (f DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// connection is one authenticated socket: the socket itself, its
// negotiated wire-version window, session timeout, maxBSON size, last
// activity timestamp, and server address.
type connection struct {
	id   string
	addr address.Address
	nc   net.Conn
	desc description.Server

	compressorID wiremessage.CompressorID

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	idleDeadline time.Time
	lastUsed     time.Time

	// generation stamps the pool generation this connection was dialed
	// under; a Clear advances the pool's counter and orphans older stamps.
	generation uint64

	poisoned int32 // atomic bool: set on any NetworkError

	requestIDCounter int32
}

func newConnectionFromNetConn(addr address.Address, nc net.Conn, readTimeout, writeTimeout, idleTimeout time.Duration) *connection {
	c := &connection{
		id:           nextConnID(),
		addr:         addr,
		nc:           nc,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		idleTimeout:  idleTimeout,
	}
	c.bumpIdleDeadline()
	return c
}

func (c *connection) bumpIdleDeadline() {
	c.lastUsed = time.Now()
	if c.idleTimeout > 0 {
		c.idleDeadline = c.lastUsed.Add(c.idleTimeout)
	}
}

func (c *connection) expired() bool {
	if c.idleTimeout > 0 && !c.idleDeadline.IsZero() && time.Now().After(c.idleDeadline) {
		return true
	}
	return atomic.LoadInt32(&c.poisoned) == 1
}

func (c *connection) poison(err error) error {
	atomic.StoreInt32(&c.poisoned, 1)
	return err
}

func (c *connection) nextRequestID() int32 {
	return atomic.AddInt32(&c.requestIDCounter, 1)
}

// WriteWireMessage implements driver.Connection. It writes wm unchanged;
// OP_COMPRESSED framing, when negotiated, is applied by the dispatcher
// before the message reaches the connection.
func (c *connection) WriteWireMessage(ctx context.Context, wm []byte) error {
	if c.readTimeout > 0 || c.writeTimeout > 0 {
		if deadline, ok := ctx.Deadline(); ok {
			_ = c.nc.SetWriteDeadline(deadline)
		} else if c.writeTimeout > 0 {
			_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		}
	}

	n, err := c.nc.Write(wm)
	if err != nil {
		return c.poison(&driverpkg.NetworkError{Wrapped: err, When: "before"})
	}
	if n != len(wm) {
		return c.poison(&driverpkg.NetworkError{Wrapped: wiremessage.ErrShortWrite, When: "before"})
	}

	c.bumpIdleDeadline()
	return nil
}

// ReadWireMessage implements driver.Connection.
func (c *connection) ReadWireMessage(ctx context.Context) (wiremessage.Header, []byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetReadDeadline(deadline)
	} else if c.readTimeout > 0 {
		_ = c.nc.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	lengthBuf := make([]byte, 4)
	if _, err := readFull(c.nc, lengthBuf); err != nil {
		return wiremessage.Header{}, nil, c.poison(&driverpkg.NetworkError{Wrapped: err, When: "during"})
	}
	length := int32(lengthBuf[0]) | int32(lengthBuf[1])<<8 | int32(lengthBuf[2])<<16 | int32(lengthBuf[3])<<24
	if length < 16 {
		return wiremessage.Header{}, nil, c.poison(&wiremessage.ProtocolError{Reason: "message length smaller than header"})
	}

	rest := make([]byte, length-4)
	if _, err := readFull(c.nc, rest); err != nil {
		return wiremessage.Header{}, nil, c.poison(&driverpkg.NetworkError{Wrapped: err, When: "during"})
	}

	full := append(lengthBuf, rest...)
	header, body, err := wiremessage.ReadHeader(full)
	if err != nil {
		return wiremessage.Header{}, nil, c.poison(err)
	}

	if header.OpCode == wiremessage.OpCompressed {
		header, body, err = wiremessage.DecompressOpMsg(header, body)
		if err != nil {
			return wiremessage.Header{}, nil, c.poison(err)
		}
	}

	c.bumpIdleDeadline()
	return header, body, nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *connection) Close() error {
	return c.nc.Close()
}

func (c *connection) Address() address.Address { return c.addr }

func (c *connection) Description() description.Server { return c.desc }

func (c *connection) Stale() bool { return atomic.LoadInt32(&c.poisoned) == 1 }

func (c *connection) ID() string { return c.id }

// Compressor implements driver.Compressed with the codec negotiated during
// this connection's handshake.
func (c *connection) Compressor() wiremessage.CompressorID { return c.compressorID }

// negotiateCompressor picks the first server-selected compressor this driver
// recognizes, per the handshake's compression array.
func (c *connection) negotiateCompressor(serverChoices []string) {
	for _, name := range serverChoices {
		if id, ok := wiremessage.CompressorByName(name); ok {
			c.compressorID = id
			return
		}
	}
	c.compressorID = wiremessage.CompressorNoop
}

var _ driverpkg.Connection = (*connection)(nil)
var _ driverpkg.Compressed = (*connection)(nil)
