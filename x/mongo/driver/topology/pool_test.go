// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrumdb/godriver/event"
)

// pipeDialer hands out the client half of an in-memory pipe and keeps the
// server halves so the test can close them.
type pipeDialer struct {
	mu      sync.Mutex
	servers []net.Conn
	dials   int
}

func (d *pipeDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	client, server := net.Pipe()
	d.mu.Lock()
	d.servers = append(d.servers, server)
	d.dials++
	d.mu.Unlock()
	return client, nil
}

func (d *pipeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestPool(dialer Dialer, opts ...func(*poolConfig)) *pool {
	cfg := poolConfig{dialer: dialer, maxPoolSize: 4}
	for _, opt := range opts {
		opt(&cfg)
	}
	return newPool("test:27017", cfg)
}

func TestPoolCheckoutCheckin(t *testing.T) {
	dialer := &pipeDialer{}
	p := newTestPool(dialer)
	defer p.Close()

	ctx := context.Background()
	conn, err := p.Checkout(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dialer.dialCount())

	p.Checkin(conn)

	// LIFO: the warm connection comes back.
	again, err := p.Checkout(ctx)
	require.NoError(t, err)
	assert.Same(t, conn, again)
	assert.Equal(t, 1, dialer.dialCount())
	p.Checkin(again)
}

func TestPoolClearDiscardsIdle(t *testing.T) {
	dialer := &pipeDialer{}
	p := newTestPool(dialer)
	defer p.Close()

	ctx := context.Background()
	conn, err := p.Checkout(ctx)
	require.NoError(t, err)
	p.Checkin(conn)

	p.Clear()

	fresh, err := p.Checkout(ctx)
	require.NoError(t, err)
	assert.NotSame(t, conn, fresh)
	assert.Equal(t, 2, dialer.dialCount())
	p.Checkin(fresh)
}

func TestPoolClearInvalidatesCheckedOutConnections(t *testing.T) {
	dialer := &pipeDialer{}
	p := newTestPool(dialer)
	defer p.Close()

	ctx := context.Background()
	conn, err := p.Checkout(ctx)
	require.NoError(t, err)

	// The fault is observed while conn is in flight; its generation is now
	// stale and checkin must discard rather than recycle it.
	p.Clear()
	p.Checkin(conn)

	fresh, err := p.Checkout(ctx)
	require.NoError(t, err)
	assert.NotSame(t, conn, fresh)
	p.Checkin(fresh)
}

func TestPoolPoisonedConnectionNotReused(t *testing.T) {
	dialer := &pipeDialer{}
	p := newTestPool(dialer)
	defer p.Close()

	ctx := context.Background()
	conn, err := p.Checkout(ctx)
	require.NoError(t, err)

	conn.poison(nil)
	p.Checkin(conn)

	fresh, err := p.Checkout(ctx)
	require.NoError(t, err)
	assert.NotSame(t, conn, fresh)
	p.Checkin(fresh)
}

func TestPoolClosed(t *testing.T) {
	dialer := &pipeDialer{}
	p := newTestPool(dialer)
	p.Close()

	_, err := p.Checkout(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Close is idempotent.
	p.Close()
}

func TestPoolMaxSizeBlocksUntilCheckin(t *testing.T) {
	dialer := &pipeDialer{}
	p := newTestPool(dialer, func(cfg *poolConfig) { cfg.maxPoolSize = 1 })
	defer p.Close()

	ctx := context.Background()
	conn, err := p.Checkout(ctx)
	require.NoError(t, err)

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Checkout(blockedCtx)
	assert.Error(t, err, "second checkout must block until the slot frees")

	p.Checkin(conn)
	conn2, err := p.Checkout(ctx)
	require.NoError(t, err)
	p.Checkin(conn2)
}

func TestPoolDiscardReleasesSlot(t *testing.T) {
	dialer := &pipeDialer{}
	p := newTestPool(dialer, func(cfg *poolConfig) { cfg.maxPoolSize = 1 })
	defer p.Close()

	ctx := context.Background()
	conn, err := p.Checkout(ctx)
	require.NoError(t, err)

	_ = conn.Close()
	p.Discard(conn)

	replacement, err := p.Checkout(ctx)
	require.NoError(t, err)
	p.Checkin(replacement)
}

func TestPoolEvents(t *testing.T) {
	var mu sync.Mutex
	var events []string
	monitor := &event.PoolMonitor{Event: func(ev *event.PoolEvent) {
		mu.Lock()
		events = append(events, ev.Type)
		mu.Unlock()
	}}

	dialer := &pipeDialer{}
	p := newTestPool(dialer, func(cfg *poolConfig) { cfg.monitor = monitor })
	defer p.Close()

	conn, err := p.Checkout(context.Background())
	require.NoError(t, err)
	p.Checkin(conn)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		event.PoolEventCheckOutStarted,
		event.PoolEventCreated,
		event.PoolEventCheckedOut,
		event.PoolEventCheckedIn,
	}, events)
}
