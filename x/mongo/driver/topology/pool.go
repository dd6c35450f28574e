// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ferrumdb/godriver/address"
	"github.com/ferrumdb/godriver/event"
	driverpkg "github.com/ferrumdb/godriver/x/mongo/driver"
)

// ErrPoolClosed is returned by Checkout once Close has run, and when a Clear
// advanced the pool's generation while Checkout was dialing.
var ErrPoolClosed = errors.New("topology: connection pool is closed")

// poolConfig configures a pool's limits.
type poolConfig struct {
	maxPoolSize  uint64
	minPoolSize  uint64
	maxIdleTime  time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	dialer       Dialer
	handshaker   driverpkg.Handshaker
	monitor      *event.PoolMonitor
}

// maintainInterval is how often the pool tops its idle list back up to
// minPoolSize.
const maintainInterval = 10 * time.Second

// pool is the per-address LIFO connection pool: bounded by a weighted
// semaphore, generation-stamped so a network error invalidates only
// connections opened before the fault was observed.
type pool struct {
	addr address.Address
	cfg  poolConfig

	sem *semaphore.Weighted

	mu         sync.Mutex
	generation uint64
	idle       []*connection
	closed     bool

	done chan struct{}
}

func newPool(addr address.Address, cfg poolConfig) *pool {
	maxSize := cfg.maxPoolSize
	if maxSize == 0 {
		maxSize = 100
	}
	p := &pool{
		addr: addr,
		cfg:  cfg,
		sem:  semaphore.NewWeighted(int64(maxSize)),
		done: make(chan struct{}),
	}
	if cfg.minPoolSize > 0 {
		go p.maintain()
	}
	return p
}

// maintain keeps at least minPoolSize warm connections idle. Dial failures
// are left for the next tick; the server monitor owns reporting them.
func (p *pool) maintain() {
	ticker := time.NewTicker(maintainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		for {
			p.mu.Lock()
			needed := !p.closed && uint64(len(p.idle)) < p.cfg.minPoolSize
			p.mu.Unlock()
			if !needed {
				break
			}

			ctx, cancel := context.WithTimeout(context.Background(), maintainInterval)
			conn, err := p.dial(ctx)
			cancel()
			if err != nil {
				break
			}

			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				_ = conn.Close()
				return
			}
			p.idle = append(p.idle, conn)
			p.mu.Unlock()
		}
	}
}

// Checkout returns a ready-to-use connection: a non-expired idle one if
// available, otherwise a freshly dialed one, after acquiring a pool slot.
func (p *pool) Checkout(ctx context.Context) (*connection, error) {
	if p.cfg.monitor != nil && p.cfg.monitor.Event != nil {
		p.cfg.monitor.Event(&event.PoolEvent{Type: event.PoolEventCheckOutStarted, Address: string(p.addr)})
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	conn, err := p.checkoutLocked(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}

	if p.cfg.monitor != nil && p.cfg.monitor.Event != nil {
		p.cfg.monitor.Event(&event.PoolEvent{Type: event.PoolEventCheckedOut, Address: string(p.addr), ConnectionID: conn.id})
	}
	return conn, nil
}

func (p *pool) checkoutLocked(ctx context.Context) (*connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	gen := p.generation

	for len(p.idle) > 0 {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		if conn.expired() {
			_ = conn.Close()
			p.mu.Lock()
			continue
		}
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	stale := p.closed || p.generation != gen
	p.mu.Unlock()
	if stale {
		_ = conn.Close()
		return nil, ErrPoolClosed
	}

	if p.cfg.monitor != nil && p.cfg.monitor.Event != nil {
		p.cfg.monitor.Event(&event.PoolEvent{Type: event.PoolEventCreated, Address: string(p.addr), ConnectionID: conn.id})
	}
	return conn, nil
}

// dial opens and handshakes one connection.
func (p *pool) dial(ctx context.Context) (*connection, error) {
	nc, err := p.cfg.dialer.DialContext(ctx, p.addr.Network(), string(p.addr))
	if err != nil {
		return nil, err
	}
	conn := newConnectionFromNetConn(p.addr, nc, p.cfg.readTimeout, p.cfg.writeTimeout, p.cfg.maxIdleTime)
	p.mu.Lock()
	conn.generation = p.generation
	p.mu.Unlock()

	if p.cfg.handshaker != nil {
		desc, err := p.cfg.handshaker.Handshake(ctx, p.addr, conn)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn.desc = desc
		conn.negotiateCompressor(desc.Compression)
	}
	return conn, nil
}

// Checkin returns conn to the idle list unless it has been poisoned by an
// error or the pool generation has advanced past it.
func (p *pool) Checkin(conn *connection) {
	defer p.sem.Release(1)

	if p.cfg.monitor != nil && p.cfg.monitor.Event != nil {
		p.cfg.monitor.Event(&event.PoolEvent{Type: event.PoolEventCheckedIn, Address: string(p.addr), ConnectionID: conn.id})
	}

	if conn.expired() {
		_ = conn.Close()
		return
	}

	p.mu.Lock()
	if p.closed || conn.generation != p.generation {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Discard releases the pool slot held by a checked-out connection that was
// closed (poisoned) rather than checked in, so the slot count cannot leak.
func (p *pool) Discard(conn *connection) {
	p.sem.Release(1)
	if p.cfg.monitor != nil && p.cfg.monitor.Event != nil {
		p.cfg.monitor.Event(&event.PoolEvent{Type: event.PoolEventClosed, Address: string(p.addr), ConnectionID: conn.id})
	}
}

// Clear invalidates every idle connection and bumps the generation so
// in-flight checked-out connections are closed on checkin rather than
// reused.
func (p *pool) Clear() {
	p.mu.Lock()
	p.generation++
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range idle {
		_ = c.Close()
	}

	if p.cfg.monitor != nil && p.cfg.monitor.Event != nil {
		p.cfg.monitor.Event(&event.PoolEvent{Type: event.PoolEventCleared, Address: string(p.addr)})
	}
}

// Close permanently closes the pool; any further Checkout returns
// ErrPoolClosed.
func (p *pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.done)

	for _, c := range idle {
		_ = c.Close()
	}
}
