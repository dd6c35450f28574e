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
	"sync/atomic"
	"time"

	"github.com/ferrumdb/godriver/address"
	"github.com/ferrumdb/godriver/description"
	"github.com/ferrumdb/godriver/internal/logger"
	driverpkg "github.com/ferrumdb/godriver/x/mongo/driver"
)

const minHeartbeatInterval = 500 * time.Millisecond
const defaultHeartbeatInterval = 10 * time.Second

// heartbeatTimeoutSlack bounds a single heartbeat exchange past the
// configured interval so a hung server cannot stall the monitor forever.
const heartbeatTimeoutSlack = 5 * time.Second

// rttEWMAAlpha is the exponential weighted moving average smoothing factor
// for round-trip time.
const rttEWMAAlpha = 0.2

// Server owns one address's heartbeat monitor and connection pool.
// The monitor runs on its own dedicated connection,
// never one from the data-path pool, so heartbeats and operations cannot
// block each other.
type Server struct {
	addr address.Address
	cfg  serverConfig

	pool *pool

	desc atomic.Value // description.Server

	monitorConn *connection

	subsMu sync.Mutex
	subs   map[int]chan description.Server
	nextID int

	checkNow chan struct{}
	done     chan struct{}
	closed   int32
}

type serverConfig struct {
	heartbeatInterval time.Duration
	handshaker        driverpkg.Handshaker
	pool              poolConfig
	logger            *logger.Logger
}

// newServer constructs a Server and starts its monitor goroutine.
func newServer(addr address.Address, cfg serverConfig) *Server {
	if cfg.heartbeatInterval < minHeartbeatInterval {
		cfg.heartbeatInterval = defaultHeartbeatInterval
	}

	s := &Server{
		addr:     addr,
		cfg:      cfg,
		pool:     newPool(addr, cfg.pool),
		subs:     make(map[int]chan description.Server),
		checkNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.desc.Store(description.NewDefaultServer(addr))
	go s.monitor()
	return s
}

// Description returns the latest ServerDescription observed for this
// server. Lock-free: the monitor writes and selectors read through an
// atomic.Value instead of an RWMutex.
func (s *Server) Description() description.Server {
	return s.desc.Load().(description.Server)
}

// Subscribe registers a channel that receives every new ServerDescription,
// used by Topology to fan updates into its own state machine.
func (s *Server) Subscribe() (<-chan description.Server, func()) {
	ch := make(chan description.Server, 1)

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subsMu.Unlock()

	return ch, func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Server) publish(d description.Server) {
	s.desc.Store(d)

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- d:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- d
		}
	}
}

// monitor runs the heartbeat loop: a hello on the dedicated
// monitoring connection, then sleep heartbeatInterval minus the observed
// round trip with a floor of minHeartbeatInterval. RequestImmediateCheck
// short-circuits the sleep.
func (s *Server) monitor() {
	timer := time.NewTimer(0)
	defer timer.Stop()
	defer s.closeMonitorConn()

	for {
		select {
		case <-s.done:
			return
		case <-timer.C:
		case <-s.checkNow:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		rtt := s.checkOnce(context.Background())

		sleep := s.cfg.heartbeatInterval - rtt
		if sleep < minHeartbeatInterval {
			sleep = minHeartbeatInterval
		}
		timer.Reset(sleep)
	}
}

// RequestImmediateCheck short-circuits the current heartbeat sleep, used
// after a "not primary"/network error forces rediscovery
// and by selectors waiting on a fresher topology.
func (s *Server) RequestImmediateCheck() {
	select {
	case s.checkNow <- struct{}{}:
	default:
	}
}

// checkOnce performs one heartbeat and returns the observed round trip (zero
// when the check could not even be attempted).
func (s *Server) checkOnce(ctx context.Context) time.Duration {
	if atomic.LoadInt32(&s.closed) == 1 {
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.heartbeatInterval+heartbeatTimeoutSlack)
	defer cancel()

	if s.monitorConn == nil || s.monitorConn.Stale() {
		s.closeMonitorConn()
		nc, err := s.cfg.pool.dialer.DialContext(ctx, s.addr.Network(), string(s.addr))
		if err != nil {
			s.cfg.logger.Print(logger.LevelDebug, serverHeartbeatFailedMessage{addr: s.addr, err: err})
			s.publish(description.NewServerFromError(s.addr, err, nil))
			return 0
		}
		s.monitorConn = newConnectionFromNetConn(s.addr, nc, s.cfg.pool.readTimeout, s.cfg.pool.writeTimeout, 0)
	}

	if s.cfg.handshaker == nil {
		return 0
	}

	start := time.Now()
	d, err := s.cfg.handshaker.Handshake(ctx, s.addr, s.monitorConn)
	rtt := time.Since(start)

	if err != nil {
		s.cfg.logger.Print(logger.LevelDebug, serverHeartbeatFailedMessage{addr: s.addr, err: err})
		s.closeMonitorConn()
		s.pool.Clear()
		s.publish(description.NewServerFromError(s.addr, err, nil))
		return rtt
	}

	prev := s.Description()
	if prev.AverageRTTSet {
		smoothed := time.Duration(rttEWMAAlpha*float64(rtt) + (1-rttEWMAAlpha)*float64(prev.AverageRTT))
		d = d.SetAverageRTT(smoothed)
	} else {
		d = d.SetAverageRTT(rtt)
	}

	s.monitorConn.desc = d
	s.publish(d)
	return rtt
}

func (s *Server) closeMonitorConn() {
	if s.monitorConn != nil {
		_ = s.monitorConn.Close()
		s.monitorConn = nil
	}
}

// ProcessError is the data-path side of discovery error handling: a
// connection observing a network error or a "not primary"/node-is-recovering
// reply marks this server Unknown, clears its pool, and requests an
// immediate re-check. A server error stamped with a topologyVersion no newer
// than the current description is stale and ignored.
func (s *Server) ProcessError(err error, conn driverpkg.Connection) {
	if err == nil || conn.Stale() {
		return
	}

	var errTV *description.TopologyVersion
	isNotPrimary := false
	var cmdErr *driverpkg.Error
	if errors.As(err, &cmdErr) {
		isNotPrimary = cmdErr.NotPrimaryOrRecovering
		errTV = cmdErr.TopologyVersion
	}
	var netErr *driverpkg.NetworkError
	isNetwork := errors.As(err, &netErr)

	if !isNetwork && !isNotPrimary {
		return
	}
	if errTV != nil && description.CompareTopologyVersion(s.Description().TopologyVersion, errTV) >= 0 {
		return
	}

	s.pool.Clear()
	s.publish(description.NewServerFromError(s.addr, err, errTV))
	s.RequestImmediateCheck()
}

// Connection checks out a pooled connection for operation use.
func (s *Server) Connection(ctx context.Context) (driverpkg.Connection, error) {
	conn, err := s.pool.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	return &pooledConnection{connection: conn, server: s}, nil
}

// pooledConnection checks its connection back in (or discards it, if
// poisoned) when Close is called, instead of closing the socket directly.
type pooledConnection struct {
	*connection
	server *Server
}

// Stale reports whether the pool was cleared after this connection was
// dialed, so an error on it belongs to a fault ProcessError already handled.
func (c *pooledConnection) Stale() bool {
	c.server.pool.mu.Lock()
	defer c.server.pool.mu.Unlock()
	return c.generation != c.server.pool.generation
}

func (c *pooledConnection) Close() error {
	if c.connection.Stale() {
		err := c.connection.Close()
		c.server.pool.Discard(c.connection)
		return err
	}
	c.server.pool.Checkin(c.connection)
	return nil
}

// Close stops the monitor goroutine and closes the pool.
func (s *Server) Close() {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	close(s.done)
	s.pool.Close()
}
