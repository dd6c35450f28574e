// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/ferrumdb/godriver/address"
	"github.com/ferrumdb/godriver/description"
	"github.com/ferrumdb/godriver/event"
	"github.com/ferrumdb/godriver/internal/logger"
	"github.com/ferrumdb/godriver/internal/uri"
	driverpkg "github.com/ferrumdb/godriver/x/mongo/driver"
	"github.com/ferrumdb/godriver/x/mongo/driver/ocsp"
)

func defaultDial(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	return d.DialContext(ctx, network, addr)
}

// Option configures a Config.
type Option func(*Config)

// NewConfig builds a Config from the given seeds and options. The initial
// topology kind defaults to Unknown, which Topology.Apply narrows to Single
// or Sharded/ReplicaSet* from the first hello reply.
func NewConfig(seeds []address.Address, opts ...Option) Config {
	cfg := Config{Seeds: seeds, InitialKind: description.TopologyUnknown}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// ConfigFromConnString derives a Config from a parsed connection string,
// deriving the initial topology kind from replicaSet, directConnection,
// and loadBalanced. Explicit options override parsed values.
func ConfigFromConnString(cs *uri.ConnString, opts ...Option) (Config, error) {
	if err := cs.Validate(); err != nil {
		return Config{}, err
	}

	seeds := make([]address.Address, 0, len(cs.Hosts))
	for _, h := range cs.Hosts {
		seeds = append(seeds, address.Address(h))
	}

	cfg := Config{Seeds: seeds, InitialKind: description.TopologyUnknown}
	switch {
	case cs.LoadBalanced:
		cfg.InitialKind = description.LoadBalanced
	case cs.ReplicaSet != "":
		cfg.InitialKind = description.ReplicaSetNoPrimary
		cfg.SetName = cs.ReplicaSet
	case cs.Directconnection && len(seeds) == 1:
		cfg.InitialKind = description.Single
	}

	cfg.ServerSelectionTimeout = time.Duration(cs.ServerSelectionTimeout) * time.Millisecond
	cfg.LocalThreshold = time.Duration(cs.LocalThreshold) * time.Millisecond
	cfg.HeartbeatInterval = time.Duration(cs.HeartbeatInterval) * time.Millisecond

	cfg.PoolConfig.maxPoolSize = cs.MaxPoolSize
	cfg.PoolConfig.minPoolSize = cs.MinPoolSize
	cfg.PoolConfig.maxIdleTime = time.Duration(cs.MaxConnIdleTime) * time.Millisecond
	cfg.PoolConfig.readTimeout = time.Duration(cs.SocketTimeout) * time.Millisecond
	cfg.PoolConfig.writeTimeout = time.Duration(cs.SocketTimeout) * time.Millisecond

	if cs.ConnectTimeout > 0 {
		timeout := time.Duration(cs.ConnectTimeout) * time.Millisecond
		cfg.Dialer = DialerFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, network, addr)
		})
	}

	if cs.TLS {
		WithTLSConfig(&tls.Config{}, ocsp.RevocationChecker{})(&cfg)
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}

// WithReplicaSet sets the expected replica set name and starts the topology
// as ReplicaSetNoPrimary.
func WithReplicaSet(name string) Option {
	return func(c *Config) {
		c.SetName = name
		c.InitialKind = description.ReplicaSetNoPrimary
	}
}

// WithDirectConnection forces a Single topology regardless of seed count.
func WithDirectConnection() Option {
	return func(c *Config) { c.InitialKind = description.Single }
}

// WithHandshaker sets the Handshaker used by every server's monitor and
// operation connections.
func WithHandshaker(h driverpkg.Handshaker) Option {
	return func(c *Config) { c.Handshaker = h }
}

// WithDialer overrides the default net.Dialer-backed Dialer, used by tests
// to substitute an in-memory transport.
func WithDialer(d Dialer) Option {
	return func(c *Config) { c.Dialer = d }
}

// WithHeartbeatInterval overrides the default monitor heartbeat interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

// WithServerSelectionTimeout overrides the default selection deadline.
func WithServerSelectionTimeout(d time.Duration) Option {
	return func(c *Config) { c.ServerSelectionTimeout = d }
}

// WithLocalThreshold overrides the default latency window.
func WithLocalThreshold(d time.Duration) Option {
	return func(c *Config) { c.LocalThreshold = d }
}

// WithMaxPoolSize overrides the default per-server pool size.
func WithMaxPoolSize(n uint64) Option {
	return func(c *Config) { c.PoolConfig.maxPoolSize = n }
}

// WithMinPoolSize sets the number of warm connections the pool keeps open
// per server.
func WithMinPoolSize(n uint64) Option {
	return func(c *Config) { c.PoolConfig.minPoolSize = n }
}

// WithMaxConnIdleTime overrides the default idle-connection eviction age.
func WithMaxConnIdleTime(d time.Duration) Option {
	return func(c *Config) { c.PoolConfig.maxIdleTime = d }
}

// WithLogger attaches the structured driver logger; topology transitions
// and heartbeat failures are reported through it.
func WithLogger(l *logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithPoolMonitor attaches a pool event monitor.
func WithPoolMonitor(m *event.PoolMonitor) Option {
	return func(c *Config) { c.PoolConfig.monitor = m }
}
