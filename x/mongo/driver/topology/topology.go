// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ferrumdb/godriver/address"
	"github.com/ferrumdb/godriver/description"
	"github.com/ferrumdb/godriver/internal/csot"
	"github.com/ferrumdb/godriver/internal/logger"
	driverpkg "github.com/ferrumdb/godriver/x/mongo/driver"
)

const defaultLocalThreshold = 15 * time.Millisecond
const defaultServerSelectionTimeout = 30 * time.Second

// Config configures a Topology: the initial seed list and shape, per-server
// monitor/pool settings, and the selection tunables.
type Config struct {
	Seeds           []address.Address
	InitialKind     description.TopologyKind
	SetName         string

	ServerSelectionTimeout time.Duration
	LocalThreshold         time.Duration
	HeartbeatInterval      time.Duration

	Handshaker driverpkg.Handshaker
	Dialer     Dialer
	PoolConfig poolConfig
	Logger     *logger.Logger
}

// Topology is the thread-safe aggregate of every tracked server: it owns
// one Server per address, folds their heartbeat updates through
// description.Topology's pure state machine under a single writer lock, and
// serves SelectServer calls that wait on new descriptions rather than
// polling.
type Topology struct {
	cfg Config

	mu       sync.RWMutex
	desc     description.Topology
	servers  map[address.Address]*Server

	subsMu sync.Mutex
	subs   map[int]chan description.Topology
	nextID int

	updates chan description.Server
	done    chan struct{}
}

// New constructs a Topology from cfg and starts monitoring every seed.
func New(cfg Config) *Topology {
	if cfg.ServerSelectionTimeout <= 0 {
		cfg.ServerSelectionTimeout = defaultServerSelectionTimeout
	}
	if cfg.LocalThreshold <= 0 {
		cfg.LocalThreshold = defaultLocalThreshold
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DialerFunc(defaultDial)
	}
	cfg.PoolConfig.dialer = cfg.Dialer
	cfg.PoolConfig.handshaker = cfg.Handshaker

	t := &Topology{
		cfg:     cfg,
		desc:    description.NewFromSeeds(cfg.InitialKind, cfg.Seeds),
		servers: make(map[address.Address]*Server, len(cfg.Seeds)),
		subs:    make(map[int]chan description.Topology),
		updates: make(chan description.Server, 64),
		done:    make(chan struct{}),
	}
	t.desc.SetName = cfg.SetName

	for _, seed := range cfg.Seeds {
		t.addServer(seed.Canonicalize())
	}

	go t.fanIn()
	return t
}

func (t *Topology) addServer(addr address.Address) {
	if _, ok := t.servers[addr]; ok {
		return
	}
	s := newServer(addr, serverConfig{
		heartbeatInterval: t.cfg.HeartbeatInterval,
		handshaker:        t.cfg.Handshaker,
		pool:              t.cfg.PoolConfig,
		logger:            t.cfg.Logger,
	})
	t.servers[addr] = s

	ch, _ := s.Subscribe()
	go func() {
		for {
			select {
			case <-t.done:
				return
			case d, ok := <-ch:
				if !ok {
					return
				}
				select {
				case t.updates <- d:
				case <-t.done:
					return
				}
			}
		}
	}()
}

// fanIn is the single writer of t.desc: every Server's heartbeat result
// passes through here serially, so description.Topology.Apply never races.
func (t *Topology) fanIn() {
	for {
		select {
		case <-t.done:
			return
		case d := <-t.updates:
			t.mu.Lock()
			prev := t.desc.Kind
			next := t.desc.Apply(d)
			t.reconcileServers(next)
			t.desc = next
			t.mu.Unlock()

			if prev != next.Kind {
				t.cfg.Logger.Print(logger.LevelInfo, topologyChangedMessage{previous: prev, current: next.Kind})
			}
			t.publish(next)
		}
	}
}

// reconcileServers starts monitors for newly discovered hosts and stops
// monitors for hosts Apply dropped.
func (t *Topology) reconcileServers(next description.Topology) {
	for addr := range next.Servers {
		if _, ok := t.servers[addr]; !ok {
			t.addServer(addr)
		}
	}
	for addr, s := range t.servers {
		if _, ok := next.Servers[addr]; !ok {
			s.Close()
			delete(t.servers, addr)
		}
	}
}

func (t *Topology) publish(d description.Topology) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for _, ch := range t.subs {
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

// subscribe registers a channel fed with every new Topology snapshot.
func (t *Topology) subscribe() (<-chan description.Topology, func()) {
	ch := make(chan description.Topology, 1)
	t.subsMu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.subsMu.Unlock()
	return ch, func() {
		t.subsMu.Lock()
		delete(t.subs, id)
		t.subsMu.Unlock()
	}
}

// Description returns the current Topology snapshot.
func (t *Topology) Description() description.Topology {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.desc
}

// Kind implements driver.Deployment.
func (t *Topology) Kind() description.TopologyKind {
	return t.Description().Kind
}

// SelectServer implements the selection wait loop: apply the
// filter pipeline, and if nothing matches, block on the next topology
// update until serverSelectionTimeout elapses.
func (t *Topology) SelectServer(ctx context.Context, rp description.ReadPreference) (driverpkg.SelectedServer, error) {
	ctx, cancel := csot.WithServerSelectionTimeout(ctx, t.cfg.ServerSelectionTimeout)
	defer cancel()

	ch, unsubscribe := t.subscribe()
	defer unsubscribe()

	for {
		current := t.Description()
		candidates, err := description.SelectServers(current, rp, t.cfg.HeartbeatInterval, t.cfg.LocalThreshold)
		if err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			chosen := pickServer(candidates)
			t.mu.RLock()
			srv := t.servers[chosen.Addr]
			t.mu.RUnlock()
			if srv != nil {
				return &selectedServer{server: srv, desc: chosen, kind: current.Kind}, nil
			}
		}

		for _, s := range t.servers {
			s.RequestImmediateCheck()
		}

		select {
		case <-ctx.Done():
			return nil, &description.SelectionError{Topology: current, Reason: fmt.Sprintf("no server matched read preference before %s server selection timeout elapsed", t.cfg.ServerSelectionTimeout)}
		case <-ch:
		}
	}
}

// pickServer performs the final uniformly random pick, kept as a single
// named function so a test can substitute a deterministic tie-break.
func pickServer(candidates []description.Server) description.Server {
	return candidates[rand.Intn(len(candidates))]
}

type selectedServer struct {
	server *Server
	desc   description.Server
	kind   description.TopologyKind
}

func (s *selectedServer) Connection(ctx context.Context) (driverpkg.Connection, error) {
	return s.server.Connection(ctx)
}

func (s *selectedServer) Description() description.Server { return s.desc }

func (s *selectedServer) TopologyKind() description.TopologyKind { return s.kind }

// ProcessError forwards a data-path failure to the server's discovery error
// handling.
func (s *selectedServer) ProcessError(err error, conn driverpkg.Connection) {
	s.server.ProcessError(err, conn)
}

// Disconnect stops every server monitor concurrently and waits for them
// all.
func (t *Topology) Disconnect(ctx context.Context) error {
	close(t.done)

	t.mu.Lock()
	servers := make([]*Server, 0, len(t.servers))
	for _, s := range t.servers {
		servers = append(servers, s)
	}
	t.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, s := range servers {
		s := s
		g.Go(func() error {
			s.Close()
			return nil
		})
	}
	return g.Wait()
}

var _ driverpkg.Deployment = (*Topology)(nil)
