// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"sync"
	"time"
)

// Pool holds returned sessions for reuse, FIFO, thread-safe.
type Pool struct {
	mu       sync.Mutex
	sessions []*Session

	// timeoutMinutes is the cluster-advertised
	// logicalSessionTimeoutMinutes; a session idle longer than
	// timeoutMinutes-1 is discarded rather than reused.
	timeoutMinutes    int64
	hasTimeoutMinutes bool
}

// NewPool constructs an empty session pool.
func NewPool() *Pool {
	return &Pool{}
}

// SetTimeout updates the pool's notion of the cluster's
// logicalSessionTimeoutMinutes, called whenever the topology recomputes it.
func (p *Pool) SetTimeout(minutes int64, has bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeoutMinutes = minutes
	p.hasTimeoutMinutes = has
}

// Checkout returns the oldest checked-in session still fresh enough to
// reuse, or allocates a new one if the pool is empty. Sessions check in at
// the back and out at the front, so expired ones surface first and are
// discarded on the way out.
func (p *Pool) Checkout(origin IDType, causallyConsistent bool) *Session {
	p.mu.Lock()
	for len(p.sessions) > 0 {
		s := p.sessions[0]
		p.sessions = p.sessions[1:]

		if p.isExpired(s) {
			continue
		}
		p.mu.Unlock()

		s.Origin = origin
		s.causallyConsist = causallyConsistent
		s.MarkUsed()
		return s
	}
	p.mu.Unlock()

	return newSession(p, origin, causallyConsistent)
}

func (p *Pool) isExpired(s *Session) bool {
	if !p.hasTimeoutMinutes {
		return false
	}
	cutoff := time.Duration(p.timeoutMinutes-1) * time.Minute
	return time.Since(s.lastUseTime()) >= cutoff
}

// checkin returns s to the pool unless it has already expired.
func (p *Pool) checkin(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isExpired(s) {
		return
	}
	p.sessions = append(p.sessions, s)
}

// EndAllSessions drains the pool; used on Client.Disconnect.
func (p *Pool) EndAllSessions() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = nil
}
