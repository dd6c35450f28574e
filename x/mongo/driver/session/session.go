// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session implements logical sessions, the session pool, and
// cluster/operation time tracking.
package session

import (
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IDType enumerates whether a session was started implicitly by an
// operation or explicitly by the caller.
type IDType uint8

// Recognized session origin kinds.
const (
	Implicit IDType = iota
	Explicit
)

// ID is the 16-byte random server_session_id.
type ID [16]byte

func newID() ID {
	var id ID
	_, _ = rand.Read(id[:])
	return id
}

// ErrSessionInUse is returned by Checkout when a session is already checked
// out by a concurrent operation.
type ErrSessionInUse struct{}

func (ErrSessionInUse) Error() string { return "session: session already in use" }

// Session is a single logical session. Every field access that can race
// with concurrent use is guarded: the single-threaded invariant
// §4.6 is enforced by the inUse flag, not by caller discipline alone.
type Session struct {
	ID     ID
	Origin IDType

	mu              sync.Mutex
	lastUse         time.Time
	txnNumber       int64
	causallyConsist bool
	operationTime   primitive.Timestamp
	hasOperationTime bool
	clusterTime     bson.Raw

	inUse int32

	pool *Pool
}

func newSession(pool *Pool, origin IDType, causallyConsistent bool) *Session {
	return &Session{
		ID:              newID(),
		Origin:          origin,
		lastUse:         time.Now(),
		causallyConsist: causallyConsistent,
		pool:            pool,
	}
}

// Checkout marks the session in-use for the duration of one logical
// operation, including any retry attempts. The returned
// release func MUST be called exactly once, after the final outcome of the
// operation (including retries) is known.
func (s *Session) Checkout() (release func(), err error) {
	if !atomic.CompareAndSwapInt32(&s.inUse, 0, 1) {
		return nil, ErrSessionInUse{}
	}
	return func() { atomic.StoreInt32(&s.inUse, 0) }, nil
}

// IncrementTxnNumber allocates the next strictly-increasing transaction
// number for a retryable write. It must be called once
// per logical operation, not once per wire attempt: the retry re-sends the
// same number.
func (s *Session) IncrementTxnNumber() int64 {
	return atomic.AddInt64(&s.txnNumber, 1)
}

// TxnNumber returns the most recently allocated transaction number.
func (s *Session) TxnNumber() int64 {
	return atomic.LoadInt64(&s.txnNumber)
}

// CausallyConsistent reports whether this session was configured for
// causal consistency.
func (s *Session) CausallyConsistent() bool {
	return s.causallyConsist
}

// AdvanceOperationTime updates the session's operationTime high-watermark
// from a reply's operationTime field, used to compute the next causally
// consistent read's afterClusterTime.
func (s *Session) AdvanceOperationTime(t primitive.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasOperationTime || timestampLess(s.operationTime, t) {
		s.operationTime = t
		s.hasOperationTime = true
	}
}

// OperationTime returns the session's current operationTime and whether one
// has ever been recorded.
func (s *Session) OperationTime() (primitive.Timestamp, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operationTime, s.hasOperationTime
}

// AdvanceClusterTime updates the session's own copy of the greatest
// observed $clusterTime. The dispatcher advances both this and the client's
// ClusterClock; the session-local copy lets an explicit session be handed to
// a different client without losing causality.
func (s *Session) AdvanceClusterTime(candidate bson.Raw) {
	if len(candidate) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clusterTime == nil || clusterTimeGreater(candidate, s.clusterTime) {
		s.clusterTime = append(bson.Raw(nil), candidate...)
	}
}

// ClusterTime returns the session's greatest observed $clusterTime, or nil.
func (s *Session) ClusterTime() bson.Raw {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clusterTime
}

// MarkUsed bumps lastUse to now, extending the session's lifetime against
// the pool's idle-expiry check.
func (s *Session) MarkUsed() {
	s.mu.Lock()
	s.lastUse = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastUseTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUse
}

// EndSession returns an implicit session to the pool immediately, or is a
// no-op for an explicit session (the caller owns its lifetime explicitly).
func (s *Session) EndSession() {
	if s.Origin == Implicit && s.pool != nil {
		s.pool.checkin(s)
	}
}

func timestampLess(a, b primitive.Timestamp) bool {
	if a.T != b.T {
		return a.T < b.T
	}
	return a.I < b.I
}
