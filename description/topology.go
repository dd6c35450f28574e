// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"

	"github.com/ferrumdb/godriver/address"
)

// TopologyKind enumerates the recognized topology shapes.
type TopologyKind uint32

// Recognized topology kinds.
const (
	TopologyUnknown TopologyKind = iota
	Single
	ReplicaSetNoPrimary
	ReplicaSetWithPrimary
	Sharded
	LoadBalanced
)

func (k TopologyKind) String() string {
	switch k {
	case Single:
		return "Single"
	case ReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case ReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case Sharded:
		return "Sharded"
	case LoadBalanced:
		return "LoadBalanced"
	default:
		return "Unknown"
	}
}

// SupportedWireRange is this driver's own wire version window, checked
// against every data-bearing server for compatibility.
var SupportedWireRange = WireRange{Min: 0, Max: 21}

// Topology is an immutable aggregate snapshot of every known server.
// A new value is produced on every
// monitor update rather than mutating shared state in place, so
// description.Topology can be read without a lock once obtained.
type Topology struct {
	Kind    TopologyKind
	Servers map[address.Address]Server
	SetName string

	MaxElectionID *[12]byte
	MaxSetVersion *int64

	CompatibilityError error

	LogicalSessionTimeoutMinutes    int64
	HasLogicalSessionTimeoutMinutes bool
}

// IncompatibleServerError is returned by selection when CompatibilityError
// is set.
type IncompatibleServerError struct {
	Reason string
}

func (e *IncompatibleServerError) Error() string {
	return fmt.Sprintf("server is incompatible with this driver: %s", e.Reason)
}

// clone returns a shallow copy of t with its own Servers map, so callers can
// mutate the copy without affecting the original (every exported mutator in
// this file follows the copy-then-mutate convention).
func (t Topology) clone() Topology {
	servers := make(map[address.Address]Server, len(t.Servers))
	for k, v := range t.Servers {
		servers[k] = v
	}
	t.Servers = servers
	return t
}

// Apply folds one new Server observation into t and returns the resulting
// Topology, implementing the discovery state machine. It is a pure
// function: t is never mutated, and applying the same final update twice
// from the same starting point yields the same result.
func (t Topology) Apply(newServer Server) Topology {
	next := t.clone()

	if _, tracked := next.Servers[newServer.Addr]; !tracked {
		// A server was removed (e.g. no longer in any primary's host list)
		// between the time the monitor was spawned and this update arrived.
		// Ignore the stale observation.
		if t.Kind != TopologyUnknown && len(t.Servers) > 0 {
			if _, ok := t.Servers[newServer.Addr]; !ok {
				return t
			}
		}
	}

	switch next.Kind {
	case TopologyUnknown:
		next = next.applyToUnknown(newServer)
	case Single:
		// A Single topology never changes shape; it only refreshes the one
		// tracked server's description.
		next.Servers[newServer.Addr] = newServer
	case Sharded:
		next = next.applyToSharded(newServer)
	case ReplicaSetNoPrimary:
		next = next.applyToReplicaSetNoPrimary(newServer)
	case ReplicaSetWithPrimary:
		next = next.applyToReplicaSetWithPrimary(newServer)
	case LoadBalanced:
		next.Servers[newServer.Addr] = newServer
	}

	next.recomputeLogicalSessionTimeout()
	next.recomputeCompatibility()
	return next
}

func (t Topology) applyToUnknown(s Server) Topology {
	switch s.Kind {
	case Unknown:
		t.Servers[s.Addr] = s
		return t
	case Standalone:
		if len(t.Servers) > 1 {
			// More than one seed with a Standalone response is an error
			// so demote the offending server to Unknown
			// rather than changing topology shape.
			s.Kind = Unknown
			s.LastError = fmt.Errorf("standalone server %s observed in a multi-seed topology", s.Addr)
			t.Servers[s.Addr] = s
			return t
		}
		t.Kind = Single
		t.Servers[s.Addr] = s
		return t
	case Mongos:
		t.Kind = Sharded
		t.Servers[s.Addr] = s
		return t
	case RSPrimary:
		t.Servers[s.Addr] = s
		t = t.updateRSFromPrimary(s)
		return t
	case RSSecondary, RSArbiter, RSOther:
		t.Kind = ReplicaSetNoPrimary
		if t.SetName == "" {
			t.SetName = s.ReplicaSetName
		}
		t.Servers[s.Addr] = s
		t.addHosts(s)
		return t
	default:
		// RSGhost, PossiblePrimary: keep topology Unknown but still record
		// the observation for diagnostics.
		t.Servers[s.Addr] = s
		return t
	}
}

func (t Topology) applyToSharded(s Server) Topology {
	if s.Kind != Mongos && s.Kind != Unknown {
		// A non-Mongos observation while Sharded demotes that server only;
		// the cluster stays Sharded.
		s = NewServerFromError(s.Addr, fmt.Errorf("non-mongos server %s observed in sharded topology", s.Addr), s.TopologyVersion)
	}
	t.Servers[s.Addr] = s
	return t
}

func (t Topology) applyToReplicaSetNoPrimary(s Server) Topology {
	switch s.Kind {
	case RSPrimary:
		t.Servers[s.Addr] = s
		t = t.updateRSFromPrimary(s)
	case RSSecondary, RSArbiter, RSOther:
		if !t.checkSetName(s) {
			s = NewServerFromError(s.Addr, fmt.Errorf("server %s reports setName %q, expected %q", s.Addr, s.ReplicaSetName, t.SetName), s.TopologyVersion)
			t.Servers[s.Addr] = s
			return t
		}
		t.Servers[s.Addr] = s
		t.addHosts(s)
	default:
		t.Servers[s.Addr] = s
	}
	return t
}

func (t Topology) applyToReplicaSetWithPrimary(s Server) Topology {
	switch s.Kind {
	case RSPrimary:
		if !t.checkSetName(s) {
			// A primary reporting a foreign setName is demoted rather than
			// trusted.
			s = NewServerFromError(s.Addr, fmt.Errorf("server %s reports setName %q, expected %q", s.Addr, s.ReplicaSetName, t.SetName), s.TopologyVersion)
			t.Servers[s.Addr] = s
			return t.demoteIfNoPrimaryRemains()
		}
		if t.isStaleElection(s) {
			// Ignore a primary observation with a stale electionId; it is
			// an artifact of a partitioned former primary.
			return t
		}
		// Any existing primary is demoted before installing the new one.
		for addr, existing := range t.Servers {
			if existing.Kind == RSPrimary && addr != s.Addr {
				existing.Kind = Unknown
				t.Servers[addr] = existing
			}
		}
		t.Servers[s.Addr] = s
		t.updateMaxElectionAndVersion(s)
		t.addHosts(s)
		return t
	case RSSecondary, RSArbiter, RSOther:
		if !t.checkSetName(s) {
			s = NewServerFromError(s.Addr, fmt.Errorf("server %s reports setName %q, expected %q", s.Addr, s.ReplicaSetName, t.SetName), s.TopologyVersion)
			t.Servers[s.Addr] = s
			return t.demoteIfNoPrimaryRemains()
		}
		t.Servers[s.Addr] = s
		t.addHosts(s)
		return t.demoteIfNoPrimaryRemains()
	default:
		// Unknown/RSGhost/network-error observation of a known member: if it
		// was the primary, the topology loses its primary.
		t.Servers[s.Addr] = s
		return t.demoteIfNoPrimaryRemains()
	}
}

func (t Topology) updateRSFromPrimary(s Server) Topology {
	if t.SetName == "" {
		t.SetName = s.ReplicaSetName
	} else if t.SetName != s.ReplicaSetName {
		s = NewServerFromError(s.Addr, fmt.Errorf("server %s reports setName %q, expected %q", s.Addr, s.ReplicaSetName, t.SetName), s.TopologyVersion)
		t.Servers[s.Addr] = s
		t.Kind = ReplicaSetNoPrimary
		return t
	}

	if t.isStaleElection(s) {
		t.Kind = ReplicaSetNoPrimary
		return t
	}

	for addr, existing := range t.Servers {
		if existing.Kind == RSPrimary && addr != s.Addr {
			existing.Kind = Unknown
			t.Servers[addr] = existing
		}
	}

	t.Kind = ReplicaSetWithPrimary
	t.Servers[s.Addr] = s
	t.updateMaxElectionAndVersion(s)
	t.addHosts(s)
	return t
}

func (t *Topology) updateMaxElectionAndVersion(s Server) {
	if s.SetVersion != nil && s.ElectionID != nil {
		if t.MaxSetVersion == nil || *s.SetVersion > *t.MaxSetVersion {
			v := *s.SetVersion
			t.MaxSetVersion = &v
			e := *s.ElectionID
			t.MaxElectionID = &e
		} else if *s.SetVersion == *t.MaxSetVersion && s.ElectionID != nil {
			if t.MaxElectionID == nil || bytesGreater(s.ElectionID[:], t.MaxElectionID[:]) {
				e := *s.ElectionID
				t.MaxElectionID = &e
			}
		}
	}
}

func (t Topology) isStaleElection(s Server) bool {
	if s.SetVersion == nil || s.ElectionID == nil || t.MaxSetVersion == nil || t.MaxElectionID == nil {
		return false
	}
	if *s.SetVersion < *t.MaxSetVersion {
		return true
	}
	if *s.SetVersion == *t.MaxSetVersion && bytesGreater(t.MaxElectionID[:], s.ElectionID[:]) {
		return true
	}
	return false
}

func bytesGreater(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

func (t Topology) checkSetName(s Server) bool {
	return t.SetName == "" || t.SetName == s.ReplicaSetName
}

// addHosts ensures every host/passive/arbiter published by an RS member is
// tracked as Unknown, so a member published only by its peers still gets
// a monitor.
func (t *Topology) addHosts(s Server) {
	add := func(addr string) {
		a := address.Address(addr).Canonicalize()
		if _, ok := t.Servers[a]; !ok {
			t.Servers[a] = NewDefaultServer(a)
		}
	}
	for _, h := range s.Hosts {
		add(h)
	}
	for _, h := range s.Passives {
		add(h)
	}
	for _, h := range s.Arbiters {
		add(h)
	}
}

// demoteIfNoPrimaryRemains downgrades t to ReplicaSetNoPrimary if no tracked
// server currently reports RSPrimary.
func (t Topology) demoteIfNoPrimaryRemains() Topology {
	for _, s := range t.Servers {
		if s.Kind == RSPrimary {
			return t
		}
	}
	t.Kind = ReplicaSetNoPrimary
	return t
}

// RemoveServer drops addr from the tracked set, used when a primary's host
// list no longer includes a previously known member.
func (t Topology) RemoveServer(addr address.Address) Topology {
	next := t.clone()
	delete(next.Servers, addr)
	return next
}

func (t *Topology) recomputeLogicalSessionTimeout() {
	var min int64
	set := false
	for _, s := range t.Servers {
		if !s.Kind.IsDataBearing() {
			continue
		}
		if !s.HasLogicalSessionTimeoutMinutes {
			// One data-bearing server without a timeout leaves the topology
			// without one.
			min, set = 0, false
			break
		}
		if !set || s.LogicalSessionTimeoutMinutes < min {
			min = s.LogicalSessionTimeoutMinutes
			set = true
		}
	}
	t.HasLogicalSessionTimeoutMinutes = set
	t.LogicalSessionTimeoutMinutes = min
}

func (t *Topology) recomputeCompatibility() {
	t.CompatibilityError = nil
	for _, s := range t.Servers {
		if !s.Kind.IsDataBearing() || !s.HasWireVersion {
			continue
		}
		if !s.WireVersion.Overlaps(SupportedWireRange) {
			t.CompatibilityError = &IncompatibleServerError{
				Reason: fmt.Sprintf(
					"server %s reports wire version range [%d, %d], driver supports [%d, %d]",
					s.Addr, s.WireVersion.Min, s.WireVersion.Max, SupportedWireRange.Min, SupportedWireRange.Max,
				),
			}
			return
		}
	}
}

// HasServer reports whether addr is currently tracked.
func (t Topology) HasServer(addr address.Address) bool {
	_, ok := t.Servers[addr]
	return ok
}

// NewFromSeeds builds the initial Topology from a list of seed addresses and
// the candidate kind derived from the URI.
func NewFromSeeds(kind TopologyKind, seeds []address.Address) Topology {
	servers := make(map[address.Address]Server, len(seeds))
	for _, a := range seeds {
		ca := a.Canonicalize()
		servers[ca] = NewDefaultServer(ca)
	}
	return Topology{Kind: kind, Servers: servers}
}
