// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description holds immutable snapshots of server and topology
// state and the topology state machine.
package description

import (
	"time"

	"github.com/ferrumdb/godriver/address"
)

// ServerKind enumerates the observed role of a single server.
type ServerKind uint32

// Recognized server kinds.
const (
	Unknown ServerKind = iota
	Standalone
	Mongos
	RSPrimary
	RSSecondary
	RSArbiter
	RSOther
	RSGhost
	PossiblePrimary
	LoadBalancer
)

func (k ServerKind) String() string {
	switch k {
	case Standalone:
		return "Standalone"
	case Mongos:
		return "Mongos"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case RSOther:
		return "RSOther"
	case RSGhost:
		return "RSGhost"
	case PossiblePrimary:
		return "PossiblePrimary"
	case LoadBalancer:
		return "LoadBalancer"
	default:
		return "Unknown"
	}
}

// IsDataBearing reports whether a server of this kind can serve reads or
// writes (used to compute logicalSessionTimeoutMinutes and compatibility).
func (k ServerKind) IsDataBearing() bool {
	switch k {
	case Standalone, Mongos, RSPrimary, RSSecondary:
		return true
	default:
		return false
	}
}

// WireRange is the inclusive [Min, Max] wire version window a server or this
// driver supports.
type WireRange struct {
	Min int32
	Max int32
}

// Overlaps reports whether two wire version windows share at least one
// version, the compatibility check applied across data-bearing servers.
func (r WireRange) Overlaps(other WireRange) bool {
	return r.Min <= other.Max && other.Min <= r.Max
}

// Server is an immutable snapshot of one server's observed state.
// Immutability lets it be shared freely
// between monitors and selectors without copying.
type Server struct {
	Addr address.Address
	Kind ServerKind

	AverageRTT    time.Duration
	AverageRTTSet bool

	LastUpdateTime time.Time
	LastWriteDate  time.Time
	HasLastWrite   bool

	ReplicaSetName string
	ElectionID     *[12]byte
	SetVersion     *int64
	Primary        address.Address // PossiblePrimary / RSGhost hint

	Hosts    []string
	Passives []string
	Arbiters []string
	Tags     map[string]string

	WireVersion         WireRange
	HasWireVersion      bool
	MaxBSONObjectSize   int64
	MaxMessageSizeBytes int64
	MaxWriteBatchSize   int64

	LogicalSessionTimeoutMinutes    int64
	HasLogicalSessionTimeoutMinutes bool

	TopologyVersion *TopologyVersion

	// Compression is the list of compressor names the server selected from
	// the driver's handshake offer, in server preference order.
	Compression []string

	LastError error
}

// TopologyVersion tracks the monotonic (processId, counter) pair servers
// stamp on SDAM-relevant errors so stale error reports never regress a
// description derived from a newer heartbeat.
type TopologyVersion struct {
	ProcessID [12]byte
	Counter   int64
}

// CompareTopologyVersion returns -1, 0, or 1 as a compares before, equal to,
// or after b. A nil TopologyVersion is considered oldest.
func CompareTopologyVersion(a, b *TopologyVersion) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if a.ProcessID != b.ProcessID {
		// Different processes are incomparable; treat as newer to be safe
		// and allow the update through.
		return -1
	}
	switch {
	case a.Counter < b.Counter:
		return -1
	case a.Counter > b.Counter:
		return 1
	default:
		return 0
	}
}

// NewDefaultServer returns the initial Unknown description for a freshly
// added address, before it has ever been probed.
func NewDefaultServer(addr address.Address) Server {
	return Server{
		Addr: addr,
		Kind: Unknown,
	}
}

// NewServerFromError returns an Unknown description carrying lastError,
// preserving topologyVersion continuity for staleness comparison.
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) Server {
	return Server{
		Addr:            addr,
		Kind:            Unknown,
		LastError:       err,
		TopologyVersion: tv,
	}
}

// SetAverageRTT returns a copy of d with the EWMA round-trip time updated.
func (d Server) SetAverageRTT(rtt time.Duration) Server {
	d.AverageRTT = rtt
	d.AverageRTTSet = true
	return d
}

// MatchesTags reports whether d's tags are a superset of the given tag set,
// the tag-set selection filter. An empty tag set always matches.
func (d Server) MatchesTags(tagSet map[string]string) bool {
	for k, v := range tagSet {
		if d.Tags[k] != v {
			return false
		}
	}
	return true
}
