// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"time"
)

// OperationKind distinguishes read/write intent for retry classification.
type OperationKind uint8

// Recognized operation kinds.
const (
	ReadOperation OperationKind = iota
	WriteOperation
)

// ReadPrefMode is the selection mode portion of a read preference.
type ReadPrefMode uint8

// Recognized read preference modes.
const (
	PrimaryMode ReadPrefMode = iota
	PrimaryPreferredMode
	SecondaryMode
	SecondaryPreferredMode
	NearestMode
)

// ReadPreference is a tagged-variant read preference.
type ReadPreference struct {
	Mode                 ReadPrefMode
	TagSets              []map[string]string
	MaxStalenessSeconds  int
	HasMaxStaleness      bool
}

// Primary is the zero-configuration primary read preference.
func Primary() ReadPreference { return ReadPreference{Mode: PrimaryMode} }

// SelectionError is returned when no server satisfies a selection policy
// within the deadline.
type SelectionError struct {
	Topology Topology
	Reason   string
}

func (e *SelectionError) Error() string {
	return "server selection error: " + e.Reason
}

// minMaxStaleness and idleWritePeriod set maxStalenessSeconds' lower bound.
const minMaxStaleness = 90 * time.Second
const idleWritePeriod = 10 * time.Second

// SelectServers applies the full filter pipeline — topology rules, max
// staleness, tag sets, latency window — to t and returns the eligible
// candidates. The final random pick is left to the caller so tests can
// substitute a deterministic tie-break.
func SelectServers(t Topology, rp ReadPreference, heartbeatInterval time.Duration, localThreshold time.Duration) ([]Server, error) {
	if t.CompatibilityError != nil {
		return nil, t.CompatibilityError
	}

	candidates := filterByTopologyRules(t, rp)
	candidates, err := filterByStaleness(candidates, t, rp, heartbeatInterval)
	if err != nil {
		return nil, err
	}
	candidates = filterByTags(candidates, rp)
	candidates = filterByLatency(candidates, localThreshold)

	return candidates, nil
}

func filterByTopologyRules(t Topology, rp ReadPreference) []Server {
	var out []Server

	switch t.Kind {
	case Single:
		for _, s := range t.Servers {
			out = append(out, s)
		}
		return out
	case Sharded, LoadBalanced:
		for _, s := range t.Servers {
			if s.Kind == Mongos || s.Kind == LoadBalancer {
				out = append(out, s)
			}
		}
		return out
	case ReplicaSetWithPrimary, ReplicaSetNoPrimary:
		var primary *Server
		var secondaries []Server
		for addr, s := range t.Servers {
			s := s
			if s.Kind == RSPrimary {
				p := t.Servers[addr]
				primary = &p
			} else if s.Kind == RSSecondary {
				secondaries = append(secondaries, s)
			}
		}

		switch rp.Mode {
		case PrimaryMode:
			if primary != nil {
				out = append(out, *primary)
			}
		case PrimaryPreferredMode:
			if primary != nil {
				out = append(out, *primary)
			} else {
				out = append(out, secondaries...)
			}
		case SecondaryMode:
			out = append(out, secondaries...)
		case SecondaryPreferredMode:
			if len(secondaries) > 0 {
				out = append(out, secondaries...)
			} else if primary != nil {
				out = append(out, *primary)
			}
		case NearestMode:
			if primary != nil {
				out = append(out, *primary)
			}
			out = append(out, secondaries...)
		}
		return out
	default:
		return nil
	}
}

func filterByStaleness(candidates []Server, t Topology, rp ReadPreference, heartbeatInterval time.Duration) ([]Server, error) {
	if rp.Mode == PrimaryMode || !rp.HasMaxStaleness {
		return candidates, nil
	}

	bound := time.Duration(rp.MaxStalenessSeconds) * time.Second
	minBound := heartbeatInterval + idleWritePeriod
	if minBound < minMaxStaleness {
		minBound = minMaxStaleness
	}
	if bound < minBound {
		return nil, &SelectionError{Topology: t, Reason: "maxStalenessSeconds is below the minimum allowed bound"}
	}

	if t.Kind != ReplicaSetNoPrimary && t.Kind != ReplicaSetWithPrimary {
		return candidates, nil
	}

	var referenceTime time.Time
	var primary *Server
	for _, s := range t.Servers {
		if s.Kind == RSPrimary {
			p := s
			primary = &p
			break
		}
	}

	if primary != nil {
		referenceTime = primary.LastWriteDate
	} else {
		// No primary: use the freshest secondary as the reference clock.
		for _, s := range t.Servers {
			if s.Kind != RSSecondary || !s.HasLastWrite {
				continue
			}
			if referenceTime.IsZero() || s.LastWriteDate.After(referenceTime) {
				referenceTime = s.LastWriteDate
			}
		}
	}

	if referenceTime.IsZero() {
		return candidates, nil
	}

	var fresh []Server
	for _, s := range candidates {
		if s.Kind == RSPrimary {
			fresh = append(fresh, s)
			continue
		}
		if !s.HasLastWrite {
			continue
		}
		staleness := referenceTime.Sub(s.LastWriteDate)
		if staleness <= bound {
			fresh = append(fresh, s)
		}
	}
	return fresh, nil
}

func filterByTags(candidates []Server, rp ReadPreference) []Server {
	if len(rp.TagSets) == 0 {
		return candidates
	}

	// "The first tag set that matches at least one candidate".
	for _, tagSet := range rp.TagSets {
		var matched []Server
		for _, s := range candidates {
			if s.MatchesTags(tagSet) {
				matched = append(matched, s)
			}
		}
		if len(matched) > 0 {
			return matched
		}
	}
	return nil
}

func filterByLatency(candidates []Server, localThreshold time.Duration) []Server {
	if len(candidates) == 0 {
		return candidates
	}

	min := candidates[0].AverageRTT
	for _, s := range candidates[1:] {
		if s.AverageRTT < min {
			min = s.AverageRTT
		}
	}

	var out []Server
	for _, s := range candidates {
		if s.AverageRTT <= min+localThreshold {
			out = append(out, s)
		}
	}
	return out
}
