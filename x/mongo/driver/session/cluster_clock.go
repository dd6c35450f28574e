// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"bytes"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// ClusterClock tracks the greatest $clusterTime observed from any server
// reply and gossips it back on every subsequent command that supports
// sessions.
type ClusterClock struct {
	mu    sync.Mutex
	value bson.Raw
}

// NewClusterClock constructs an empty ClusterClock.
func NewClusterClock() *ClusterClock {
	return &ClusterClock{}
}

// AdvanceClusterTime updates the clock if candidate is newer than the
// current value. Comparison is performed on the embedded clusterTime
// timestamp field of the signed document.
func (c *ClusterClock) AdvanceClusterTime(candidate bson.Raw) {
	if len(candidate) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value == nil || clusterTimeGreater(candidate, c.value) {
		c.value = append(bson.Raw(nil), candidate...)
	}
}

// GetClusterTime returns the current greatest clusterTime, or nil if none
// has been observed.
func (c *ClusterClock) GetClusterTime() bson.Raw {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func clusterTimeGreater(a, b bson.Raw) bool {
	av, aerr := a.LookupErr("clusterTime")
	bv, berr := b.LookupErr("clusterTime")
	if aerr != nil || berr != nil {
		return false
	}
	at, ai, aok := av.TimestampOK()
	bt, bi, bok := bv.TimestampOK()
	if !aok || !bok {
		return bytes.Compare(a, b) > 0
	}
	if at != bt {
		return at > bt
	}
	return ai > bi
}
