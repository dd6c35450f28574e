// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"github.com/ferrumdb/godriver/address"
	"github.com/ferrumdb/godriver/description"
	"github.com/ferrumdb/godriver/internal/logger"
)

type topologyChangedMessage struct {
	previous description.TopologyKind
	current  description.TopologyKind
}

func (m topologyChangedMessage) Component() logger.Component { return logger.ComponentTopology }

func (m topologyChangedMessage) Serialize() []interface{} {
	return []interface{}{"previousDescription", m.previous.String(), "newDescription", m.current.String()}
}

func (m topologyChangedMessage) String() string { return "Topology description changed" }

type serverHeartbeatFailedMessage struct {
	addr address.Address
	err  error
}

func (m serverHeartbeatFailedMessage) Component() logger.Component { return logger.ComponentTopology }

func (m serverHeartbeatFailedMessage) Serialize() []interface{} {
	return []interface{}{"serverHost", m.addr.String(), "failure", m.err.Error()}
}

func (m serverHeartbeatFailedMessage) String() string { return "Server heartbeat failed" }
