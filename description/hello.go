// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/ferrumdb/godriver/address"
)

// NewServer builds a ServerDescription from a hello (or legacy isMaster)
// reply. The server kind is derived from the reply's role flags, and every
// known field is extracted; fields the reply omits keep their
// zero values with the matching Has* flag unset.
func NewServer(addr address.Address, reply bsoncore.Document) Server {
	desc := Server{Addr: addr, Kind: Unknown, LastUpdateTime: time.Now().UTC()}

	elements, err := reply.Elements()
	if err != nil {
		desc.LastError = err
		return desc
	}

	var ok, isWritablePrimary, secondary, arbiterOnly, hidden, isreplicaset bool
	var msg string
	var serviceID bool

	for _, element := range elements {
		switch element.Key() {
		case "ok":
			okVal, exists := numericOK(element.Value())
			if !exists {
				desc.LastError = fmt.Errorf("expected 'ok' to be a number but it's a BSON %s", element.Value().Type)
				return desc
			}
			ok = okVal
		case "isWritablePrimary", "ismaster":
			isWritablePrimary, _ = element.Value().BooleanOK()
		case "secondary":
			secondary, _ = element.Value().BooleanOK()
		case "arbiterOnly":
			arbiterOnly, _ = element.Value().BooleanOK()
		case "hidden":
			hidden, _ = element.Value().BooleanOK()
		case "isreplicaset":
			isreplicaset, _ = element.Value().BooleanOK()
		case "msg":
			msg, _ = element.Value().StringValueOK()
		case "serviceId":
			serviceID = true
		case "setName":
			desc.ReplicaSetName, _ = element.Value().StringValueOK()
		case "setVersion":
			if v, exists := element.Value().AsInt64OK(); exists {
				desc.SetVersion = &v
			}
		case "electionId":
			if oid, exists := element.Value().ObjectIDOK(); exists {
				id := [12]byte(oid)
				desc.ElectionID = &id
			}
		case "primary":
			if p, exists := element.Value().StringValueOK(); exists {
				desc.Primary = address.Address(p).Canonicalize()
			}
		case "hosts":
			desc.Hosts = stringSlice(element.Value())
		case "passives":
			desc.Passives = stringSlice(element.Value())
		case "arbiters":
			desc.Arbiters = stringSlice(element.Value())
		case "tags":
			desc.Tags = stringMap(element.Value())
		case "minWireVersion":
			if v, exists := element.Value().AsInt64OK(); exists {
				desc.WireVersion.Min = int32(v)
				desc.HasWireVersion = true
			}
		case "maxWireVersion":
			if v, exists := element.Value().AsInt64OK(); exists {
				desc.WireVersion.Max = int32(v)
				desc.HasWireVersion = true
			}
		case "maxBsonObjectSize":
			desc.MaxBSONObjectSize, _ = element.Value().AsInt64OK()
		case "maxMessageSizeBytes":
			desc.MaxMessageSizeBytes, _ = element.Value().AsInt64OK()
		case "maxWriteBatchSize":
			desc.MaxWriteBatchSize, _ = element.Value().AsInt64OK()
		case "logicalSessionTimeoutMinutes":
			if v, exists := element.Value().AsInt64OK(); exists {
				desc.LogicalSessionTimeoutMinutes = v
				desc.HasLogicalSessionTimeoutMinutes = true
			}
		case "lastWrite":
			if lastWrite, exists := element.Value().DocumentOK(); exists {
				if dt, dtErr := lastWrite.LookupErr("lastWriteDate"); dtErr == nil {
					if ms, msOK := dt.DateTimeOK(); msOK {
						desc.LastWriteDate = time.Unix(ms/1000, (ms%1000)*1_000_000).UTC()
						desc.HasLastWrite = true
					}
				}
			}
		case "compression":
			if arr, exists := element.Value().ArrayOK(); exists {
				if values, vErr := arr.Values(); vErr == nil {
					for _, val := range values {
						if s, sOK := val.StringValueOK(); sOK {
							desc.Compression = append(desc.Compression, s)
						}
					}
				}
			}
		case "topologyVersion":
			if tvDoc, exists := element.Value().DocumentOK(); exists {
				desc.TopologyVersion = parseTopologyVersion(tvDoc)
			}
		}
	}

	if !ok {
		desc.LastError = fmt.Errorf("server at %s reported ok:0 to hello", addr)
		return desc
	}

	desc.Kind = Standalone
	switch {
	case serviceID:
		desc.Kind = LoadBalancer
	case isreplicaset:
		desc.Kind = RSGhost
	case desc.ReplicaSetName != "" && isWritablePrimary:
		desc.Kind = RSPrimary
	case desc.ReplicaSetName != "" && secondary && !hidden:
		desc.Kind = RSSecondary
	case desc.ReplicaSetName != "" && arbiterOnly:
		desc.Kind = RSArbiter
	case desc.ReplicaSetName != "":
		desc.Kind = RSOther
	case msg == "isdbgrid":
		desc.Kind = Mongos
	}

	return desc
}

// ParseTopologyVersionFromError extracts a TopologyVersion from a server
// error document's topologyVersion field, used to guard SDAM error handling
// against stale reports.
func ParseTopologyVersionFromError(errDoc bsoncore.Document) *TopologyVersion {
	tv, err := errDoc.LookupErr("topologyVersion")
	if err != nil {
		return nil
	}
	tvDoc, ok := tv.DocumentOK()
	if !ok {
		return nil
	}
	return parseTopologyVersion(tvDoc)
}

func parseTopologyVersion(doc bsoncore.Document) *TopologyVersion {
	pid, err := doc.LookupErr("processId")
	if err != nil {
		return nil
	}
	oid, ok := pid.ObjectIDOK()
	if !ok {
		return nil
	}
	counterVal, err := doc.LookupErr("counter")
	if err != nil {
		return nil
	}
	counter, ok := counterVal.Int64OK()
	if !ok {
		return nil
	}
	return &TopologyVersion{ProcessID: [12]byte(oid), Counter: counter}
}

func numericOK(v bsoncore.Value) (bool, bool) {
	if f, ok := v.DoubleOK(); ok {
		return f == 1, true
	}
	if i, ok := v.Int32OK(); ok {
		return i == 1, true
	}
	if i, ok := v.Int64OK(); ok {
		return i == 1, true
	}
	return false, false
}

func stringSlice(v bsoncore.Value) []string {
	arr, ok := v.ArrayOK()
	if !ok {
		return nil
	}
	values, err := arr.Values()
	if err != nil {
		return nil
	}
	var out []string
	for _, val := range values {
		if s, sOK := val.StringValueOK(); sOK {
			out = append(out, string(address.Address(s).Canonicalize()))
		}
	}
	return out
}

func stringMap(v bsoncore.Value) map[string]string {
	doc, ok := v.DocumentOK()
	if !ok {
		return nil
	}
	elements, err := doc.Elements()
	if err != nil {
		return nil
	}
	out := make(map[string]string, len(elements))
	for _, element := range elements {
		if s, sOK := element.Value().StringValueOK(); sOK {
			out[element.Key()] = s
		}
	}
	return out
}
