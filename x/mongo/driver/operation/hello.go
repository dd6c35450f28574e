// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"os"
	"runtime"
	"strconv"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/ferrumdb/godriver/address"
	"github.com/ferrumdb/godriver/description"
	"github.com/ferrumdb/godriver/wiremessage"
	driverpkg "github.com/ferrumdb/godriver/x/mongo/driver"
	"github.com/ferrumdb/godriver/x/mongo/driver/auth"
	"github.com/ferrumdb/godriver/x/mongo/driver/session"
)

// maxClientMetadataSize bounds the client document embedded in the
// handshake. The tightest server-side limit (sharded clusters) is 512 bytes;
// metadata that would exceed it is truncated from the optional fields
// backwards.
const maxClientMetadataSize = 512

const driverName = "ferrumdb-go-driver"
const driverVersion = "0.9.0"

// minOpMsgWireVersion is the first wire version that speaks OP_MSG; the
// handshake on servers below it (or of unknown version) uses the legacy
// OP_QUERY framing.
const minOpMsgWireVersion = 6

// Hello runs the connection handshake: it sends the initial
// hello (or legacy isMaster) with client metadata and optional
// authentication speculation, and parses the reply into a ServerDescription.
type Hello struct {
	appname         string
	compressors     []string
	authenticator   auth.Authenticator
	credential      auth.Credential
	clock           *session.ClusterClock
	serverAPI       *driverpkg.ServerAPIOptions
	loadBalanced    bool

	res bsoncore.Document
}

// NewHello constructs a Hello.
func NewHello() *Hello { return &Hello{} }

// AppName sets the application name reported in the client metadata.
func (h *Hello) AppName(appname string) *Hello {
	h.appname = appname
	return h
}

// Compressors sets the compressor names offered to the server.
func (h *Hello) Compressors(compressors []string) *Hello {
	h.compressors = compressors
	return h
}

// Authenticator configures speculative authentication and the post-hello
// SASL conversation.
func (h *Hello) Authenticator(a auth.Authenticator, cred auth.Credential) *Hello {
	h.authenticator = a
	h.credential = cred
	return h
}

// ClusterClock sets the cluster clock advanced from the handshake reply.
func (h *Hello) ClusterClock(clock *session.ClusterClock) *Hello {
	h.clock = clock
	return h
}

// ServerAPI pins the server API version. When set, the handshake always uses
// OP_MSG "hello" rather than the legacy framing.
func (h *Hello) ServerAPI(api *driverpkg.ServerAPIOptions) *Hello {
	h.serverAPI = api
	return h
}

// LoadBalanced marks the handshake as targeting a load balancer, which
// requires OP_MSG and the loadBalanced flag in the command.
func (h *Hello) LoadBalanced(lb bool) *Hello {
	h.loadBalanced = lb
	return h
}

// Result parses the most recent handshake reply into a ServerDescription.
func (h *Hello) Result(addr address.Address) description.Server {
	return description.NewServer(addr, h.res)
}

var _ driverpkg.Handshaker = (*Hello)(nil)

// Handshake implements driver.Handshaker. The first exchange on a connection
// carries the full client metadata and, if configured, a speculative
// authentication document; subsequent exchanges on an already-described
// connection (monitor re-checks) send the trimmed form.
func (h *Hello) Handshake(ctx context.Context, addr address.Address, conn driverpkg.Connection) (description.Server, error) {
	firstExchange := !conn.Description().HasWireVersion

	var speculative bsoncore.Document
	if firstExchange && h.authenticator != nil {
		doc, err := h.authenticator.SpeculativeAuthenticate(ctx, h.credential)
		if err != nil {
			return description.Server{}, &driverpkg.AuthenticationError{Wrapped: err, Message: "building speculative authentication document"}
		}
		speculative = doc
	}

	useOpMsg := h.serverAPI != nil || h.loadBalanced ||
		(conn.Description().HasWireVersion && conn.Description().WireVersion.Max >= minOpMsgWireVersion)

	cmd, err := h.command(useOpMsg, firstExchange, speculative)
	if err != nil {
		return description.Server{}, err
	}

	reply, err := h.roundTrip(ctx, conn, cmd, useOpMsg)
	if err != nil {
		return description.Server{}, err
	}
	h.res = reply

	if h.clock != nil {
		if ct, ctErr := reply.LookupErr("$clusterTime"); ctErr == nil {
			if ctDoc, ctOK := ct.DocumentOK(); ctOK {
				h.clock.AdvanceClusterTime(append([]byte(nil), ctDoc...))
			}
		}
	}

	desc := description.NewServer(addr, reply)
	if desc.LastError != nil {
		return desc, desc.LastError
	}

	if firstExchange && h.authenticator != nil {
		var speculativeReply bsoncore.Document
		if sr, srErr := reply.LookupErr("speculativeAuthenticate"); srErr == nil {
			speculativeReply, _ = sr.DocumentOK()
		}
		send := func(ctx context.Context, cmd bsoncore.Document) (bsoncore.Document, error) {
			return h.roundTripAuth(ctx, conn, cmd, desc)
		}
		if err := h.authenticator.Finish(ctx, h.credential, speculativeReply, send); err != nil {
			return desc, &driverpkg.AuthenticationError{Wrapped: err, Message: "completing SASL conversation"}
		}
	}

	return desc, nil
}

// NegotiatedCompressor resolves the server's chosen compressor from the most
// recent handshake reply: the first name in the reply's compression array
// that this driver also offered.
func (h *Hello) NegotiatedCompressor() wiremessage.CompressorID {
	if h.res == nil {
		return wiremessage.CompressorNoop
	}
	val, err := h.res.LookupErr("compression")
	if err != nil {
		return wiremessage.CompressorNoop
	}
	arr, ok := val.ArrayOK()
	if !ok {
		return wiremessage.CompressorNoop
	}
	values, err := arr.Values()
	if err != nil {
		return wiremessage.CompressorNoop
	}
	for _, v := range values {
		name, sOK := v.StringValueOK()
		if !sOK {
			continue
		}
		offered := false
		for _, o := range h.compressors {
			if o == name {
				offered = true
				break
			}
		}
		if !offered {
			continue
		}
		if id, known := wiremessage.CompressorByName(name); known {
			return id
		}
	}
	return wiremessage.CompressorNoop
}

// command builds the hello/isMaster body. The legacy spelling is kept for
// the OP_QUERY path so pre-OP_MSG servers recognize the command; helloOk
// asks newer servers to accept "hello" on subsequent exchanges.
func (h *Hello) command(useOpMsg, firstExchange bool, speculative bsoncore.Document) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	if useOpMsg {
		dst = bsoncore.AppendInt32Element(dst, "hello", 1)
	} else {
		dst = bsoncore.AppendInt32Element(dst, "isMaster", 1)
		dst = bsoncore.AppendBooleanElement(dst, "helloOk", true)
	}

	if h.loadBalanced {
		dst = bsoncore.AppendBooleanElement(dst, "loadBalanced", true)
	}

	if firstExchange {
		clientDoc, err := encodeClientMetadata(h.appname, maxClientMetadataSize)
		if err == nil && len(clientDoc) > 0 {
			dst = bsoncore.AppendDocumentElement(dst, "client", clientDoc)
		}

		if len(h.compressors) > 0 {
			cIdx, cDst := bsoncore.AppendArrayElementStart(dst, "compression")
			for i, name := range h.compressors {
				cDst = bsoncore.AppendStringElement(cDst, strconv.Itoa(i), name)
			}
			dst, err = bsoncore.AppendArrayEnd(cDst, cIdx)
			if err != nil {
				return nil, err
			}
		}

		if len(speculative) > 0 {
			dst = bsoncore.AppendDocumentElement(dst, "speculativeAuthenticate", speculative)
		}
	}

	if useOpMsg {
		dst = bsoncore.AppendStringElement(dst, "$db", "admin")
		dst = h.serverAPI.Append(dst)
	}

	return bsoncore.AppendDocumentEnd(dst, idx)
}

func (h *Hello) roundTrip(ctx context.Context, conn driverpkg.Connection, cmd bsoncore.Document, useOpMsg bool) (bsoncore.Document, error) {
	var wm []byte
	var err error
	requestID := nextRequestID()

	if useOpMsg {
		wm, err = wiremessage.EncodeMsg(requestID, 0, cmd, nil, 0)
	} else {
		wm, err = wiremessage.EncodeQuery(requestID, wiremessage.Query{
			FullCollectionName: "admin.$cmd",
			NumberToReturn:     -1,
			Query:              cmd,
		})
	}
	if err != nil {
		return nil, err
	}

	if err := conn.WriteWireMessage(ctx, wm); err != nil {
		return nil, err
	}
	header, body, err := conn.ReadWireMessage(ctx)
	if err != nil {
		return nil, err
	}

	switch header.OpCode {
	case wiremessage.OpMsg:
		msg, err := wiremessage.DecodeMsg(header, body)
		if err != nil {
			return nil, err
		}
		return msg.Body, nil
	case wiremessage.OpReply:
		reply, err := wiremessage.DecodeReply(body)
		if err != nil {
			return nil, err
		}
		if len(reply.Documents) == 0 {
			return nil, &wiremessage.ProtocolError{Reason: "OP_REPLY to handshake carried no documents"}
		}
		return reply.Documents[0], nil
	default:
		return nil, &wiremessage.ProtocolError{Reason: "unexpected opcode in handshake reply"}
	}
}

// roundTripAuth sends one SASL command on the handshake connection, using
// the framing the just-described server supports, and surfaces ok:0 replies
// as errors so the SCRAM conversation fails loudly.
func (h *Hello) roundTripAuth(ctx context.Context, conn driverpkg.Connection, cmd bsoncore.Document, desc description.Server) (bsoncore.Document, error) {
	useOpMsg := desc.HasWireVersion && desc.WireVersion.Max >= minOpMsgWireVersion

	var full bsoncore.Document
	if useOpMsg {
		idx, dst := bsoncore.AppendDocumentStart(nil)
		elements, err := cmd.Elements()
		if err != nil {
			return nil, err
		}
		for _, element := range elements {
			dst = append(dst, element...)
		}
		dst = bsoncore.AppendStringElement(dst, "$db", authSource(h.credential))
		full, err = bsoncore.AppendDocumentEnd(dst, idx)
		if err != nil {
			return nil, err
		}
	} else {
		full = cmd
	}

	reply, err := h.roundTrip(ctx, conn, full, useOpMsg)
	if err != nil {
		return nil, err
	}
	if cmdErr := classifyCommandError(reply); cmdErr != nil {
		return nil, cmdErr
	}
	return reply, nil
}

func authSource(cred auth.Credential) string {
	if cred.Source != "" {
		return cred.Source
	}
	return "admin"
}

// FaaS environment variables recognized for client metadata, and the
// client.env names they map to.
const (
	envVarAWSExecutionEnv        = "AWS_EXECUTION_ENV"
	envVarAWSLambdaRuntimeAPI    = "AWS_LAMBDA_RUNTIME_API"
	envVarFunctionsWorkerRuntime = "FUNCTIONS_WORKER_RUNTIME"
	envVarKService               = "K_SERVICE"
	envVarFunctionName           = "FUNCTION_NAME"
	envVarVercel                 = "VERCEL"

	envVarAWSRegion                   = "AWS_REGION"
	envVarAWSLambdaFunctionMemorySize = "AWS_LAMBDA_FUNCTION_MEMORY_SIZE"
	envVarFunctionMemoryMB            = "FUNCTION_MEMORY_MB"
	envVarFunctionRegion              = "FUNCTION_REGION"
	envVarVercelRegion                = "VERCEL_REGION"
)

const (
	envNameAWSLambda = "aws.lambda"
	envNameAzureFunc = "azure.func"
	envNameGCPFunc   = "gcp.func"
	envNameVercel    = "vercel"
)

// getFaasEnvName maps populated FaaS environment variables to a client.env
// name. If no variable is populated, or variables for more than one
// environment are, the client.env document is omitted entirely.
func getFaasEnvName() string {
	envVars := []string{
		envVarAWSExecutionEnv,
		envVarAWSLambdaRuntimeAPI,
		envVarFunctionsWorkerRuntime,
		envVarKService,
		envVarFunctionName,
		envVarVercel,
	}

	names := make(map[string]struct{})
	for _, envVar := range envVars {
		if os.Getenv(envVar) == "" {
			continue
		}

		var name string
		switch envVar {
		case envVarAWSExecutionEnv, envVarAWSLambdaRuntimeAPI:
			name = envNameAWSLambda
		case envVarFunctionsWorkerRuntime:
			name = envNameAzureFunc
		case envVarKService, envVarFunctionName:
			name = envNameGCPFunc
		case envVarVercel:
			name = envNameVercel
		}

		names[name] = struct{}{}
		if len(names) > 1 {
			return ""
		}
	}

	for name := range names {
		return name
	}
	return ""
}

func appendIntFromEnv(dst []byte, key, envVar string) []byte {
	if raw := os.Getenv(envVar); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			dst = bsoncore.AppendInt32Element(dst, key, int32(n))
		}
	}
	return dst
}

func appendStringFromEnv(dst []byte, key, envVar string) []byte {
	if v := os.Getenv(envVar); v != "" {
		dst = bsoncore.AppendStringElement(dst, key, v)
	}
	return dst
}

// encodeClientMetadata builds the client document sent on the first
// handshake of every connection: application name, driver name/version, os
// details, and the FaaS environment when one is unambiguously detected.
// Optional sections are dropped, outermost first, if the document would
// exceed maxLen.
func encodeClientMetadata(appname string, maxLen int) (bsoncore.Document, error) {
	for attempt := 0; attempt < 3; attempt++ {
		idx, dst := bsoncore.AppendDocumentStart(nil)

		if appname != "" {
			aIdx, aDst := bsoncore.AppendDocumentElementStart(dst, "application")
			aDst = bsoncore.AppendStringElement(aDst, "name", appname)
			var err error
			dst, err = bsoncore.AppendDocumentEnd(aDst, aIdx)
			if err != nil {
				return nil, err
			}
		}

		dIdx, dDst := bsoncore.AppendDocumentElementStart(dst, "driver")
		dDst = bsoncore.AppendStringElement(dDst, "name", driverName)
		dDst = bsoncore.AppendStringElement(dDst, "version", driverVersion)
		dst, _ = bsoncore.AppendDocumentEnd(dDst, dIdx)

		oIdx, oDst := bsoncore.AppendDocumentElementStart(dst, "os")
		oDst = bsoncore.AppendStringElement(oDst, "type", runtime.GOOS)
		if attempt < 2 {
			oDst = bsoncore.AppendStringElement(oDst, "architecture", runtime.GOARCH)
		}
		dst, _ = bsoncore.AppendDocumentEnd(oDst, oIdx)

		if attempt < 2 {
			dst = bsoncore.AppendStringElement(dst, "platform", runtime.Version())
		}

		if envName := getFaasEnvName(); envName != "" && attempt < 1 {
			eIdx, eDst := bsoncore.AppendDocumentElementStart(dst, "env")
			eDst = bsoncore.AppendStringElement(eDst, "name", envName)
			switch envName {
			case envNameAWSLambda:
				eDst = appendStringFromEnv(eDst, "region", envVarAWSRegion)
				eDst = appendIntFromEnv(eDst, "memory_mb", envVarAWSLambdaFunctionMemorySize)
			case envNameGCPFunc:
				eDst = appendStringFromEnv(eDst, "region", envVarFunctionRegion)
				eDst = appendIntFromEnv(eDst, "memory_mb", envVarFunctionMemoryMB)
			case envNameVercel:
				eDst = appendStringFromEnv(eDst, "region", envVarVercelRegion)
			}
			dst, _ = bsoncore.AppendDocumentEnd(eDst, eIdx)
		}

		doc, err := bsoncore.AppendDocumentEnd(dst, idx)
		if err != nil {
			return nil, err
		}
		if len(doc) <= maxLen {
			return doc, nil
		}
	}
	return nil, nil
}
