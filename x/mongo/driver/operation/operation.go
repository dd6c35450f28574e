// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package operation is the operation dispatcher: it selects
// a server, builds and sends one OP_MSG command with session, cluster-time,
// and transaction-number injection, classifies the reply, and retries
// exactly once under the retryable-read/retryable-write rules. It also
// hosts the client-side concerns layered on the dispatcher: cursors, bulk
// writes, and change streams.
package operation

import (
	"context"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/ferrumdb/godriver/description"
	"github.com/ferrumdb/godriver/event"
	"github.com/ferrumdb/godriver/wiremessage"
	driverpkg "github.com/ferrumdb/godriver/x/mongo/driver"
	"github.com/ferrumdb/godriver/x/mongo/driver/session"
)

// defaultMaxMessageSizeBytes is used until a server's hello reply supplies
// its own maxMessageSizeBytes.
const defaultMaxMessageSizeBytes = 48 * 1000 * 1000

var requestIDCounter int32

func nextRequestID() int32 {
	return atomic.AddInt32(&requestIDCounter, 1)
}

// CommandFn builds a command document's body (the command-name element and
// its operation-specific fields) into dst and returns the result. The
// dispatcher appends $db and the session/cluster-time fields afterwards.
type CommandFn func(dst []byte, desc description.Server) ([]byte, error)

// ResponseInfo carries the decoded reply, the connection it arrived on, and
// the selected server to ProcessResponseFn. Cursor constructors use Server
// to pin follow-up getMore commands to the same server.
type ResponseInfo struct {
	ServerResponse bsoncore.Document
	Connection     driverpkg.Connection
	Server         driverpkg.SelectedServer
}

// RetryMode selects whether Execute retries a classified-retryable failure,
// with reads and writes classified separately.
type RetryMode uint8

// Recognized retry modes.
const (
	RetryNone RetryMode = iota
	RetryOnce
)

// Operation is one logical command execution against a Deployment. A value
// is constructed then populated field-by-field before Execute runs, the way
// the bulk writer, cursors and change streams build theirs.
type Operation struct {
	CommandFn         CommandFn
	ProcessResponseFn func(ResponseInfo) error

	Database   string
	Deployment driverpkg.Deployment
	ReadPref   description.ReadPreference

	Session *session.Session
	Clock   *session.ClusterClock

	Kind      description.OperationKind
	RetryMode RetryMode

	// TxnNumber, when non-nil, is sent verbatim instead of allocating a new
	// transaction number from the session. The bulk writer uses this to give
	// each split sub-batch its own number.
	TxnNumber *int64

	// Sequence, when non-nil, is outlined as an OP_MSG Type-1 section
	// instead of being embedded in the command body.
	Sequence *wiremessage.DocumentSequence

	// WriteConcern is appended verbatim as the command's writeConcern
	// document. An unacknowledged concern ({w: 0}) suppresses session
	// injection; $clusterTime is still appended when Clock holds one.
	WriteConcern bsoncore.Document

	// ReadConcernLevel is appended as readConcern.level; afterClusterTime is
	// injected alongside it for causally consistent sessions.
	ReadConcernLevel string

	ServerAPI *driverpkg.ServerAPIOptions
	Monitor   *event.CommandMonitor

	// SessionAcquired marks the session as already checked out by an
	// enclosing coordinator (the bulk writer runs several Operations under
	// one checkout), so Execute must not check it out again.
	SessionAcquired bool

	// CommandName overrides the name reported in command monitoring events
	// and the compressibility check; derived from the body when empty.
	CommandName string
}

// serverErrorProcessor is implemented by topology.selectedServer so the
// dispatcher can report SDAM-relevant failures without importing the
// topology package.
type serverErrorProcessor interface {
	ProcessError(err error, conn driverpkg.Connection)
}

// Execute runs the operation: select, check out a connection,
// inject session state, send, classify, and retry at most once. The session
// stays checked out across the retry attempt and is released only after the
// final outcome.
func (op *Operation) Execute(ctx context.Context) (bsoncore.Document, error) {
	if op.Deployment == nil {
		return nil, driverpkg.ErrNoDeployment
	}

	unacknowledged := isUnacknowledged(op.WriteConcern)
	sess := op.Session
	if unacknowledged && sess != nil {
		if sess.Origin == session.Explicit {
			return nil, driverpkg.ErrUnacknowledgedSession
		}
		// Implicit sessions are silently dropped for w:0 writes; the server
		// must not associate unacknowledged work with a session.
		sess = nil
	}

	if sess != nil && !op.SessionAcquired {
		release, err := sess.Checkout()
		if err != nil {
			return nil, err
		}
		defer release()
		sess.MarkUsed()
	}

	retryWrite := op.RetryMode == RetryOnce && op.Kind == description.WriteOperation && sess != nil
	retryRead := op.RetryMode == RetryOnce && op.Kind == description.ReadOperation

	var txnNumber *int64
	if retryWrite {
		if op.TxnNumber != nil {
			txnNumber = op.TxnNumber
		} else {
			n := sess.IncrementTxnNumber()
			txnNumber = &n
		}
	}

	res, err := op.executeAttempt(ctx, sess, txnNumber, unacknowledged)
	if err == nil {
		return res, nil
	}

	retryable := false
	switch {
	case retryWrite:
		retryable = driverpkg.IsRetryableWrite(err)
	case retryRead:
		retryable = driverpkg.IsRetryableRead(err)
	}
	if !retryable {
		return res, err
	}

	// The retry re-selects a server but re-sends the same txnNumber.
	return op.executeAttempt(ctx, sess, txnNumber, unacknowledged)
}

func (op *Operation) executeAttempt(ctx context.Context, sess *session.Session, txnNumber *int64, unacknowledged bool) (bsoncore.Document, error) {
	selected, err := op.Deployment.SelectServer(ctx, op.ReadPref)
	if err != nil {
		return nil, err
	}

	conn, err := selected.Connection(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	desc := conn.Description()
	if !desc.HasWireVersion {
		desc = selected.Description()
	}

	cmd, err := op.buildCommand(desc, selected.TopologyKind(), sess, txnNumber)
	if err != nil {
		return nil, err
	}

	var flags uint32
	if unacknowledged {
		flags |= uint32(wiremessage.FlagMoreToCome)
	}

	wm, requestID, err := op.encode(cmd, desc, conn, flags)
	if err != nil {
		return nil, err
	}

	commandName := op.commandName(cmd)
	started := time.Now()
	if op.Monitor != nil && op.Monitor.Started != nil {
		op.Monitor.Started(event.CommandStartedEvent{
			CommandName:  commandName,
			DatabaseName: op.Database,
			RequestID:    int64(requestID),
			ConnectionID: conn.ID(),
		})
	}

	fail := func(failure error) {
		if op.Monitor != nil && op.Monitor.Failed != nil {
			op.Monitor.Failed(event.CommandFailedEvent{
				CommandName: commandName,
				RequestID:   int64(requestID),
				Duration:    time.Since(started),
				Failure:     failure,
			})
		}
		if processor, ok := selected.(serverErrorProcessor); ok {
			processor.ProcessError(failure, conn)
		}
	}

	if err := conn.WriteWireMessage(ctx, wm); err != nil {
		fail(err)
		return nil, err
	}

	if unacknowledged {
		// The server sends no reply to a moreToCome request; surface the
		// dedicated sentinel so callers can distinguish "fired" from "done".
		if op.Monitor != nil && op.Monitor.Succeeded != nil {
			op.Monitor.Succeeded(event.CommandSucceededEvent{
				CommandName: commandName,
				RequestID:   int64(requestID),
				Duration:    time.Since(started),
			})
		}
		return nil, driverpkg.ErrUnacknowledgedWrite
	}

	header, body, err := conn.ReadWireMessage(ctx)
	if err != nil {
		fail(err)
		return nil, err
	}

	reply, err := wiremessage.DecodeMsg(header, body)
	if err != nil {
		fail(err)
		return nil, err
	}
	doc := reply.Body

	// Cluster/operation time advance even on ok:0: error replies gossip a
	// valid $clusterTime too.
	op.advanceTimes(sess, doc)

	if cmdErr := classifyCommandError(doc); cmdErr != nil {
		fail(cmdErr)
		return doc, cmdErr
	}

	if op.Monitor != nil && op.Monitor.Succeeded != nil {
		op.Monitor.Succeeded(event.CommandSucceededEvent{
			CommandName: commandName,
			RequestID:   int64(requestID),
			Duration:    time.Since(started),
		})
	}

	if op.ProcessResponseFn != nil {
		if err := op.ProcessResponseFn(ResponseInfo{ServerResponse: doc, Connection: conn, Server: selected}); err != nil {
			return doc, err
		}
	}

	return doc, nil
}

func (op *Operation) buildCommand(desc description.Server, kind description.TopologyKind, sess *session.Session, txnNumber *int64) (bsoncore.Document, error) {
	var dst []byte
	dst, err := op.CommandFn(dst, desc)
	if err != nil {
		return nil, err
	}

	idx, full := bsoncore.AppendDocumentStart(nil)
	full = append(full, dst...)
	full = bsoncore.AppendStringElement(full, "$db", op.Database)

	if rpDoc := readPrefDocument(op.ReadPref, kind); rpDoc != nil {
		full = bsoncore.AppendDocumentElement(full, "$readPreference", rpDoc)
	}

	if sess != nil {
		lIdx, lDst := bsoncore.AppendDocumentElementStart(full, "lsid")
		lDst = bsoncore.AppendBinaryElement(lDst, "id", 0x04, sess.ID[:])
		full, err = bsoncore.AppendDocumentEnd(lDst, lIdx)
		if err != nil {
			return nil, err
		}

		if txnNumber != nil {
			full = bsoncore.AppendInt64Element(full, "txnNumber", *txnNumber)
		}
	}

	if op.Clock != nil {
		if ct := op.Clock.GetClusterTime(); len(ct) > 0 {
			full = bsoncore.AppendDocumentElement(full, "$clusterTime", bsoncore.Document(ct))
		}
	}

	if rc, rcErr := op.readConcernDocument(sess); rcErr != nil {
		return nil, rcErr
	} else if rc != nil {
		full = bsoncore.AppendDocumentElement(full, "readConcern", rc)
	}

	if len(op.WriteConcern) > 0 {
		full = bsoncore.AppendDocumentElement(full, "writeConcern", op.WriteConcern)
	}

	full = op.ServerAPI.Append(full)
	return bsoncore.AppendDocumentEnd(full, idx)
}

// readConcernDocument builds the readConcern document: the configured level
// plus afterClusterTime for causally consistent read operations once the
// session has observed at least one operationTime.
func (op *Operation) readConcernDocument(sess *session.Session) (bsoncore.Document, error) {
	var afterClusterTime bool
	if sess != nil && sess.CausallyConsistent() && op.Kind == description.ReadOperation {
		if _, has := sess.OperationTime(); has {
			afterClusterTime = true
		}
	}
	if op.ReadConcernLevel == "" && !afterClusterTime {
		return nil, nil
	}

	idx, dst := bsoncore.AppendDocumentStart(nil)
	if op.ReadConcernLevel != "" {
		dst = bsoncore.AppendStringElement(dst, "level", op.ReadConcernLevel)
	}
	if afterClusterTime {
		opTime, _ := sess.OperationTime()
		dst = bsoncore.AppendTimestampElement(dst, "afterClusterTime", opTime.T, opTime.I)
	}
	return bsoncore.AppendDocumentEnd(dst, idx)
}

// readPrefDocument renders the $readPreference document for modes other
// than primary. Single topologies need none: the only server is selected
// regardless of mode.
func readPrefDocument(rp description.ReadPreference, kind description.TopologyKind) bsoncore.Document {
	if rp.Mode == description.PrimaryMode || kind == description.Single {
		return nil
	}

	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "mode", readPrefModeName(rp.Mode))

	if len(rp.TagSets) > 0 {
		tIdx, tDst := bsoncore.AppendArrayElementStart(dst, "tags")
		for i, tagSet := range rp.TagSets {
			sIdx, sDst := bsoncore.AppendDocumentElementStart(tDst, itoa(i))
			for k, v := range tagSet {
				sDst = bsoncore.AppendStringElement(sDst, k, v)
			}
			tDst, _ = bsoncore.AppendDocumentEnd(sDst, sIdx)
		}
		dst, _ = bsoncore.AppendArrayEnd(tDst, tIdx)
	}

	if rp.HasMaxStaleness {
		dst = bsoncore.AppendInt32Element(dst, "maxStalenessSeconds", int32(rp.MaxStalenessSeconds))
	}

	doc, _ := bsoncore.AppendDocumentEnd(dst, idx)
	return doc
}

func readPrefModeName(mode description.ReadPrefMode) string {
	switch mode {
	case description.PrimaryPreferredMode:
		return "primaryPreferred"
	case description.SecondaryMode:
		return "secondary"
	case description.SecondaryPreferredMode:
		return "secondaryPreferred"
	case description.NearestMode:
		return "nearest"
	default:
		return "primary"
	}
}

func itoa(i int) string {
	if i < 10 {
		return string(rune('0' + i))
	}
	return itoa(i/10) + itoa(i%10)
}

func (op *Operation) encode(cmd bsoncore.Document, desc description.Server, conn driverpkg.Connection, flags uint32) ([]byte, int32, error) {
	maxSize := int32(defaultMaxMessageSizeBytes)
	if desc.MaxMessageSizeBytes > 0 {
		maxSize = int32(desc.MaxMessageSizeBytes)
	}

	var sequences []wiremessage.DocumentSequence
	if op.Sequence != nil {
		sequences = append(sequences, *op.Sequence)
	}

	requestID := nextRequestID()
	wm, err := wiremessage.EncodeMsg(requestID, flags, cmd, sequences, maxSize)
	if err != nil {
		return nil, 0, err
	}

	if compressed, ok := conn.(driverpkg.Compressed); ok {
		if id := compressed.Compressor(); id != wiremessage.CompressorNoop && wiremessage.CanCompress(op.commandName(cmd)) {
			wm, err = wiremessage.CompressOpMsg(id, requestID, wm)
			if err != nil {
				return nil, 0, err
			}
		}
	}
	return wm, requestID, nil
}

func (op *Operation) commandName(cmd bsoncore.Document) string {
	if op.CommandName != "" {
		return op.CommandName
	}
	elems, err := cmd.Elements()
	if err != nil || len(elems) == 0 {
		return ""
	}
	return elems[0].Key()
}

func (op *Operation) advanceTimes(sess *session.Session, doc bsoncore.Document) {
	if ct, err := doc.LookupErr("$clusterTime"); err == nil {
		if ctDoc, ok := ct.DocumentOK(); ok {
			raw := append([]byte(nil), ctDoc...)
			if op.Clock != nil {
				op.Clock.AdvanceClusterTime(raw)
			}
			if sess != nil {
				sess.AdvanceClusterTime(raw)
			}
		}
	}
	if sess != nil {
		if ot, err := doc.LookupErr("operationTime"); err == nil {
			if t, i, ok := ot.TimestampOK(); ok {
				sess.AdvanceOperationTime(primitive.Timestamp{T: t, I: i})
			}
		}
	}
}

// isUnacknowledged reports whether wc is {w: 0} (possibly with other
// fields), the unacknowledged write concern.
func isUnacknowledged(wc bsoncore.Document) bool {
	if len(wc) == 0 {
		return false
	}
	w, err := wc.LookupErr("w")
	if err != nil {
		return false
	}
	if n, ok := w.AsInt64OK(); ok {
		return n == 0
	}
	return false
}

func classifyCommandError(doc bsoncore.Document) error {
	okVal, err := doc.LookupErr("ok")
	if err != nil {
		return nil
	}
	if f, isFloat := okVal.DoubleOK(); isFloat && f == 1 {
		return nil
	}
	if i, isInt := okVal.Int32OK(); isInt && i == 1 {
		return nil
	}
	if i, isLong := okVal.Int64OK(); isLong && i == 1 {
		return nil
	}

	code, _ := doc.Lookup("code").Int32OK()
	codeName, _ := doc.Lookup("codeName").StringValueOK()
	errmsg, _ := doc.Lookup("errmsg").StringValueOK()

	var labels []string
	if arr, ok := doc.Lookup("errorLabels").ArrayOK(); ok {
		vals, _ := arr.Values()
		for _, v := range vals {
			if s, sOK := v.StringValueOK(); sOK {
				labels = append(labels, s)
			}
		}
	}

	notPrimary := codeName == "NotWritablePrimary" || codeName == "NotPrimaryNoSecondaryOk" ||
		code == 10107 || code == 13435 || code == 13436 || code == 189 || code == 91

	return &driverpkg.Error{
		Code:                   code,
		CodeName:               codeName,
		Message:                errmsg,
		Labels:                 labels,
		TopologyVersion:        description.ParseTopologyVersionFromError(doc),
		NotPrimaryOrRecovering: notPrimary,
	}
}
