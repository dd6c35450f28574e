// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/ferrumdb/godriver/description"
	"github.com/ferrumdb/godriver/event"
	"github.com/ferrumdb/godriver/wiremessage"
	driverpkg "github.com/ferrumdb/godriver/x/mongo/driver"
	"github.com/ferrumdb/godriver/x/mongo/driver/session"
)

// WriteModelKind enumerates the write shapes a bulk request can mix.
type WriteModelKind uint8

// Recognized write model kinds.
const (
	InsertOne WriteModelKind = iota
	UpdateOne
	UpdateMany
	ReplaceOne
	DeleteOne
	DeleteMany
)

// commandKind groups write model kinds by the server command that carries
// them, the grouping key for contiguous sub-batches.
type commandKind uint8

const (
	insertCommand commandKind = iota
	updateCommand
	deleteCommand
)

func (k WriteModelKind) command() commandKind {
	switch k {
	case InsertOne:
		return insertCommand
	case DeleteOne, DeleteMany:
		return deleteCommand
	default:
		return updateCommand
	}
}

// retryable reports whether a model is a single-document write, the
// precondition for the whole batch being retryable.
func (k WriteModelKind) retryable() bool {
	switch k {
	case InsertOne, UpdateOne, ReplaceOne, DeleteOne:
		return true
	default:
		return false
	}
}

// WriteModel is one requested write in a bulk. Document holds the inserted
// document (InsertOne) or the replacement (ReplaceOne); Filter and Update
// apply to the update/delete kinds.
type WriteModel struct {
	Kind     WriteModelKind
	Document bsoncore.Document
	Filter   bsoncore.Document
	Update   bsoncore.Document
	Upsert   bool
}

// BulkWriteResult aggregates the outcome of every sub-batch.
// Map keys are indexes into the original Models slice.
type BulkWriteResult struct {
	InsertedCount int64
	MatchedCount  int64
	ModifiedCount int64
	DeletedCount  int64
	UpsertedCount int64

	InsertedIDs map[int64]bsoncore.Value
	UpsertedIDs map[int64]bsoncore.Value

	WriteErrors       []driverpkg.WriteError
	WriteConcernError *driverpkg.WriteConcernError
}

// BulkWrite executes a mixed batch of writes, ordered or unordered: it
// groups contiguous same-kind models,
// splits each group under the selected server's limits, allocates a distinct
// txnNumber per sub-batch, and merges the per-command replies.
type BulkWrite struct {
	Database   string
	Collection string
	Deployment driverpkg.Deployment

	Models  []WriteModel
	Ordered bool

	Session     *session.Session
	Clock       *session.ClusterClock
	RetryWrites bool

	WriteConcern bsoncore.Document
	ServerAPI    *driverpkg.ServerAPIOptions
	Monitor      *event.CommandMonitor
}

// defaultMaxWriteBatchSize applies until the server advertises its own.
const defaultMaxWriteBatchSize = 100000

// defaultMaxBSONObjectSize applies until the server advertises its own.
const defaultMaxBSONObjectSize = 16 * 1024 * 1024

// documentSequenceSlack is the extra allowance OP_MSG document sequences get
// over maxBsonObjectSize, covering per-document command overhead.
const documentSequenceSlack = 16 * 1024

// commandOverheadAllowance reserves room in maxMessageSizeBytes for the
// command body and framing around a document sequence.
const commandOverheadAllowance = 1024

// Execute runs the bulk write. The session is checked out once for the
// whole bulk, including every sub-batch and retry, and released only after
// the final outcome.
func (bw *BulkWrite) Execute(ctx context.Context) (BulkWriteResult, error) {
	res := BulkWriteResult{
		InsertedIDs: make(map[int64]bsoncore.Value),
		UpsertedIDs: make(map[int64]bsoncore.Value),
	}
	if len(bw.Models) == 0 {
		return res, nil
	}

	sess := bw.Session
	acquired := false
	if sess != nil && !isUnacknowledged(bw.WriteConcern) {
		release, err := sess.Checkout()
		if err != nil {
			return res, err
		}
		defer release()
		sess.MarkUsed()
		acquired = true
	}

	retryable := bw.RetryWrites && acquired
	for _, model := range bw.Models {
		if !model.Kind.retryable() {
			retryable = false
			break
		}
	}

	offset := 0
	for offset < len(bw.Models) {
		kind := bw.Models[offset].Kind.command()
		end := offset
		for end < len(bw.Models) && bw.Models[end].Kind.command() == kind {
			end++
		}

		stop, err := bw.executeGroup(ctx, kind, offset, end, retryable, sess, &res)
		if err != nil {
			return res, err
		}
		if stop {
			break
		}
		offset = end
	}

	if len(res.WriteErrors) > 0 || res.WriteConcernError != nil {
		return res, &driverpkg.BulkException{
			WriteErrors:       res.WriteErrors,
			WriteConcernError: res.WriteConcernError,
		}
	}
	return res, nil
}

// executeGroup splits one contiguous run of same-command models into
// size-bounded sub-batches and executes each. It reports stop=true when
// ordered mode hit a write error.
func (bw *BulkWrite) executeGroup(ctx context.Context, kind commandKind, start, end int, retryable bool, sess *session.Session, res *BulkWriteResult) (bool, error) {
	batches := driverpkg.Batches{Identifier: sequenceIdentifier(kind)}
	for i := start; i < end; i++ {
		doc, err := bw.payload(int64(i), bw.Models[i], res)
		if err != nil {
			return false, err
		}
		batches.Documents = append(batches.Documents, doc)
		batches.Indexes = append(batches.Indexes, int64(i))
	}

	for batches.Valid() {
		// Limits come from a fresh selection each round: a retry may land on
		// a server with different advertised maxima.
		selected, err := bw.Deployment.SelectServer(ctx, description.Primary())
		if err != nil {
			return false, err
		}
		desc := selected.Description()

		maxCount := int(desc.MaxWriteBatchSize)
		if maxCount == 0 {
			maxCount = defaultMaxWriteBatchSize
		}
		maxDocSize := int(desc.MaxBSONObjectSize)
		if maxDocSize == 0 {
			maxDocSize = defaultMaxBSONObjectSize
		}
		targetSize := int(desc.MaxMessageSizeBytes)
		if targetSize == 0 {
			targetSize = defaultMaxMessageSizeBytes
		}
		if targetSize > 2*commandOverheadAllowance {
			targetSize -= commandOverheadAllowance
		}

		if err := batches.AdvanceBatch(maxCount, maxDocSize+documentSequenceSlack, targetSize); err != nil {
			return false, err
		}

		stop, err := bw.executeBatch(ctx, kind, &batches, retryable, sess, res)
		if err != nil {
			return false, err
		}
		if stop {
			return true, nil
		}
	}
	return false, nil
}

func (bw *BulkWrite) executeBatch(ctx context.Context, kind commandKind, batches *driverpkg.Batches, retryable bool, sess *session.Session, res *BulkWriteResult) (bool, error) {
	docs := batches.Current()
	indexes := batches.CurrentIndexes()

	op := &Operation{
		CommandFn: func(dst []byte, _ description.Server) ([]byte, error) {
			dst = bsoncore.AppendStringElement(dst, commandName(kind), bw.Collection)
			dst = bsoncore.AppendBooleanElement(dst, "ordered", bw.Ordered)
			return dst, nil
		},
		Database:   bw.Database,
		Deployment: bw.Deployment,
		ReadPref:   description.Primary(),
		Session:    sess,
		Clock:      bw.Clock,
		Kind:       description.WriteOperation,
		Sequence: &wiremessage.DocumentSequence{
			Identifier: batches.Identifier,
			Documents:  docs,
		},
		WriteConcern:    bw.WriteConcern,
		ServerAPI:       bw.ServerAPI,
		Monitor:         bw.Monitor,
		SessionAcquired: true,
	}

	if retryable {
		// Each split sub-batch gets its own transaction number; a retry of
		// this sub-batch re-sends the same one.
		n := sess.IncrementTxnNumber()
		op.TxnNumber = &n
		op.RetryMode = RetryOnce
	}

	reply, err := op.Execute(ctx)
	if err != nil {
		return false, err
	}

	bw.mergeReply(kind, reply, indexes, res)
	return bw.Ordered && len(res.WriteErrors) > 0, nil
}

// payload renders one model as the sequence document its command expects,
// assigning a fresh ObjectID _id to inserts that lack one so the caller's
// result can name every inserted id.
func (bw *BulkWrite) payload(index int64, model WriteModel, res *BulkWriteResult) (bsoncore.Document, error) {
	switch model.Kind.command() {
	case insertCommand:
		doc := model.Document
		if _, err := doc.LookupErr("_id"); err != nil {
			idx, dst := bsoncore.AppendDocumentStart(nil)
			dst = bsoncore.AppendObjectIDElement(dst, "_id", primitive.NewObjectID())
			elements, elemErr := doc.Elements()
			if elemErr != nil {
				return nil, elemErr
			}
			for _, element := range elements {
				dst = append(dst, element...)
			}
			var buildErr error
			doc, buildErr = bsoncore.AppendDocumentEnd(dst, idx)
			if buildErr != nil {
				return nil, buildErr
			}
		}
		res.InsertedIDs[index] = doc.Lookup("_id")
		return doc, nil

	case updateCommand:
		idx, dst := bsoncore.AppendDocumentStart(nil)
		dst = bsoncore.AppendDocumentElement(dst, "q", model.Filter)
		if model.Kind == ReplaceOne {
			dst = bsoncore.AppendDocumentElement(dst, "u", model.Document)
		} else {
			dst = bsoncore.AppendDocumentElement(dst, "u", model.Update)
		}
		dst = bsoncore.AppendBooleanElement(dst, "multi", model.Kind == UpdateMany)
		if model.Upsert {
			dst = bsoncore.AppendBooleanElement(dst, "upsert", true)
		}
		return bsoncore.AppendDocumentEnd(dst, idx)

	default:
		limit := int32(1)
		if model.Kind == DeleteMany {
			limit = 0
		}
		idx, dst := bsoncore.AppendDocumentStart(nil)
		dst = bsoncore.AppendDocumentElement(dst, "q", model.Filter)
		dst = bsoncore.AppendInt32Element(dst, "limit", limit)
		return bsoncore.AppendDocumentEnd(dst, idx)
	}
}

// mergeReply folds one sub-batch reply into the accumulated result,
// translating batch-local indexes back to positions in the original Models
// slice.
func (bw *BulkWrite) mergeReply(kind commandKind, reply bsoncore.Document, indexes []int64, res *BulkWriteResult) {
	n, _ := reply.Lookup("n").AsInt64OK()

	var upserted int64
	if arr, ok := reply.Lookup("upserted").ArrayOK(); ok {
		values, _ := arr.Values()
		for _, v := range values {
			entry, entryOK := v.DocumentOK()
			if !entryOK {
				continue
			}
			localIdx, _ := entry.Lookup("index").AsInt64OK()
			if localIdx >= 0 && localIdx < int64(len(indexes)) {
				res.UpsertedIDs[indexes[localIdx]] = entry.Lookup("_id")
			}
			upserted++
		}
	}

	switch kind {
	case insertCommand:
		res.InsertedCount += n
	case updateCommand:
		nModified, _ := reply.Lookup("nModified").AsInt64OK()
		res.MatchedCount += n - upserted
		res.ModifiedCount += nModified
		res.UpsertedCount += upserted
	case deleteCommand:
		res.DeletedCount += n
	}

	if arr, ok := reply.Lookup("writeErrors").ArrayOK(); ok {
		values, _ := arr.Values()
		for _, v := range values {
			entry, entryOK := v.DocumentOK()
			if !entryOK {
				continue
			}
			localIdx, _ := entry.Lookup("index").AsInt64OK()
			code, _ := entry.Lookup("code").Int32OK()
			msg, _ := entry.Lookup("errmsg").StringValueOK()

			globalIdx := int(localIdx)
			if localIdx >= 0 && localIdx < int64(len(indexes)) {
				globalIdx = int(indexes[localIdx])
				// An insert named by a write error did not land.
				if kind == insertCommand {
					delete(res.InsertedIDs, indexes[localIdx])
				}
			}
			res.WriteErrors = append(res.WriteErrors, driverpkg.WriteError{
				Index:   globalIdx,
				Code:    code,
				Message: msg,
			})
		}
	}

	if wce, ok := reply.Lookup("writeConcernError").DocumentOK(); ok {
		code, _ := wce.Lookup("code").Int32OK()
		msg, _ := wce.Lookup("errmsg").StringValueOK()
		var labels []string
		if arr, arrOK := wce.Lookup("errorLabels").ArrayOK(); arrOK {
			values, _ := arr.Values()
			for _, v := range values {
				if s, sOK := v.StringValueOK(); sOK {
					labels = append(labels, s)
				}
			}
		}
		res.WriteConcernError = &driverpkg.WriteConcernError{Code: code, Message: msg, Labels: labels}
	}
}

func commandName(kind commandKind) string {
	switch kind {
	case insertCommand:
		return "insert"
	case updateCommand:
		return "update"
	default:
		return "delete"
	}
}

func sequenceIdentifier(kind commandKind) string {
	switch kind {
	case insertCommand:
		return "documents"
	case updateCommand:
		return "updates"
	default:
		return "deletes"
	}
}
