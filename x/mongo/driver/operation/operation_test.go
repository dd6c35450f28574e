// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/ferrumdb/godriver/description"
	"github.com/ferrumdb/godriver/event"
	driverpkg "github.com/ferrumdb/godriver/x/mongo/driver"
	"github.com/ferrumdb/godriver/x/mongo/driver/session"
)

func pingFn(dst []byte, _ description.Server) ([]byte, error) {
	return bsoncore.AppendInt32Element(dst, "ping", 1), nil
}

func insertFn(dst []byte, _ description.Server) ([]byte, error) {
	return bsoncore.AppendStringElement(dst, "insert", "widgets"), nil
}

func findFn(dst []byte, _ description.Server) ([]byte, error) {
	return bsoncore.AppendStringElement(dst, "find", "widgets"), nil
}

func TestExecuteInjectsSessionAndClusterTime(t *testing.T) {
	deployment, conn := newMockDeployment(standaloneDesc())
	conn.enqueueReply(okReply(t))

	pool := session.NewPool()
	sess := pool.Checkout(session.Explicit, false)

	clock := session.NewClusterClock()
	clock.AdvanceClusterTime([]byte(doc(ts("clusterTime", 50, 2))))

	op := &Operation{
		CommandFn:  pingFn,
		Database:   "admin",
		Deployment: deployment,
		Session:    sess,
		Clock:      clock,
		Kind:       description.ReadOperation,
	}
	_, err := op.Execute(context.Background())
	require.NoError(t, err)

	bodies := conn.writtenBodies()
	require.Len(t, bodies, 1)
	body := bodies[0]

	db, err := body.LookupErr("$db")
	require.NoError(t, err)
	dbName, _ := db.StringValueOK()
	assert.Equal(t, "admin", dbName)

	lsid, err := body.LookupErr("lsid", "id")
	require.NoError(t, err)
	subtype, data, ok := lsid.BinaryOK()
	require.True(t, ok)
	assert.Equal(t, byte(0x04), subtype)
	assert.Equal(t, sess.ID[:], data)

	ct, err := body.LookupErr("$clusterTime", "clusterTime")
	require.NoError(t, err)
	ctT, _, ok := ct.TimestampOK()
	require.True(t, ok)
	assert.Equal(t, uint32(50), ctT)
}

// TestRetryableWriteSameTxnNumber: the first attempt fails with code
// 10107, the retry succeeds, and both attempts carry the same txnNumber.
func TestRetryableWriteSameTxnNumber(t *testing.T) {
	deployment, conn := newMockDeployment(standaloneDesc())
	conn.enqueueReply(errReply(t, 10107, "NotWritablePrimary"))
	conn.enqueueReply(okReply(t, i32("n", 1)))

	pool := session.NewPool()
	sess := pool.Checkout(session.Explicit, false)

	op := &Operation{
		CommandFn:  insertFn,
		Database:   "store",
		Deployment: deployment,
		Session:    sess,
		Clock:      session.NewClusterClock(),
		Kind:       description.WriteOperation,
		RetryMode:  RetryOnce,
	}
	_, err := op.Execute(context.Background())
	require.NoError(t, err)

	bodies := conn.writtenBodies()
	require.Len(t, bodies, 2, "expected exactly one retry")

	first, err := bodies[0].LookupErr("txnNumber")
	require.NoError(t, err)
	second, err := bodies[1].LookupErr("txnNumber")
	require.NoError(t, err)

	firstN, _ := first.Int64OK()
	secondN, _ := second.Int64OK()
	assert.Equal(t, firstN, secondN, "retry must re-send the same txnNumber")
	assert.Equal(t, int64(1), firstN)
	assert.Equal(t, int64(1), sess.TxnNumber(), "session must allocate exactly once per logical operation")

	// The dispatcher reselects for the retry.
	assert.Equal(t, 2, deployment.selections)
}

func TestNonRetryableWriteOmitsTxnNumber(t *testing.T) {
	deployment, conn := newMockDeployment(standaloneDesc())
	conn.enqueueReply(okReply(t, i32("n", 1)))

	pool := session.NewPool()
	sess := pool.Checkout(session.Explicit, false)

	op := &Operation{
		CommandFn:  insertFn,
		Database:   "store",
		Deployment: deployment,
		Session:    sess,
		Kind:       description.WriteOperation,
		RetryMode:  RetryNone,
	}
	_, err := op.Execute(context.Background())
	require.NoError(t, err)

	bodies := conn.writtenBodies()
	require.Len(t, bodies, 1)
	_, err = bodies[0].LookupErr("txnNumber")
	assert.Error(t, err, "non-retryable writes never carry txnNumber")
}

func TestNonRetryableErrorNotRetried(t *testing.T) {
	deployment, conn := newMockDeployment(standaloneDesc())
	conn.enqueueReply(errReply(t, 11000, "DuplicateKey"))

	pool := session.NewPool()
	sess := pool.Checkout(session.Explicit, false)

	op := &Operation{
		CommandFn:  insertFn,
		Database:   "store",
		Deployment: deployment,
		Session:    sess,
		Kind:       description.WriteOperation,
		RetryMode:  RetryOnce,
	}
	_, err := op.Execute(context.Background())
	require.Error(t, err)

	var dbErr *driverpkg.Error
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, int32(11000), dbErr.Code)
	assert.Len(t, conn.writtenBodies(), 1)
}

// TestCausalConsistency: a write
// returns operationTime T; the next read on the same session carries
// readConcern.afterClusterTime = T.
func TestCausalConsistency(t *testing.T) {
	deployment, conn := newMockDeployment(standaloneDesc())
	conn.enqueueReply(okReply(t, i32("n", 1), ts("operationTime", 77, 3)))
	conn.enqueueReply(cursorReply(t, 0, "store.widgets", "firstBatch"))

	pool := session.NewPool()
	sess := pool.Checkout(session.Explicit, true)
	clock := session.NewClusterClock()

	write := &Operation{
		CommandFn:  insertFn,
		Database:   "store",
		Deployment: deployment,
		Session:    sess,
		Clock:      clock,
		Kind:       description.WriteOperation,
	}
	_, err := write.Execute(context.Background())
	require.NoError(t, err)

	read := &Operation{
		CommandFn:  findFn,
		Database:   "store",
		Deployment: deployment,
		Session:    sess,
		Clock:      clock,
		Kind:       description.ReadOperation,
	}
	_, err = read.Execute(context.Background())
	require.NoError(t, err)

	bodies := conn.writtenBodies()
	require.Len(t, bodies, 2)

	// The write must not carry afterClusterTime.
	_, err = bodies[0].LookupErr("readConcern")
	assert.Error(t, err)

	act, err := bodies[1].LookupErr("readConcern", "afterClusterTime")
	require.NoError(t, err)
	actT, actI, ok := act.TimestampOK()
	require.True(t, ok)
	assert.Equal(t, uint32(77), actT)
	assert.Equal(t, uint32(3), actI)
}

func TestCausalReadBeforeAnyOperation(t *testing.T) {
	deployment, conn := newMockDeployment(standaloneDesc())
	conn.enqueueReply(cursorReply(t, 0, "store.widgets", "firstBatch"))

	pool := session.NewPool()
	sess := pool.Checkout(session.Explicit, true)

	read := &Operation{
		CommandFn:  findFn,
		Database:   "store",
		Deployment: deployment,
		Session:    sess,
		Kind:       description.ReadOperation,
	}
	_, err := read.Execute(context.Background())
	require.NoError(t, err)

	bodies := conn.writtenBodies()
	require.Len(t, bodies, 1)
	_, err = bodies[0].LookupErr("readConcern")
	assert.Error(t, err, "afterClusterTime requires a prior operationTime")
}

func TestUnacknowledgedWrite(t *testing.T) {
	deployment, conn := newMockDeployment(standaloneDesc())

	pool := session.NewPool()
	sess := pool.Checkout(session.Implicit, false)

	op := &Operation{
		CommandFn:    insertFn,
		Database:     "store",
		Deployment:   deployment,
		Session:      sess,
		Kind:         description.WriteOperation,
		WriteConcern: doc(i32("w", 0)),
	}
	_, err := op.Execute(context.Background())
	assert.ErrorIs(t, err, driverpkg.ErrUnacknowledgedWrite)

	bodies := conn.writtenBodies()
	require.Len(t, bodies, 1)
	_, err = bodies[0].LookupErr("lsid")
	assert.Error(t, err, "unacknowledged writes must not carry a session")

	require.Len(t, conn.writes, 1)
	assert.NotZero(t, conn.writes[0].Flags&uint32(2), "expected the moreToCome flag")
}

func TestExplicitSessionWithUnacknowledgedWriteRejected(t *testing.T) {
	deployment, _ := newMockDeployment(standaloneDesc())

	pool := session.NewPool()
	sess := pool.Checkout(session.Explicit, false)

	op := &Operation{
		CommandFn:    insertFn,
		Database:     "store",
		Deployment:   deployment,
		Session:      sess,
		Kind:         description.WriteOperation,
		WriteConcern: doc(i32("w", 0)),
	}
	_, err := op.Execute(context.Background())
	assert.ErrorIs(t, err, driverpkg.ErrUnacknowledgedSession)
}

func TestClusterTimeGossip(t *testing.T) {
	deployment, conn := newMockDeployment(standaloneDesc())
	conn.enqueueReply(okReply(t, subdoc("$clusterTime", doc(ts("clusterTime", 88, 1)))))
	conn.enqueueReply(okReply(t))

	clock := session.NewClusterClock()
	pool := session.NewPool()

	first := &Operation{
		CommandFn:  pingFn,
		Database:   "admin",
		Deployment: deployment,
		Session:    pool.Checkout(session.Implicit, false),
		Clock:      clock,
		Kind:       description.ReadOperation,
	}
	_, err := first.Execute(context.Background())
	require.NoError(t, err)

	second := &Operation{
		CommandFn:  pingFn,
		Database:   "admin",
		Deployment: deployment,
		Session:    pool.Checkout(session.Implicit, false),
		Clock:      clock,
		Kind:       description.ReadOperation,
	}
	_, err = second.Execute(context.Background())
	require.NoError(t, err)

	bodies := conn.writtenBodies()
	require.Len(t, bodies, 2)

	_, err = bodies[0].LookupErr("$clusterTime")
	assert.Error(t, err, "nothing to gossip before the first reply")

	ct, err := bodies[1].LookupErr("$clusterTime", "clusterTime")
	require.NoError(t, err)
	ctT, _, ok := ct.TimestampOK()
	require.True(t, ok)
	assert.Equal(t, uint32(88), ctT)
}

func TestRetryableReadOnNetworkError(t *testing.T) {
	deployment, conn := newMockDeployment(standaloneDesc())
	conn.enqueueWriteErr(&driverpkg.NetworkError{Wrapped: io.EOF, When: "before"})
	conn.allowWrites(1)
	conn.enqueueReply(cursorReply(t, 0, "store.widgets", "firstBatch"))

	op := &Operation{
		CommandFn:  findFn,
		Database:   "store",
		Deployment: deployment,
		Kind:       description.ReadOperation,
		RetryMode:  RetryOnce,
	}
	_, err := op.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deployment.selections)

	// The SDAM hook saw the network error.
	require.Len(t, deployment.server.processed, 1)
	var netErr *driverpkg.NetworkError
	assert.ErrorAs(t, deployment.server.processed[0], &netErr)
}

func TestCommandMonitorEvents(t *testing.T) {
	deployment, conn := newMockDeployment(standaloneDesc())
	conn.enqueueReply(okReply(t))
	conn.enqueueReply(errReply(t, 11000, "DuplicateKey"))

	var started, succeeded, failed []string
	monitor := &event.CommandMonitor{
		Started:   func(ev event.CommandStartedEvent) { started = append(started, ev.CommandName) },
		Succeeded: func(ev event.CommandSucceededEvent) { succeeded = append(succeeded, ev.CommandName) },
		Failed:    func(ev event.CommandFailedEvent) { failed = append(failed, ev.CommandName) },
	}

	ok := &Operation{
		CommandFn:  pingFn,
		Database:   "admin",
		Deployment: deployment,
		Kind:       description.ReadOperation,
		Monitor:    monitor,
	}
	_, err := ok.Execute(context.Background())
	require.NoError(t, err)

	bad := &Operation{
		CommandFn:  insertFn,
		Database:   "store",
		Deployment: deployment,
		Kind:       description.WriteOperation,
		Monitor:    monitor,
	}
	_, err = bad.Execute(context.Background())
	require.Error(t, err)

	assert.Equal(t, []string{"ping", "insert"}, started)
	assert.Equal(t, []string{"ping"}, succeeded)
	assert.Equal(t, []string{"insert"}, failed)
}

func TestReadPreferenceDocument(t *testing.T) {
	t.Run("secondary mode on sharded topology", func(t *testing.T) {
		deployment, conn := newMockDeployment(standaloneDesc())
		deployment.server.kind = description.Sharded
		conn.enqueueReply(cursorReply(t, 0, "store.widgets", "firstBatch"))

		op := &Operation{
			CommandFn:  findFn,
			Database:   "store",
			Deployment: deployment,
			ReadPref:   description.ReadPreference{Mode: description.SecondaryPreferredMode},
			Kind:       description.ReadOperation,
		}
		_, err := op.Execute(context.Background())
		require.NoError(t, err)

		mode, err := conn.writtenBodies()[0].LookupErr("$readPreference", "mode")
		require.NoError(t, err)
		name, _ := mode.StringValueOK()
		assert.Equal(t, "secondaryPreferred", name)
	})

	t.Run("single topology omits read preference", func(t *testing.T) {
		deployment, conn := newMockDeployment(standaloneDesc())
		conn.enqueueReply(cursorReply(t, 0, "store.widgets", "firstBatch"))

		op := &Operation{
			CommandFn:  findFn,
			Database:   "store",
			Deployment: deployment,
			ReadPref:   description.ReadPreference{Mode: description.SecondaryPreferredMode},
			Kind:       description.ReadOperation,
		}
		_, err := op.Execute(context.Background())
		require.NoError(t, err)

		_, err = conn.writtenBodies()[0].LookupErr("$readPreference")
		assert.Error(t, err)
	})
}

func TestSessionSerialized(t *testing.T) {
	deployment, _ := newMockDeployment(standaloneDesc())

	pool := session.NewPool()
	sess := pool.Checkout(session.Explicit, false)

	release, err := sess.Checkout()
	require.NoError(t, err)
	defer release()

	op := &Operation{
		CommandFn:  pingFn,
		Database:   "admin",
		Deployment: deployment,
		Session:    sess,
		Kind:       description.ReadOperation,
	}
	_, err = op.Execute(context.Background())
	assert.ErrorAs(t, err, &session.ErrSessionInUse{})
}
