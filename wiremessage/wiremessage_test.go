// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

func buildDoc(elems ...func([]byte) []byte) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	for _, e := range elems {
		dst = e(dst)
	}
	doc, _ := bsoncore.AppendDocumentEnd(dst, idx)
	return doc
}

func strElem(key, val string) func([]byte) []byte {
	return func(dst []byte) []byte { return bsoncore.AppendStringElement(dst, key, val) }
}

func intElem(key string, val int32) func([]byte) []byte {
	return func(dst []byte) []byte { return bsoncore.AppendInt32Element(dst, key, val) }
}

func TestMsgRoundTrip(t *testing.T) {
	body := buildDoc(strElem("insert", "widgets"), strElem("$db", "store"))
	sequences := []DocumentSequence{
		{
			Identifier: "documents",
			Documents: []bsoncore.Document{
				buildDoc(intElem("_id", 1)),
				buildDoc(intElem("_id", 2), strElem("name", "sprocket")),
			},
		},
	}

	wm, err := EncodeMsg(42, 0, body, sequences, 0)
	require.NoError(t, err)

	header, rest, err := ReadHeader(wm)
	require.NoError(t, err)
	assert.Equal(t, int32(42), header.RequestID)
	assert.Equal(t, OpMsg, header.OpCode)
	assert.Equal(t, int32(len(wm)), header.Length)

	msg, err := DecodeMsg(header, rest)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(body, msg.Body))
	assert.Empty(t, cmp.Diff(sequences, msg.Sequences))
}

func TestMsgRoundTripNoSequences(t *testing.T) {
	body := buildDoc(intElem("hello", 1), strElem("$db", "admin"))

	wm, err := EncodeMsg(7, 0, body, nil, 0)
	require.NoError(t, err)

	header, rest, err := ReadHeader(wm)
	require.NoError(t, err)

	msg, err := DecodeMsg(header, rest)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(body, msg.Body))
	assert.Nil(t, msg.Sequences)
}

func TestEncodeMsgSizeLimit(t *testing.T) {
	body := buildDoc(strElem("insert", "widgets"))

	_, err := EncodeMsg(1, 0, body, nil, 16)
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)

	// The same message fits once the limit accommodates it.
	_, err = EncodeMsg(1, 0, body, nil, 1024)
	assert.NoError(t, err)
}

func TestDecodeMsgChecksumBit(t *testing.T) {
	body := buildDoc(intElem("ok", 1))

	wm, err := EncodeMsg(9, uint32(FlagChecksumPresent), body, nil, 0)
	require.NoError(t, err)
	// Append a fake CRC-32C and patch the header length to include it.
	wm = append(wm, 0xde, 0xad, 0xbe, 0xef)
	binary.LittleEndian.PutUint32(wm[0:4], uint32(len(wm)))

	header, rest, err := ReadHeader(wm)
	require.NoError(t, err)

	msg, err := DecodeMsg(header, rest)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(body, msg.Body))
}

func TestDecodeMsgUnknownFlagBitsIgnored(t *testing.T) {
	body := buildDoc(intElem("ok", 1))

	wm, err := EncodeMsg(3, 1<<5|1<<9, body, nil, 0)
	require.NoError(t, err)

	header, rest, err := ReadHeader(wm)
	require.NoError(t, err)

	_, err = DecodeMsg(header, rest)
	assert.NoError(t, err)
}

func TestDecodeMsgErrors(t *testing.T) {
	body := buildDoc(intElem("ok", 1))
	valid, err := EncodeMsg(1, 0, body, nil, 0)
	require.NoError(t, err)

	t.Run("truncated flags", func(t *testing.T) {
		header, _, err := ReadHeader(valid)
		require.NoError(t, err)
		_, err = DecodeMsg(header, []byte{0x00})
		assert.Error(t, err)
	})

	t.Run("length larger than payload", func(t *testing.T) {
		header, rest, err := ReadHeader(valid)
		require.NoError(t, err)
		header.Length += 100
		_, err = DecodeMsg(header, rest)
		assert.Error(t, err)
	})

	t.Run("missing body section", func(t *testing.T) {
		var payload []byte
		payload = append(payload, 0, 0, 0, 0) // flags
		header := Header{Length: int32(headerLen + len(payload)), OpCode: OpMsg}
		_, err := DecodeMsg(header, payload)
		assert.Error(t, err)
	})

	t.Run("unknown section kind", func(t *testing.T) {
		var payload []byte
		payload = append(payload, 0, 0, 0, 0) // flags
		payload = append(payload, 9)          // bogus section kind
		header := Header{Length: int32(headerLen + len(payload)), OpCode: OpMsg}
		_, err := DecodeMsg(header, payload)
		assert.Error(t, err)
	})

	t.Run("sequence identifier missing terminator", func(t *testing.T) {
		var payload []byte
		payload = append(payload, 0, 0, 0, 0)       // flags
		payload = append(payload, byte(SectionBody)) // body
		payload = append(payload, body...)
		payload = append(payload, byte(SectionSequence))
		payload = append(payload, 7, 0, 0, 0) // section size
		payload = append(payload, 'd', 'o', 'c') // identifier, no NUL
		header := Header{Length: int32(headerLen + len(payload)), OpCode: OpMsg}
		_, err := DecodeMsg(header, payload)
		assert.Error(t, err)
	})
}

func TestLegacyQueryReply(t *testing.T) {
	cmd := buildDoc(intElem("isMaster", 1))

	wm, err := EncodeQuery(11, Query{
		FullCollectionName: "admin.$cmd",
		NumberToReturn:     -1,
		Query:              cmd,
	})
	require.NoError(t, err)

	header, rest, err := ReadHeader(wm)
	require.NoError(t, err)
	assert.Equal(t, OpQuery, header.OpCode)
	assert.Equal(t, int32(len(wm)), header.Length)

	// The payload after flags holds the NUL-terminated collection name.
	assert.Contains(t, string(rest), "admin.$cmd\x00")

	replyDoc := buildDoc(intElem("ok", 1), strElem("msg", "isdbgrid"))
	var replyBody []byte
	replyBody = appendInt32(replyBody, 0)                      // responseFlags
	replyBody = append(replyBody, make([]byte, 8)...)          // cursorID 0
	replyBody = appendInt32(replyBody, 0)                      // startingFrom
	replyBody = appendInt32(replyBody, 1)                      // numberReturned
	replyBody = append(replyBody, replyDoc...)

	reply, err := DecodeReply(replyBody)
	require.NoError(t, err)
	require.Len(t, reply.Documents, 1)
	assert.Empty(t, cmp.Diff(replyDoc, reply.Documents[0]))
}

func TestDecodeReplyTruncated(t *testing.T) {
	_, err := DecodeReply([]byte{0x01, 0x02})
	assert.Error(t, err)
}
