// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wiremessage frames and unframes the two wire message shapes a
// driver core must speak: the legacy OP_QUERY/OP_REPLY
// pair used only during handshake on pre-OP_MSG servers, and OP_MSG command
// framing used for everything else. Document encode/decode itself is out of
// scope; this package builds directly on
// go.mongodb.org/mongo-driver's bsoncore primitives for that boundary.
package wiremessage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// OpCode identifies the shape of a wire message payload.
type OpCode int32

// Recognized opcodes.
const (
	OpReply      OpCode = 1
	OpQuery      OpCode = 2004
	OpCompressed OpCode = 2012
	OpMsg        OpCode = 2013
)

const headerLen = 16

// Header is the 16-byte prefix of every wire message:
// int32 totalLength; int32 requestId; int32 responseTo; int32 opCode.
type Header struct {
	Length     int32
	RequestID  int32
	ResponseTo int32
	OpCode     OpCode
}

// ProtocolError reports a malformed wire response or a size-limit violation.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// AppendHeader appends a wire message header to dst.
func AppendHeader(dst []byte, length, requestID, responseTo int32, opcode OpCode) []byte {
	dst = appendInt32(dst, length)
	dst = appendInt32(dst, requestID)
	dst = appendInt32(dst, responseTo)
	dst = appendInt32(dst, int32(opcode))
	return dst
}

func appendInt32(dst []byte, v int32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func readInt32(b []byte) (int32, []byte, bool) {
	if len(b) < 4 {
		return 0, b, false
	}
	return int32(binary.LittleEndian.Uint32(b)), b[4:], true
}

// ReadHeader parses the 16-byte header prefix of b.
func ReadHeader(b []byte) (Header, []byte, error) {
	if len(b) < headerLen {
		return Header{}, nil, &ProtocolError{Reason: "message shorter than header"}
	}
	var h Header
	var ok bool
	var length, reqID, respTo, opcode int32

	length, b, ok = readInt32(b)
	if !ok {
		return Header{}, nil, &ProtocolError{Reason: "truncated header"}
	}
	reqID, b, ok = readInt32(b)
	if !ok {
		return Header{}, nil, &ProtocolError{Reason: "truncated header"}
	}
	respTo, b, ok = readInt32(b)
	if !ok {
		return Header{}, nil, &ProtocolError{Reason: "truncated header"}
	}
	opcode, b, ok = readInt32(b)
	if !ok {
		return Header{}, nil, &ProtocolError{Reason: "truncated header"}
	}

	h = Header{Length: length, RequestID: reqID, ResponseTo: respTo, OpCode: OpCode(opcode)}
	return h, b, nil
}

// --- Legacy OP_QUERY / OP_REPLY, used only for pre-OP_MSG handshake. ---

// Query is the legacy command-query payload.
type Query struct {
	Flags                int32
	FullCollectionName   string
	NumberToSkip         int32
	NumberToReturn       int32
	Query                bsoncore.Document
}

// EncodeQuery frames a legacy OP_QUERY message.
func EncodeQuery(requestID int32, q Query) ([]byte, error) {
	var body []byte
	body = appendInt32(body, q.Flags)
	body = append(body, []byte(q.FullCollectionName)...)
	body = append(body, 0x00)
	body = appendInt32(body, q.NumberToSkip)
	body = appendInt32(body, q.NumberToReturn)
	body = append(body, q.Query...)

	total := int32(headerLen + len(body))
	msg := AppendHeader(make([]byte, 0, total), total, requestID, 0, OpQuery)
	msg = append(msg, body...)
	return msg, nil
}

// Reply is the legacy OP_REPLY payload.
type Reply struct {
	ResponseFlags  int32
	CursorID       int64
	StartingFrom   int32
	NumberReturned int32
	Documents      []bsoncore.Document
}

// DecodeReply parses a legacy OP_REPLY payload (the body after the header).
func DecodeReply(body []byte) (Reply, error) {
	var r Reply
	var ok bool

	r.ResponseFlags, body, ok = readInt32(body)
	if !ok {
		return r, &ProtocolError{Reason: "truncated OP_REPLY flags"}
	}
	if len(body) < 8 {
		return r, &ProtocolError{Reason: "truncated OP_REPLY cursorID"}
	}
	r.CursorID = int64(binary.LittleEndian.Uint64(body))
	body = body[8:]

	r.StartingFrom, body, ok = readInt32(body)
	if !ok {
		return r, &ProtocolError{Reason: "truncated OP_REPLY startingFrom"}
	}
	r.NumberReturned, body, ok = readInt32(body)
	if !ok {
		return r, &ProtocolError{Reason: "truncated OP_REPLY numberReturned"}
	}

	for len(body) > 0 {
		doc, rest, ok := bsoncore.ReadDocument(body)
		if !ok {
			return r, &ProtocolError{Reason: "truncated OP_REPLY document"}
		}
		r.Documents = append(r.Documents, doc)
		body = rest
	}

	return r, nil
}

// --- OP_MSG command framing, used for everything except handshake on
// legacy servers. ---

// MsgFlag is a bit in an OP_MSG message's flag field.
type MsgFlag uint32

// Recognized flag bits; unused bits are ignored on decode.
const (
	FlagChecksumPresent MsgFlag = 1 << 0
	FlagMoreToCome       MsgFlag = 1 << 1
	FlagExhaustAllowed   MsgFlag = 1 << 16
)

// SectionKind distinguishes a Type-0 (single body document) from a Type-1
// (document sequence) OP_MSG section.
type SectionKind byte

// Recognized section kinds.
const (
	SectionBody     SectionKind = 0
	SectionSequence SectionKind = 1
)

// DocumentSequence is a Type-1 section: an identifier (e.g. "documents",
// "updates", "deletes") plus the sequence of documents it outlines.
type DocumentSequence struct {
	Identifier string
	Documents  []bsoncore.Document
}

// Msg is a decoded OP_MSG payload: the Type-0 command body plus any Type-1
// outlined sequences.
type Msg struct {
	Flags     uint32
	Body      bsoncore.Document
	Sequences []DocumentSequence
}

// EncodeMsg builds exactly one Type-0 section followed by the Type-1
// sections for sequences, refusing to emit a message exceeding
// maxMessageSizeBytes.
func EncodeMsg(requestID int32, flags uint32, body bsoncore.Document, sequences []DocumentSequence, maxMessageSizeBytes int32) ([]byte, error) {
	var payload []byte
	payload = append(payload, byte(SectionBody))
	payload = append(payload, body...)

	for _, seq := range sequences {
		payload = append(payload, byte(SectionSequence))
		sizeOffset := len(payload)
		payload = appendInt32(payload, 0) // placeholder, patched below
		payload = append(payload, []byte(seq.Identifier)...)
		payload = append(payload, 0x00)
		for _, doc := range seq.Documents {
			payload = append(payload, doc...)
		}
		size := int32(len(payload) - sizeOffset)
		binary.LittleEndian.PutUint32(payload[sizeOffset:sizeOffset+4], uint32(size))
	}

	total := int32(headerLen + 4 /* flags */ + len(payload))
	if maxMessageSizeBytes > 0 && total > maxMessageSizeBytes {
		return nil, &ProtocolError{Reason: fmt.Sprintf("message of %d bytes exceeds maxMessageSizeBytes %d", total, maxMessageSizeBytes)}
	}

	msg := AppendHeader(make([]byte, 0, total), total, requestID, 0, OpMsg)
	msg = appendInt32(msg, int32(flags))
	msg = append(msg, payload...)
	return msg, nil
}

// DecodeMsg parses the flags and sections of an OP_MSG payload (the body
// after the header), greedily consuming sections until header.Length bytes
// of the original message have been consumed.
func DecodeMsg(header Header, body []byte) (Msg, error) {
	var m Msg
	var ok bool

	flags, rest, ok := readInt32(body)
	if !ok {
		return m, &ProtocolError{Reason: "truncated OP_MSG flags"}
	}
	m.Flags = uint32(flags)
	body = rest

	remaining := int(header.Length) - headerLen - 4
	if remaining < 0 || remaining > len(body) {
		return m, &ProtocolError{Reason: "OP_MSG length does not match header"}
	}
	body = body[:remaining]

	if m.Flags&uint32(FlagChecksumPresent) != 0 {
		if len(body) < 4 {
			return m, &ProtocolError{Reason: "truncated OP_MSG checksum"}
		}
		body = body[:len(body)-4]
	}

	haveBody := false
	for len(body) > 0 {
		kind := SectionKind(body[0])
		body = body[1:]

		switch kind {
		case SectionBody:
			doc, rest, ok := bsoncore.ReadDocument(body)
			if !ok {
				return m, &ProtocolError{Reason: "truncated OP_MSG body section"}
			}
			m.Body = doc
			haveBody = true
			body = rest
		case SectionSequence:
			size, rest, ok := readInt32(body)
			if !ok || int(size) < 4 || int(size)-4 > len(rest) {
				return m, &ProtocolError{Reason: "truncated OP_MSG sequence section"}
			}
			sectionBody := rest[:size-4]
			afterSection := rest[size-4:]

			nul := indexByte(sectionBody, 0x00)
			if nul < 0 {
				return m, &ProtocolError{Reason: "OP_MSG sequence identifier missing NUL terminator"}
			}
			identifier := string(sectionBody[:nul])
			docs := sectionBody[nul+1:]

			var sequence DocumentSequence
			sequence.Identifier = identifier
			for len(docs) > 0 {
				doc, rest, ok := bsoncore.ReadDocument(docs)
				if !ok {
					return m, &ProtocolError{Reason: "truncated document in OP_MSG sequence"}
				}
				sequence.Documents = append(sequence.Documents, doc)
				docs = rest
			}
			m.Sequences = append(m.Sequences, sequence)
			body = afterSection
		default:
			return m, &ProtocolError{Reason: fmt.Sprintf("unrecognized OP_MSG section kind %d", kind)}
		}
	}

	if !haveBody {
		return m, &ProtocolError{Reason: "OP_MSG message contains no Type-0 body section"}
	}

	return m, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// ErrShortWrite is returned when a caller-observed write transferred fewer
// bytes than requested without a wrapped error.
var ErrShortWrite = errors.New("wiremessage: short write")
