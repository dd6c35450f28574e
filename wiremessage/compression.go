// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// CompressorID identifies an OP_COMPRESSED payload codec.
type CompressorID uint8

// Recognized compressor ids, negotiated via the handshake's "compression"
// field and the URI's "compressors" option.
const (
	CompressorNoop CompressorID = iota
	CompressorSnappy
	CompressorZlib
	CompressorZstd
)

// Name returns the handshake-negotiated name for id.
func (id CompressorID) Name() string {
	switch id {
	case CompressorSnappy:
		return "snappy"
	case CompressorZlib:
		return "zlib"
	case CompressorZstd:
		return "zstd"
	default:
		return "noop"
	}
}

// CompressorByName resolves a negotiated compressor name back to its ID.
func CompressorByName(name string) (CompressorID, bool) {
	switch name {
	case "snappy":
		return CompressorSnappy, true
	case "zlib":
		return CompressorZlib, true
	case "zstd":
		return CompressorZstd, true
	default:
		return CompressorNoop, false
	}
}

// uncompressibleCommands never get OP_COMPRESSED-wrapped: handshake and
// auth commands must stay legible for on-the-wire diagnostics and must not
// create a compression/auth ordering dependency.
var uncompressibleCommands = map[string]struct{}{
	"hello": {}, "isMaster": {}, "ismaster": {},
	"saslStart": {}, "saslContinue": {}, "authenticate": {}, "getnonce": {},
}

// CanCompress reports whether cmd may be wrapped in OP_COMPRESSED.
func CanCompress(cmd string) bool {
	_, skip := uncompressibleCommands[cmd]
	return !skip
}

// CompressOpMsg wraps an already-framed OP_MSG message in an OP_COMPRESSED
// envelope: header(opcode=OP_COMPRESSED) + originalOpcode int32 +
// uncompressedSize int32 + compressorID byte + compressed payload.
func CompressOpMsg(id CompressorID, requestID int32, framed []byte) ([]byte, error) {
	if id == CompressorNoop {
		return framed, nil
	}

	header, rest, err := ReadHeader(framed)
	if err != nil {
		return nil, err
	}
	uncompressedSize := int32(len(rest))

	compressed, err := compress(id, rest)
	if err != nil {
		return nil, err
	}

	var payload []byte
	payload = appendInt32(payload, int32(header.OpCode))
	payload = appendInt32(payload, uncompressedSize)
	payload = append(payload, byte(id))
	payload = append(payload, compressed...)

	total := int32(headerLen + len(payload))
	out := AppendHeader(make([]byte, 0, total), total, requestID, header.ResponseTo, OpCompressed)
	out = append(out, payload...)
	return out, nil
}

// DecompressOpMsg reverses CompressOpMsg, returning the original
// (header, body) pair for further decoding by DecodeMsg.
func DecompressOpMsg(header Header, body []byte) (Header, []byte, error) {
	originalOpcode, body, ok := readInt32(body)
	if !ok {
		return Header{}, nil, &ProtocolError{Reason: "truncated OP_COMPRESSED originalOpcode"}
	}
	uncompressedSize, body, ok := readInt32(body)
	if !ok {
		return Header{}, nil, &ProtocolError{Reason: "truncated OP_COMPRESSED uncompressedSize"}
	}
	if len(body) < 1 {
		return Header{}, nil, &ProtocolError{Reason: "truncated OP_COMPRESSED compressorID"}
	}
	id := CompressorID(body[0])
	body = body[1:]

	decompressed, err := decompress(id, body, int(uncompressedSize))
	if err != nil {
		return Header{}, nil, err
	}

	newHeader := Header{
		Length:     int32(headerLen + len(decompressed)),
		RequestID:  header.RequestID,
		ResponseTo: header.ResponseTo,
		OpCode:     OpCode(originalOpcode),
	}
	return newHeader, decompressed, nil
}

func compress(id CompressorID, data []byte) ([]byte, error) {
	switch id {
	case CompressorSnappy:
		return snappy.Encode(nil, data), nil
	case CompressorZlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressorZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unrecognized compressor id %d", id)
	}
}

func decompress(id CompressorID, data []byte, uncompressedSize int) ([]byte, error) {
	switch id {
	case CompressorSnappy:
		return snappy.Decode(make([]byte, 0, uncompressedSize), data)
	case CompressorZlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		out := make([]byte, 0, uncompressedSize)
		buf := bytes.NewBuffer(out)
		if _, err := io.Copy(buf, r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressorZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, make([]byte, 0, uncompressedSize))
	default:
		return nil, fmt.Errorf("unrecognized compressor id %d", id)
	}
}
