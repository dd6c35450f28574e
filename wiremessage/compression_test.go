// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	body := buildDoc(strElem("find", "widgets"), strElem("$db", "store"))
	framed, err := EncodeMsg(21, 0, body, nil, 0)
	require.NoError(t, err)

	for _, id := range []CompressorID{CompressorSnappy, CompressorZlib, CompressorZstd} {
		t.Run(id.Name(), func(t *testing.T) {
			compressed, err := CompressOpMsg(id, 21, framed)
			require.NoError(t, err)

			header, rest, err := ReadHeader(compressed)
			require.NoError(t, err)
			assert.Equal(t, OpCompressed, header.OpCode)

			origHeader, origBody, err := DecompressOpMsg(header, rest)
			require.NoError(t, err)
			assert.Equal(t, OpMsg, origHeader.OpCode)

			msg, err := DecodeMsg(origHeader, origBody)
			require.NoError(t, err)
			assert.Empty(t, cmp.Diff(body, msg.Body))
		})
	}
}

func TestCompressNoopPassthrough(t *testing.T) {
	body := buildDoc(intElem("ping", 1))
	framed, err := EncodeMsg(5, 0, body, nil, 0)
	require.NoError(t, err)

	out, err := CompressOpMsg(CompressorNoop, 5, framed)
	require.NoError(t, err)
	assert.Equal(t, framed, out)
}

func TestCompressorByName(t *testing.T) {
	for _, name := range []string{"snappy", "zlib", "zstd"} {
		id, ok := CompressorByName(name)
		assert.True(t, ok)
		assert.Equal(t, name, id.Name())
	}
	_, ok := CompressorByName("lz4")
	assert.False(t, ok)
}

func TestCanCompress(t *testing.T) {
	assert.True(t, CanCompress("insert"))
	assert.True(t, CanCompress("getMore"))
	assert.False(t, CanCompress("hello"))
	assert.False(t, CanCompress("isMaster"))
	assert.False(t, CanCompress("saslStart"))
	assert.False(t, CanCompress("saslContinue"))
}

func TestDecompressTruncated(t *testing.T) {
	header := Header{Length: headerLen + 2, OpCode: OpCompressed}
	_, _, err := DecompressOpMsg(header, []byte{0x01, 0x02})
	assert.Error(t, err)
}
