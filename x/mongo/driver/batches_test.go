// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

func paddedDoc(t *testing.T, id int32, size int) bsoncore.Document {
	t.Helper()
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "_id", id)
	pad := size - len(dst) - 1 /* terminator */ - 8 /* "p" element overhead */
	if pad < 0 {
		pad = 0
	}
	dst = bsoncore.AppendStringElement(dst, "p", string(make([]byte, pad)))
	doc, err := bsoncore.AppendDocumentEnd(dst, idx)
	require.NoError(t, err)
	return doc
}

func TestBatchesSplitByCount(t *testing.T) {
	b := &Batches{Identifier: "documents"}
	for i := int32(0); i < 5; i++ {
		b.Documents = append(b.Documents, paddedDoc(t, i, 32))
		b.Indexes = append(b.Indexes, int64(i))
	}

	var sizes []int
	var indexes []int64
	for b.Valid() {
		require.NoError(t, b.AdvanceBatch(2, 1<<20, 1<<20))
		sizes = append(sizes, len(b.Current()))
		indexes = append(indexes, b.CurrentIndexes()...)
	}

	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, indexes)
}

func TestBatchesSplitBySize(t *testing.T) {
	b := &Batches{Identifier: "documents"}
	for i := int32(0); i < 4; i++ {
		b.Documents = append(b.Documents, paddedDoc(t, i, 400))
		b.Indexes = append(b.Indexes, int64(i))
	}

	// Two 400-byte documents plus sequence overhead fit in 1000 bytes; a
	// third does not.
	var batches int
	var total int
	for b.Valid() {
		require.NoError(t, b.AdvanceBatch(1000, 1<<20, 1000))
		require.NotEmpty(t, b.Current())
		batches++
		total += len(b.Current())
	}

	assert.Equal(t, 2, batches)
	assert.Equal(t, 4, total)
}

func TestBatchesOversizedDocument(t *testing.T) {
	b := &Batches{
		Identifier: "documents",
		Documents:  []bsoncore.Document{paddedDoc(t, 1, 600)},
		Indexes:    []int64{0},
	}
	err := b.AdvanceBatch(10, 500, 1<<20)
	assert.ErrorIs(t, err, ErrDocumentTooLarge)
}

func TestBatchesFirstDocumentAlwaysPlaced(t *testing.T) {
	// A document bigger than the target batch size but under maxDocSize must
	// still go out alone rather than loop forever.
	b := &Batches{
		Identifier: "documents",
		Documents:  []bsoncore.Document{paddedDoc(t, 1, 600), paddedDoc(t, 2, 600)},
		Indexes:    []int64{0, 1},
	}

	require.NoError(t, b.AdvanceBatch(10, 1<<20, 100))
	assert.Len(t, b.Current(), 1)
	require.NoError(t, b.AdvanceBatch(10, 1<<20, 100))
	assert.Len(t, b.Current(), 1)
	assert.False(t, b.Valid())
}
