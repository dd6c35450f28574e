// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// sequenceOverhead is the fixed cost of a Type-1 section around its
// documents: the kind byte, the int32 size, and the identifier C-string.
func sequenceOverhead(identifier string) int {
	return 1 + 4 + len(identifier) + 1
}

// Batches walks a homogeneous run of write payload documents in sub-batches
// bounded by the selected server's maxWriteBatchSize, maxBsonObjectSize, and
// maxMessageSizeBytes. Indexes carries a
// caller-meaningful position per document so write errors can be mapped back
// to the original request order across splits.
type Batches struct {
	Identifier string
	Documents  []bsoncore.Document
	Indexes    []int64

	offset  int
	current []bsoncore.Document
	indexes []int64
}

// Valid reports whether any documents remain to be batched.
func (b *Batches) Valid() bool {
	return b != nil && b.offset < len(b.Documents)
}

// AdvanceBatch computes the next sub-batch: as many remaining documents as
// fit under maxCount and targetBatchSize bytes of document payload. A single
// document larger than maxDocSize fails with ErrDocumentTooLarge because no
// split can ever place it.
func (b *Batches) AdvanceBatch(maxCount, maxDocSize, targetBatchSize int) error {
	if maxCount <= 0 {
		maxCount = 1
	}

	b.current = b.current[:0]
	b.indexes = b.indexes[:0]

	size := sequenceOverhead(b.Identifier)
	for i := b.offset; i < len(b.Documents); i++ {
		doc := b.Documents[i]
		if len(doc) > maxDocSize {
			return ErrDocumentTooLarge
		}
		if len(b.current) > 0 && (len(b.current) >= maxCount || size+len(doc) > targetBatchSize) {
			break
		}
		size += len(doc)
		b.current = append(b.current, doc)
		if b.Indexes != nil {
			b.indexes = append(b.indexes, b.Indexes[i])
		}
	}

	b.offset += len(b.current)
	return nil
}

// Current returns the documents selected by the last AdvanceBatch.
func (b *Batches) Current() []bsoncore.Document {
	return b.current
}

// CurrentIndexes returns the caller-meaningful indexes parallel to Current.
func (b *Batches) CurrentIndexes() []int64 {
	return b.indexes
}
