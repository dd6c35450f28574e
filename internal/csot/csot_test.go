// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package csot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithServerSelectionTimeout(t *testing.T) {
	t.Run("no parent deadline, no timeout", func(t *testing.T) {
		ctx, cancel := WithServerSelectionTimeout(context.Background(), 0)
		defer cancel()
		_, has := ctx.Deadline()
		assert.False(t, has)
	})

	t.Run("timeout applied without parent deadline", func(t *testing.T) {
		ctx, cancel := WithServerSelectionTimeout(context.Background(), time.Minute)
		defer cancel()
		deadline, has := ctx.Deadline()
		require.True(t, has)
		assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, time.Second)
	})

	t.Run("shorter timeout wins over parent deadline", func(t *testing.T) {
		parent, parentCancel := context.WithTimeout(context.Background(), time.Hour)
		defer parentCancel()

		ctx, cancel := WithServerSelectionTimeout(parent, time.Minute)
		defer cancel()
		deadline, has := ctx.Deadline()
		require.True(t, has)
		assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, time.Second)
	})

	t.Run("earlier parent deadline preserved", func(t *testing.T) {
		parent, parentCancel := context.WithTimeout(context.Background(), time.Second)
		defer parentCancel()

		ctx, cancel := WithServerSelectionTimeout(parent, time.Hour)
		defer cancel()
		deadline, has := ctx.Deadline()
		require.True(t, has)
		assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 500*time.Millisecond)
	})
}

func TestSkipMaxTime(t *testing.T) {
	ctx := context.Background()
	assert.False(t, IsSkipMaxTime(ctx))
	assert.True(t, IsSkipMaxTime(WithSkipMaxTime(ctx)))
}
