// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package csot provides the context-deadline helpers used to thread
// serverSelectionTimeoutMS and socketTimeoutMS through operation execution.
package csot

import (
	"context"
	"time"
)

type skipMaxTimeKey struct{}

// WithSkipMaxTime marks ctx so operation construction does not attach a
// maxTimeMS derived from the context deadline. Monitoring heartbeats put
// non-awaitable commands on the wire and must not inherit an arbitrary
// caller deadline.
func WithSkipMaxTime(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipMaxTimeKey{}, true)
}

// IsSkipMaxTime reports whether ctx was marked by WithSkipMaxTime.
func IsSkipMaxTime(ctx context.Context) bool {
	return ctx.Value(skipMaxTimeKey{}) != nil
}

// WithServerSelectionTimeout returns a context whose deadline is the
// earlier of parent's existing deadline (if any) and serverSelectionTimeout
// from now.
// A non-positive serverSelectionTimeout with no parent deadline returns
// parent unchanged.
func WithServerSelectionTimeout(parent context.Context, serverSelectionTimeout time.Duration) (context.Context, context.CancelFunc) {
	deadline, hasDeadline := parent.Deadline()

	switch {
	case !hasDeadline && serverSelectionTimeout <= 0:
		return parent, func() {}
	case !hasDeadline:
		return context.WithTimeout(parent, serverSelectionTimeout)
	case serverSelectionTimeout > 0 && serverSelectionTimeout < time.Until(deadline):
		return context.WithTimeout(parent, serverSelectionTimeout)
	default:
		return context.WithCancel(parent)
	}
}

// RTTMonitor is satisfied by any source of round-trip-time statistics; used
// to decide how much of a deadline to reserve for the final attempt of a
// retry.
type RTTMonitor interface {
	EWMA() time.Duration
	Min() time.Duration
}

// ZeroRTTMonitor always reports a zero RTT; useful in tests and for servers
// that have never been successfully probed.
type ZeroRTTMonitor struct{}

// EWMA implements RTTMonitor.
func (ZeroRTTMonitor) EWMA() time.Duration { return 0 }

// Min implements RTTMonitor.
func (ZeroRTTMonitor) Min() time.Duration { return 0 }
