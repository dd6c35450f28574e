// Copyright (C) FerrumDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver is the operation dispatcher: it executes a
// Command against a Deployment with read/write retry, session injection,
// and error classification.
package driver

import (
	"errors"
	"fmt"

	"github.com/ferrumdb/godriver/description"
)

// Sentinel errors.
var (
	// ErrUnacknowledgedWrite is returned in place of a real result for any
	// write issued with an unacknowledged write concern.
	ErrUnacknowledgedWrite = errors.New("driver: unacknowledged write")

	// ErrDeadlineWouldBeExceeded names an operation whose own deadline had
	// already elapsed before server selection began. Operation.Execute does
	// not check for that condition, and no code in this module returns it.
	ErrDeadlineWouldBeExceeded = errors.New("driver: operation deadline already exceeded")

	// ErrSessionInUse describes a session checked out for a second
	// concurrent operation. Session.Checkout reports that case with the
	// session package's own ErrSessionInUse type, not with this value.
	ErrSessionInUse = errors.New("driver: session already in use by another operation")

	// ErrUnacknowledgedSession is returned when an explicit session is
	// paired with an unacknowledged write concern.
	ErrUnacknowledgedSession = errors.New("driver: explicit sessions cannot be used with unacknowledged writes")

	// ErrNoDeployment is returned by Execute when the operation was built
	// without a Deployment.
	ErrNoDeployment = errors.New("driver: operation has no deployment to execute against")

	// ErrDocumentTooLarge is returned when a single document exceeds the
	// server's maxBsonObjectSize and therefore can never fit in any batch.
	ErrDocumentTooLarge = errors.New("driver: document exceeds the server's maximum document size")
)

// NetworkError wraps a socket-level failure, always treated as potentially
// retryable.
type NetworkError struct {
	Wrapped error
	When    string // "before" or "during" the server's reply, for retry classification
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("connection error %s reply: %v", e.When, e.Wrapped)
}

// Unwrap supports errors.Is/errors.As against the wrapped transport cause.
func (e *NetworkError) Unwrap() error { return e.Wrapped }

// Error is a server-returned ok:0 reply: code, codeName, message, and any
// server-provided error labels.
type Error struct {
	Code            int32
	CodeName        string
	Message         string
	Labels          []string
	TopologyVersion *description.TopologyVersion

	// NotPrimaryOrRecovering is set when the code/message indicates the
	// server lost its RSPrimary role mid-operation.
	NotPrimaryOrRecovering bool
}

func (e *Error) Error() string {
	if e.CodeName != "" {
		return fmt.Sprintf("(%s) %s", e.CodeName, e.Message)
	}
	return e.Message
}

// HasErrorLabel reports whether label is present, the single source of
// truth other packages use instead of ad-hoc string matching.
func (e *Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Recognized error labels.
const (
	RetryableWriteError  = "RetryableWriteError"
	RetryableReadError   = "RetryableReadError"
	TransientTxnError    = "TransientTransactionError"
	ResumableChangeError = "ResumableChangeStreamError"
)

// retryableWriteCodes holds the server error codes that mark a write as
// retryable regardless of an explicit error label. The set has shifted
// across server releases; it is kept as an explicit, replaceable table
// rather than an inline literal for that reason.
var retryableWriteCodes = map[int32]struct{}{
	6:     {}, // HostUnreachable
	7:     {}, // HostNotFound
	64:    {}, // WriteConcernFailed
	91:    {}, // ShutdownInProgress
	189:   {}, // PrimarySteppedDown
	9001:  {}, // SocketException
	10107: {}, // NotMaster
	11600: {}, // InterruptedAtShutdown
	11602: {}, // InterruptedDueToReplStateChange
	13435: {}, // NotMasterNoSlaveOk
	13436: {}, // NotMasterOrSecondary
}

// retryableReadCodes overlaps heavily with the write table; kept as its own
// name so the read and write policies can diverge independently.
var retryableReadCodes = retryableWriteCodes

// cursorNotFoundCode is the dedicated CursorError code.
const cursorNotFoundCode int32 = 43

// IsRetryableWrite reports whether err should trigger the single
// retryable-write retry.
func IsRetryableWrite(err error) bool {
	return classifyRetryable(err, retryableWriteCodes)
}

// IsRetryableRead reports whether err should trigger the single
// retryable-read retry.
func IsRetryableRead(err error) bool {
	return classifyRetryable(err, retryableReadCodes)
}

func classifyRetryable(err error, codes map[int32]struct{}) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}

	var dbErr *Error
	if errors.As(err, &dbErr) {
		if dbErr.HasErrorLabel(RetryableWriteError) || dbErr.HasErrorLabel(RetryableReadError) {
			return true
		}
		_, retryable := codes[dbErr.Code]
		return retryable
	}

	return false
}

// IsCursorNotFound reports whether err represents the server-side "cursor
// not found" condition.
func IsCursorNotFound(err error) bool {
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return dbErr.Code == cursorNotFoundCode
	}
	return false
}

// IsResumableChangeStream reports whether a change stream hitting err should
// re-issue its aggregate with a resume token: any network
// error, a cursor-not-found, or a server error labeled resumable. Servers
// that predate the label (wire version < 9) fall back to the retryable-read
// code table.
func IsResumableChangeStream(err error, maxWireVersion int32) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}

	var dbErr *Error
	if !errors.As(err, &dbErr) {
		return false
	}
	if dbErr.Code == cursorNotFoundCode {
		return true
	}
	if maxWireVersion >= 9 {
		return dbErr.HasErrorLabel(ResumableChangeError)
	}
	_, resumable := retryableReadCodes[dbErr.Code]
	return resumable
}

// WriteError is the per-operation subset of Error surfaced inside a bulk or
// single-document write reply.
type WriteError struct {
	Index   int
	Code    int32
	Message string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write error at index %d: (code %d) %s", e.Index, e.Code, e.Message)
}

// WriteConcernError mirrors the server's writeConcernError reply field.
type WriteConcernError struct {
	Code    int32
	Message string
	Labels  []string
}

func (e *WriteConcernError) Error() string {
	return fmt.Sprintf("write concern error: (code %d) %s", e.Code, e.Message)
}

// IsRetryable reports whether a write concern error carries a retryable
// label.
func (e *WriteConcernError) IsRetryable() bool {
	for _, l := range e.Labels {
		if l == RetryableWriteError {
			return true
		}
	}
	return false
}

// BulkException aggregates the per-operation and write-concern failures of
// a bulk write whose command-level exchanges all succeeded.
type BulkException struct {
	WriteErrors       []WriteError
	WriteConcernError *WriteConcernError
}

func (e *BulkException) Error() string {
	switch {
	case len(e.WriteErrors) > 0 && e.WriteConcernError != nil:
		return fmt.Sprintf("bulk write exception: %d write error(s), first: %v; %v", len(e.WriteErrors), e.WriteErrors[0].Error(), e.WriteConcernError.Error())
	case len(e.WriteErrors) > 0:
		return fmt.Sprintf("bulk write exception: %d write error(s), first: %v", len(e.WriteErrors), e.WriteErrors[0].Error())
	case e.WriteConcernError != nil:
		return "bulk write exception: " + e.WriteConcernError.Error()
	default:
		return "bulk write exception"
	}
}

// AuthenticationError reports a handshake speculative/SASL authentication
// failure. It is fatal and never retried.
type AuthenticationError struct {
	Wrapped error
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication error: %s: %v", e.Message, e.Wrapped)
}

func (e *AuthenticationError) Unwrap() error { return e.Wrapped }
