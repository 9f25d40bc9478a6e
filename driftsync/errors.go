// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package driftsync

import (
	"errors"
	"fmt"
)

// NetworkError marks a failure as transient: the remote store was
// unreachable, timed out, or the connection dropped mid-flight. Only
// errors of this class are eligible for queueing and retry.
type NetworkError struct {
	Op  string // logical operation that failed, e.g. "write", "subscribe"
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("network error during %s", e.Op)
	}
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError is a caller error. It is never retried and never queued.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// VersionConflictError reports an optimistic-concurrency failure. It carries
// both versions so callers can diagnose or re-read and retry themselves.
type VersionConflictError struct {
	Path     string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, actual %d", e.Path, e.Expected, e.Actual)
}

// NotFoundError reports that a document was absent when presence was required.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string { return "document not found: " + e.Path }

// BatchValidationError reports a malformed batch entry. It is raised before
// any network call is made, naming the offending path.
type BatchValidationError struct {
	Path string
	Msg  string
}

func (e *BatchValidationError) Error() string {
	return fmt.Sprintf("invalid batch entry for %s: %s", e.Path, e.Msg)
}

// StorageError reports a durable queue store read/write failure. The queue
// logs it and degrades to in-memory operation rather than crashing.
type StorageError struct {
	Op  string // "load" or "save"
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("queue storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is (or wraps) a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsVersionConflict reports whether err is (or wraps) a VersionConflictError.
func IsVersionConflict(err error) bool {
	var ce *VersionConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
