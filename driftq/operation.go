// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package driftq implements the durable operation queue and the write
// interceptor of the offline-aware synchronization engine. Writes that fail
// with a transient network error are recorded here, persisted through a
// pluggable Store, and replayed in strict enqueue order with retry and
// exponential backoff once connectivity returns.
package driftq

import (
	"github.com/drifthq/go-driftsync/driftsync"
)

// Status is the lifecycle state of a queued operation. Transitions only move
// forward: pending -> processing -> {completed | pending (retry) | failed}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Operation is a queued write intent. The JSON field set below is the
// persisted record shape and must stay stable for interop and debugging
// tooling that reads the durable store directly.
type Operation struct {
	ID         string             `json:"id"`
	Kind       driftsync.OpKind   `json:"kind"`
	Collection string             `json:"collection"`
	Data       map[string]any     `json:"data"`
	Timestamp  int64              `json:"timestamp"` // enqueue time, unix milliseconds
	Retries    int                `json:"retries"`
	Status     Status             `json:"status"`
}

// QueueState is the aggregate view of the queue, recomputed from the
// operation set on every call.
type QueueState struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Total      int
}
