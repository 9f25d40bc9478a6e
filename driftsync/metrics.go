// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package driftsync

import (
	"context"
	"time"
)

const (
	MetricsOpEnqueue     = "enqueue"
	MetricsOpReplay      = "replay"
	MetricsOpSnapshot    = "snapshot"
	MetricsOpTransaction = "transaction"
	MetricsOpBatch       = "batch"

	MetricsStageTotal = "total"

	// Replay per-operation stages.
	MetricsStageReplayAttempt = "attempt"
	MetricsStageReplayBackoff = "backoff"

	// Snapshot delivery stages.
	MetricsStageDocumentDeliver   = "document_deliver"
	MetricsStageCollectionDeliver = "collection_deliver"
)

// StageTiming describes one timed stage of an engine operation.
type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

// StageMetricsRecorder receives stage timings. Implementations must be safe
// for concurrent use and must not block.
type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

// StageMetricsRecorderFunc adapts a function to the recorder interface.
type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}
