// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package driftq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drifthq/go-driftsync/driftsync"
)

// Config holds configuration for the operation queue.
type Config struct {
	MaxRetries    int           // retries per operation beyond the first attempt
	BackoffMin    time.Duration // first retry delay
	BackoffMax    time.Duration // retry delay cap
	MaxQueueSize  int           // enqueue refuses beyond this many operations (0 = default)
	DropCompleted bool          // remove completed operations instead of retaining them
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   5,
		BackoffMin:   1 * time.Second,
		BackoffMax:   60 * time.Second,
		MaxQueueSize: 1000,
	}
}

// Queue is the durable, ordered, retryable record of failed writes. All
// mutations are written through to the Store before the call returns; a
// storage failure is logged and the queue keeps operating in memory only.
type Queue struct {
	remote  driftsync.RemoteStore
	store   Store
	config  *Config
	logger  *slog.Logger
	metrics driftsync.StageMetricsRecorder

	mu   sync.Mutex
	ops  []*Operation // enqueue order
	byID map[string]*Operation

	idSeq  atomic.Int64
	paused int32
}

// NewQueue creates an operation queue replaying through remote and
// persisting through store. Previously persisted operations are loaded in
// order; operations interrupted mid-processing by a crash are reverted to
// pending so they replay again. Corrupted persisted state loads as an empty
// queue.
func NewQueue(remote driftsync.RemoteStore, store Store, config *Config, logger *slog.Logger) (*Queue, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("queue store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	} else {
		cp := *config
		config = &cp
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		remote: remote,
		store:  store,
		config: config,
		logger: logger,
		byID:   make(map[string]*Operation),
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		q.logger.Warn("queue store load failed, starting empty",
			"error", &driftsync.StorageError{Op: "load", Err: err})
		loaded = nil
	}
	for _, op := range loaded {
		cp := op
		if cp.Status == StatusProcessing {
			cp.Status = StatusPending
		}
		q.ops = append(q.ops, &cp)
		q.byID[cp.ID] = &cp
	}
	return q, nil
}

// SetMetricsRecorder installs an optional stage metrics recorder. Call
// before the queue starts processing.
func (q *Queue) SetMetricsRecorder(rec driftsync.StageMetricsRecorder) { q.metrics = rec }

// newOperationID derives a unique, roughly monotonic id: millisecond
// timestamp plus a per-queue counter that breaks clock collisions.
func (q *Queue) newOperationID() string {
	return fmt.Sprintf("op_%d_%d", time.Now().UnixMilli(), q.idSeq.Add(1))
}

// Enqueue records a write intent for later replay. kind and collection must
// be set; data carries whatever the replay needs to re-invoke the call
// (document id under "id" for updates and deletes). The queue refuses new
// work past MaxQueueSize with a ValidationError.
func (q *Queue) Enqueue(ctx context.Context, kind driftsync.OpKind, collection string, data map[string]any) (string, error) {
	if !kind.Valid() {
		return "", &driftsync.ValidationError{Msg: fmt.Sprintf("unknown operation kind %q", kind)}
	}
	if collection == "" {
		return "", &driftsync.ValidationError{Msg: "collection cannot be empty"}
	}

	q.mu.Lock()
	if len(q.ops) >= q.config.MaxQueueSize {
		q.mu.Unlock()
		return "", &driftsync.ValidationError{Msg: fmt.Sprintf("queue is full (%d operations)", q.config.MaxQueueSize)}
	}
	op := &Operation{
		ID:         q.newOperationID(),
		Kind:       kind,
		Collection: collection,
		Data:       data,
		Timestamp:  time.Now().UnixMilli(),
		Status:     StatusPending,
	}
	q.ops = append(q.ops, op)
	q.byID[op.ID] = op
	q.persistLocked(ctx)
	q.mu.Unlock()

	q.logger.Debug("operation enqueued", "operation_id", op.ID, "kind", kind, "collection", collection)
	q.observe(ctx, driftsync.MetricsOpEnqueue, driftsync.MetricsStageTotal, 0, 1, 0, false)
	return op.ID, nil
}

// ProcessQueue replays pending operations in enqueue order until none
// remain or ctx is cancelled. Transient failures retry in place with
// exponential backoff up to MaxRetries, then the operation is marked failed.
// Non-transient failures mark the operation failed immediately. The pass is
// re-entrant: operations already claimed by a concurrent pass are skipped by
// status, never duplicated.
func (q *Queue) ProcessQueue(ctx context.Context) error {
	for {
		if atomic.LoadInt32(&q.paused) == 1 {
			return nil
		}
		op := q.claimNext(ctx)
		if op == nil {
			return nil
		}

		start := time.Now()
		_, err := q.replay(ctx, op)
		q.observe(ctx, driftsync.MetricsOpReplay, driftsync.MetricsStageReplayAttempt, time.Since(start), 1, op.Retries+1, err != nil)

		switch {
		case err == nil:
			q.settle(ctx, op, StatusCompleted)
		case ctx.Err() != nil:
			// The attempt lost to cancellation, not to the remote. Put the
			// operation back so the next pass retries it.
			q.requeue(ctx, op, false)
			return ctx.Err()
		case !driftsync.IsNetworkError(err):
			q.logger.Warn("operation failed permanently, error is not retryable",
				"operation_id", op.ID, "kind", op.Kind, "error", err)
			q.settle(ctx, op, StatusFailed)
		default:
			if op.Retries >= q.config.MaxRetries {
				q.logger.Warn("operation failed permanently, retries exhausted",
					"operation_id", op.ID, "kind", op.Kind, "retries", op.Retries, "error", err)
				q.settle(ctx, op, StatusFailed)
				continue
			}
			retries := q.requeue(ctx, op, true)
			delay := backoffDelay(q.config.BackoffMin, q.config.BackoffMax, retries)
			q.observe(ctx, driftsync.MetricsOpReplay, driftsync.MetricsStageReplayBackoff, delay, 1, retries, false)
			if err := sleepWithContext(ctx, delay); err != nil {
				return err
			}
		}
	}
}

// claimNext marks the first pending operation as processing and returns it.
func (q *Queue) claimNext(ctx context.Context) *Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.Status == StatusPending {
			op.Status = StatusProcessing
			q.persistLocked(ctx)
			return op
		}
	}
	return nil
}

// requeue returns an in-flight operation to pending, bumping its retry
// count when countRetry is set. Returns the new retry count.
func (q *Queue) requeue(ctx context.Context, op *Operation, countRetry bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if countRetry {
		op.Retries++
	}
	op.Status = StatusPending
	q.persistLocked(ctx)
	return op.Retries
}

// settle moves an operation to a terminal status. Completed operations are
// dropped outright when DropCompleted is set.
func (q *Queue) settle(ctx context.Context, op *Operation, status Status) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op.Status = status
	if status == StatusCompleted && q.config.DropCompleted {
		q.removeLocked(op.ID)
	}
	q.persistLocked(ctx)
}

// replay re-invokes the recorded write against the remote store.
func (q *Queue) replay(ctx context.Context, op *Operation) (*driftsync.Document, error) {
	path := op.Collection
	if op.Kind != driftsync.OpCreate {
		id, _ := op.Data["id"].(string)
		if id == "" {
			return nil, &driftsync.ValidationError{Msg: fmt.Sprintf("%s operation %s has no document id", op.Kind, op.ID)}
		}
		path = op.Collection + "/" + id
	}
	return q.remote.Write(ctx, op.Kind, path, op.Data)
}

// State recomputes the aggregate queue counters.
func (q *Queue) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	var st QueueState
	for _, op := range q.ops {
		switch op.Status {
		case StatusPending:
			st.Pending++
		case StatusProcessing:
			st.Processing++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	st.Total = len(q.ops)
	return st
}

// Get returns a copy of the operation with the given id.
func (q *Queue) Get(id string) (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.byID[id]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

// Remove discards one operation, typically a permanently failed entry the
// caller has inspected and given up on. Returns false for unknown ids.
func (q *Queue) Remove(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[id]; !ok {
		return false
	}
	q.removeLocked(id)
	q.persistLocked(ctx)
	return true
}

// Clear drops every operation and its persisted representation.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = nil
	q.byID = make(map[string]*Operation)
	if err := q.store.Save(ctx, nil); err != nil {
		return &driftsync.StorageError{Op: "save", Err: err}
	}
	return nil
}

// PauseProcessing suspends replay; ProcessQueue and ReplayLoop respect the
// flag. In-flight attempts finish.
func (q *Queue) PauseProcessing() { atomic.StoreInt32(&q.paused, 1) }

// ResumeProcessing resumes replay.
func (q *Queue) ResumeProcessing() { atomic.StoreInt32(&q.paused, 0) }

// ReplayLoop runs ProcessQueue repeatedly until ctx is cancelled, backing
// off between passes: the delay doubles after a failed pass up to
// BackoffMax and resets after a clean one.
func (q *Queue) ReplayLoop(ctx context.Context) {
	backoff := q.config.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if atomic.LoadInt32(&q.paused) == 1 {
			if sleepWithContext(ctx, backoff) != nil {
				return
			}
			continue
		}

		if err := q.ProcessQueue(ctx); err != nil {
			backoff = backoff * 2
			if backoff > q.config.BackoffMax {
				backoff = q.config.BackoffMax
			}
		} else {
			backoff = q.config.BackoffMin
		}
		if sleepWithContext(ctx, backoff) != nil {
			return
		}
	}
}

// removeLocked deletes an operation from both indexes. Caller holds q.mu.
func (q *Queue) removeLocked(id string) {
	delete(q.byID, id)
	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			break
		}
	}
}

// persistLocked writes the current queue through to the store. Caller holds
// q.mu. Storage failures are logged, never fatal: the queue keeps its
// in-memory state.
func (q *Queue) persistLocked(ctx context.Context) {
	snapshot := make([]Operation, len(q.ops))
	for i, op := range q.ops {
		snapshot[i] = *op
	}
	if err := q.store.Save(ctx, snapshot); err != nil {
		q.logger.Warn("queue persistence failed, continuing in memory",
			"error", &driftsync.StorageError{Op: "save", Err: err})
	}
}

func (q *Queue) observe(ctx context.Context, op, stage string, d time.Duration, count, attempt int, failed bool) {
	if q.metrics == nil {
		return
	}
	q.metrics.ObserveStage(ctx, driftsync.StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  d,
		Count:     count,
		Attempt:   attempt,
		Error:     failed,
	})
}

// backoffDelay computes the exponential delay before the given retry
// attempt (1-based), capped at max.
func backoffDelay(min, max time.Duration, retry int) time.Duration {
	delay := min
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// sleepWithContext sleeps for d unless ctx is cancelled first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
