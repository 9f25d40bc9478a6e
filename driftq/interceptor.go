// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package driftq

import (
	"context"
	"log/slog"
	"maps"

	"github.com/drifthq/go-driftsync/driftsync"
)

// Writer is the write-shaped call surface the interceptor wraps. Each method
// carries its capability in the method itself; there is no name sniffing.
// Read-shaped calls are not part of this interface and pass around the
// interceptor untouched.
type Writer interface {
	// Create stores data as a new document in collection and returns the
	// stored fields.
	Create(ctx context.Context, collection string, data map[string]any) (map[string]any, error)
	// Update merges changes into collection/id and returns the applied
	// fields.
	Update(ctx context.Context, collection, id string, changes map[string]any) (map[string]any, error)
	// Delete removes collection/id.
	Delete(ctx context.Context, collection, id string) (map[string]any, error)
}

// remoteWriter adapts a RemoteStore to the Writer interface.
type remoteWriter struct {
	remote driftsync.RemoteStore
}

// NewRemoteWriter wraps a RemoteStore as a Writer, the usual inner layer
// for an Interceptor.
func NewRemoteWriter(remote driftsync.RemoteStore) Writer {
	return &remoteWriter{remote: remote}
}

func (w *remoteWriter) Create(ctx context.Context, collection string, data map[string]any) (map[string]any, error) {
	doc, err := w.remote.Write(ctx, driftsync.OpCreate, collection, data)
	if err != nil {
		return nil, err
	}
	out := doc.Data
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func (w *remoteWriter) Update(ctx context.Context, collection, id string, changes map[string]any) (map[string]any, error) {
	doc, err := w.remote.Write(ctx, driftsync.OpUpdate, collection+"/"+id, changes)
	if err != nil {
		return nil, err
	}
	out := doc.Data
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func (w *remoteWriter) Delete(ctx context.Context, collection, id string) (map[string]any, error) {
	if _, err := w.remote.Write(ctx, driftsync.OpDelete, collection+"/"+id, nil); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// Interceptor decorates a Writer with queue-on-transient-failure semantics.
// Direct successes pass through verbatim. A failure classified as transient
// (an explicit network error, or the connectivity signal reporting offline)
// is absorbed into the queue and an optimistic result is returned
// immediately with "queued"/"queue_id" fields attached. Any other failure
// propagates to the caller unmodified and never touches the queue.
type Interceptor struct {
	next   Writer
	queue  *Queue
	conn   Connectivity
	logger *slog.Logger
}

// NewInterceptor builds the decorator. conn may be nil, in which case only
// explicit network errors are treated as transient.
func NewInterceptor(next Writer, queue *Queue, conn Connectivity, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{next: next, queue: queue, conn: conn, logger: logger}
}

func (i *Interceptor) Create(ctx context.Context, collection string, data map[string]any) (map[string]any, error) {
	res, err := i.next.Create(ctx, collection, data)
	if err == nil {
		return res, nil
	}
	if !i.transient(err) {
		return nil, err
	}
	qid, qerr := i.queue.Enqueue(ctx, driftsync.OpCreate, collection, cloneMap(data))
	if qerr != nil {
		return nil, qerr
	}
	i.logger.Debug("create deferred to queue", "collection", collection, "queue_id", qid)
	out := cloneMap(data)
	if _, ok := out["id"]; !ok {
		out["id"] = qid
	}
	return markQueued(out, qid), nil
}

func (i *Interceptor) Update(ctx context.Context, collection, id string, changes map[string]any) (map[string]any, error) {
	res, err := i.next.Update(ctx, collection, id, changes)
	if err == nil {
		return res, nil
	}
	if !i.transient(err) {
		return nil, err
	}
	payload := cloneMap(changes)
	payload["id"] = id
	qid, qerr := i.queue.Enqueue(ctx, driftsync.OpUpdate, collection, payload)
	if qerr != nil {
		return nil, qerr
	}
	i.logger.Debug("update deferred to queue", "collection", collection, "id", id, "queue_id", qid)
	out := cloneMap(changes)
	out["id"] = id
	return markQueued(out, qid), nil
}

func (i *Interceptor) Delete(ctx context.Context, collection, id string) (map[string]any, error) {
	res, err := i.next.Delete(ctx, collection, id)
	if err == nil {
		return res, nil
	}
	if !i.transient(err) {
		return nil, err
	}
	qid, qerr := i.queue.Enqueue(ctx, driftsync.OpDelete, collection, map[string]any{"id": id})
	if qerr != nil {
		return nil, qerr
	}
	i.logger.Debug("delete deferred to queue", "collection", collection, "id", id, "queue_id", qid)
	return markQueued(map[string]any{}, qid), nil
}

func (i *Interceptor) transient(err error) bool {
	if driftsync.IsNetworkError(err) {
		return true
	}
	return i.conn != nil && !i.conn.Online()
}

func markQueued(out map[string]any, queueID string) map[string]any {
	out["queued"] = true
	out["queue_id"] = queueID
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	maps.Copy(out, m)
	return out
}
