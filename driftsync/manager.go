// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package driftsync is the core of the offline-aware synchronization engine:
// the shared document model, the error taxonomy, the RemoteStore collaborator
// interface, and the realtime sync manager that layers subscriptions,
// transactions, batched writes and optimistic-concurrency helpers on top of
// any RemoteStore implementation.
package driftsync

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// DocumentCallback receives document snapshot deliveries. doc is nil when
// the document does not exist; meta.IsDeleted additionally covers soft
// deletion.
type DocumentCallback func(doc *Document, meta SnapshotMeta)

// CollectionCallback receives collection snapshot deliveries with the
// per-document change list in the order reported by the store.
type CollectionCallback func(docs []Document, changes []DocChange, meta SnapshotMeta)

// ErrorCallback receives stream-level subscription failures.
type ErrorCallback func(err error)

// ManagerConfig holds tuning knobs for the sync manager.
type ManagerConfig struct {
	HistoryLimit int // retained operations per document path
}

// DefaultManagerConfig returns the default manager configuration.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		HistoryLimit: 10,
	}
}

// Manager owns live subscriptions against a RemoteStore and exposes the
// transactional write surface: atomic batches, version-checked updates,
// soft delete and restore. Construct with NewManager; Close releases every
// open subscription.
type Manager struct {
	store   RemoteStore
	logger  *slog.Logger
	config  *ManagerConfig
	metrics StageMetricsRecorder

	mu     sync.Mutex
	subs   map[string]*subscription
	subSeq atomic.Int64

	histMu  sync.Mutex
	history map[string][]HistoryEntry
}

type subscription struct {
	id      string
	release UnsubscribeFunc
	once    sync.Once
}

// NewManager creates a sync manager over store. A nil config uses
// DefaultManagerConfig; a nil logger uses slog.Default.
func NewManager(store RemoteStore, config *ManagerConfig, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultManagerConfig()
	} else {
		cp := *config
		config = &cp
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultManagerConfig().HistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		logger:  logger,
		config:  config,
		subs:    make(map[string]*subscription),
		history: make(map[string][]HistoryEntry),
	}, nil
}

// SetMetricsRecorder installs an optional stage metrics recorder. Call
// before opening subscriptions.
func (m *Manager) SetMetricsRecorder(rec StageMetricsRecorder) { m.metrics = rec }

// newSubscriptionID derives an id unique per call, even for identical
// targets subscribed in the same nanosecond.
func (m *Manager) newSubscriptionID() string {
	return fmt.Sprintf("sub_%d_%d", time.Now().UnixNano(), m.subSeq.Add(1))
}

// SubscribeDocument opens a live listener on a single document. Every
// delivery computes snapshot metadata and invokes cb; stream failures go to
// onErr (or the logger when onErr is nil) and never tear down the caller.
func (m *Manager) SubscribeDocument(ctx context.Context, path string, cb DocumentCallback, onErr ErrorCallback) (string, error) {
	if path == "" {
		return "", &ValidationError{Msg: "document path cannot be empty"}
	}
	if cb == nil {
		return "", &ValidationError{Msg: "callback cannot be nil"}
	}
	id := m.newSubscriptionID()
	onChange := func(snap Snapshot) {
		start := time.Now()
		var doc *Document
		if len(snap.Docs) > 0 && snap.Docs[0].Exists {
			d := snap.Docs[0]
			doc = &d
		}
		meta := SnapshotMeta{
			FromCache:        snap.FromCache,
			HasPendingWrites: snap.HasPendingWrites,
			IsDeleted:        doc.IsDeleted(),
		}
		cb(doc, meta)
		m.observe(ctx, MetricsOpSnapshot, MetricsStageDocumentDeliver, time.Since(start), 1, false)
	}
	release, err := m.store.Subscribe(ctx, DocumentTarget(path), onChange, m.errorSink(id, path, onErr))
	if err != nil {
		return "", fmt.Errorf("failed to subscribe to document %s: %w", path, err)
	}
	m.register(id, release)
	return id, nil
}

// SubscribeCollection opens a live listener on a filtered/ordered/limited
// collection query.
func (m *Manager) SubscribeCollection(ctx context.Context, path string, filters []Filter, orderBy []Order, limit int, cb CollectionCallback, onErr ErrorCallback) (string, error) {
	if path == "" {
		return "", &ValidationError{Msg: "collection path cannot be empty"}
	}
	if cb == nil {
		return "", &ValidationError{Msg: "callback cannot be nil"}
	}
	id := m.newSubscriptionID()
	onChange := func(snap Snapshot) {
		start := time.Now()
		meta := SnapshotMeta{
			FromCache:        snap.FromCache,
			HasPendingWrites: snap.HasPendingWrites,
		}
		cb(snap.Docs, snap.Changes, meta)
		m.observe(ctx, MetricsOpSnapshot, MetricsStageCollectionDeliver, time.Since(start), len(snap.Docs), false)
	}
	target := CollectionTarget(path, filters, orderBy, limit)
	release, err := m.store.Subscribe(ctx, target, onChange, m.errorSink(id, path, onErr))
	if err != nil {
		return "", fmt.Errorf("failed to subscribe to collection %s: %w", path, err)
	}
	m.register(id, release)
	return id, nil
}

func (m *Manager) errorSink(id, path string, onErr ErrorCallback) func(error) {
	return func(err error) {
		if onErr != nil {
			onErr(err)
			return
		}
		m.logger.Warn("subscription error", "subscription_id", id, "path", path, "error", err)
	}
}

func (m *Manager) register(id string, release UnsubscribeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[id] = &subscription{id: id, release: release}
}

// Unsubscribe releases one listener. Unknown or already-released ids are a
// no-op. The handle is released before the call returns even though the
// underlying stream teardown may complete slightly later.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	delete(m.subs, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	sub.once.Do(sub.release)
}

// UnsubscribeAll releases every open listener.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()
	for _, sub := range subs {
		sub.once.Do(sub.release)
	}
}

// SubscriptionCount returns the number of open listeners.
func (m *Manager) SubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close releases all subscriptions. The manager must not be used after.
func (m *Manager) Close() {
	m.UnsubscribeAll()
}

// RunTransaction executes body against a transaction handle. Any error from
// body aborts the whole transaction with no partial effect; success returns
// nil and the transaction is committed.
func (m *Manager) RunTransaction(ctx context.Context, body func(tx Transaction) error) error {
	start := time.Now()
	err := m.store.RunTransaction(ctx, body)
	m.observe(ctx, MetricsOpTransaction, MetricsStageTotal, time.Since(start), 1, err != nil)
	return err
}

// ExecuteBatch validates then applies ops atomically. Set and Update entries
// must carry data; a missing payload fails fast with a BatchValidationError
// naming the offending path, before any network call.
func (m *Manager) ExecuteBatch(ctx context.Context, ops []BatchOp) error {
	for _, op := range ops {
		switch op.Kind {
		case BatchSet, BatchUpdate:
			if op.Data == nil {
				return &BatchValidationError{Path: op.Path, Msg: string(op.Kind) + " requires data"}
			}
		case BatchDelete:
		default:
			return &BatchValidationError{Path: op.Path, Msg: fmt.Sprintf("unknown batch kind %q", op.Kind)}
		}
		if op.Path == "" {
			return &BatchValidationError{Path: op.Path, Msg: "path cannot be empty"}
		}
	}
	start := time.Now()
	err := m.store.RunBatch(ctx, ops)
	m.observe(ctx, MetricsOpBatch, MetricsStageTotal, time.Since(start), len(ops), err != nil)
	return err
}

// UpdateWithVersionCheck performs an optimistic-concurrency update inside a
// transaction. The document must exist; when expectedVersion is non-nil it
// must match the stored version or the update aborts with a
// VersionConflictError carrying both values. On success updates are merged
// with version = stored+1.
func (m *Manager) UpdateWithVersionCheck(ctx context.Context, path string, updates map[string]any, expectedVersion *int64) error {
	err := m.store.RunTransaction(ctx, func(tx Transaction) error {
		doc, err := tx.Get(ctx, path)
		if err != nil {
			return err
		}
		if !doc.Exists {
			return &NotFoundError{Path: path}
		}
		current := doc.Version()
		if expectedVersion != nil && *expectedVersion != current {
			return &VersionConflictError{Path: path, Expected: *expectedVersion, Actual: current}
		}
		merged := make(map[string]any, len(updates)+1)
		maps.Copy(merged, updates)
		merged[FieldVersion] = current + 1
		tx.Update(path, merged)
		return nil
	})
	if err != nil {
		return err
	}
	m.RecordOperation(path, OpUpdate, updates)
	return nil
}

// SoftDelete marks a document deleted without removing it. An absent
// document is treated as already deleted and succeeds as a no-op.
func (m *Manager) SoftDelete(ctx context.Context, path string) error {
	var deleted bool
	err := m.store.RunTransaction(ctx, func(tx Transaction) error {
		doc, err := tx.Get(ctx, path)
		if err != nil {
			return err
		}
		if !doc.Exists {
			return nil
		}
		deleted = true
		tx.Update(path, map[string]any{
			FieldDeleted:   true,
			FieldDeletedAt: time.Now().UTC().Format(time.RFC3339Nano),
			FieldVersion:   doc.Version() + 1,
		})
		return nil
	})
	if err != nil {
		return err
	}
	if deleted {
		m.RecordOperation(path, OpDelete, nil)
	}
	return nil
}

// RestoreDeleted clears a soft-deleted document's tombstone fields. A
// document that never existed cannot be restored and fails with NotFound.
func (m *Manager) RestoreDeleted(ctx context.Context, path string) error {
	err := m.store.RunTransaction(ctx, func(tx Transaction) error {
		doc, err := tx.Get(ctx, path)
		if err != nil {
			return err
		}
		if !doc.Exists {
			return &NotFoundError{Path: path}
		}
		tx.Update(path, map[string]any{
			FieldDeleted:   false,
			FieldDeletedAt: nil,
			FieldVersion:   doc.Version() + 1,
		})
		return nil
	})
	if err != nil {
		return err
	}
	m.RecordOperation(path, OpUpdate, map[string]any{FieldDeleted: false})
	return nil
}

func (m *Manager) observe(ctx context.Context, op, stage string, d time.Duration, count int, failed bool) {
	if m.metrics == nil {
		return
	}
	m.metrics.ObserveStage(ctx, StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  d,
		Count:     count,
		Error:     failed,
	})
}
