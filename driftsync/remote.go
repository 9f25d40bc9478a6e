// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package driftsync

import "context"

// UnsubscribeFunc releases the resources behind one subscription. It is safe
// to call more than once; calls after the first are no-ops.
type UnsubscribeFunc func()

// RemoteStore is the engine's view of the remote multi-writer document
// store. Implementations must surface transient transport failures as
// *NetworkError so the queueing layer can distinguish them from
// application errors.
//
// Write semantics by kind:
//   - OpCreate: path names a collection; the store assigns an id unless the
//     data carries one, and returns the stored document.
//   - OpUpdate: path names a document; data is merged into it.
//   - OpDelete: path names a document; it is removed outright (soft delete
//     is a Manager-level concern layered on transactions).
type RemoteStore interface {
	Write(ctx context.Context, kind OpKind, path string, data map[string]any) (*Document, error)

	// RunTransaction executes body against a transaction handle. Any error
	// returned by body aborts the transaction with no partial effect.
	RunTransaction(ctx context.Context, body func(tx Transaction) error) error

	// RunBatch applies the already-validated operations atomically: all
	// commit together or none do.
	RunBatch(ctx context.Context, ops []BatchOp) error

	// Subscribe opens a live stream of snapshots for target. onChange is
	// invoked once with the initial state and then on every subsequent
	// change; onError receives stream-level failures. The returned func
	// cancels the stream.
	Subscribe(ctx context.Context, target Target, onChange func(Snapshot), onError func(error)) (UnsubscribeFunc, error)
}

// Transaction is the handle passed to RunTransaction bodies. Reads observe
// committed state plus this transaction's own writes; writes become visible
// to others only on commit.
type Transaction interface {
	Get(ctx context.Context, path string) (*Document, error)
	Set(path string, data map[string]any, merge bool)
	Update(path string, data map[string]any)
	Delete(path string)
}

// BatchKind identifies one entry of an atomic batch.
type BatchKind string

const (
	BatchSet    BatchKind = "set"
	BatchUpdate BatchKind = "update"
	BatchDelete BatchKind = "delete"
)

// BatchOp is one entry of an atomic batched write.
type BatchOp struct {
	Kind  BatchKind
	Path  string
	Data  map[string]any
	Merge bool
}
