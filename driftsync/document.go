// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package driftsync

import (
	"encoding/json"
	"time"
)

// Document is a single remote document as observed at some point in time.
// Data is nil when the document does not exist. The engine-maintained fields
// (version, deleted, deleted_at) live inside Data like any other field;
// use Version and IsDeleted to read them with defaults applied.
type Document struct {
	Path   string
	Data   map[string]any
	Exists bool
}

// Version returns the document's stored version, defaulting to 0 when the
// field is absent. JSON decoding may deliver the value as float64 or
// json.Number depending on the transport; both are accepted.
func (d *Document) Version() int64 {
	if d == nil || d.Data == nil {
		return 0
	}
	return numberField(d.Data, FieldVersion)
}

// IsDeleted unifies soft and hard deletion: true when the document does not
// exist or its deleted field is set.
func (d *Document) IsDeleted() bool {
	if d == nil || !d.Exists {
		return true
	}
	deleted, _ := d.Data[FieldDeleted].(bool)
	return deleted
}

func numberField(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

// SnapshotMeta accompanies every change notification.
type SnapshotMeta struct {
	FromCache        bool
	HasPendingWrites bool
	IsDeleted        bool
}

// ChangeType classifies a per-document delta within a collection snapshot.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// DocChange is one entry of a collection snapshot's change list, in the
// order reported by the underlying store.
type DocChange struct {
	Type ChangeType
	Doc  Document
}

// Snapshot is the raw delivery unit a RemoteStore pushes to a subscriber.
// For document targets Docs holds zero or one entry; for collection targets
// it holds the full matching set plus per-document changes.
type Snapshot struct {
	Docs             []Document
	Changes          []DocChange
	FromCache        bool
	HasPendingWrites bool
	At               time.Time
}

// FilterOp is a comparison operator for collection queries.
type FilterOp string

const (
	FilterEq  FilterOp = "=="
	FilterNeq FilterOp = "!="
	FilterGt  FilterOp = ">"
	FilterGte FilterOp = ">="
	FilterLt  FilterOp = "<"
	FilterLte FilterOp = "<="
)

// Filter constrains a collection subscription to documents whose field
// compares true against Value.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Order sorts a collection subscription by a field.
type Order struct {
	Field string
	Desc  bool
}

// Target describes what a subscription watches: a single document path, or
// a collection path with optional filters, ordering and limit.
type Target struct {
	Path       string
	Collection bool
	Filters    []Filter
	OrderBy    []Order
	Limit      int
}

// DocumentTarget builds a single-document target.
func DocumentTarget(path string) Target {
	return Target{Path: path}
}

// CollectionTarget builds a collection target for the given path.
func CollectionTarget(path string, filters []Filter, orderBy []Order, limit int) Target {
	return Target{Path: path, Collection: true, Filters: filters, OrderBy: orderBy, Limit: limit}
}
