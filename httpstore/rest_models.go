// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package httpstore

import (
	"github.com/drifthq/go-driftsync/driftsync"
)

// writeRequest is the body of POST /v1/write.
type writeRequest struct {
	Kind driftsync.OpKind `json:"kind"`
	Path string           `json:"path"`
	Data map[string]any   `json:"data,omitempty"`
}

// documentResponse is the wire form of a document, shared by write, read
// and watch payloads.
type documentResponse struct {
	Path   string         `json:"path"`
	Data   map[string]any `json:"data,omitempty"`
	Exists bool           `json:"exists"`
}

func (d documentResponse) toDocument() driftsync.Document {
	return driftsync.Document{Path: d.Path, Data: d.Data, Exists: d.Exists}
}

// readPrecondition pins a document version observed inside a transaction.
// The server rejects the commit when any pinned version moved.
type readPrecondition struct {
	Path    string `json:"path"`
	Version int64  `json:"version"`
	Exists  bool   `json:"exists"`
}

// commitWrite is one buffered write of a transaction or batch commit.
type commitWrite struct {
	Kind  driftsync.BatchKind `json:"kind"`
	Path  string              `json:"path"`
	Data  map[string]any      `json:"data,omitempty"`
	Merge bool                `json:"merge,omitempty"`
}

// commitRequest is the body of POST /v1/commit. All writes apply
// atomically after every precondition holds.
type commitRequest struct {
	Preconditions []readPrecondition `json:"preconditions,omitempty"`
	Writes        []commitWrite      `json:"writes"`
}

// errorResponse is the error body every endpoint returns on failure.
type errorResponse struct {
	Error    string `json:"error"`
	Path     string `json:"path,omitempty"`
	Expected int64  `json:"expected,omitempty"`
	Actual   int64  `json:"actual,omitempty"`
}

// watchRequest is the first client message on a /v1/watch socket.
type watchRequest struct {
	Path       string             `json:"path"`
	Collection bool               `json:"collection"`
	Filters    []driftsync.Filter `json:"filters,omitempty"`
	OrderBy    []driftsync.Order  `json:"order_by,omitempty"`
	Limit      int                `json:"limit,omitempty"`
}

// watchEvent is one server push on a /v1/watch socket.
type watchEvent struct {
	Docs             []documentResponse `json:"docs"`
	Changes          []watchChange      `json:"changes,omitempty"`
	FromCache        bool               `json:"from_cache"`
	HasPendingWrites bool               `json:"has_pending_writes"`
}

type watchChange struct {
	Type driftsync.ChangeType `json:"type"`
	Doc  documentResponse     `json:"doc"`
}
