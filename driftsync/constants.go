// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package driftsync

// OpKind identifies a write-shaped operation. These are wire values: they
// appear verbatim in persisted queue records and over the HTTP transport.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is one of the three known kinds.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Reserved document fields maintained by the engine. User payloads may read
// them but the version-checked write paths own their values.
const (
	FieldVersion   = "version"
	FieldDeleted   = "deleted"
	FieldDeletedAt = "deleted_at"
)
