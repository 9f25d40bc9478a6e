// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package driftsync

import "time"

// HistoryEntry is one recorded operation against a document path. History is
// purely observational: the write paths record into it but never consult it.
type HistoryEntry struct {
	Kind OpKind
	Data map[string]any
	At   time.Time
}

// RecordOperation appends an entry to the per-path history, evicting the
// oldest entry once the configured limit is reached.
func (m *Manager) RecordOperation(path string, kind OpKind, data map[string]any) {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	entries := append(m.history[path], HistoryEntry{Kind: kind, Data: data, At: time.Now().UTC()})
	if excess := len(entries) - m.config.HistoryLimit; excess > 0 {
		entries = entries[excess:]
	}
	m.history[path] = entries
}

// History returns a copy of the recorded operations for path, oldest first.
func (m *Manager) History(path string) []HistoryEntry {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	entries := m.history[path]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out
}
