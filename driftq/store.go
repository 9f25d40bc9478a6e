// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package driftq

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store is the durable persistence surface for the operation queue. Save is
// a full-state write-through: it replaces the stored representation with the
// given operations in order. Load must be tolerant of malformed stored data:
// a parse failure yields an empty queue, never an error. Errors are reserved
// for real I/O failures; the queue logs those and degrades to in-memory
// operation.
type Store interface {
	Load(ctx context.Context) ([]Operation, error)
	Save(ctx context.Context, ops []Operation) error
}

// MemoryStore keeps the serialized queue in memory. It round-trips through
// JSON so tests exercise the same codec the durable stores use.
type MemoryStore struct {
	mu  sync.Mutex
	raw []byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.raw) == 0 {
		return nil, nil
	}
	var ops []Operation
	if err := json.Unmarshal(s.raw, &ops); err != nil {
		return nil, nil
	}
	return ops, nil
}

func (s *MemoryStore) Save(_ context.Context, ops []Operation) error {
	raw, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.raw = raw
	s.mu.Unlock()
	return nil
}

// SetRaw replaces the stored bytes verbatim. Used to simulate corruption.
func (s *MemoryStore) SetRaw(raw []byte) {
	s.mu.Lock()
	s.raw = raw
	s.mu.Unlock()
}

// FileStore persists the queue as a single JSON file, replaced atomically on
// every save.
type FileStore struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileStore creates a file-backed store at path. A nil logger uses
// slog.Default.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger}
}

func (s *FileStore) Load(_ context.Context) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ops []Operation
	if err := json.Unmarshal(raw, &ops); err != nil {
		s.logger.Warn("discarding malformed queue file", "path", s.path, "error", err)
		return nil, nil
	}
	return ops, nil
}

func (s *FileStore) Save(_ context.Context, ops []Operation) error {
	raw, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
