// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package driftq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists the queue in a SQLite table, one JSON record per
// operation, ordered by an autoincrement sequence so enqueue order survives
// restarts even when enqueue timestamps collide.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore prepares db for queue persistence: enables WAL and foreign
// keys and creates the queue table if missing. A nil logger uses
// slog.Default.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _driftq_operations (
			seq    INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id  TEXT NOT NULL,
			record TEXT NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("failed to create queue table: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// OpenSQLiteStore opens (or creates) a SQLite database at path and prepares
// it for queue persistence. The caller owns closing via Close.
func OpenSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	store, err := NewSQLiteStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM _driftq_operations ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue records: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan queue record: %w", err)
		}
		var op Operation
		if err := json.Unmarshal([]byte(record), &op); err != nil {
			// Malformed rows are dropped, not fatal. The next Save rewrites
			// the table without them.
			s.logger.Warn("discarding malformed queue record", "error", err)
			continue
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queue records: %w", err)
	}
	return ops, nil
}

func (s *SQLiteStore) Save(ctx context.Context, ops []Operation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin queue save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM _driftq_operations`); err != nil {
		return fmt.Errorf("failed to clear queue table: %w", err)
	}
	for _, op := range ops {
		record, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("failed to marshal operation %s: %w", op.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _driftq_operations (op_id, record) VALUES (?, ?)
		`, op.ID, string(record)); err != nil {
			return fmt.Errorf("failed to insert operation %s: %w", op.ID, err)
		}
	}
	return tx.Commit()
}
