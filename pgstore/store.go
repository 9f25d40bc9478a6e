// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package pgstore implements the engine's RemoteStore interface on
// PostgreSQL. Documents live in a single JSONB table keyed by path;
// transactions run at REPEATABLE READ with automatic retry of
// serialization failures; batches commit through pgx.Batch in one
// transaction; realtime subscriptions ride LISTEN/NOTIFY with a trigger
// installed by schema initialization.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drifthq/go-driftsync/driftsync"
)

// Config holds configuration for the Postgres-backed remote store.
type Config struct {
	TxRetries    int           // retries for serialization/deadlock failures
	RetryMinWait time.Duration // backoff floor between transaction retries
	RetryMaxWait time.Duration // backoff cap
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() *Config {
	return &Config{
		TxRetries:    3,
		RetryMinWait: 50 * time.Millisecond,
		RetryMaxWait: 1 * time.Second,
	}
}

// Store is a RemoteStore backed by a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	config *Config
	logger *slog.Logger
}

// NewStore creates the store and initializes the document schema (table,
// index, notify trigger). A nil config uses DefaultConfig; a nil logger
// uses slog.Default.
func NewStore(ctx context.Context, pool *pgxpool.Pool, config *Config, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{pool: pool, config: config, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Write performs a single direct write. Create paths name a collection: an
// id is taken from the data or generated, and the document is stored under
// collection/id. Update merges into an existing document; delete removes
// one and is idempotent.
func (s *Store) Write(ctx context.Context, kind driftsync.OpKind, path string, data map[string]any) (*driftsync.Document, error) {
	switch kind {
	case driftsync.OpCreate:
		return s.create(ctx, path, data)
	case driftsync.OpUpdate:
		return s.update(ctx, path, data)
	case driftsync.OpDelete:
		return s.delete(ctx, path)
	default:
		return nil, &driftsync.ValidationError{Msg: fmt.Sprintf("unknown operation kind %q", kind)}
	}
}

func (s *Store) create(ctx context.Context, collection string, data map[string]any) (*driftsync.Document, error) {
	if collection == "" || strings.Contains(collection, "/") {
		return nil, &driftsync.ValidationError{Msg: fmt.Sprintf("create path must name a collection, got %q", collection)}
	}
	id, _ := data["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	stored := make(map[string]any, len(data)+1)
	for k, v := range data {
		stored[k] = v
	}
	stored["id"] = id
	path := collection + "/" + id

	_, err := s.pool.Exec(ctx, `
		INSERT INTO driftsync_documents (path, collection, data)
		VALUES ($1, $2, $3)
	`, path, collection, stored)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
			return nil, &driftsync.ValidationError{Msg: "document already exists: " + path}
		}
		return nil, classify("write", err)
	}
	return &driftsync.Document{Path: path, Data: stored, Exists: true}, nil
}

func (s *Store) update(ctx context.Context, path string, data map[string]any) (*driftsync.Document, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE driftsync_documents
		SET data = data || $2, updated_at = now()
		WHERE path = $1
		RETURNING data
	`, path, data)
	var merged map[string]any
	if err := row.Scan(&merged); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &driftsync.NotFoundError{Path: path}
		}
		return nil, classify("write", err)
	}
	return &driftsync.Document{Path: path, Data: merged, Exists: true}, nil
}

func (s *Store) delete(ctx context.Context, path string) (*driftsync.Document, error) {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM driftsync_documents WHERE path = $1
	`, path); err != nil {
		return nil, classify("write", err)
	}
	return &driftsync.Document{Path: path, Exists: false}, nil
}

// collectionOf returns the collection portion of a document path.
func collectionOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return path
}

// classify separates transport failures (retryable by the queueing layer)
// from application errors. Errors from the engine's own taxonomy and
// Postgres server responses pass through unchanged; anything else that is
// not a caller cancellation failed to reach the server.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if driftsync.IsNetworkError(err) || driftsync.IsValidationError(err) ||
		driftsync.IsVersionConflict(err) || driftsync.IsNotFound(err) {
		return err
	}
	var batchErr *driftsync.BatchValidationError
	if errors.As(err, &batchErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &driftsync.NetworkError{Op: op, Err: err}
}

// isRetryablePGTxError reports whether the transaction should be retried
// wholesale: serialization failure, deadlock, or lock timeout.
func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

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
