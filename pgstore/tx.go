// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/drifthq/go-driftsync/driftsync"
)

// RunTransaction executes body at REPEATABLE READ. Serialization failures,
// deadlocks and lock timeouts retry the whole body with backoff up to
// Config.TxRetries; any error from body rolls everything back and
// propagates unchanged.
func (s *Store) RunTransaction(ctx context.Context, body func(tx driftsync.Transaction) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.config.TxRetries; attempt++ {
		if attempt > 0 {
			delay := s.config.RetryMinWait << (attempt - 1)
			if delay > s.config.RetryMaxWait {
				delay = s.config.RetryMaxWait
			}
			if err := sleepWithContext(ctx, delay); err != nil {
				return err
			}
			s.logger.Debug("retrying transaction", "attempt", attempt, "error", lastErr)
		}

		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
			h := &pgTransaction{ctx: ctx, tx: tx}
			if err := body(h); err != nil {
				return err
			}
			return h.err
		})
		if err == nil {
			return nil
		}
		if isRetryablePGTxError(err) {
			lastErr = err
			continue
		}
		return classify("transaction", err)
	}
	return classify("transaction", lastErr)
}

// pgTransaction adapts one pgx.Tx to the engine's transaction handle. Write
// methods execute immediately inside the transaction; their first failure is
// remembered and aborts the commit.
type pgTransaction struct {
	ctx context.Context
	tx  pgx.Tx
	err error
}

func (t *pgTransaction) Get(ctx context.Context, path string) (*driftsync.Document, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT data FROM driftsync_documents WHERE path = $1 FOR UPDATE
	`, path)
	var data map[string]any
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &driftsync.Document{Path: path, Exists: false}, nil
		}
		return nil, classify("transaction get", err)
	}
	return &driftsync.Document{Path: path, Data: data, Exists: true}, nil
}

func (t *pgTransaction) Set(path string, data map[string]any, merge bool) {
	if t.err != nil {
		return
	}
	assign := "EXCLUDED.data"
	if merge {
		assign = "driftsync_documents.data || EXCLUDED.data"
	}
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO driftsync_documents (path, collection, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (path) DO UPDATE SET data = `+assign+`, updated_at = now()
	`, path, collectionOf(path), data)
	if err != nil {
		t.err = fmt.Errorf("failed to set %s: %w", path, err)
	}
}

func (t *pgTransaction) Update(path string, data map[string]any) {
	if t.err != nil {
		return
	}
	tag, err := t.tx.Exec(t.ctx, `
		UPDATE driftsync_documents SET data = data || $2, updated_at = now()
		WHERE path = $1
	`, path, data)
	if err != nil {
		t.err = fmt.Errorf("failed to update %s: %w", path, err)
		return
	}
	if tag.RowsAffected() == 0 {
		t.err = &driftsync.NotFoundError{Path: path}
	}
}

func (t *pgTransaction) Delete(path string) {
	if t.err != nil {
		return
	}
	if _, err := t.tx.Exec(t.ctx, `
		DELETE FROM driftsync_documents WHERE path = $1
	`, path); err != nil {
		t.err = fmt.Errorf("failed to delete %s: %w", path, err)
	}
}
