// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/drifthq/go-driftsync/driftsync"
)

// RunBatch applies ops atomically: all statements ride one pgx.Batch inside
// one transaction, so either every operation commits or none do. Update
// entries require the target document to exist.
func (s *Store) RunBatch(ctx context.Context, ops []driftsync.BatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, op := range ops {
			switch op.Kind {
			case driftsync.BatchSet:
				assign := "EXCLUDED.data"
				if op.Merge {
					assign = "driftsync_documents.data || EXCLUDED.data"
				}
				b.Queue(`
					INSERT INTO driftsync_documents (path, collection, data)
					VALUES ($1, $2, $3)
					ON CONFLICT (path) DO UPDATE SET data = `+assign+`, updated_at = now()
				`, op.Path, collectionOf(op.Path), op.Data)
			case driftsync.BatchUpdate:
				b.Queue(`
					UPDATE driftsync_documents SET data = data || $2, updated_at = now()
					WHERE path = $1
				`, op.Path, op.Data)
			case driftsync.BatchDelete:
				b.Queue(`
					DELETE FROM driftsync_documents WHERE path = $1
				`, op.Path)
			default:
				return &driftsync.BatchValidationError{Path: op.Path, Msg: fmt.Sprintf("unknown batch kind %q", op.Kind)}
			}
		}

		br := tx.SendBatch(ctx, b)
		defer br.Close()
		for _, op := range ops {
			tag, err := br.Exec()
			if err != nil {
				return fmt.Errorf("batch %s %s failed: %w", op.Kind, op.Path, err)
			}
			if op.Kind == driftsync.BatchUpdate && tag.RowsAffected() == 0 {
				return &driftsync.NotFoundError{Path: op.Path}
			}
		}
		return nil
	})
	return classify("batch", err)
}
