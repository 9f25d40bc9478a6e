// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// notifyChannel is the LISTEN/NOTIFY channel carrying change events for
// every document in the store.
const notifyChannel = "driftsync_changes"

// initializeSchema creates the document table and change-notification
// trigger if they don't exist.
func (s *Store) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		migrations := []string{
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS driftsync_documents (
				path       TEXT PRIMARY KEY,
				collection TEXT NOT NULL,
				data       JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,

			/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS driftsync_documents_collection_idx
				ON driftsync_documents (collection)`,

			// Change fan-out: every row mutation notifies listeners with the
			// affected path so subscriptions can re-read their target.
			/*language=postgresql*/ `CREATE OR REPLACE FUNCTION driftsync_notify_change() RETURNS trigger AS $$
			DECLARE
				payload JSON;
			BEGIN
				payload := json_build_object(
					'path', COALESCE(NEW.path, OLD.path),
					'collection', COALESCE(NEW.collection, OLD.collection),
					'op', TG_OP
				);
				PERFORM pg_notify('` + notifyChannel + `', payload::text);
				RETURN COALESCE(NEW, OLD);
			END;
			$$ LANGUAGE plpgsql`,

			/*language=postgresql*/ `DROP TRIGGER IF EXISTS driftsync_documents_notify
				ON driftsync_documents`,

			/*language=postgresql*/ `CREATE TRIGGER driftsync_documents_notify
				AFTER INSERT OR UPDATE OR DELETE ON driftsync_documents
				FOR EACH ROW EXECUTE FUNCTION driftsync_notify_change()`,
		}
		for _, migration := range migrations {
			if _, err := tx.Exec(ctx, migration); err != nil {
				return err
			}
		}
		return nil
	})
}
