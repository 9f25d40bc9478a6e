// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/drifthq/go-driftsync/driftsync"
)

// Subscribe opens a live snapshot stream for target. A dedicated pool
// connection LISTENs on the change channel; each matching notification
// re-reads the target and delivers a fresh snapshot with a change list
// diffed against the previous delivery. The initial state is delivered
// before Subscribe returns. Cancelling the returned func (or ctx) tears the
// stream down and releases the connection.
func (s *Store) Subscribe(ctx context.Context, target driftsync.Target, onChange func(driftsync.Snapshot), onError func(error)) (driftsync.UnsubscribeFunc, error) {
	subCtx, cancel := context.WithCancel(ctx)
	conn, err := s.pool.Acquire(subCtx)
	if err != nil {
		cancel()
		return nil, classify("subscribe", err)
	}
	if _, err := conn.Exec(subCtx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		cancel()
		return nil, classify("subscribe", err)
	}

	// Initial snapshot after LISTEN so no change can fall between them.
	snap, prev, err := s.fetchSnapshot(subCtx, target, nil)
	if err != nil {
		conn.Release()
		cancel()
		return nil, classify("subscribe", err)
	}
	onChange(snap)

	go func() {
		defer conn.Release()
		for {
			n, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				onError(classify("subscribe", err))
				return
			}
			var evt struct {
				Path       string `json:"path"`
				Collection string `json:"collection"`
				Op         string `json:"op"`
			}
			if err := json.Unmarshal([]byte(n.Payload), &evt); err != nil {
				s.logger.Warn("discarding malformed change notification", "payload", n.Payload, "error", err)
				continue
			}
			if !matchesTarget(target, evt.Path, evt.Collection) {
				continue
			}
			snap, cur, err := s.fetchSnapshot(subCtx, target, prev)
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				onError(classify("subscribe", err))
				continue
			}
			prev = cur
			onChange(snap)
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func matchesTarget(target driftsync.Target, path, collection string) bool {
	if target.Collection {
		return target.Path == collection
	}
	return target.Path == path
}

// fetchSnapshot reads the target's current state and builds the snapshot to
// deliver, diffing collection targets against the previous document set.
func (s *Store) fetchSnapshot(ctx context.Context, target driftsync.Target, prev []driftsync.Document) (driftsync.Snapshot, []driftsync.Document, error) {
	now := time.Now().UTC()
	if !target.Collection {
		row := s.pool.QueryRow(ctx, `
			SELECT data FROM driftsync_documents WHERE path = $1
		`, target.Path)
		var data map[string]any
		doc := driftsync.Document{Path: target.Path}
		if err := row.Scan(&data); err == nil {
			doc.Data = data
			doc.Exists = true
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return driftsync.Snapshot{}, nil, err
		}
		return driftsync.Snapshot{Docs: []driftsync.Document{doc}, At: now}, nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT path, data FROM driftsync_documents WHERE collection = $1 ORDER BY path
	`, target.Path)
	if err != nil {
		return driftsync.Snapshot{}, nil, err
	}
	defer rows.Close()

	var docs []driftsync.Document
	for rows.Next() {
		var path string
		var data map[string]any
		if err := rows.Scan(&path, &data); err != nil {
			return driftsync.Snapshot{}, nil, err
		}
		docs = append(docs, driftsync.Document{Path: path, Data: data, Exists: true})
	}
	if err := rows.Err(); err != nil {
		return driftsync.Snapshot{}, nil, err
	}

	cur := driftsync.ApplyTarget(docs, target)
	snap := driftsync.Snapshot{
		Docs:    cur,
		Changes: driftsync.DiffDocs(prev, cur),
		At:      now,
	}
	return snap, cur, nil
}
