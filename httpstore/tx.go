// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package httpstore

import (
	"context"

	"github.com/drifthq/go-driftsync/driftsync"
)

// RunTransaction runs body against a staged transaction: reads record
// version preconditions, writes are buffered, and everything commits in one
// POST /v1/commit. The server applies the writes atomically only if every
// read document is still at its observed version, otherwise the commit
// fails with a version conflict and nothing is applied. Any error from body
// discards the staged writes without a network call.
func (c *Client) RunTransaction(ctx context.Context, body func(tx driftsync.Transaction) error) error {
	tx := &httpTransaction{ctx: ctx, client: c}
	if err := body(tx); err != nil {
		return err
	}
	if tx.err != nil {
		return tx.err
	}
	if len(tx.writes) == 0 {
		return nil
	}
	return c.do(ctx, "POST", "/v1/commit", &commitRequest{
		Preconditions: tx.reads,
		Writes:        tx.writes,
	}, nil)
}

// RunBatch applies ops atomically through POST /v1/commit without
// preconditions.
func (c *Client) RunBatch(ctx context.Context, ops []driftsync.BatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	writes := make([]commitWrite, len(ops))
	for i, op := range ops {
		writes[i] = commitWrite{Kind: op.Kind, Path: op.Path, Data: op.Data, Merge: op.Merge}
	}
	return c.do(ctx, "POST", "/v1/commit", &commitRequest{Writes: writes}, nil)
}

type httpTransaction struct {
	ctx    context.Context
	client *Client
	reads  []readPrecondition
	writes []commitWrite
	err    error
}

func (t *httpTransaction) Get(ctx context.Context, path string) (*driftsync.Document, error) {
	doc, err := t.client.read(ctx, path)
	if err != nil {
		return nil, err
	}
	t.reads = append(t.reads, readPrecondition{
		Path:    path,
		Version: doc.Version(),
		Exists:  doc.Exists,
	})
	return doc, nil
}

func (t *httpTransaction) Set(path string, data map[string]any, merge bool) {
	t.writes = append(t.writes, commitWrite{Kind: driftsync.BatchSet, Path: path, Data: data, Merge: merge})
}

func (t *httpTransaction) Update(path string, data map[string]any) {
	t.writes = append(t.writes, commitWrite{Kind: driftsync.BatchUpdate, Path: path, Data: data})
}

func (t *httpTransaction) Delete(path string) {
	t.writes = append(t.writes, commitWrite{Kind: driftsync.BatchDelete, Path: path})
}
