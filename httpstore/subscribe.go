// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package httpstore

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/drifthq/go-driftsync/driftsync"
)

// Subscribe opens a WebSocket at /v1/watch, registers the target and pumps
// server-pushed snapshots into onChange. The server is expected to send the
// initial state as the first event. Cancelling the returned func (or ctx)
// closes the socket.
func (c *Client) Subscribe(ctx context.Context, target driftsync.Target, onChange func(driftsync.Snapshot), onError func(error)) (driftsync.UnsubscribeFunc, error) {
	hdr := http.Header{}
	if err := c.setAuthHeaders(ctx, hdr); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	conn, _, err := websocket.Dial(subCtx, websocketURL(c.BaseURL)+"/v1/watch", &websocket.DialOptions{
		HTTPClient: c.HTTP,
		HTTPHeader: hdr,
	})
	if err != nil {
		cancel()
		return nil, &driftsync.NetworkError{Op: "subscribe", Err: err}
	}
	conn.SetReadLimit(1 << 22)

	req := watchRequest{
		Path:       target.Path,
		Collection: target.Collection,
		Filters:    target.Filters,
		OrderBy:    target.OrderBy,
		Limit:      target.Limit,
	}
	if err := wsjson.Write(subCtx, conn, &req); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to register watch")
		cancel()
		return nil, &driftsync.NetworkError{Op: "subscribe", Err: err}
	}

	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "unsubscribed")
		for {
			var evt watchEvent
			if err := wsjson.Read(subCtx, conn, &evt); err != nil {
				if subCtx.Err() != nil {
					return
				}
				onError(&driftsync.NetworkError{Op: "subscribe", Err: err})
				return
			}
			onChange(toSnapshot(evt))
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func toSnapshot(evt watchEvent) driftsync.Snapshot {
	snap := driftsync.Snapshot{
		FromCache:        evt.FromCache,
		HasPendingWrites: evt.HasPendingWrites,
		At:               time.Now().UTC(),
	}
	for _, d := range evt.Docs {
		snap.Docs = append(snap.Docs, d.toDocument())
	}
	for _, ch := range evt.Changes {
		snap.Changes = append(snap.Changes, driftsync.DocChange{Type: ch.Type, Doc: ch.Doc.toDocument()})
	}
	return snap
}

func websocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}
