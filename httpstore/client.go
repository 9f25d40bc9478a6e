// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package httpstore implements the engine's RemoteStore interface over a
// JSON HTTP API with bearer-token auth. Single writes go through POST
// /v1/write; transactions stage reads as version preconditions and commit
// everything in one POST /v1/commit; realtime subscriptions ride a
// WebSocket at /v1/watch. Transport failures and 5xx responses surface as
// NetworkError so the queueing layer retries them; 4xx responses map onto
// the engine's application error taxonomy.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/drifthq/go-driftsync/driftsync"
	"github.com/drifthq/go-driftsync/internal/auth"
)

// Client is a RemoteStore speaking to a driftsync HTTP server.
type Client struct {
	BaseURL  string
	HTTP     *http.Client
	Tokens   TokenSource
	UserID   string
	SourceID string

	logger *slog.Logger
}

// NewClient creates an HTTP-backed remote store client. tokens may be nil
// for unauthenticated servers; a nil logger uses slog.Default.
func NewClient(baseURL, userID, sourceID string, tokens TokenSource, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL cannot be nil or empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:  baseURL,
		HTTP:     &http.Client{},
		Tokens:   tokens,
		UserID:   userID,
		SourceID: sourceID,
		logger:   logger,
	}, nil
}

// Write performs a single direct write through POST /v1/write.
func (c *Client) Write(ctx context.Context, kind driftsync.OpKind, path string, data map[string]any) (*driftsync.Document, error) {
	if !kind.Valid() {
		return nil, &driftsync.ValidationError{Msg: fmt.Sprintf("unknown operation kind %q", kind)}
	}
	var resp documentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/write", &writeRequest{Kind: kind, Path: path, Data: data}, &resp); err != nil {
		return nil, err
	}
	doc := resp.toDocument()
	return &doc, nil
}

// read fetches one document through GET /v1/read. Absent documents return
// with Exists=false, not an error.
func (c *Client) read(ctx context.Context, path string) (*driftsync.Document, error) {
	var resp documentResponse
	endpoint := "/v1/read?path=" + url.QueryEscape(path)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		if driftsync.IsNotFound(err) {
			return &driftsync.Document{Path: path, Exists: false}, nil
		}
		return nil, err
	}
	doc := resp.toDocument()
	return &doc, nil
}

// do issues one authenticated JSON request and decodes the response into
// out. HTTP error statuses are mapped onto the engine's error taxonomy.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.setAuthHeaders(ctx, req.Header); err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &driftsync.NetworkError{Op: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}
	return c.statusError(resp)
}

func (c *Client) setAuthHeaders(ctx context.Context, h http.Header) error {
	if c.Tokens != nil {
		token, err := c.Tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain token: %w", err)
		}
		h.Set("Authorization", "Bearer "+token)
	}
	userID := c.UserID
	if id, ok := auth.GetUserID(ctx); ok {
		userID = id
	}
	sourceID := c.SourceID
	if id, ok := auth.GetSourceID(ctx); ok {
		sourceID = id
	}
	if userID != "" {
		h.Set("X-User-ID", userID)
	}
	if sourceID != "" {
		h.Set("X-Source-ID", sourceID)
	}
	return nil
}

// statusError maps a non-2xx response onto the error taxonomy. Server-side
// failures (5xx) are treated as transient: the request may never have been
// durably applied and is safe to retry under the engine's idempotent
// replay rules.
func (c *Client) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body errorResponse
	_ = json.Unmarshal(raw, &body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &driftsync.NotFoundError{Path: body.Path}
	case resp.StatusCode == http.StatusConflict:
		return &driftsync.VersionConflictError{Path: body.Path, Expected: body.Expected, Actual: body.Actual}
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return &driftsync.NetworkError{Op: resp.Request.Method + " " + resp.Request.URL.Path, Err: fmt.Errorf("%s", msg)}
	case resp.StatusCode >= 500:
		return &driftsync.NetworkError{Op: resp.Request.Method + " " + resp.Request.URL.Path, Err: fmt.Errorf("%s", msg)}
	default:
		return &driftsync.ValidationError{Msg: msg}
	}
}
