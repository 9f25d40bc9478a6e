// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the caller's identity through context so transport
// layers can stamp requests without threading identifiers through every
// call signature.
package auth

import (
	"context"
)

type contextKey string

const (
	sourceIDKey contextKey = "source_id"
	userIDKey   contextKey = "user_id"
)

// WithSourceID returns a context carrying the device/source identifier.
func WithSourceID(ctx context.Context, sourceID string) context.Context {
	return context.WithValue(ctx, sourceIDKey, sourceID)
}

// GetSourceID retrieves the source ID from the context.
func GetSourceID(ctx context.Context) (string, bool) {
	sourceID, ok := ctx.Value(sourceIDKey).(string)
	return sourceID, ok
}

// WithUserID returns a context carrying the user identifier.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the user ID from the context.
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// WithIdentity sets both user and source ID in one call.
func WithIdentity(ctx context.Context, userID, sourceID string) context.Context {
	return WithSourceID(WithUserID(ctx, userID), sourceID)
}
