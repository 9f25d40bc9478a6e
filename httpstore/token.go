// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package httpstore

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token attached to every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to the TokenSource interface.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken returns the same token on every call.
func StaticToken(token string) TokenSource {
	return TokenSourceFunc(func(context.Context) (string, error) { return token, nil })
}

// JWTClaims is the claim set the sync server expects: the device identifier
// in "did" and the user id in the standard subject claim.
type JWTClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// JWTMinter mints short-lived HS256 tokens locally. Meant for development
// and test setups where the client shares a secret with the server; in
// production the application shell typically supplies tokens from its own
// auth flow via a TokenSourceFunc.
type JWTMinter struct {
	secret   []byte
	userID   string
	deviceID string
	lifetime time.Duration
}

// NewJWTMinter creates a minter for the given identity.
func NewJWTMinter(secret, userID, deviceID string, lifetime time.Duration) *JWTMinter {
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &JWTMinter{
		secret:   []byte(secret),
		userID:   userID,
		deviceID: deviceID,
		lifetime: lifetime,
	}
}

func (m *JWTMinter) Token(_ context.Context) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		DeviceID: m.deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "go-driftsync",
			Subject:   m.userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a token minted by a JWTMinter sharing
// the same secret. Exposed for server-side test doubles.
func ValidateToken(secret, tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user ID) in token")
	}
	return claims, nil
}
