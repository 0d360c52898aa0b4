// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

// Package auth mints and validates the HS256 tokens the sync backend
// expects: the user id in the standard sub claim and the device id in a
// did claim.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the sync token claims.
type Claims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// TokenSource mints short-lived signed tokens and caches them until close
// to expiry.
type TokenSource struct {
	secret   []byte
	userID   string
	deviceID string
	ttl      time.Duration

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// NewTokenSource creates a token source for the given user and device.
func NewTokenSource(secret, userID, deviceID string, ttl time.Duration) *TokenSource {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenSource{
		secret:   []byte(secret),
		userID:   userID,
		deviceID: deviceID,
		ttl:      ttl,
	}
}

// Token returns a valid signed token, minting a fresh one when the cached
// token is within a minute of expiry.
func (t *TokenSource) Token(_ context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cached != "" && time.Until(t.expires) > time.Minute {
		return t.cached, nil
	}

	now := time.Now()
	expires := now.Add(t.ttl)
	claims := &Claims{
		DeviceID: t.deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "tailtracker-sync",
			Subject:   t.userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign sync token: %w", err)
	}
	t.cached = signed
	t.expires = expires
	return signed, nil
}

// Validate parses a token string and returns its claims. Used by tests and
// local tooling; the backend performs its own validation.
func (t *TokenSource) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("missing did (device ID) in token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user ID) in token")
	}
	return claims, nil
}
