// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

package petsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// PushRequest carries one mutation to the remote backend.
// ExpectedRemoteVersion is the version the local change was based on; the
// backend compares it against its current version to detect conflicts.
type PushRequest struct {
	RecordID              string          `json:"record_id"`
	EntityType            EntityType      `json:"entity_type"`
	Operation             Operation       `json:"op"`
	Payload               json.RawMessage `json:"payload,omitempty"`
	ExpectedRemoteVersion int64           `json:"expected_remote_version"`
}

// PushResponse is the backend's answer: either the change applied and the
// record has a new version, or the backend holds a different version and
// returns its current state.
type PushResponse struct {
	Applied        bool            `json:"applied"`
	NewVersion     int64           `json:"new_version,omitempty"`
	Conflict       bool            `json:"conflict,omitempty"`
	CurrentVersion int64           `json:"current_version,omitempty"`
	CurrentPayload json.RawMessage `json:"current_payload,omitempty"`
	CurrentDeleted bool            `json:"current_deleted,omitempty"`
}

// Backend is the narrow request/response contract with the remote store.
// The transport behind it is not part of this core's semantics.
type Backend interface {
	Push(ctx context.Context, req *PushRequest) (*PushResponse, error)
	// Ping is a cheap authenticated reachability check, distinct from
	// device-level connectivity.
	Ping(ctx context.Context) error
}

// HTTPBackend talks JSON over HTTP with bearer-token auth. Application-
// level refusals (4xx) come back as *RejectionError and are never retried;
// transport and server failures come back as plain errors and are subject
// to the queue's retry policy.
type HTTPBackend struct {
	BaseURL string
	Token   func(context.Context) (string, error)
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewHTTPBackend creates the HTTP backend client. The request timeout is
// mandatory so an in-flight push can never hang indefinitely.
func NewHTTPBackend(baseURL string, token func(context.Context) (string, error), timeout time.Duration, logger *slog.Logger) *HTTPBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPBackend{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type backendErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Push sends one mutation and decodes the semantic response.
func (b *HTTPBackend) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create push request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := b.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := b.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send push request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var pushResp PushResponse
		if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
			return nil, fmt.Errorf("failed to decode push response: %w", err)
		}
		return &pushResp, nil

	case isRejectionStatus(resp.StatusCode):
		raw, _ := io.ReadAll(resp.Body)
		var errBody backendErrorBody
		if err := json.Unmarshal(raw, &errBody); err != nil || errBody.Code == "" {
			errBody.Code = http.StatusText(resp.StatusCode)
			errBody.Message = string(raw)
		}
		return nil, &RejectionError{Code: errBody.Code, Message: errBody.Message}

	default:
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
	}
}

// Ping performs the lightweight authenticated reachability probe.
func (b *HTTPBackend) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+"/sync/ping", nil)
	if err != nil {
		return fmt.Errorf("failed to create ping request: %w", err)
	}
	if err := b.authorize(ctx, httpReq); err != nil {
		return err
	}

	resp, err := b.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to ping backend: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("backend ping returned status %d", resp.StatusCode)
	}
	return nil
}

func (b *HTTPBackend) authorize(ctx context.Context, req *http.Request) error {
	if b.Token == nil {
		return nil
	}
	token, err := b.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// isRejectionStatus classifies 4xx responses as permanent application
// rejections, except 408 and 429 which are transient by nature.
func isRejectionStatus(status int) bool {
	if status < 400 || status >= 500 {
		return false
	}
	return status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}
