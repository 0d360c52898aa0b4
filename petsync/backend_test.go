// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

package petsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func httpResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestBackend(rt roundTripFunc) *HTTPBackend {
	b := NewHTTPBackend("http://backend.test",
		func(context.Context) (string, error) { return "test-token", nil },
		5*time.Second, testLogger())
	b.HTTP.Transport = rt
	return b
}

func TestPushAppliedDecodesResponse(t *testing.T) {
	var captured *http.Request
	var capturedBody []byte
	backend := newTestBackend(func(req *http.Request) (*http.Response, error) {
		captured = req
		capturedBody, _ = io.ReadAll(req.Body)
		return httpResponse(http.StatusOK, `{"applied":true,"new_version":7}`), nil
	})

	resp, err := backend.Push(context.Background(), &PushRequest{
		RecordID:              "pet-1",
		EntityType:            EntityPet,
		Operation:             OpUpdate,
		Payload:               obj(`{"name":"Max","species":"dog"}`),
		ExpectedRemoteVersion: 6,
	})
	require.NoError(t, err)
	require.True(t, resp.Applied)
	require.Equal(t, int64(7), resp.NewVersion)

	require.Equal(t, http.MethodPost, captured.Method)
	require.Equal(t, "/sync/push", captured.URL.Path)
	require.Equal(t, "Bearer test-token", captured.Header.Get("Authorization"))

	var wire PushRequest
	require.NoError(t, json.Unmarshal(capturedBody, &wire))
	require.Equal(t, "pet-1", wire.RecordID)
	require.Equal(t, int64(6), wire.ExpectedRemoteVersion)
}

func TestPushDecodesConflictResponse(t *testing.T) {
	backend := newTestBackend(func(*http.Request) (*http.Response, error) {
		return httpResponse(http.StatusOK,
			`{"applied":false,"conflict":true,"current_version":9,"current_payload":{"name":"Rex","species":"dog"}}`), nil
	})

	resp, err := backend.Push(context.Background(), &PushRequest{RecordID: "pet-1"})
	require.NoError(t, err)
	require.False(t, resp.Applied)
	require.True(t, resp.Conflict)
	require.Equal(t, int64(9), resp.CurrentVersion)
	require.JSONEq(t, `{"name":"Rex","species":"dog"}`, string(resp.CurrentPayload))
}

func TestPush4xxIsRejection(t *testing.T) {
	backend := newTestBackend(func(*http.Request) (*http.Response, error) {
		return httpResponse(http.StatusUnprocessableEntity,
			`{"code":"invalid_payload","message":"species is required"}`), nil
	})

	_, err := backend.Push(context.Background(), &PushRequest{RecordID: "pet-1"})
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "invalid_payload", rej.Code)
	require.Contains(t, rej.Message, "species")
}

func TestPushThrottlingIsNotRejection(t *testing.T) {
	for _, status := range []int{http.StatusRequestTimeout, http.StatusTooManyRequests} {
		backend := newTestBackend(func(*http.Request) (*http.Response, error) {
			return httpResponse(status, `slow down`), nil
		})
		_, err := backend.Push(context.Background(), &PushRequest{RecordID: "pet-1"})
		require.Error(t, err)
		require.False(t, IsRejection(err), "status %d must stay retryable", status)
	}
}

func TestPushServerErrorIsRetryable(t *testing.T) {
	backend := newTestBackend(func(*http.Request) (*http.Response, error) {
		return httpResponse(http.StatusInternalServerError, `boom`), nil
	})

	_, err := backend.Push(context.Background(), &PushRequest{RecordID: "pet-1"})
	require.Error(t, err)
	require.False(t, IsRejection(err))
	require.Contains(t, err.Error(), "500")
}

func TestPushTransportFailure(t *testing.T) {
	backend := newTestBackend(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})

	_, err := backend.Push(context.Background(), &PushRequest{RecordID: "pet-1"})
	require.Error(t, err)
	require.False(t, IsRejection(err))
}

func TestPushTokenFailureAbortsBeforeSend(t *testing.T) {
	sent := false
	backend := newTestBackend(func(*http.Request) (*http.Response, error) {
		sent = true
		return httpResponse(http.StatusOK, `{"applied":true}`), nil
	})
	backend.Token = func(context.Context) (string, error) {
		return "", fmt.Errorf("keychain locked")
	}

	_, err := backend.Push(context.Background(), &PushRequest{RecordID: "pet-1"})
	require.Error(t, err)
	require.False(t, sent)
}

func TestPing(t *testing.T) {
	backend := newTestBackend(func(req *http.Request) (*http.Response, error) {
		require.Equal(t, "/sync/ping", req.URL.Path)
		require.Equal(t, "Bearer test-token", req.Header.Get("Authorization"))
		return httpResponse(http.StatusNoContent, ``), nil
	})
	require.NoError(t, backend.Ping(context.Background()))

	backend = newTestBackend(func(*http.Request) (*http.Response, error) {
		return httpResponse(http.StatusServiceUnavailable, ``), nil
	})
	require.Error(t, backend.Ping(context.Background()))
}
