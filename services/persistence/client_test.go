// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package persistence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() *PersistRequest {
	return &PersistRequest{
		ChatID:          "chat-1",
		ClientMessageID: "msg-1",
		Role:            "assistant",
		Content:         "Hello",
		CreatedAt:       time.Now(),
		Status:          StatusStreaming,
	}
}

func TestPersistMessageSuccess(t *testing.T) {
	var received PersistRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, upsertPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "secret")
	err := gw.PersistMessage(context.Background(), testRequest())

	require.NoError(t, err)
	assert.Equal(t, "chat-1", received.ChatID)
	assert.Equal(t, "msg-1", received.ClientMessageID)
	assert.Equal(t, StatusStreaming, received.Status)
}

func TestPersistMessageNoTokenOmitsAuthHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "")
	require.NoError(t, gw.PersistMessage(context.Background(), testRequest()))
}

func TestPersistMessageOmitsEmptyReasoning(t *testing.T) {
	var raw map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "")
	require.NoError(t, gw.PersistMessage(context.Background(), testRequest()))

	_, hasReasoning := raw["reasoning"]
	_, hasThinking := raw["thinkingTimeMs"]
	assert.False(t, hasReasoning, "empty reasoning must not be serialized")
	assert.False(t, hasThinking, "zero thinking time must not be serialized")
}

func TestPersistMessageRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "")
	err := gw.PersistMessage(context.Background(), testRequest())

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPersistMessageDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "")
	err := gw.PersistMessage(context.Background(), testRequest())

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	pe, ok := IsPersistError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, pe.StatusCode)
	assert.False(t, pe.Retryable)
	assert.Contains(t, pe.Error(), "bad payload")
}

func TestPersistMessageExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "")
	err := gw.PersistMessage(context.Background(), testRequest())

	require.Error(t, err)
	assert.Equal(t, int32(maxPersistRetries+1), calls.Load())
	assert.Contains(t, err.Error(), "after 4 attempts")
}

func TestPersistMessageStopsOnContextCancel(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	gw := NewHTTPGateway(server.URL, "")

	// Cancel while the retry backoff is sleeping.
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := gw.PersistMessage(ctx, testRequest())
	require.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, calls.Load(), int32(2))
}

func TestRetryableStatus(t *testing.T) {
	assert.True(t, retryableStatus(http.StatusTooManyRequests))
	assert.True(t, retryableStatus(http.StatusBadGateway))
	assert.True(t, retryableStatus(http.StatusServiceUnavailable))
	assert.True(t, retryableStatus(http.StatusGatewayTimeout))
	assert.False(t, retryableStatus(http.StatusBadRequest))
	assert.False(t, retryableStatus(http.StatusUnauthorized))
	assert.False(t, retryableStatus(http.StatusInternalServerError))
}
