// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/opentech1/openchat-sub000/services/chat/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing server-sent events to the
// chat response stream.
//
// # Description
//
// SSEWriter abstracts SSE event serialization and writing, enabling
// testability and separation from HTTP response mechanics. Implementations
// handle the SSE wire format (event: type\ndata: json\n\n) internally and
// flush after every event.
//
// Each event is automatically assigned an Id (UUID v4) and CreatedAt
// (Unix milliseconds) so clients can order and deduplicate.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: token events and
// keepalive pings may be written from different goroutines.
type SSEWriter interface {
	// WriteEvent writes a single SSE event to the response.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus writes a status event reporting pipeline progress.
	WriteStatus(message string) error

	// WriteToken writes a fragment of assistant answer text.
	WriteToken(content string) error

	// WriteThinking writes a fragment of reasoning output.
	WriteThinking(content string) error

	// WriteError reports a stream failure after the response started.
	WriteError(errMsg string) error

	// WriteDone terminates the stream, carrying the assistant message id
	// and the measured thinking time.
	WriteDone(messageID string, thinkingTimeMs int64) error

	// WriteKeepAlive writes an SSE comment to keep intermediaries from
	// timing out an idle connection. Comments are invisible to clients.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

// sseWriter writes events in SSE wire format:
//
//	event: {type}
//	data: {json}
//	<blank line>
//
// Cannot be reused across requests.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter creates an SSEWriter for the given ResponseWriter.
//
// The caller must set streaming headers via SetSSEHeaders first. Returns
// an error when the ResponseWriter cannot flush, since unflushed events
// would sit in a buffer until the stream ends, defeating streaming.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// WriteEvent serializes the event, writes it in SSE format, and flushes.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = datatypes.NowMillis()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventStatus,
		Message: message,
	})
}

func (w *sseWriter) WriteToken(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventToken,
		Content: content,
	})
}

func (w *sseWriter) WriteThinking(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventThinking,
		Content: content,
	})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  datatypes.EventError,
		Error: errMsg,
	})
}

func (w *sseWriter) WriteDone(messageID string, thinkingTimeMs int64) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:           datatypes.EventDone,
		MessageID:      messageID,
		ThinkingTimeMs: thinkingTimeMs,
	})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon prefix, then a blank line.
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures response headers for SSE streaming.
//
// Cache-Control is no-store: partial assistant output must never be
// served from any cache. X-Accel-Buffering disables nginx buffering so
// tokens reach the client as they are written.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Compile-time interface check.
var _ SSEWriter = (*sseWriter)(nil)
