// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package persistence provides the durable message store client for the
// chat service.
//
// The chat pipeline never talks to a database directly. All durable writes
// go through a single idempotent upsert operation keyed by
// (chat_id, client_message_id), exposed here as the Gateway interface.
// Repeated calls with the same key and growing content are expected: the
// stream manager flushes whole snapshots of the accumulated assistant
// output, finishing with exactly one status=completed write.
//
// Gateway implementations must be safe for concurrent use.
package persistence

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// Message Status
// =============================================================================

// MessageStatus is the durability lifecycle state of a stored message.
type MessageStatus string

const (
	// StatusStreaming marks a message whose content is still growing.
	// Content, reasoning, and status remain mutable.
	StatusStreaming MessageStatus = "streaming"

	// StatusCompleted marks a finished message. The store treats this as
	// terminal: content and role are immutable afterward.
	StatusCompleted MessageStatus = "completed"
)

// =============================================================================
// PersistRequest
// =============================================================================

// PersistRequest is one upsert payload. It always carries the full current
// content snapshot, never a diff; the store overwrites the prior row for
// the same (ChatID, ClientMessageID) pair.
//
// Reasoning and ThinkingTimeMs are only set when the model actually
// produced reasoning output. An empty reasoning buffer must not send the
// field at all: some providers interpret field presence as "reasoning was
// requested".
type PersistRequest struct {
	ChatID          string        `json:"chatId"`
	ClientMessageID string        `json:"clientMessageId"`
	Role            string        `json:"role"`
	Content         string        `json:"content"`
	Reasoning       string        `json:"reasoning,omitempty"`
	ThinkingTimeMs  int64         `json:"thinkingTimeMs,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	Status          MessageStatus `json:"status"`
}

// Gateway is the contract for durable message storage.
//
// PersistMessage upserts the message identified by
// (req.ChatID, req.ClientMessageID). The operation is idempotent: calling
// it repeatedly with the same key is safe, and a retried request with the
// same client-supplied message id must not duplicate rows.
//
// Implementations retry transient failures internally and return only the
// final outcome. A returned error means the snapshot is not durable.
type Gateway interface {
	PersistMessage(ctx context.Context, req *PersistRequest) error
}

// =============================================================================
// Errors
// =============================================================================

// PersistError wraps failures from the message store endpoint with enough
// structure for callers to distinguish transient from permanent failures.
//
// Retryable is true for 429 and 5xx upstream responses and for network
// errors; the HTTP gateway has already exhausted its retry budget by the
// time a retryable error reaches the caller.
type PersistError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

// Error implements the error interface for PersistError.
func (e *PersistError) Error() string {
	return fmt.Sprintf("persistence error (status %d): %s", e.StatusCode, e.Message)
}

// IsPersistError checks if an error is a PersistError.
func IsPersistError(err error) (*PersistError, bool) {
	pe, ok := err.(*PersistError)
	return pe, ok
}
