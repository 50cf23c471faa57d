// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// =============================================================================
// Stream Event Types
// =============================================================================

// Event type constants for the chat response stream.
const (
	// EventStatus reports pipeline progress before tokens flow.
	EventStatus = "status"

	// EventToken carries a fragment of assistant answer text.
	EventToken = "token"

	// EventThinking carries a fragment of reasoning output.
	EventThinking = "thinking"

	// EventError reports a stream failure after the response started.
	EventError = "error"

	// EventDone terminates the stream. Carries the assistant message id
	// so clients can reconcile against persisted state.
	EventDone = "done"
)

// StreamEvent is one server-sent event on the chat response stream.
//
// Id and CreatedAt are populated by the writer, not the caller. The
// remaining fields are type-dependent: Content for token/thinking,
// Message for status, Error for error, MessageID and ThinkingTimeMs for
// done.
type StreamEvent struct {
	Id        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`

	Content        string `json:"content,omitempty"`
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	ThinkingTimeMs int64  `json:"thinking_time_ms,omitempty"`
}
