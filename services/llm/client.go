// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides the token source for the chat pipeline: a
// streaming client interface over LLM providers plus the OpenRouter
// implementation.
//
// Providers deliver output as an ordered sequence of deltas. The Client
// interface surfaces those deltas through a synchronous callback so the
// caller (the chat handler) decides how to buffer, persist, and forward
// them. The stream is strictly ordered: events are delivered in provider
// order, one at a time, and ChatStream does not return until the stream
// has reached a terminal state.
package llm

import "context"

// =============================================================================
// Messages and Parameters
// =============================================================================

// Message is one turn of conversation history sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles accepted by providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// GenerationParams are optional sampling controls. Nil pointer fields are
// omitted from the provider request so provider defaults apply.
type GenerationParams struct {
	Temperature     *float32 `json:"temperature"`
	TopP            *float32 `json:"top_p"`
	MaxTokens       *int     `json:"max_tokens"`
	Stop            []string `json:"stop"`
	ReasoningEffort string   `json:"reasoning_effort,omitempty"`
}

// =============================================================================
// Stream Events
// =============================================================================

// StreamEventType classifies a streaming delta.
type StreamEventType string

const (
	// StreamEventToken carries a fragment of the assistant's answer text.
	StreamEventToken StreamEventType = "token"

	// StreamEventThinking carries a fragment of reasoning output, streamed
	// separately from answer text by reasoning-capable models.
	StreamEventThinking StreamEventType = "thinking"

	// StreamEventDone signals normal provider finish. Content is empty.
	StreamEventDone StreamEventType = "done"
)

// StreamEvent is one delta from the provider stream.
type StreamEvent struct {
	Type    StreamEventType
	Content string
}

// StreamCallback receives stream events in order. Returning a non-nil
// error aborts the stream; ChatStream stops reading and returns that
// error wrapped.
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Client Interface
// =============================================================================

// Client is the contract for a streaming LLM provider.
//
// ChatStream opens a completion stream for the given conversation and
// invokes callback for every delta until the provider finishes, the
// context is canceled, or an error occurs. Exactly one of these holds
// when ChatStream returns:
//
//   - nil: the provider finished normally and a StreamEventDone event
//     was delivered.
//   - ctx.Err(): the context was canceled or timed out mid-stream.
//   - other error: provider or transport failure. Use IsAuthError to
//     detect invalid-credential failures for status passthrough.
//
// Implementations must be safe for concurrent use; each call owns its
// own stream.
type Client interface {
	ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback StreamCallback) error
}
