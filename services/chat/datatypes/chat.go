// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides request and response types for the chat
// streaming endpoint.
//
// Validation here draws a hard line between two client-error classes:
// structurally bad input (missing fields, no user message) maps to 400,
// while size-cap violations (too many messages, oversized parts or
// attachments) map to 413. The handler relies on that distinction, so
// Validate returns a typed *ValidationError carrying the status code.
package datatypes

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Size Caps
// =============================================================================

const (
	// MaxBodyBytes is the maximum accepted request body size.
	MaxBodyBytes = 1 * 1024 * 1024 // 1MB

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	MaxMessagesPerRequest = 100

	// MaxTextBytesPerPart is the maximum size of a single text part.
	// Byte length, not rune count: the cap exists to bound memory, and
	// multi-byte runes cost memory, not characters.
	MaxTextBytesPerPart = 32 * 1024 // 32KB

	// MaxAttachmentBytes is the maximum decoded size of one attachment.
	MaxAttachmentBytes = 5 * 1024 * 1024 // 5MB

	// MaxTotalAttachmentBytes caps the combined decoded size of all
	// attachments in one request. Inline data URLs and remote-URL fields
	// that actually carry data URLs are summed together so the cap cannot
	// be dodged by splitting payloads across fields.
	MaxTotalAttachmentBytes = 10 * 1024 * 1024 // 10MB

	// DefaultUserTextBudget is the default per-request character budget
	// for user-authored text forwarded to the provider. Bounds upstream
	// token cost; overridable via config.
	DefaultUserTextBudget = 16 * 1024
)

// Exact client-facing messages for the two structural validation failures.
const (
	ErrMissingChatMessages = "Missing chat messages"
	ErrMissingUserMessage  = "Missing user message"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxpartbytes", validatePartBytes)
}

// validatePartBytes enforces MaxTextBytesPerPart on text part content.
func validatePartBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxTextBytesPerPart
}

// =============================================================================
// Validation Errors
// =============================================================================

// ValidationError is a client-input failure with the HTTP status the
// handler must return: 400 for structural problems, 413 for cap
// violations.
type ValidationError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return e.Message
}

// badRequest builds a 400 ValidationError.
func badRequest(msg string) *ValidationError {
	return &ValidationError{StatusCode: 400, Message: msg}
}

// tooLarge builds a 413 ValidationError.
func tooLarge(msg string) *ValidationError {
	return &ValidationError{StatusCode: 413, Message: msg}
}

// =============================================================================
// Request Types
// =============================================================================

// MessagePart is one segment of a message body. Only text parts carry
// content the pipeline forwards to the provider; unknown part types are
// preserved but contribute nothing.
type MessagePart struct {
	Type string `json:"type" validate:"required"`
	Text string `json:"text" validate:"maxpartbytes"`
}

// PartTypeText is the only part type with provider-visible content.
const PartTypeText = "text"

// ChatMessage is one turn of conversation history in the request body.
type ChatMessage struct {
	ID    string        `json:"id"`
	Role  string        `json:"role" validate:"required"`
	Parts []MessagePart `json:"parts" validate:"dive"`
}

// Text concatenates the message's text parts in order.
func (m *ChatMessage) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ClampedText concatenates text parts while consuming at most budget
// bytes across parts in order. Later parts are truncated or dropped
// entirely once the budget is exhausted. Truncation never splits a
// multi-byte rune: the cut backs up to the previous rune boundary, so
// the result is always valid UTF-8.
func (m *ChatMessage) ClampedText(budget int) string {
	var sb strings.Builder
	remaining := budget
	for _, p := range m.Parts {
		if p.Type != PartTypeText || remaining <= 0 {
			continue
		}
		text := p.Text
		if len(text) > remaining {
			cut := remaining
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			text = text[:cut]
		}
		sb.WriteString(text)
		remaining -= len(text)
	}
	return sb.String()
}

// Attachment is a file reference included with a message. Content may
// arrive inline as a data URL or as a remote URL. A remote-URL field that
// itself holds a data URL still counts against the inline byte caps.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
	DataURL   string `json:"dataUrl"`
}

// inlineBytes estimates the decoded byte size of any data-URL content in
// this attachment, checking both fields.
func (a *Attachment) inlineBytes() int {
	return dataURLBytes(a.DataURL) + dataURLBytes(a.URL)
}

// ReasoningConfig controls reasoning output for capable models.
type ReasoningConfig struct {
	Enabled bool   `json:"enabled"`
	Effort  string `json:"effort,omitempty" validate:"omitempty,oneof=low medium high"`
}

// ChatStreamRequest is the body of POST /v1/chat/stream.
//
// # Fields
//
//   - ChatID: Required. Conversation identifier; persistence is keyed by
//     (ChatID, message id).
//   - Messages: Required, non-empty, at most MaxMessagesPerRequest. Must
//     contain at least one role=user entry.
//   - ModelID: Optional. OpenRouter model slug; server default applies
//     when absent.
//   - APIKey: Optional. Caller-supplied provider key. Required when the
//     server is configured for per-request credentials.
//   - AssistantMessageID: Optional. Client-supplied id for the assistant
//     message, enabling idempotent retries. Generated when absent.
//   - Attachments: Optional. Subject to single and combined byte caps.
//   - Reasoning: Optional. Reasoning output controls.
type ChatStreamRequest struct {
	ChatID             string           `json:"chatId" validate:"required"`
	Messages           []ChatMessage    `json:"messages" validate:"dive"`
	ModelID            string           `json:"modelId"`
	APIKey             string           `json:"apiKey"`
	AssistantMessageID string           `json:"assistantMessageId"`
	Attachments        []Attachment     `json:"attachments"`
	Reasoning          *ReasoningConfig `json:"reasoningConfig"`
}

// EnsureDefaults populates the assistant message id when the client did
// not supply one. Client-supplied ids are kept verbatim so retried
// requests upsert the same row.
func (r *ChatStreamRequest) EnsureDefaults() {
	if r.AssistantMessageID == "" {
		r.AssistantMessageID = uuid.NewString()
	}
}

// Validate checks the request against structural rules and size caps.
//
// # Outputs
//
//   - error: Nil when valid, otherwise a *ValidationError whose
//     StatusCode is 400 (structural) or 413 (cap violation).
func (r *ChatStreamRequest) Validate() error {
	if strings.TrimSpace(r.ChatID) == "" {
		return badRequest("Missing chatId")
	}
	if len(r.Messages) == 0 {
		return badRequest(ErrMissingChatMessages)
	}
	if len(r.Messages) > MaxMessagesPerRequest {
		return tooLarge(fmt.Sprintf("Too many messages (max %d)", MaxMessagesPerRequest))
	}
	if r.UserMessage() == nil {
		return badRequest(ErrMissingUserMessage)
	}

	if err := chatValidate.Struct(r); err != nil {
		return mapValidatorError(err)
	}

	var totalInline int
	for i := range r.Attachments {
		size := r.Attachments[i].inlineBytes()
		if size > MaxAttachmentBytes {
			return tooLarge(fmt.Sprintf("Attachment too large (max %d bytes)", MaxAttachmentBytes))
		}
		totalInline += size
	}
	if totalInline > MaxTotalAttachmentBytes {
		return tooLarge(fmt.Sprintf("Attachments too large (max %d bytes combined)", MaxTotalAttachmentBytes))
	}

	return nil
}

// mapValidatorError converts validator tag failures to the correct
// status class: size tags are 413, everything else 400.
func mapValidatorError(err error) error {
	var verrs validator.ValidationErrors
	if ok := isValidationErrors(err, &verrs); ok {
		for _, fe := range verrs {
			if fe.Tag() == "maxpartbytes" {
				return tooLarge(fmt.Sprintf("Message part too large (max %d bytes)", MaxTextBytesPerPart))
			}
		}
	}
	return badRequest("Invalid request: " + err.Error())
}

// isValidationErrors type-asserts without importing errors just for As.
func isValidationErrors(err error, target *validator.ValidationErrors) bool {
	if verrs, ok := err.(validator.ValidationErrors); ok {
		*target = verrs
		return true
	}
	return false
}

// UserMessage returns the last role=user entry, or nil if none exists.
// The last user message is the turn the assistant responds to.
func (r *ChatStreamRequest) UserMessage() *ChatMessage {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return &r.Messages[i]
		}
	}
	return nil
}

// UserMessageID returns the client-supplied id of the user message the
// assistant responds to, generating one when absent.
func (r *ChatStreamRequest) UserMessageID() string {
	if m := r.UserMessage(); m != nil && m.ID != "" {
		return m.ID
	}
	return uuid.NewString()
}

// =============================================================================
// Helper Functions
// =============================================================================

// dataURLBytes estimates the decoded byte size of a data URL. Returns 0
// for non-data URLs (remote references are not fetched, so they cannot
// inflate this process's memory).
func dataURLBytes(s string) int {
	if !strings.HasPrefix(s, "data:") {
		return 0
	}
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return 0
	}
	payload := s[comma+1:]
	if strings.Contains(s[:comma], ";base64") {
		return base64.StdEncoding.DecodedLen(len(payload))
	}
	return len(payload)
}

// NowMillis returns the current wall clock as a UTC millisecond timestamp.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
