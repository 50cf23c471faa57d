// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// openRouterTracer is the OpenTelemetry tracer for provider stream operations.
var openRouterTracer = otel.Tracer("openchat.llm.openrouter")

// Compile-time interface implementation check.
var _ Client = (*OpenRouterClient)(nil)

// DefaultOpenRouterBaseURL is the OpenRouter OpenAI-compatible API root.
const DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// =============================================================================
// Configuration
// =============================================================================

// OpenRouterConfig configures one OpenRouterClient. A client is constructed
// per request because the API key may be supplied by the caller (bring your
// own key) and the model is resolved per request.
type OpenRouterConfig struct {
	// APIKey authenticates against OpenRouter. Required.
	APIKey string

	// Model is the OpenRouter model slug, e.g. "openai/gpt-4o-mini".
	// Required.
	Model string

	// BaseURL overrides the API root. Default: DefaultOpenRouterBaseURL.
	// Tests point this at a mock server.
	BaseURL string

	// Referer and Title populate OpenRouter's app attribution headers
	// (HTTP-Referer, X-Title). Optional.
	Referer string
	Title   string
}

// =============================================================================
// OpenRouterClient
// =============================================================================

// OpenRouterClient streams chat completions from OpenRouter through its
// OpenAI-compatible endpoint.
//
// Reasoning-capable models stream reasoning deltas in a separate field
// from answer content; both are surfaced as distinct StreamEvent types in
// arrival order.
type OpenRouterClient struct {
	client *openai.Client
	model  string
}

// NewOpenRouterClient creates a streaming client for the given model and key.
func NewOpenRouterClient(cfg OpenRouterConfig) (*OpenRouterClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openrouter: API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openrouter: model is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultOpenRouterBaseURL
	}

	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = strings.TrimSuffix(baseURL, "/")
	if cfg.Referer != "" || cfg.Title != "" {
		config.HTTPClient = &http.Client{
			Transport: &attributionTransport{
				referer: cfg.Referer,
				title:   cfg.Title,
				base:    http.DefaultTransport,
			},
		}
	}

	return &OpenRouterClient{
		client: openai.NewClientWithConfig(config),
		model:  cfg.Model,
	}, nil
}

// ChatStream implements the Client interface.
//
// # Description
//
// Opens a server-sent-event completion stream and forwards each delta to
// the callback. Answer content and reasoning content are delivered as
// separate events in the order the provider emits them. A StreamEventDone
// event is delivered before returning nil on normal finish.
//
// # Inputs
//
//   - ctx: Context for cancellation. Client disconnect cancels the
//     upstream request through this context.
//   - messages: Full conversation history, oldest first.
//   - params: Sampling controls; nil fields use provider defaults.
//   - callback: Receives events in order. A non-nil return aborts the
//     stream.
//
// # Outputs
//
//   - error: Nil on normal finish. ctx.Err() on cancellation. Check
//     IsAuthError for invalid-credential failures.
func (o *OpenRouterClient) ChatStream(
	ctx context.Context,
	messages []Message,
	params GenerationParams,
	callback StreamCallback,
) error {
	ctx, span := openRouterTracer.Start(ctx, "OpenRouterClient.ChatStream")
	defer span.End()

	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.message_count", len(messages)),
	)

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toProviderMessages(messages),
		Stream:   true,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	if params.ReasoningEffort != "" {
		req.ReasoningEffort = params.ReasoningEffort
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream open failed")
		return fmt.Errorf("failed to open completion stream: %w", err)
	}
	defer stream.Close()

	var tokenCount, thinkingCount int
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				span.SetStatus(codes.Error, "context canceled")
				return ctx.Err()
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream receive failed")
			return fmt.Errorf("stream receive failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.ReasoningContent != "" {
			thinkingCount++
			if err := callback(StreamEvent{Type: StreamEventThinking, Content: delta.ReasoningContent}); err != nil {
				return fmt.Errorf("stream callback failed: %w", err)
			}
		}
		if delta.Content != "" {
			tokenCount++
			if err := callback(StreamEvent{Type: StreamEventToken, Content: delta.Content}); err != nil {
				return fmt.Errorf("stream callback failed: %w", err)
			}
		}
	}

	span.SetAttributes(
		attribute.Int("llm.token_events", tokenCount),
		attribute.Int("llm.thinking_events", thinkingCount),
	)
	slog.Debug("Provider stream finished",
		"model", o.model,
		"tokenEvents", tokenCount,
		"thinkingEvents", thinkingCount,
	)

	if err := callback(StreamEvent{Type: StreamEventDone}); err != nil {
		return fmt.Errorf("stream callback failed: %w", err)
	}
	return nil
}

// toProviderMessages converts conversation history to the wire format.
func toProviderMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}
	return out
}

// IsAuthError reports whether err is an invalid-credential response from
// the provider (HTTP 401). The chat handler passes these through to the
// client instead of masking them as a generic upstream failure.
func IsAuthError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusUnauthorized
	}
	return false
}

// =============================================================================
// Attribution Transport (Internal)
// =============================================================================

// attributionTransport injects OpenRouter's optional app attribution
// headers into every request.
type attributionTransport struct {
	referer string
	title   string
	base    http.RoundTripper
}

func (t *attributionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if t.referer != "" {
		clone.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		clone.Header.Set("X-Title", t.title)
	}
	return t.base.RoundTrip(clone)
}
