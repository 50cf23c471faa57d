// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the chat streaming endpoint: the request
// state machine, the stream manager that debounces persistence flushes,
// and the SSE writer for the response stream.
//
// Request lifecycle:
//
//	received → validated → rate_checked → model_resolved
//	    → messages_bootstrapped → streaming → {completed|aborted|errored}
//
// No state is revisited; every pre-stream failure exits with an HTTP
// error response. Once bytes have started flowing, failures are reported
// on the SSE stream itself and the response status cannot change.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opentech1/openchat-sub000/services/chat/datatypes"
	"github.com/opentech1/openchat-sub000/services/chat/observability"
	"github.com/opentech1/openchat-sub000/services/llm"
	"github.com/opentech1/openchat-sub000/services/persistence"
)

// chatTracer is the OpenTelemetry tracer for chat stream handling.
var chatTracer = otel.Tracer("openchat.chat.handlers")

const (
	// heartbeatInterval is the interval for SSE keepalive pings.
	// 15 seconds stays under common load balancer idle timeouts (30-60s).
	heartbeatInterval = 15 * time.Second

	// DefaultStreamTimeout is the ceiling on one provider stream's
	// lifetime, open to terminal event. Firing it is treated as an
	// abort, distinguishable from a client abort only in logs.
	DefaultStreamTimeout = 5 * time.Minute
)

// =============================================================================
// Configuration
// =============================================================================

// ChatConfig configures the chat stream handler.
type ChatConfig struct {
	// DefaultModel is the model slug used when the request omits one.
	DefaultModel string

	// ServerAPIKey is the server-held provider key. Ignored when
	// RequireClientKey is set.
	ServerAPIKey string

	// RequireClientKey switches the handler to per-request credentials:
	// every request must carry its own apiKey, and a missing key or
	// model in the payload is the client's fault (400), not a server
	// misconfiguration (500).
	RequireClientKey bool

	// UserTextBudget caps user-authored text bytes forwarded upstream
	// per request. Default: datatypes.DefaultUserTextBudget.
	UserTextBudget int

	// StreamTimeout is the provider stream lifetime ceiling.
	// Default: DefaultStreamTimeout.
	StreamTimeout time.Duration

	// Stream tunes the per-request stream manager.
	Stream StreamConfig

	// Production suppresses detailed upstream error messages in
	// responses. Non-production surfaces them to aid debugging.
	Production bool

	// ProviderBaseURL overrides the provider API root (tests).
	ProviderBaseURL string

	// Referer and Title are OpenRouter app attribution values.
	Referer string
	Title   string
}

// withDefaults fills zero fields.
func (c ChatConfig) withDefaults() ChatConfig {
	if c.UserTextBudget <= 0 {
		c.UserTextBudget = datatypes.DefaultUserTextBudget
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = DefaultStreamTimeout
	}
	return c
}

// ClientFactory builds a provider client for one request. Injectable so
// tests can substitute a scripted token source.
type ClientFactory func(cfg llm.OpenRouterConfig) (llm.Client, error)

// =============================================================================
// Handler
// =============================================================================

// ChatStreamHandler serves POST /v1/chat/stream.
//
// Each request gets an independent stream manager and provider client;
// the persistence gateway is the only shared dependency and is safe for
// concurrent use.
type ChatStreamHandler struct {
	gateway   persistence.Gateway
	config    ChatConfig
	newClient ClientFactory
}

// NewChatStreamHandler creates the handler.
func NewChatStreamHandler(gateway persistence.Gateway, config ChatConfig) *ChatStreamHandler {
	if gateway == nil {
		panic("NewChatStreamHandler: gateway must not be nil")
	}
	return &ChatStreamHandler{
		gateway: gateway,
		config:  config.withDefaults(),
		newClient: func(cfg llm.OpenRouterConfig) (llm.Client, error) {
			return llm.NewOpenRouterClient(cfg)
		},
	}
}

// HandleChatStream runs one chat request through the full pipeline.
func (h *ChatStreamHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()
	ctx, span := chatTracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	if m := observability.DefaultMetrics; m != nil {
		m.ActiveStreams.Inc()
		defer m.ActiveStreams.Dec()
	}

	// Step 1: Parse the body under the size cap. MaxBytesReader turns an
	// oversized body into a read error before it can exhaust memory.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, datatypes.MaxBodyBytes)

	var req datatypes.ChatStreamRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		status := http.StatusBadRequest
		msg := "Invalid JSON body"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
			msg = "Request body too large"
		}
		span.SetStatus(codes.Error, "body parse failed")
		h.reject(c, status, msg, observability.ReasonValidation)
		return
	}

	// Step 2: Validate. ValidationError carries the 400/413 split.
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		status := http.StatusBadRequest
		var verr *datatypes.ValidationError
		if errors.As(err, &verr) {
			status = verr.StatusCode
		}
		h.reject(c, status, err.Error(), observability.ReasonValidation)
		return
	}

	span.SetAttributes(
		attribute.String("chat.id", req.ChatID),
		attribute.String("chat.assistant_message_id", req.AssistantMessageID),
		attribute.Int("chat.message_count", len(req.Messages)),
	)

	// Step 3: Resolve model and credentials. (Rate limiting already ran
	// as middleware.)
	model, apiKey, resolveErr := h.resolveModel(&req)
	if resolveErr != nil {
		span.SetStatus(codes.Error, "model resolution failed")
		h.reject(c, resolveErr.StatusCode, resolveErr.Message, observability.ReasonConfig)
		return
	}
	span.SetAttributes(attribute.String("chat.model", model))

	// Step 4: Bootstrap messages. The user turn must be durable before
	// any provider spend; both writes fail the request with 502.
	userMsg := req.UserMessage()
	userReq := &persistence.PersistRequest{
		ChatID:          req.ChatID,
		ClientMessageID: req.UserMessageID(),
		Role:            "user",
		Content:         userMsg.Text(),
		CreatedAt:       time.Now(),
		Status:          persistence.StatusCompleted,
	}
	if err := h.gateway.PersistMessage(ctx, userReq); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "user message persistence failed")
		slog.Error("Failed to persist user message", "chatId", req.ChatID, "error", err)
		h.reject(c, http.StatusBadGateway, "Failed to persist message", observability.ReasonPersistence)
		return
	}

	placeholder := &persistence.PersistRequest{
		ChatID:          req.ChatID,
		ClientMessageID: req.AssistantMessageID,
		Role:            "assistant",
		Content:         "",
		CreatedAt:       time.Now(),
		Status:          persistence.StatusStreaming,
	}
	if err := h.gateway.PersistMessage(ctx, placeholder); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assistant placeholder persistence failed")
		slog.Error("Failed to persist assistant placeholder", "chatId", req.ChatID, "error", err)
		h.reject(c, http.StatusBadGateway, "Failed to persist message", observability.ReasonPersistence)
		return
	}

	// Step 5: Construct the provider client.
	client, err := h.newClient(llm.OpenRouterConfig{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: h.config.ProviderBaseURL,
		Referer: h.config.Referer,
		Title:   h.config.Title,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "client construction failed")
		h.reject(c, http.StatusBadGateway, h.upstreamErrorMessage(err), observability.ReasonConfig)
		return
	}

	// Step 6: Stream. One manager and one token source per request.
	manager := NewStreamManager(h.gateway, req.ChatID, req.AssistantMessageID, h.config.Stream)
	h.runStream(c, ctx, span, client, manager, &req, startTime)
}

// =============================================================================
// Streaming Phase
// =============================================================================

// runStream drains the token source into the stream manager and the SSE
// response, then drives the terminal transition.
func (h *ChatStreamHandler) runStream(
	c *gin.Context,
	ctx context.Context,
	span trace.Span,
	client llm.Client,
	manager *StreamManager,
	req *datatypes.ChatStreamRequest,
	startTime time.Time,
) {
	// Ceiling timer: covers the whole token source lifetime. Client
	// disconnects cancel ctx (it descends from the request context), so
	// both abort variants flow through the same cancellation path.
	streamCtx, cancel := context.WithTimeout(ctx, h.config.StreamTimeout)
	defer cancel()

	messages := h.buildProviderMessages(req)
	params := llm.GenerationParams{}
	if req.Reasoning != nil && req.Reasoning.Enabled && req.Reasoning.Effort != "" {
		params.ReasoningEffort = req.Reasoning.Effort
	}

	// The SSE response starts lazily, on the first delta. Until then,
	// provider failures can still use plain HTTP statuses (401, 502).
	var writer SSEWriter
	var heartbeatDone chan struct{}
	started := false
	providerOpen := time.Now()
	var firstDelta time.Time

	ensureStarted := func() error {
		if started {
			return nil
		}
		SetSSEHeaders(c.Writer)
		w, err := NewSSEWriter(c.Writer)
		if err != nil {
			return err
		}
		writer = w
		started = true
		heartbeatDone = make(chan struct{})
		go h.runHeartbeat(streamCtx, writer, heartbeatDone)
		return writer.WriteStatus("streaming")
	}

	callback := func(ev llm.StreamEvent) error {
		switch ev.Type {
		case llm.StreamEventThinking:
			if firstDelta.IsZero() {
				firstDelta = time.Now()
			}
			manager.HandleReasoningChunk(ev.Content)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordDelta(observability.DeltaReasoning)
			}
			if err := ensureStarted(); err != nil {
				return err
			}
			return writer.WriteThinking(ev.Content)

		case llm.StreamEventToken:
			if firstDelta.IsZero() {
				firstDelta = time.Now()
			}
			manager.HandleTextChunk(ev.Content)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordDelta(observability.DeltaText)
			}
			if err := ensureStarted(); err != nil {
				return err
			}
			return writer.WriteToken(ev.Content)

		case llm.StreamEventDone:
			return nil
		}
		return nil
	}

	streamErr := client.ChatStream(streamCtx, messages, params, callback)

	if heartbeatDone != nil {
		close(heartbeatDone)
	}
	if !firstDelta.IsZero() {
		ttft := firstDelta.Sub(providerOpen).Seconds()
		span.SetAttributes(attribute.Float64("stream.time_to_first_token_seconds", ttft))
		if m := observability.DefaultMetrics; m != nil {
			m.TimeToFirstTokenSeconds.Observe(ttft)
		}
	}

	// Terminal classification. Single-write on the manager, so racing
	// signals cannot flap it.
	switch {
	case streamErr == nil:
		manager.SetStatus(StreamCompleted)

	case errors.Is(streamErr, context.Canceled), errors.Is(streamErr, context.DeadlineExceeded):
		manager.SetStatus(StreamAborted)
		if errors.Is(streamErr, context.DeadlineExceeded) {
			slog.Warn("Stream aborted by ceiling timeout",
				"chatId", req.ChatID, "timeout", h.config.StreamTimeout)
		} else {
			slog.Info("Stream aborted by client", "chatId", req.ChatID)
			if m := observability.DefaultMetrics; m != nil {
				m.ClientDisconnectsTotal.Inc()
			}
		}

	default:
		manager.SetStatus(StreamError)
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "provider stream failed")
		slog.Error("Provider stream failed", "chatId", req.ChatID, "error", streamErr)
	}

	// Finalize: exactly one forced completed write, regardless of path.
	// The durable write always happens before the done event, so a
	// client observing done can trust the stored message.
	manager.EnsureReasoningEndTime()
	if err := manager.Finalize(context.Background()); err != nil {
		// Response correctness to the user takes priority once bytes
		// have started flowing; durability failures here are log-only.
		slog.Error("Finalize failed; durable state may be behind",
			"chatId", req.ChatID,
			"messageId", req.AssistantMessageID,
			"status", manager.Status(),
			"error", err,
		)
	}

	status := manager.Status()
	span.SetAttributes(attribute.String("stream.status", string(status)))
	if m := observability.DefaultMetrics; m != nil {
		m.RecordTerminal(string(status), time.Since(startTime).Seconds())
	}

	// Shape the response tail.
	switch status {
	case StreamError:
		if started {
			_ = writer.WriteError(h.upstreamErrorMessage(streamErr))
			return
		}
		if llm.IsAuthError(streamErr) {
			h.reject(c, http.StatusUnauthorized, "Invalid provider credentials", observability.ReasonAuth)
			return
		}
		h.reject(c, http.StatusBadGateway, h.upstreamErrorMessage(streamErr), observability.ReasonConfig)

	case StreamAborted:
		// The client is gone (or the ceiling fired); nothing useful can
		// be written. Durable state was settled by Finalize above.

	default: // completed
		if err := ensureStarted(); err != nil {
			slog.Error("Failed to start response stream", "chatId", req.ChatID, "error", err)
			return
		}
		if err := writer.WriteDone(req.AssistantMessageID, manager.ThinkingDuration()); err != nil {
			slog.Error("Failed to write done event", "chatId", req.ChatID, "error", err)
		}
	}
}

// runHeartbeat sends keepalive comments until the stream ends.
func (h *ChatStreamHandler) runHeartbeat(ctx context.Context, writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.KeepAlivesTotal.Inc()
			}
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

// resolveError is a pre-stream model/credential resolution failure.
type resolveError struct {
	StatusCode int
	Message    string
}

// resolveModel decides which model and credential to use.
//
// In per-request credential mode, a missing key or model is bad input
// (400). Otherwise a missing server-side key or default model is a local
// configuration error (500), with detail only outside production.
func (h *ChatStreamHandler) resolveModel(req *datatypes.ChatStreamRequest) (string, string, *resolveError) {
	model := req.ModelID
	if model == "" {
		model = h.config.DefaultModel
	}

	if h.config.RequireClientKey {
		if req.APIKey == "" {
			return "", "", &resolveError{http.StatusBadRequest, "Missing API key"}
		}
		if model == "" {
			return "", "", &resolveError{http.StatusBadRequest, "Missing model"}
		}
		return model, req.APIKey, nil
	}

	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = h.config.ServerAPIKey
	}
	if apiKey == "" || model == "" {
		msg := "Server configuration error"
		if !h.config.Production {
			if apiKey == "" {
				msg = "Server configuration error: no provider API key configured"
			} else {
				msg = "Server configuration error: no model configured"
			}
		}
		return "", "", &resolveError{http.StatusInternalServerError, msg}
	}
	return model, apiKey, nil
}

// buildProviderMessages converts request history to provider messages,
// clamping user-authored text to the per-request byte budget. The
// budget is consumed across user messages, and within each message
// across parts, in order; truncation never splits a rune.
func (h *ChatStreamHandler) buildProviderMessages(req *datatypes.ChatStreamRequest) []llm.Message {
	budget := h.config.UserTextBudget
	out := make([]llm.Message, 0, len(req.Messages))

	for i := range req.Messages {
		m := &req.Messages[i]
		var content string
		if m.Role == "user" {
			content = m.ClampedText(budget)
			budget -= len(content)
		} else {
			content = m.Text()
		}
		out = append(out, llm.Message{Role: m.Role, Content: content})
	}
	return out
}

// upstreamErrorMessage hides provider detail in production.
func (h *ChatStreamHandler) upstreamErrorMessage(err error) string {
	if h.config.Production || err == nil {
		return "Upstream provider error"
	}
	return "Upstream provider error: " + err.Error()
}

// reject writes a JSON error response and records the rejection.
func (h *ChatStreamHandler) reject(c *gin.Context, status int, msg string, reason observability.RejectionReason) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRejection(reason)
	}
	c.JSON(status, gin.H{"error": msg})
}
