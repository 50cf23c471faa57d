// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// gatewayTracer is the OpenTelemetry tracer for persistence operations.
var gatewayTracer = otel.Tracer("openchat.persistence")

// Compile-time interface implementation check.
var _ Gateway = (*HTTPGateway)(nil)

const (
	// upsertPath is the message store's idempotent upsert endpoint.
	upsertPath = "/api/messages.upsert"

	// maxPersistRetries is the number of retries after the first attempt.
	maxPersistRetries = 3

	// initialRetryDelay is the first backoff interval; doubles per retry.
	initialRetryDelay = 250 * time.Millisecond

	// requestTimeout bounds a single upsert attempt. Snapshots are small
	// (capped message content), so a slow store is a failing store.
	requestTimeout = 10 * time.Second
)

// =============================================================================
// HTTPGateway
// =============================================================================

// HTTPGateway implements Gateway against the message store's HTTP API.
//
// # Description
//
// Each PersistMessage call POSTs the full snapshot to the store's upsert
// endpoint. Transient failures (429, 502, 503, 504, network errors) are
// retried with exponential backoff; 4xx responses other than 429 are
// returned immediately since retrying a rejected payload cannot succeed.
//
// # Thread Safety
//
// HTTPGateway is stateless apart from its http.Client and is safe for
// concurrent use.
type HTTPGateway struct {
	baseURL      string
	serviceToken string
	client       *http.Client
}

// NewHTTPGateway creates a gateway targeting the store at baseURL.
//
// # Inputs
//
//   - baseURL: Store root, e.g. "http://openchat-store:3100". Trailing
//     slashes are trimmed. Must be non-empty.
//   - serviceToken: Bearer token for store auth. Empty disables the
//     Authorization header (local development).
//
// # Outputs
//
//   - *HTTPGateway: Ready for use.
func NewHTTPGateway(baseURL, serviceToken string) *HTTPGateway {
	return &HTTPGateway{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		serviceToken: serviceToken,
		client:       &http.Client{Timeout: requestTimeout},
	}
}

// PersistMessage upserts one message snapshot, retrying transient failures.
//
// # Description
//
// Runs up to maxPersistRetries+1 attempts with 250ms, 500ms, 1s backoff.
// Context cancellation stops retrying immediately and returns ctx.Err():
// a canceled request context must not keep hammering the store.
//
// # Inputs
//
//   - ctx: Context for cancellation, timeouts, and tracing.
//   - req: Snapshot to persist. Must have ChatID, ClientMessageID, Role.
//
// # Outputs
//
//   - error: Nil when the store acknowledged the write. *PersistError for
//     HTTP-level failures, wrapped errors for serialization or network
//     failures, ctx.Err() on cancellation.
func (g *HTTPGateway) PersistMessage(ctx context.Context, req *PersistRequest) error {
	ctx, span := gatewayTracer.Start(ctx, "HTTPGateway.PersistMessage")
	defer span.End()

	span.SetAttributes(
		attribute.String("message.chat_id", req.ChatID),
		attribute.String("message.client_id", req.ClientMessageID),
		attribute.String("message.role", req.Role),
		attribute.String("message.status", string(req.Status)),
		attribute.Int("message.content_length", len(req.Content)),
	)

	payload, err := json.Marshal(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal failed")
		return fmt.Errorf("failed to marshal persist request: %w", err)
	}

	var lastErr error
	retryDelay := initialRetryDelay

	for attempt := 0; attempt <= maxPersistRetries; attempt++ {
		if attempt > 0 {
			span.AddEvent("retry_attempt", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("delay", retryDelay.String()),
			))
			slog.Info("Retrying message upsert",
				"attempt", attempt,
				"delay", retryDelay,
				"chatId", req.ChatID,
				"lastError", lastErr,
			)

			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context canceled during retry")
				return ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}

		err := g.doUpsert(ctx, payload)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			return nil
		}

		lastErr = err
		if !isRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "non-retryable error")
			return err
		}
		if ctx.Err() != nil {
			span.RecordError(ctx.Err())
			return ctx.Err()
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all retries exhausted")
	return fmt.Errorf("message upsert failed after %d attempts: %w", maxPersistRetries+1, lastErr)
}

// doUpsert performs a single POST to the upsert endpoint.
func (g *HTTPGateway) doUpsert(ctx context.Context, payload []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+upsertPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create upsert request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.serviceToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.serviceToken)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		// Network errors are transient until proven otherwise.
		return &PersistError{StatusCode: 0, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &PersistError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
		Retryable:  retryableStatus(resp.StatusCode),
	}
}

// retryableStatus reports whether an HTTP status indicates a transient
// store failure worth retrying.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// isRetryable reports whether the gateway should attempt the write again.
func isRetryable(err error) bool {
	if pe, ok := IsPersistError(err); ok {
		return pe.Retryable
	}
	return false
}
