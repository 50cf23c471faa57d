// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the chat stream handler

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentech1/openchat-sub000/services/chat/datatypes"
	"github.com/opentech1/openchat-sub000/services/llm"
	"github.com/opentech1/openchat-sub000/services/persistence"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Scripted Provider Client
// =============================================================================

// scriptedClient replays a fixed event sequence. A non-nil err is
// returned after the scripted events instead of a done event.
type scriptedClient struct {
	mu          sync.Mutex
	events      []llm.StreamEvent
	err         error
	gotMessages []llm.Message
	gotParams   llm.GenerationParams
	calls       int
}

func (c *scriptedClient) ChatStream(ctx context.Context, messages []llm.Message,
	params llm.GenerationParams, callback llm.StreamCallback) error {

	c.mu.Lock()
	c.gotMessages = messages
	c.gotParams = params
	c.calls++
	c.mu.Unlock()

	for _, ev := range c.events {
		if err := callback(ev); err != nil {
			return err
		}
	}
	if c.err != nil {
		return c.err
	}
	return callback(llm.StreamEvent{Type: llm.StreamEventDone})
}

// =============================================================================
// Test Harness
// =============================================================================

type handlerFixture struct {
	gateway *mockGateway
	client  *scriptedClient
	config  ChatConfig
	gotCfg  llm.OpenRouterConfig
	factory int // factory invocation count
}

func newFixture() *handlerFixture {
	return &handlerFixture{
		gateway: &mockGateway{},
		client:  &scriptedClient{},
		config: ChatConfig{
			DefaultModel: "openai/gpt-4o-mini",
			ServerAPIKey: "sk-test",
			// Keep the debounce out of the way: only the forced final
			// write should land during these tests.
			Stream: StreamConfig{FlushInterval: time.Hour, MinFlushChars: 1},
		},
	}
}

func (f *handlerFixture) serve(body string) *httptest.ResponseRecorder {
	handler := NewChatStreamHandler(f.gateway, f.config)
	handler.newClient = func(cfg llm.OpenRouterConfig) (llm.Client, error) {
		f.gotCfg = cfg
		f.factory++
		return f.client, nil
	}

	router := gin.New()
	router.POST("/v1/chat/stream", handler.HandleChatStream)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func chatBody(t *testing.T, mutate func(m map[string]any)) string {
	t.Helper()
	m := map[string]any{
		"chatId": "c1",
		"messages": []map[string]any{
			{
				"id":   "u1",
				"role": "user",
				"parts": []map[string]any{
					{"type": "text", "text": "hi"},
				},
			},
		},
	}
	if mutate != nil {
		mutate(m)
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return string(b)
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp["error"]
}

// =============================================================================
// Happy Path
// =============================================================================

func TestHandleChatStream_EndToEnd(t *testing.T) {
	f := newFixture()
	f.client.events = []llm.StreamEvent{
		{Type: llm.StreamEventToken, Content: "Hel"},
		{Type: llm.StreamEventToken, Content: "lo"},
	}

	w := f.serve(chatBody(t, func(m map[string]any) {
		m["assistantMessageId"] = "a1"
	}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSEEvents(t, w.Body.String())
	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, datatypes.EventStatus, events[0].Type)
	assert.Equal(t, "Hel", events[1].Content)
	assert.Equal(t, "lo", events[2].Content)
	assert.Equal(t, datatypes.EventDone, events[len(events)-1].Type)
	assert.Equal(t, "a1", events[len(events)-1].MessageID)

	// Persistence order: user turn before any provider output, then the
	// placeholder, then the forced completed write.
	calls := f.gateway.snapshot()
	require.Len(t, calls, 3)

	assert.Equal(t, "user", calls[0].Role)
	assert.Equal(t, "hi", calls[0].Content)
	assert.Equal(t, "u1", calls[0].ClientMessageID)
	assert.Equal(t, persistence.StatusCompleted, calls[0].Status)

	assert.Equal(t, "assistant", calls[1].Role)
	assert.Equal(t, "", calls[1].Content)
	assert.Equal(t, "a1", calls[1].ClientMessageID)
	assert.Equal(t, persistence.StatusStreaming, calls[1].Status)

	assert.Equal(t, "assistant", calls[2].Role)
	assert.Equal(t, "Hello", calls[2].Content)
	assert.Equal(t, "a1", calls[2].ClientMessageID)
	assert.Equal(t, persistence.StatusCompleted, calls[2].Status)
}

func TestHandleChatStream_ReasoningFlow(t *testing.T) {
	f := newFixture()
	f.client.events = []llm.StreamEvent{
		{Type: llm.StreamEventThinking, Content: "th"},
		{Type: llm.StreamEventThinking, Content: "ink"},
		{Type: llm.StreamEventToken, Content: "answer"},
	}

	w := f.serve(chatBody(t, func(m map[string]any) {
		m["reasoningConfig"] = map[string]any{"enabled": true, "effort": "high"}
	}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "high", f.client.gotParams.ReasoningEffort)

	events := parseSSEEvents(t, w.Body.String())
	var thinking []string
	for _, ev := range events {
		if ev.Type == datatypes.EventThinking {
			thinking = append(thinking, ev.Content)
		}
	}
	assert.Equal(t, []string{"th", "ink"}, thinking)

	completed := f.gateway.callsWithStatus(persistence.StatusCompleted)
	final := completed[len(completed)-1]
	assert.Equal(t, "think", final.Reasoning)
	assert.Equal(t, "answer", final.Content)
	assert.GreaterOrEqual(t, final.ThinkingTimeMs, int64(0))
}

func TestHandleChatStream_DefaultModelAndServerKey(t *testing.T) {
	f := newFixture()
	w := f.serve(chatBody(t, nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "openai/gpt-4o-mini", f.gotCfg.Model)
	assert.Equal(t, "sk-test", f.gotCfg.APIKey)
}

func TestHandleChatStream_ClientModelAndKeyOverride(t *testing.T) {
	f := newFixture()
	w := f.serve(chatBody(t, func(m map[string]any) {
		m["modelId"] = "anthropic/claude-sonnet-4"
		m["apiKey"] = "sk-client"
	}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "anthropic/claude-sonnet-4", f.gotCfg.Model)
	assert.Equal(t, "sk-client", f.gotCfg.APIKey)
}

func TestHandleChatStream_UserTextClampedAcrossMessages(t *testing.T) {
	f := newFixture()
	f.config.UserTextBudget = 5

	w := f.serve(chatBody(t, func(m map[string]any) {
		m["messages"] = []map[string]any{
			{"id": "u1", "role": "user", "parts": []map[string]any{{"type": "text", "text": "abcd"}}},
			{"id": "a0", "role": "assistant", "parts": []map[string]any{{"type": "text", "text": "long assistant reply"}}},
			{"id": "u2", "role": "user", "parts": []map[string]any{{"type": "text", "text": "efgh"}}},
		}
	}))

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.client.gotMessages, 3)
	assert.Equal(t, "abcd", f.client.gotMessages[0].Content)
	// Assistant history is never clamped.
	assert.Equal(t, "long assistant reply", f.client.gotMessages[1].Content)
	// Second user message gets the one remaining character.
	assert.Equal(t, "e", f.client.gotMessages[2].Content)
}

// =============================================================================
// Validation Failures
// =============================================================================

func TestHandleChatStream_MalformedJSON(t *testing.T) {
	f := newFixture()
	w := f.serve("{not json")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid JSON body", errorBody(t, w))
	assert.Empty(t, f.gateway.snapshot())
}

func TestHandleChatStream_MissingMessages(t *testing.T) {
	f := newFixture()
	w := f.serve(chatBody(t, func(m map[string]any) {
		m["messages"] = []map[string]any{}
	}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Missing chat messages", errorBody(t, w))
}

func TestHandleChatStream_MissingUserMessage(t *testing.T) {
	f := newFixture()
	w := f.serve(chatBody(t, func(m map[string]any) {
		m["messages"] = []map[string]any{
			{"id": "a0", "role": "assistant", "parts": []map[string]any{{"type": "text", "text": "hi"}}},
		}
	}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Missing user message", errorBody(t, w))
}

func TestHandleChatStream_MissingChatID(t *testing.T) {
	f := newFixture()
	w := f.serve(chatBody(t, func(m map[string]any) {
		delete(m, "chatId")
	}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChatStream_BodyTooLarge(t *testing.T) {
	f := newFixture()
	w := f.serve(chatBody(t, func(m map[string]any) {
		m["padding"] = strings.Repeat("x", datatypes.MaxBodyBytes)
	}))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "Request body too large", errorBody(t, w))
}

func TestHandleChatStream_OversizedPart(t *testing.T) {
	f := newFixture()
	w := f.serve(chatBody(t, func(m map[string]any) {
		m["messages"] = []map[string]any{
			{"id": "u1", "role": "user", "parts": []map[string]any{
				{"type": "text", "text": strings.Repeat("x", datatypes.MaxTextBytesPerPart+1)},
			}},
		}
	}))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

// =============================================================================
// Credential Resolution
// =============================================================================

func TestHandleChatStream_RequireClientKeyMissing(t *testing.T) {
	f := newFixture()
	f.config.RequireClientKey = true

	w := f.serve(chatBody(t, nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Missing API key", errorBody(t, w))
	assert.Empty(t, f.gateway.snapshot())
}

func TestHandleChatStream_NoServerKeyIs500(t *testing.T) {
	f := newFixture()
	f.config.ServerAPIKey = ""

	w := f.serve(chatBody(t, nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, errorBody(t, w), "Server configuration error")
}

func TestHandleChatStream_ProductionHidesConfigDetail(t *testing.T) {
	f := newFixture()
	f.config.ServerAPIKey = ""
	f.config.Production = true

	w := f.serve(chatBody(t, nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Server configuration error", errorBody(t, w))
}

// =============================================================================
// Persistence Failures
// =============================================================================

func TestHandleChatStream_UserPersistFailureIs502(t *testing.T) {
	f := newFixture()
	f.gateway.failAll = true
	f.gateway.err = &persistence.PersistError{StatusCode: 503, Message: "unavailable", Retryable: true}

	w := f.serve(chatBody(t, nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "Failed to persist message", errorBody(t, w))
	// No provider spend after a failed user-message write.
	assert.Zero(t, f.factory)
	assert.Zero(t, f.client.calls)
}

func TestHandleChatStream_PlaceholderPersistFailureIs502(t *testing.T) {
	f := newFixture()

	// Fail only the second call (the placeholder).
	gw := &selectiveGateway{inner: f.gateway, failCall: 2}
	handler := NewChatStreamHandler(gw, f.config)
	handler.newClient = func(cfg llm.OpenRouterConfig) (llm.Client, error) {
		f.factory++
		return f.client, nil
	}
	router := gin.New()
	router.POST("/v1/chat/stream", handler.HandleChatStream)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/stream", strings.NewReader(chatBody(t, nil)))
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Zero(t, f.factory)
}

// selectiveGateway fails exactly one call by ordinal.
type selectiveGateway struct {
	inner    *mockGateway
	mu       sync.Mutex
	seen     int
	failCall int
}

func (g *selectiveGateway) PersistMessage(ctx context.Context, req *persistence.PersistRequest) error {
	g.mu.Lock()
	g.seen++
	fail := g.seen == g.failCall
	g.mu.Unlock()
	if fail {
		return errors.New("injected placeholder failure")
	}
	return g.inner.PersistMessage(ctx, req)
}

// =============================================================================
// Provider Failures
// =============================================================================

func TestHandleChatStream_AuthErrorBeforeTokensIs401(t *testing.T) {
	f := newFixture()
	f.client.err = &openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "invalid key"}

	w := f.serve(chatBody(t, nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid provider credentials", errorBody(t, w))

	// The placeholder still gets settled by the forced final write.
	completed := f.gateway.callsWithStatus(persistence.StatusCompleted)
	require.NotEmpty(t, completed)
	assert.Equal(t, "", completed[len(completed)-1].Content)
}

func TestHandleChatStream_ProviderErrorBeforeTokensIs502(t *testing.T) {
	f := newFixture()
	f.client.err = errors.New("connection refused")

	w := f.serve(chatBody(t, nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, errorBody(t, w), "Upstream provider error")
	assert.Contains(t, errorBody(t, w), "connection refused")
}

func TestHandleChatStream_ProductionHidesUpstreamDetail(t *testing.T) {
	f := newFixture()
	f.config.Production = true
	f.client.err = errors.New("internal provider detail")

	w := f.serve(chatBody(t, nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "Upstream provider error", errorBody(t, w))
}

func TestHandleChatStream_ErrorAfterTokensUsesSSE(t *testing.T) {
	f := newFixture()
	f.client.events = []llm.StreamEvent{
		{Type: llm.StreamEventToken, Content: "partial"},
	}
	f.client.err = errors.New("stream cut")

	w := f.serve(chatBody(t, nil))

	// Status already committed to 200 when the first token flowed.
	assert.Equal(t, http.StatusOK, w.Code)

	events := parseSSEEvents(t, w.Body.String())
	last := events[len(events)-1]
	assert.Equal(t, datatypes.EventError, last.Type)
	assert.Contains(t, last.Error, "Upstream provider error")

	// Partial output is still settled durably.
	completed := f.gateway.callsWithStatus(persistence.StatusCompleted)
	require.NotEmpty(t, completed)
	assert.Equal(t, "partial", completed[len(completed)-1].Content)
}

func TestHandleChatStream_ClientAbortSettlesPartialOutput(t *testing.T) {
	f := newFixture()
	f.client.events = []llm.StreamEvent{
		{Type: llm.StreamEventToken, Content: "partial answer"},
	}
	f.client.err = context.Canceled

	w := f.serve(chatBody(t, nil))

	events := parseSSEEvents(t, w.Body.String())
	for _, ev := range events {
		assert.NotEqual(t, datatypes.EventDone, ev.Type)
		assert.NotEqual(t, datatypes.EventError, ev.Type)
	}

	completed := f.gateway.callsWithStatus(persistence.StatusCompleted)
	require.NotEmpty(t, completed)
	assert.Equal(t, "partial answer", completed[len(completed)-1].Content)
}

func TestHandleChatStream_FinalizeFailureDoesNotBreakResponse(t *testing.T) {
	f := newFixture()
	f.client.events = []llm.StreamEvent{
		{Type: llm.StreamEventToken, Content: "ok"},
	}

	gw := &selectiveGateway{inner: f.gateway, failCall: 3} // the forced final write
	handler := NewChatStreamHandler(gw, f.config)
	handler.newClient = func(cfg llm.OpenRouterConfig) (llm.Client, error) {
		return f.client, nil
	}
	router := gin.New()
	router.POST("/v1/chat/stream", handler.HandleChatStream)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/chat/stream", strings.NewReader(chatBody(t, nil)))
	router.ServeHTTP(w, req)

	// The client still sees a complete stream; durability lag is a
	// server-side concern.
	assert.Equal(t, http.StatusOK, w.Code)
	events := parseSSEEvents(t, w.Body.String())
	assert.Equal(t, datatypes.EventDone, events[len(events)-1].Type)
}
