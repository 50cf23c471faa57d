// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, config RateLimitConfig) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(config)
	t.Cleanup(rl.Stop)
	return rl
}

func TestAllowWithinBudget(t *testing.T) {
	rl := newTestLimiter(t, RateLimitConfig{RequestsPerWindow: 3, Window: time.Minute})

	for i := 0; i < 3; i++ {
		allowed, _ := rl.Allow("1.2.3.4")
		assert.True(t, allowed, "request %d should be allowed", i+1)
	}

	allowed, retryAfter := rl.Allow("1.2.3.4")
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)
}

func TestAllowIndependentKeys(t *testing.T) {
	rl := newTestLimiter(t, RateLimitConfig{RequestsPerWindow: 1, Window: time.Minute})

	allowed, _ := rl.Allow("1.1.1.1")
	assert.True(t, allowed)
	allowed, _ = rl.Allow("2.2.2.2")
	assert.True(t, allowed)

	allowed, _ = rl.Allow("1.1.1.1")
	assert.False(t, allowed)
}

func TestWindowReset(t *testing.T) {
	rl := newTestLimiter(t, RateLimitConfig{RequestsPerWindow: 1, Window: 50 * time.Millisecond})

	allowed, _ := rl.Allow("k")
	require.True(t, allowed)
	allowed, _ = rl.Allow("k")
	require.False(t, allowed)

	time.Sleep(80 * time.Millisecond)

	allowed, _ = rl.Allow("k")
	assert.True(t, allowed, "budget should reset after the window elapses")
}

func TestBucketCapEnforced(t *testing.T) {
	rl := newTestLimiter(t, RateLimitConfig{
		RequestsPerWindow: 10,
		Window:            time.Minute,
		MaxBuckets:        5,
	})

	for i := 0; i < 20; i++ {
		allowed, _ := rl.Allow("10.0.0." + strconv.Itoa(i))
		assert.True(t, allowed)
	}

	assert.LessOrEqual(t, rl.trackedKeys(), 5)
}

func TestGlobalLimiter(t *testing.T) {
	rl := newTestLimiter(t, RateLimitConfig{
		RequestsPerWindow: 1000,
		Window:            time.Minute,
		GlobalRPS:         1,
	})

	// Burst of 2 tokens, then the global limiter starves distinct keys.
	denied := 0
	for i := 0; i < 10; i++ {
		if allowed, _ := rl.Allow("ip-" + strconv.Itoa(i)); !allowed {
			denied++
		}
	}
	assert.Greater(t, denied, 0)
}

func TestClientKeyDirectConnection(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "203.0.113.7:54321"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")

	// Proxy headers are ignored unless trust is explicit.
	assert.Equal(t, "203.0.113.7", ClientKey(r, false))
}

func TestClientKeyTrustedProxy(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")

	assert.Equal(t, "198.51.100.1", ClientKey(r, true))
}

func TestClientKeyTrustedProxyWithoutHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"

	assert.Equal(t, "10.0.0.1", ClientKey(r, true))
}

func TestClientKeyHostnameFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = ""

	key := ClientKey(r, false)
	assert.NotEmpty(t, key)
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rl := newTestLimiter(t, RateLimitConfig{RequestsPerWindow: 1, Window: time.Minute})
	router := gin.New()
	router.Use(RateLimit(rl))
	router.POST("/chat", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.RemoteAddr = "203.0.113.9:1000"
	router.ServeHTTP(first, req)
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req2.RemoteAddr = "203.0.113.9:1001"
	router.ServeHTTP(second, req2)

	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	retryAfter, err := strconv.Atoi(second.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
	assert.Contains(t, second.Body.String(), "Rate limit exceeded")
}
