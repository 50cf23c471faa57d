// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the chat service:
// per-client rate limiting and origin policy enforcement.
package middleware

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/opentech1/openchat-sub000/services/chat/observability"
)

// =============================================================================
// Rate Limiter
// =============================================================================

// RateLimitConfig configures the fixed-window rate limiter.
type RateLimitConfig struct {
	// RequestsPerWindow is the per-key request budget. Default: 20.
	RequestsPerWindow int

	// Window is the fixed window length. Default: 1 minute.
	Window time.Duration

	// MaxBuckets caps tracked keys. The limiter is a denial-of-service
	// safeguard, not precise fairness: when the cap is hit, an arbitrary
	// entry is evicted. Default: 10000.
	MaxBuckets int

	// GlobalRPS, when > 0, adds a process-wide smoothing limiter on top
	// of the per-key windows so a burst across many distinct IPs still
	// cannot saturate the upstream provider.
	GlobalRPS float64

	// TrustProxy enables reading the client IP from X-Forwarded-For.
	// Only enable behind a proxy that strips inbound values.
	TrustProxy bool
}

// withDefaults fills zero fields.
func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.RequestsPerWindow <= 0 {
		c.RequestsPerWindow = 20
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.MaxBuckets <= 0 {
		c.MaxBuckets = 10000
	}
	return c
}

// bucket is one key's window state.
type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter enforces a fixed-window request budget per client key with
// bounded memory. It is the only state shared across concurrent chat
// requests; all access goes through the mutex.
type RateLimiter struct {
	config  RateLimitConfig
	global  *rate.Limiter
	mu      sync.Mutex
	buckets map[string]*bucket
	done    chan struct{}
	once    sync.Once
}

// NewRateLimiter creates a limiter and starts its background sweep of
// expired buckets. Call Stop on shutdown.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	config = config.withDefaults()

	rl := &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	if config.GlobalRPS > 0 {
		burst := int(config.GlobalRPS * 2)
		if burst < 1 {
			burst = 1
		}
		rl.global = rate.NewLimiter(rate.Limit(config.GlobalRPS), burst)
	}

	go rl.sweep()
	return rl
}

// Allow checks one request against the caller's budget.
//
// # Outputs
//
//   - bool: True when the request may proceed. Allowed requests consume
//     one unit of the key's window budget.
//   - time.Duration: When denied, how long until the window resets.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	if rl.global != nil && !rl.global.Allow() {
		return false, time.Second
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok || now.After(b.resetAt) {
		if !ok && len(rl.buckets) >= rl.config.MaxBuckets {
			rl.evictOneLocked(now)
		}
		rl.buckets[key] = &bucket{count: 1, resetAt: now.Add(rl.config.Window)}
		return true, 0
	}

	if b.count >= rl.config.RequestsPerWindow {
		return false, time.Until(b.resetAt)
	}
	b.count++
	return true, 0
}

// evictOneLocked frees one slot, preferring an expired bucket. Map
// iteration order makes the fallback eviction arbitrary, which is
// acceptable for a DoS safeguard.
func (rl *RateLimiter) evictOneLocked(now time.Time) {
	for k, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, k)
			return
		}
	}
	for k := range rl.buckets {
		delete(rl.buckets, k)
		return
	}
}

// sweep periodically drops expired buckets so idle keys do not accumulate.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(rl.config.Window)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for k, b := range rl.buckets {
				if now.After(b.resetAt) {
					delete(rl.buckets, k)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop terminates the background sweep. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.done) })
}

// trackedKeys reports the current bucket count, for tests and debugging.
func (rl *RateLimiter) trackedKeys() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// =============================================================================
// Client Identity
// =============================================================================

// ClientKey resolves the rate-limit identity for a request.
//
// X-Forwarded-For is honored only when proxy trust is explicitly enabled,
// and only its first (client-most) entry is used. Otherwise the direct
// connection IP applies, with a hostname-derived pseudo-key as the last
// resort so limiting never silently collapses onto one shared key.
func ClientKey(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
			if first != "" {
				return first
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "unknown-client"
	}
	return "host:" + hostname
}

// =============================================================================
// Gin Middleware
// =============================================================================

// RateLimit returns middleware that rejects over-budget requests with
// 429 and a Retry-After hint in whole seconds (minimum 1).
func RateLimit(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ClientKey(c.Request, limiter.config.TrustProxy)

		allowed, retryAfter := limiter.Allow(key)
		if !allowed {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", fmt.Sprintf("%d", seconds))
			slog.Warn("Rate limit exceeded", "key", key, "retryAfterSeconds", seconds)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordRejection(observability.ReasonRateLimited)
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
