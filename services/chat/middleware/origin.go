// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Origin Policy
// =============================================================================

// OriginConfig configures cross-origin access for the chat endpoint.
type OriginConfig struct {
	// AllowedOrigins lists origins permitted to call the API. The single
	// entry "*" allows any origin. Empty disables the origin check
	// entirely (same-origin deployments).
	AllowedOrigins []string
}

// originAllowed reports whether the given Origin header value may access
// the endpoint.
func (c OriginConfig) originAllowed(origin string) bool {
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// CheckOrigin returns middleware enforcing the origin allow-list.
//
// Requests without an Origin header (curl, server-to-server) pass
// through: the origin check protects browser users, not API clients.
// Browser requests from a disallowed origin get 403. Allowed origins are
// echoed back in the CORS headers so streamed responses stay readable
// cross-origin, and OPTIONS preflights short-circuit with 204.
func CheckOrigin(config OriginConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || len(config.AllowedOrigins) == 0 {
			c.Next()
			return
		}

		if !config.originAllowed(origin) {
			slog.Warn("Rejected disallowed origin", "origin", origin)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Origin not allowed",
			})
			return
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Vary", "Origin")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
