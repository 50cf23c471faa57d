// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes registers the chat service HTTP routes.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opentech1/openchat-sub000/services/chat/handlers"
	"github.com/opentech1/openchat-sub000/services/chat/middleware"
)

// Options carries the per-route middleware for SetupRoutes.
type Options struct {
	// Limiter guards the streaming endpoint. May be nil (no limiting).
	Limiter *middleware.RateLimiter

	// Origin is the browser origin policy for the streaming endpoint.
	Origin middleware.OriginConfig

	// EnableMetrics exposes GET /metrics.
	EnableMetrics bool
}

// SetupRoutes wires all chat service routes onto the router.
func SetupRoutes(router *gin.Engine, chatHandler *handlers.ChatStreamHandler, opts Options) {
	router.GET("/health", handlers.HealthCheck)

	if opts.EnableMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// Wrong-method requests on known paths get 405, not 404.
	router.HandleMethodNotAllowed = true
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})

	// API version 1 group
	v1 := router.Group("/v1")
	{
		stream := v1.Group("/chat")
		stream.Use(middleware.CheckOrigin(opts.Origin))
		if opts.Limiter != nil {
			stream.Use(middleware.RateLimit(opts.Limiter))
		}
		stream.POST("/stream", chatHandler.HandleChatStream)
	}
}
