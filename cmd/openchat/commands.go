// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/opentech1/openchat-sub000/cmd/openchat/config"
	"github.com/opentech1/openchat-sub000/pkg/logging"
	"github.com/opentech1/openchat-sub000/services/chat"
)

// --- Global Command Variables ---
var (
	flagPort    int
	flagModel   string
	flagGinMode string

	rootCmd = &cobra.Command{
		Use:   "openchat",
		Short: "The OpenChat streaming chat service",
		Long: `OpenChat serves the chat streaming API: it relays conversations
to OpenRouter, streams tokens back over SSE, and persists messages
to the web application's message store.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the chat streaming server",
		RunE:  runServe,
	}

	configPathCmd = &cobra.Command{
		Use:   "config-path",
		Short: "Print the active configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			path := os.Getenv("OPENCHAT_CONFIG")
			if path == "" {
				home, err := os.UserHomeDir()
				if err == nil {
					path = home + "/.openchat/openchat.yaml"
				}
			}
			fmt.Println(path)
		},
	}
)

func init() {
	serveCmd.Flags().IntVar(&flagPort, "port", 0, "HTTP port (overrides config)")
	serveCmd.Flags().StringVar(&flagModel, "model", "", "Default model slug (overrides config)")
	serveCmd.Flags().StringVar(&flagGinMode, "gin-mode", "", "Gin mode: debug, release, test")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configPathCmd)
}

// runServe loads configuration, applies flag and environment overrides,
// and blocks serving HTTP.
func runServe(cmd *cobra.Command, args []string) error {
	if err := config.Load(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := config.Global

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "chat",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	if flagPort != 0 {
		cfg.Server.Port = flagPort
	}
	if flagModel != "" {
		cfg.Provider.DefaultModel = flagModel
	}
	if flagGinMode != "" {
		cfg.Server.GinMode = flagGinMode
	}

	// Secrets come from the environment, never the config file.
	apiKey := os.Getenv("OPENROUTER_API_KEY")
	persistenceToken := os.Getenv("PERSISTENCE_SERVICE_TOKEN")
	if url := os.Getenv("PERSISTENCE_URL"); url != "" {
		cfg.Persistence.URL = url
	}

	// Deployment tuning overrides for containerized runs.
	if v := getEnvInt("CHAT_FLUSH_INTERVAL_MS", 0); v > 0 {
		cfg.Limits.FlushIntervalMs = v
	}
	if v := getEnvInt("CHAT_MIN_FLUSH_CHARS", 0); v > 0 {
		cfg.Limits.MinFlushChars = v
	}
	if os.Getenv("CHAT_REQUIRE_CLIENT_KEY") == "true" {
		cfg.Provider.RequireClientKey = true
	}

	if apiKey == "" && !cfg.Provider.RequireClientKey {
		slog.Warn("OPENROUTER_API_KEY is not set; requests without their own apiKey will fail")
	}

	svc, err := chat.New(chat.Config{
		Port:              cfg.Server.Port,
		PersistenceURL:    cfg.Persistence.URL,
		PersistenceToken:  persistenceToken,
		OpenRouterAPIKey:  apiKey,
		DefaultModel:      cfg.Provider.DefaultModel,
		RequireClientKey:  cfg.Provider.RequireClientKey,
		AllowedOrigins:    cfg.Security.AllowedOrigins,
		RequestsPerMinute: cfg.Limits.RequestsPerMinute,
		GlobalRPS:         cfg.Limits.GlobalRPS,
		TrustProxy:        cfg.Limits.TrustProxy,
		StreamTimeout:     time.Duration(cfg.Limits.StreamTimeoutSeconds) * time.Second,
		FlushInterval:     time.Duration(cfg.Limits.FlushIntervalMs) * time.Millisecond,
		MinFlushChars:     cfg.Limits.MinFlushChars,
		OTelEndpoint:      cfg.Observability.OTelEndpoint,
		EnableTracing:     cfg.Observability.EnableTracing,
		EnableMetrics:     cfg.Observability.EnableMetrics,
		GinMode:           cfg.Server.GinMode,
		Production:        cfg.Server.Production,
		ProviderBaseURL:   cfg.Provider.BaseURL,
		Referer:           cfg.Provider.Referer,
		Title:             cfg.Provider.Title,
	})
	if err != nil {
		return fmt.Errorf("failed to create chat service: %w", err)
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("Chat service error: %v", err)
	}
	return nil
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
