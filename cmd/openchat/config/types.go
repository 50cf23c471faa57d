// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

// ChatServiceConfig is the on-disk configuration for the chat service.
//
// Secrets (the provider API key and the persistence service token) are
// never stored here; they come from the environment. See loader.go.
type ChatServiceConfig struct {
	// Server: HTTP listener settings
	Server ServerConfig `yaml:"server"`

	// Provider: OpenRouter connection and model selection
	Provider ProviderConfig `yaml:"provider"`

	// Persistence: message store connection
	Persistence PersistenceConfig `yaml:"persistence"`

	// Limits: request throttling
	Limits LimitsConfig `yaml:"limits"`

	// Security: browser origin policy
	Security SecurityConfig `yaml:"security"`

	// Observability: metrics and tracing toggles
	Observability ObservabilityConfig `yaml:"observability"`

	// Logging: structured log output
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Port       int    `yaml:"port"`     // e.g. 12230
	GinMode    string `yaml:"gin_mode"` // debug, release, test
	Production bool   `yaml:"production"`
}

type ProviderConfig struct {
	// DefaultModel is the OpenRouter slug used when requests omit one.
	DefaultModel string `yaml:"default_model"`

	// RequireClientKey makes every request bring its own API key.
	RequireClientKey bool `yaml:"require_client_key"`

	// BaseURL overrides the OpenRouter API root.
	BaseURL string `yaml:"base_url,omitempty"`

	// Referer and Title are OpenRouter app attribution values.
	Referer string `yaml:"referer,omitempty"`
	Title   string `yaml:"title,omitempty"`
}

type PersistenceConfig struct {
	// URL is the message store base URL, e.g. "http://openchat-web:3000"
	URL string `yaml:"url"`
}

type LimitsConfig struct {
	RequestsPerMinute    int  `yaml:"requests_per_minute"`
	TrustProxy           bool `yaml:"trust_proxy"`
	StreamTimeoutSeconds int  `yaml:"stream_timeout_seconds"`

	// GlobalRPS, when > 0, caps process-wide request throughput on top
	// of the per-client budgets.
	GlobalRPS float64 `yaml:"global_rps,omitempty"`

	// FlushIntervalMs and MinFlushChars tune the persistence debounce.
	FlushIntervalMs int `yaml:"flush_interval_ms"`
	MinFlushChars   int `yaml:"min_flush_chars"`
}

type SecurityConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type ObservabilityConfig struct {
	EnableMetrics bool   `yaml:"enable_metrics"`
	EnableTracing bool   `yaml:"enable_tracing"`
	OTelEndpoint  string `yaml:"otel_endpoint,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`   // debug, info, warn, error
	Dir   string `yaml:"dir"`     // empty disables file logging
	JSON  bool   `yaml:"json"`    // JSON handler instead of text
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() ChatServiceConfig {
	return ChatServiceConfig{
		Server: ServerConfig{
			Port:    12230,
			GinMode: "release",
		},
		Provider: ProviderConfig{
			DefaultModel: "openai/gpt-4o-mini",
		},
		Persistence: PersistenceConfig{
			URL: "http://localhost:3000",
		},
		Limits: LimitsConfig{
			RequestsPerMinute:    20,
			StreamTimeoutSeconds: 300,
			FlushIntervalMs:      150,
			MinFlushChars:        48,
		},
		Observability: ObservabilityConfig{
			EnableMetrics: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
