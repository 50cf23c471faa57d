// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chat provides the chat streaming service.
//
// This package contains the main Service type that coordinates all
// components: HTTP routing, the OpenRouter provider client, the
// persistence gateway, rate limiting, and observability infrastructure.
//
// # Usage
//
//	cfg := chat.Config{Port: 12230, OpenRouterAPIKey: key}
//	svc, err := chat.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run()
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/opentech1/openchat-sub000/services/chat/handlers"
	"github.com/opentech1/openchat-sub000/services/chat/middleware"
	"github.com/opentech1/openchat-sub000/services/chat/observability"
	"github.com/opentech1/openchat-sub000/services/chat/routes"
	"github.com/opentech1/openchat-sub000/services/persistence"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the chat service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	//
	// # Assumptions
	//
	//   - Caller will not modify the router
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds chat service configuration options.
//
// Values can be populated from environment variables, config files, or
// programmatically for testing. All fields have defaults except the
// persistence URL and, in server-key mode, the provider API key; those
// are validated lazily per request.
type Config struct {
	// Port is the HTTP server port. Default: 12230
	Port int

	// PersistenceURL is the message store base URL.
	// Example: "http://openchat-web:3000"
	PersistenceURL string

	// PersistenceToken is the bearer token for the message store.
	// If empty, upserts are sent unauthenticated.
	PersistenceToken string

	// OpenRouterAPIKey is the server-held provider key. Ignored when
	// RequireClientKey is set.
	OpenRouterAPIKey string

	// DefaultModel is the model slug used when requests omit one.
	// Default: "openai/gpt-4o-mini"
	DefaultModel string

	// RequireClientKey requires each request to carry its own provider
	// key. Default: false
	RequireClientKey bool

	// AllowedOrigins lists browser origins allowed to call the
	// streaming endpoint. Empty disables the origin check.
	AllowedOrigins []string

	// RequestsPerMinute is the per-client rate limit budget.
	// Default: 20
	RequestsPerMinute int

	// GlobalRPS, when > 0, adds a process-wide smoothing limiter on top
	// of the per-client windows. Default: 0 (off)
	GlobalRPS float64

	// TrustProxy trusts X-Forwarded-For for rate limit client keys.
	// Only enable behind a proxy that sets the header itself.
	TrustProxy bool

	// StreamTimeout bounds one provider stream. Default: 5 minutes
	StreamTimeout time.Duration

	// FlushInterval is the stream manager's debounce window.
	// Default: 150ms
	FlushInterval time.Duration

	// MinFlushChars is the minimum unpersisted delta that lets a
	// debounced flush proceed. Default: 48
	MinFlushChars int

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "openchat-otel-collector:4317"
	OTelEndpoint string

	// EnableTracing controls OTLP trace export. Default: false
	// (spans are still created; they just aren't exported)
	EnableTracing bool

	// EnableMetrics enables the Prometheus metrics endpoint.
	EnableMetrics bool

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	GinMode string

	// Production suppresses detailed upstream error messages.
	Production bool

	// ProviderBaseURL overrides the OpenRouter API root.
	ProviderBaseURL string

	// Referer and Title are OpenRouter app attribution values.
	Referer string
	Title   string
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Fields
//
//   - config: Service configuration
//   - router: Gin HTTP engine
//   - gateway: Persistence gateway for message upserts
//   - limiter: Per-client rate limiter
//   - tracerCleanup: Function to shutdown tracer on exit
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
type service struct {
	config        Config
	router        *gin.Engine
	gateway       persistence.Gateway
	limiter       *middleware.RateLimiter
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a chat Service with the given configuration.
//
// # Description
//
// New initializes all service components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing (when enabled)
//  3. Initializes Prometheus metrics
//  4. Creates the persistence gateway
//  5. Creates the rate limiter
//  6. Sets up HTTP routes
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//
// # Outputs
//
//   - Service: Ready-to-run chat service
//   - error: Non-nil if initialization fails
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	if s.config.EnableTracing {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if s.config.EnableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics for streaming")
	}

	s.gateway = persistence.NewHTTPGateway(s.config.PersistenceURL, s.config.PersistenceToken)

	s.limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerWindow: s.config.RequestsPerMinute,
		Window:            time.Minute,
		GlobalRPS:         s.config.GlobalRPS,
		TrustProxy:        s.config.TrustProxy,
	})

	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting chat server",
		"port", s.config.Port,
		"default_model", s.config.DefaultModel,
		"require_client_key", s.config.RequireClientKey,
	)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12230
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "openai/gpt-4o-mini"
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 20
	}
	if cfg.StreamTimeout == 0 {
		cfg.StreamTimeout = handlers.DefaultStreamTimeout
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "openchat-otel-collector:4317"
	}
	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("chat-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("chat-service"))

	chatHandler := handlers.NewChatStreamHandler(s.gateway, handlers.ChatConfig{
		DefaultModel:     s.config.DefaultModel,
		ServerAPIKey:     s.config.OpenRouterAPIKey,
		RequireClientKey: s.config.RequireClientKey,
		StreamTimeout:    s.config.StreamTimeout,
		Stream: handlers.StreamConfig{
			FlushInterval: s.config.FlushInterval,
			MinFlushChars: s.config.MinFlushChars,
		},
		Production:      s.config.Production,
		ProviderBaseURL: s.config.ProviderBaseURL,
		Referer:         s.config.Referer,
		Title:           s.config.Title,
	})

	routes.SetupRoutes(s.router, chatHandler, routes.Options{
		Limiter:       s.limiter,
		Origin:        middleware.OriginConfig{AllowedOrigins: s.config.AllowedOrigins},
		EnableMetrics: s.config.EnableMetrics,
	})
}

// cleanup releases all resources held by the service.
func (s *service) cleanup() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
