// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the chat service.
//
// # Description
//
// Metrics cover the full streaming pipeline: request outcomes by terminal
// classification, delta throughput, persistence flush behavior, and
// latency distributions (time to first token, stream duration, flush
// round-trip).
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. All metric operations
// are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace and subsystem for all chat metrics.
const (
	metricsNamespace = "openchat"
	chatSubsystem    = "stream"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// StreamMetrics holds all Prometheus metrics for the streaming pipeline.
//
// Initialize once at startup via InitMetrics(). Handlers must nil-check
// DefaultMetrics so tests can run without registering collectors.
type StreamMetrics struct {
	// RequestsTotal counts streams by terminal status.
	// Labels: status (completed, aborted, error)
	RequestsTotal *prometheus.CounterVec

	// RejectionsTotal counts requests rejected before streaming.
	// Labels: reason (validation, rate_limited, auth, config, persistence)
	RejectionsTotal *prometheus.CounterVec

	// DeltasTotal counts provider deltas by kind.
	// Labels: kind (text, reasoning)
	DeltasTotal *prometheus.CounterVec

	// FlushesTotal counts stream manager flushes by outcome.
	// Labels: outcome (persisted, skipped, failed, forced)
	FlushesTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency from provider open to the
	// first delta.
	TimeToFirstTokenSeconds prometheus.Histogram

	// StreamDurationSeconds measures total stream duration by status.
	// Labels: status (completed, aborted, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// FlushDurationSeconds measures persistence flush round-trip time.
	FlushDurationSeconds prometheus.Histogram

	// ActiveStreams tracks currently open streaming connections.
	ActiveStreams prometheus.Gauge

	// KeepAlivesTotal counts SSE keepalive pings sent.
	KeepAlivesTotal prometheus.Counter

	// ClientDisconnectsTotal counts client disconnects mid-stream.
	ClientDisconnectsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, set by InitMetrics().
var DefaultMetrics *StreamMetrics

// InitMetrics creates the default metrics instance on the global registry.
//
// Call once at startup. Panics on duplicate registration, so tests use
// NewMetrics with a private registry instead.
func InitMetrics() *StreamMetrics {
	DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewMetrics creates a StreamMetrics registered on the given registerer.
func NewMetrics(reg prometheus.Registerer) *StreamMetrics {
	factory := promauto.With(reg)

	return &StreamMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "requests_total",
				Help:      "Total streams by terminal status",
			},
			[]string{"status"},
		),

		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "rejections_total",
				Help:      "Requests rejected before streaming started",
			},
			[]string{"reason"},
		),

		DeltasTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "deltas_total",
				Help:      "Provider deltas received by kind",
			},
			[]string{"kind"},
		),

		FlushesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "flushes_total",
				Help:      "Stream manager persistence flushes by outcome",
			},
			[]string{"outcome"},
		),

		TimeToFirstTokenSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from provider open to first delta in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds by terminal status",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		FlushDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "flush_duration_seconds",
				Help:      "Persistence flush round-trip time in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Currently open streaming connections",
			},
		),

		KeepAlivesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "keepalives_total",
				Help:      "SSE keepalive pings sent",
			},
		),

		ClientDisconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Client disconnections during streaming",
			},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// RejectionReason categorizes pre-stream request rejections.
type RejectionReason string

const (
	ReasonValidation  RejectionReason = "validation"
	ReasonRateLimited RejectionReason = "rate_limited"
	ReasonAuth        RejectionReason = "auth"
	ReasonConfig      RejectionReason = "config"
	ReasonPersistence RejectionReason = "persistence"
)

// DeltaKind labels provider delta counters.
type DeltaKind string

const (
	DeltaText      DeltaKind = "text"
	DeltaReasoning DeltaKind = "reasoning"
)

// FlushOutcome labels flush counters.
type FlushOutcome string

const (
	FlushPersisted FlushOutcome = "persisted"
	FlushSkipped   FlushOutcome = "skipped"
	FlushFailed    FlushOutcome = "failed"
	FlushForced    FlushOutcome = "forced"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordTerminal records a stream's terminal classification and duration.
func (m *StreamMetrics) RecordTerminal(status string, seconds float64) {
	m.RequestsTotal.WithLabelValues(status).Inc()
	m.StreamDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// RecordRejection records a request rejected before streaming.
func (m *StreamMetrics) RecordRejection(reason RejectionReason) {
	m.RejectionsTotal.WithLabelValues(string(reason)).Inc()
}

// RecordDelta counts one provider delta.
func (m *StreamMetrics) RecordDelta(kind DeltaKind) {
	m.DeltasTotal.WithLabelValues(string(kind)).Inc()
}

// RecordFlush records one flush attempt's outcome and, when it actually
// hit the store, its round-trip time.
func (m *StreamMetrics) RecordFlush(outcome FlushOutcome, seconds float64) {
	m.FlushesTotal.WithLabelValues(string(outcome)).Inc()
	if outcome == FlushPersisted || outcome == FlushForced {
		m.FlushDurationSeconds.Observe(seconds)
	}
}
