// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opentech1/openchat-sub000/services/chat/observability"
	"github.com/opentech1/openchat-sub000/services/persistence"
)

// =============================================================================
// Configuration
// =============================================================================

// Stream manager defaults. Both knobs are configuration, not behavior:
// deployments tune them against their store's write capacity.
const (
	// DefaultFlushInterval is the debounce window between a delta
	// arriving and the snapshot flush it schedules.
	DefaultFlushInterval = 150 * time.Millisecond

	// DefaultMinFlushChars is the minimum combined growth (text plus
	// reasoning) required before a scheduled flush actually writes.
	// Bounds write amplification under slow token trickle.
	DefaultMinFlushChars = 48

	// persistTimeout bounds each persistence write, scheduled or forced.
	// Writes run on a background context so a canceled request cannot
	// strand the terminal status.
	persistTimeout = 15 * time.Second
)

// StreamConfig tunes one stream manager.
type StreamConfig struct {
	FlushInterval time.Duration
	MinFlushChars int
}

// withDefaults fills zero fields.
func (c StreamConfig) withDefaults() StreamConfig {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MinFlushChars <= 0 {
		c.MinFlushChars = DefaultMinFlushChars
	}
	return c
}

// StreamStatus is the terminal classification of one stream.
type StreamStatus string

const (
	StreamCompleted StreamStatus = "completed"
	StreamAborted   StreamStatus = "aborted"
	StreamError     StreamStatus = "error"
)

// =============================================================================
// StreamManager
// =============================================================================

// StreamManager buffers incremental assistant output and decides, under a
// hybrid time/size policy, when to persist a durable snapshot.
//
// # Description
//
// Deltas append to in-memory buffers and schedule a debounced flush.
// When the flush timer fires, the full accumulated buffers (never a
// diff) are upserted with status=streaming, provided the growth since
// the last persisted snapshot reaches the minimum-chars gate. Finalize
// performs one forced, unconditional write with status=completed and is
// idempotent: concurrent callers collapse onto a single final write and
// all observe the same stored error.
//
// Guarantees, per stream:
//
//   - Persisted content lengths are monotonically non-decreasing.
//   - Flushes are strictly sequential; a delta arriving while a flush is
//     in flight re-arms the timer instead of starting a second flush.
//   - Exactly one status=completed write, no matter how many times or
//     how concurrently Finalize is called.
//   - The first mid-stream persistence failure is sticky and re-raised
//     from Finalize even if later flushes succeed.
//
// # Thread Safety
//
// Safe for concurrent use. A StreamManager serves exactly one stream and
// is never reused across requests.
type StreamManager struct {
	gateway   persistence.Gateway
	config    StreamConfig
	chatID    string
	messageID string
	createdAt time.Time

	mu   sync.Mutex
	cond *sync.Cond // signaled when an in-flight flush completes

	text      strings.Builder
	reasoning strings.Builder

	lastPersistedLen          int
	lastPersistedReasoningLen int

	reasoningStart time.Time
	reasoningEnd   time.Time

	timer    *time.Timer // non-nil while a flush is scheduled
	flushing bool

	status     StreamStatus
	statusSet  bool
	persistErr error // sticky first failure

	finalizing bool
	finalized  bool
	finalErr   error
	finalDone  chan struct{}
}

// NewStreamManager creates a manager for one assistant message stream.
func NewStreamManager(gateway persistence.Gateway, chatID, messageID string, config StreamConfig) *StreamManager {
	m := &StreamManager{
		gateway:   gateway,
		config:    config.withDefaults(),
		chatID:    chatID,
		messageID: messageID,
		createdAt: time.Now(),
		status:    StreamCompleted,
		finalDone: make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// =============================================================================
// Delta Ingestion
// =============================================================================

// HandleTextChunk appends one answer-text delta and schedules a flush.
// Empty chunks and chunks arriving after finalization are dropped.
func (m *StreamManager) HandleTextChunk(text string) {
	if text == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized || m.finalizing {
		slog.Warn("Dropping text chunk after finalize",
			"chatId", m.chatID, "messageId", m.messageID, "chars", len(text))
		return
	}

	m.text.WriteString(text)
	m.scheduleFlushLocked()
}

// HandleReasoningChunk appends one reasoning delta and schedules a flush.
//
// The first non-empty chunk stamps the reasoning start time; every chunk
// advances the end time. Thinking duration is measured from first to
// last reasoning delta, not wall-clock request duration.
func (m *StreamManager) HandleReasoningChunk(text string) {
	if text == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized || m.finalizing {
		slog.Warn("Dropping reasoning chunk after finalize",
			"chatId", m.chatID, "messageId", m.messageID, "chars", len(text))
		return
	}

	now := time.Now()
	if m.reasoningStart.IsZero() {
		m.reasoningStart = now
	}
	m.reasoningEnd = now

	m.reasoning.WriteString(text)
	m.scheduleFlushLocked()
}

// EnsureReasoningEndTime stamps the reasoning end time if reasoning text
// exists but the provider never signaled a final reasoning delta.
// Idempotent; call before computing the final thinking duration.
func (m *StreamManager) EnsureReasoningEndTime() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reasoning.Len() > 0 && m.reasoningEnd.IsZero() {
		m.reasoningEnd = time.Now()
	}
}

// =============================================================================
// Status and Accessors
// =============================================================================

// SetStatus records the terminal classification. Single-write: the first
// non-default classification wins and later calls are no-ops, so racing
// abort and error signals cannot flap the stored status.
func (m *StreamManager) SetStatus(status StreamStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.statusSet || m.finalized {
		return
	}
	m.status = status
	m.statusSet = true
}

// Status returns the current terminal classification.
func (m *StreamManager) Status() StreamStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Text returns the accumulated answer text.
func (m *StreamManager) Text() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text.String()
}

// ThinkingDuration returns elapsed reasoning time in milliseconds, or 0
// when the stream produced no reasoning.
func (m *StreamManager) ThinkingDuration() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thinkingDurationLocked()
}

func (m *StreamManager) thinkingDurationLocked() int64 {
	if m.reasoningStart.IsZero() || m.reasoningEnd.IsZero() {
		return 0
	}
	return m.reasoningEnd.Sub(m.reasoningStart).Milliseconds()
}

// PersistenceError returns the sticky first mid-stream flush failure.
func (m *StreamManager) PersistenceError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistErr
}

// =============================================================================
// Debounced Flushing
// =============================================================================

// scheduleFlushLocked arms the flush timer unless one is already pending.
// Concurrent triggers coalesce onto the single armed timer.
func (m *StreamManager) scheduleFlushLocked() {
	if m.timer != nil || m.finalizing || m.finalized {
		return
	}
	m.timer = time.AfterFunc(m.config.FlushInterval, m.flushTimerFired)
}

// flushTimerFired runs when the debounce window elapses.
func (m *StreamManager) flushTimerFired() {
	m.mu.Lock()
	m.timer = nil

	if m.finalizing || m.finalized {
		m.mu.Unlock()
		return
	}

	// A flush is still in flight; re-arm rather than overlap. Flushes
	// for one stream are strictly sequential.
	if m.flushing {
		m.scheduleFlushLocked()
		m.mu.Unlock()
		return
	}

	textDelta := m.text.Len() - m.lastPersistedLen
	reasoningDelta := m.reasoning.Len() - m.lastPersistedReasoningLen
	if textDelta < m.config.MinFlushChars && reasoningDelta < m.config.MinFlushChars {
		// Below the gate: skip without advancing high-water marks. The
		// content is still captured by the next flush or by Finalize.
		if metrics := observability.DefaultMetrics; metrics != nil {
			metrics.RecordFlush(observability.FlushSkipped, 0)
		}
		m.mu.Unlock()
		return
	}

	m.flushing = true
	snapshot := m.snapshotLocked(persistence.StatusStreaming)
	textLen := m.text.Len()
	reasoningLen := m.reasoning.Len()
	m.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	err := m.gateway.PersistMessage(ctx, snapshot)
	cancel()

	m.mu.Lock()
	m.flushing = false
	if err != nil {
		// Swallowed: best-effort durability mid-stream, hard guarantee
		// only at finalize. First failure is sticky.
		if m.persistErr == nil {
			m.persistErr = err
		}
		slog.Error("Scheduled flush failed",
			"chatId", m.chatID, "messageId", m.messageID, "error", err)
		if metrics := observability.DefaultMetrics; metrics != nil {
			metrics.RecordFlush(observability.FlushFailed, 0)
		}
	} else {
		m.lastPersistedLen = textLen
		m.lastPersistedReasoningLen = reasoningLen
		if metrics := observability.DefaultMetrics; metrics != nil {
			metrics.RecordFlush(observability.FlushPersisted, time.Since(start).Seconds())
		}
	}
	m.cond.Broadcast()
	m.mu.Unlock()
}

// snapshotLocked builds a whole-buffer persist request. Reasoning fields
// are present only when reasoning text exists.
func (m *StreamManager) snapshotLocked(status persistence.MessageStatus) *persistence.PersistRequest {
	req := &persistence.PersistRequest{
		ChatID:          m.chatID,
		ClientMessageID: m.messageID,
		Role:            "assistant",
		Content:         m.text.String(),
		CreatedAt:       m.createdAt,
		Status:          status,
	}
	if m.reasoning.Len() > 0 {
		req.Reasoning = m.reasoning.String()
		req.ThinkingTimeMs = m.thinkingDurationLocked()
	}
	return req
}

// =============================================================================
// Finalize
// =============================================================================

// Finalize performs the terminal, idempotent, forced persistence write.
//
// # Description
//
// Cancels any pending scheduled flush, waits for any in-flight flush,
// then writes the full buffers with status=completed regardless of
// whether content changed since the last flush. The write runs on a
// background context so a canceled request context cannot strand the
// message in status=streaming.
//
// Repeat and concurrent calls collapse onto the first: they block until
// it completes and return the same stored error.
//
// # Outputs
//
//   - error: The sticky mid-stream persistence failure if one occurred,
//     else the forced write's failure, else nil. A non-nil return means
//     the response already reached the client but durable state may be
//     behind; callers should log, not retry on the hot path.
func (m *StreamManager) Finalize(ctx context.Context) error {
	m.mu.Lock()

	if m.finalized {
		err := m.finalErr
		m.mu.Unlock()
		return err
	}
	if m.finalizing {
		done := m.finalDone
		m.mu.Unlock()
		<-done
		m.mu.Lock()
		err := m.finalErr
		m.mu.Unlock()
		return err
	}

	m.finalizing = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	for m.flushing {
		m.cond.Wait()
	}

	snapshot := m.snapshotLocked(persistence.StatusCompleted)
	textLen := m.text.Len()
	reasoningLen := m.reasoning.Len()
	m.mu.Unlock()

	start := time.Now()
	pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	err := m.gateway.PersistMessage(pctx, snapshot)
	cancel()

	m.mu.Lock()
	if err != nil {
		slog.Error("Final flush failed",
			"chatId", m.chatID, "messageId", m.messageID, "error", err)
		if m.persistErr == nil {
			m.persistErr = err
		}
		if metrics := observability.DefaultMetrics; metrics != nil {
			metrics.RecordFlush(observability.FlushFailed, 0)
		}
	} else {
		m.lastPersistedLen = textLen
		m.lastPersistedReasoningLen = reasoningLen
		if metrics := observability.DefaultMetrics; metrics != nil {
			metrics.RecordFlush(observability.FlushForced, time.Since(start).Seconds())
		}
	}

	// A mid-stream failure is re-raised here even when the forced write
	// succeeded: the caller's completion handler is the one place that
	// learns durable state fell behind at any point.
	m.finalErr = m.persistErr
	m.finalized = true
	m.finalizing = false
	close(m.finalDone)
	finalErr := m.finalErr
	m.mu.Unlock()

	return finalErr
}
