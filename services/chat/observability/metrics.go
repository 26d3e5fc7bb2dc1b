// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the
// article chat service.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the chat
// endpoint. Metrics include:
//   - Request counters (by endpoint, status, error type)
//   - Latency histograms (time to first chunk, total stream duration)
//   - Active stream gauges
//   - Rate limiter and persistence side-channel counters
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for chat metrics
const chatSubsystem = "article_chat"

// ChatMetrics holds all Prometheus metrics for the article chat service.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring chat request
// handling. Initialize once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type ChatMetrics struct {
	// RequestsTotal counts chat requests by endpoint and status.
	// Labels: endpoint (chat, chat_stream), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// TimeToFirstChunkSeconds measures latency to the first content chunk.
	// Labels: endpoint
	TimeToFirstChunkSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: endpoint, status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently active streaming connections.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by type and endpoint.
	// Labels: endpoint, error_code (validation, rate_limited, llm_error, ...)
	ErrorsTotal *prometheus.CounterVec

	// RateLimitRejectionsTotal counts requests rejected by the limiter.
	// Labels: endpoint
	RateLimitRejectionsTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec

	// PersistenceDroppedTotal counts chat turns dropped because the
	// persistence queue was full.
	PersistenceDroppedTotal prometheus.Counter

	// PersistenceFailuresTotal counts chat turns whose store write failed.
	PersistenceFailuresTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of ChatMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *ChatMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once
// at application startup, before the first request is served.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *ChatMetrics {
	DefaultMetrics = &ChatMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "requests_total",
				Help:      "Total number of chat requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TimeToFirstChunkSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_chunk_seconds",
				Help:      "Time from request to first content chunk in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Total chat errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		RateLimitRejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "rate_limit_rejections_total",
				Help:      "Total requests rejected by the per-client rate limiter",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),

		PersistenceDroppedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "persistence_dropped_total",
				Help:      "Chat turns dropped because the persistence queue was full",
			},
		),

		PersistenceFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "persistence_failures_total",
				Help:      "Chat turns whose data store write failed",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodePayloadTooLarge indicates the declared body exceeded the cap.
	ErrorCodePayloadTooLarge ErrorCode = "payload_too_large"

	// ErrorCodeRateLimited indicates rejection by the per-client limiter.
	ErrorCodeRateLimited ErrorCode = "rate_limited"

	// ErrorCodeLLMError indicates LLM API failure.
	ErrorCodeLLMError ErrorCode = "llm_error"

	// ErrorCodeTimeout indicates the upstream call timed out.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeClientDisconnect indicates the client disconnected.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a chat endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointChat is the non-streaming chat endpoint.
	EndpointChat Endpoint = "chat"

	// EndpointChatStream is the SSE streaming chat endpoint.
	EndpointChatStream Endpoint = "chat_stream"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed chat request.
func (m *ChatMetrics) RecordRequest(endpoint Endpoint, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError records a chat error.
func (m *ChatMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordRateLimitRejection counts one limiter rejection.
func (m *ChatMetrics) RecordRateLimitRejection(endpoint Endpoint) {
	m.RateLimitRejectionsTotal.WithLabelValues(string(endpoint)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *ChatMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *ChatMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstChunk records latency to the first content chunk.
func (m *ChatMetrics) RecordTimeToFirstChunk(endpoint Endpoint, seconds float64) {
	m.TimeToFirstChunkSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *ChatMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *ChatMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordPersistenceDropped counts one turn dropped at the queue.
func (m *ChatMetrics) RecordPersistenceDropped() {
	m.PersistenceDroppedTotal.Inc()
}

// RecordPersistenceFailure counts one failed store write.
func (m *ChatMetrics) RecordPersistenceFailure() {
	m.PersistenceFailuresTotal.Inc()
}
