// Copyright (C) 2026 OpenChatd Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and instrumentation for the
// orchestrator.
//
// # Description
//
// Prometheus metrics for streaming chat operations:
//   - Request counters (by endpoint, status, error code)
//   - Token usage (input/output by model)
//   - Latency histograms (time to first token, total duration)
//   - Active stream gauges and terminal outcome counters
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
const metricsNamespace = "openchatd"

// Subsystem for streaming metrics
const streamingSubsystem = "streaming"

// StreamingMetrics holds all Prometheus metrics for streaming chat
// operations.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring streaming
// performance and resource usage. Initialize once at startup via
// InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type StreamingMetrics struct {
	// RequestsTotal counts streaming requests by endpoint and status.
	// Labels: endpoint (chat_stream, chat_ws), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens processed by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first token.
	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: endpoint, status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently active streaming connections.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// StreamOutcomesTotal counts terminal stream states.
	// Labels: outcome (completed, cancelled, failed)
	StreamOutcomesTotal *prometheus.CounterVec

	// ErrorsTotal counts errors by type and endpoint.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec

	// RateLimitRejectionsTotal counts admission rejections.
	// Labels: scope (minute, hour, concurrent, global)
	RateLimitRejectionsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of StreamingMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *StreamingMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Call once at application
// startup.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *StreamingMetrics {
	DefaultMetrics = &StreamingMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of streaming requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),

		StreamOutcomesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_outcomes_total",
				Help:      "Terminal stream states by outcome",
			},
			[]string{"outcome"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total streaming errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),

		RateLimitRejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "rate_limit_rejections_total",
				Help:      "Admission rejections by limit scope",
			},
			[]string{"scope"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics and wire error
// events.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeUnauthorized indicates a missing or expired session.
	ErrorCodeUnauthorized ErrorCode = "unauthorized"

	// ErrorCodeRateLimited indicates admission was refused.
	ErrorCodeRateLimited ErrorCode = "rate_limited"

	// ErrorCodeConversationBusy indicates another stream owns the
	// conversation.
	ErrorCodeConversationBusy ErrorCode = "conversation_busy"

	// ErrorCodeContextTooLarge indicates the prompt cannot fit the budget.
	ErrorCodeContextTooLarge ErrorCode = "context_too_large"

	// ErrorCodeUpstream indicates a model backend failure.
	ErrorCodeUpstream ErrorCode = "upstream_error"

	// ErrorCodeTimeout indicates an upstream or stream timeout.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeSequenceConflict indicates persistence lost an append race
	// beyond the retry.
	ErrorCodeSequenceConflict ErrorCode = "sequence_conflict"

	// ErrorCodeNotFound indicates the referenced conversation or stream does
	// not exist for the caller.
	ErrorCodeNotFound ErrorCode = "not_found"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates client disconnected.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a streaming endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointChatStream is the SSE chat streaming endpoint.
	EndpointChatStream Endpoint = "chat_stream"

	// EndpointChatWS is the WebSocket chat streaming endpoint.
	EndpointChatWS Endpoint = "chat_ws"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed streaming request.
func (m *StreamingMetrics) RecordRequest(endpoint Endpoint, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError records a categorized error.
func (m *StreamingMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordTokens records token usage for a completed stream.
func (m *StreamingMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// StreamStarted increments the active stream gauge.
func (m *StreamingMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active stream gauge.
func (m *StreamingMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordOutcome records a terminal stream state.
func (m *StreamingMetrics) RecordOutcome(outcome string) {
	m.StreamOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordTimeToFirstToken records latency to the first token.
func (m *StreamingMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records total stream duration.
func (m *StreamingMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordKeepAlive records a keepalive ping.
func (m *StreamingMetrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect records a client disconnection mid-stream.
func (m *StreamingMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordRateLimitRejection records a refused admission.
func (m *StreamingMetrics) RecordRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}
