// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing setup for the
// orchestrator.
//
// # Description
//
// Prometheus metrics cover the two real-time surfaces:
//   - Completion streams (requests, active streams, time to first
//     fragment, duration, errors, keepalives, client disconnects)
//   - Presence channels (open connections, events by type, dropped
//     events by reason, slow-consumer disconnects)
//
// Metrics are exposed on /metrics. Every recording method is safe to call
// on a nil receiver so components can run without metrics in tests.
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

const metricsNamespace = "counsel"

const (
	streamingSubsystem = "streaming"
	presenceSubsystem  = "presence"
)

// StreamingMetrics holds the completion relay metrics.
type StreamingMetrics struct {
	RequestsTotal           *prometheus.CounterVec
	TimeToFirstTokenSeconds *prometheus.HistogramVec
	StreamDurationSeconds   *prometheus.HistogramVec
	ActiveStreams           prometheus.Gauge
	ErrorsTotal             *prometheus.CounterVec
	KeepAlivesTotal         prometheus.Counter
	ClientDisconnectsTotal  prometheus.Counter
}

// PresenceMetrics holds the presence broadcaster metrics.
type PresenceMetrics struct {
	Connections             prometheus.Gauge
	EventsTotal             *prometheus.CounterVec
	DroppedTotal            *prometheus.CounterVec
	SlowConsumerDisconnects prometheus.Counter
}

// Metrics groups every metric the service exports.
type Metrics struct {
	Streaming *StreamingMetrics
	Presence  *PresenceMetrics
}

// NewMetrics creates and registers all metrics with reg.
//
// # Description
//
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests, since registering the same metric
// twice on one registry panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Streaming: &StreamingMetrics{
			RequestsTotal: f.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "requests_total",
					Help:      "Total number of chat streams by outcome",
				},
				[]string{"status"},
			),
			TimeToFirstTokenSeconds: f.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "time_to_first_token_seconds",
					Help:      "Time from request to first fragment in seconds",
					Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
				},
				[]string{"domain"},
			),
			StreamDurationSeconds: f.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "stream_duration_seconds",
					Help:      "Total stream duration in seconds",
					Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
				},
				[]string{"status"},
			),
			ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open chat streams",
			}),
			ErrorsTotal: f.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: streamingSubsystem,
					Name:      "errors_total",
					Help:      "Total streaming errors by code",
				},
				[]string{"error_code"},
			),
			KeepAlivesTotal: f.NewCounter(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive comments sent",
			}),
			ClientDisconnectsTotal: f.NewCounter(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			}),
		},
		Presence: &PresenceMetrics{
			Connections: f.NewGauge(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: presenceSubsystem,
				Name:      "connections",
				Help:      "Number of open presence channels",
			}),
			EventsTotal: f.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: presenceSubsystem,
					Name:      "events_total",
					Help:      "Accepted inbound presence events by type",
				},
				[]string{"type"},
			),
			DroppedTotal: f.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: presenceSubsystem,
					Name:      "dropped_total",
					Help:      "Inbound presence frames dropped by reason",
				},
				[]string{"reason"},
			),
			SlowConsumerDisconnects: f.NewCounter(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: presenceSubsystem,
				Name:      "slow_consumer_disconnects_total",
				Help:      "Peers disconnected because their outbound queue was full",
			}),
		},
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode classifies stream failures for the errors_total metric.
type ErrorCode string

const (
	ErrorCodeLLMError         ErrorCode = "llm_error"
	ErrorCodeTimeout          ErrorCode = "timeout"
	ErrorCodeOverflow         ErrorCode = "overflow"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Streaming Recorders
// =============================================================================

// RecordRequest counts a chat request by its status ("success", "error",
// "cancelled", or "rejected" when it failed before streaming).
func (m *StreamingMetrics) RecordRequest(status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(status).Inc()
}

// RecordError counts a stream failure.
func (m *StreamingMetrics) RecordError(code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
}

// StreamStarted increments the active stream gauge.
func (m *StreamingMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active stream gauge.
func (m *StreamingMetrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

func (m *StreamingMetrics) RecordTimeToFirstToken(domain string, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.WithLabelValues(domain).Observe(seconds)
}

func (m *StreamingMetrics) RecordStreamDuration(status string, seconds float64) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(status).Observe(seconds)
}

func (m *StreamingMetrics) RecordKeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.Inc()
}

func (m *StreamingMetrics) RecordClientDisconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.Inc()
}

// =============================================================================
// Presence Recorders
// =============================================================================

func (m *PresenceMetrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *PresenceMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

// RecordEvent counts an accepted inbound event.
func (m *PresenceMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// RecordDropped counts a rejected inbound frame.
func (m *PresenceMetrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedTotal.WithLabelValues(reason).Inc()
}

func (m *PresenceMetrics) RecordSlowConsumer() {
	if m == nil {
		return
	}
	m.SlowConsumerDisconnects.Inc()
}
