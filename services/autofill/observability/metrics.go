// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the autofill coordinator.
//
// # Description
//
// This package implements Prometheus metrics for the prediction pipeline.
// Metrics include:
//   - Message counters (by kind and outcome)
//   - Backend call counters and latency histograms
//   - Prediction cache hits, misses, evictions and size
//   - Push session state, reconnects and heartbeats
//
// # Integration
//
// Metrics are exposed via the /metrics route of cmd/autofilld. Tests pass
// a fresh prometheus.Registry so collectors never collide.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for autofill metrics
const autofillSubsystem = "autofill"

// Metrics holds every collector used by the autofill pipeline.
//
// # Description
//
// Initialize once per registry via NewMetrics. A nil *Metrics is valid and
// records nothing, so components can be constructed without metrics.
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	// MessagesTotal counts coordinator requests.
	// Labels: kind (CONTEXT_SIGNAL, ...), status (success, error)
	MessagesTotal *prometheus.CounterVec

	// BackendRequestsTotal counts REST calls to the prediction backend.
	// Labels: endpoint (context, predictions, feedback, decrypt), status
	BackendRequestsTotal *prometheus.CounterVec

	// BackendDurationSeconds measures REST call latency.
	// Labels: endpoint
	BackendDurationSeconds *prometheus.HistogramVec

	// CacheLookupsTotal counts cache reads.
	// Labels: result (hit, miss)
	CacheLookupsTotal *prometheus.CounterVec

	// CacheEvictionsTotal counts stale entries evicted at read time.
	CacheEvictionsTotal prometheus.Counter

	// CacheEntries is the number of stored entries.
	CacheEntries prometheus.Gauge

	// SignalsCoalescedTotal counts context signals dropped by the
	// last-write-wins batch window.
	SignalsCoalescedTotal prometheus.Counter

	// SessionState is 0 disconnected, 1 connecting, 2 open.
	SessionState prometheus.Gauge

	// SessionReconnectsTotal counts scheduled reconnect attempts.
	SessionReconnectsTotal prometheus.Counter

	// HeartbeatsTotal counts pings sent on the push session.
	HeartbeatsTotal prometheus.Counter

	// PushMessagesTotal counts inbound push frames.
	// Labels: type (prediction_push, credential_ready, pong, unknown)
	PushMessagesTotal *prometheus.CounterVec

	// AutofillReadyTotal counts toolbar badge activations.
	AutofillReadyTotal prometheus.Counter
}

// NewMetrics creates and registers all collectors on reg.
//
// # Inputs
//
//   - reg: Registry to register on. nil uses prometheus.DefaultRegisterer.
//
// # Outputs
//
//   - *Metrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice on the same registry (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: autofillSubsystem,
				Name:      "messages_total",
				Help:      "Total coordinator requests by message kind and status",
			},
			[]string{"kind", "status"},
		),

		BackendRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: autofillSubsystem,
				Name:      "backend_requests_total",
				Help:      "Total backend REST calls by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		BackendDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: autofillSubsystem,
				Name:      "backend_request_duration_seconds",
				Help:      "Backend REST call latency in seconds",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"endpoint"},
		),

		CacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: autofillSubsystem,
				Name:      "cache_lookups_total",
				Help:      "Prediction cache reads by result",
			},
			[]string{"result"},
		),

		CacheEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: autofillSubsystem,
			Name:      "cache_evictions_total",
			Help:      "Stale prediction cache entries evicted on read",
		}),

		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: autofillSubsystem,
			Name:      "cache_entries",
			Help:      "Number of prediction cache entries",
		}),

		SignalsCoalescedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: autofillSubsystem,
			Name:      "signals_coalesced_total",
			Help:      "Context signals discarded by the batching window",
		}),

		SessionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: autofillSubsystem,
			Name:      "push_session_state",
			Help:      "Push session state (0 disconnected, 1 connecting, 2 open)",
		}),

		SessionReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: autofillSubsystem,
			Name:      "push_reconnects_total",
			Help:      "Scheduled push session reconnect attempts",
		}),

		HeartbeatsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: autofillSubsystem,
			Name:      "push_heartbeats_total",
			Help:      "Heartbeat pings sent on the push session",
		}),

		PushMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: autofillSubsystem,
				Name:      "push_messages_total",
				Help:      "Inbound push session messages by type",
			},
			[]string{"type"},
		),

		AutofillReadyTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: autofillSubsystem,
			Name:      "autofill_ready_total",
			Help:      "Toolbar autofill-ready badge activations",
		}),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordMessage records a handled coordinator request.
func (m *Metrics) RecordMessage(kind string, success bool) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(kind, statusLabel(success)).Inc()
}

// RecordBackend records one backend REST call.
//
// # Inputs
//
//   - endpoint: Short endpoint name (context, predictions, feedback, decrypt).
//   - elapsed: Call duration.
//   - success: Whether a 2xx response was decoded.
func (m *Metrics) RecordBackend(endpoint string, elapsed time.Duration, success bool) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(endpoint, statusLabel(success)).Inc()
	m.BackendDurationSeconds.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// CacheHit implements cache.Recorder.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues("hit").Inc()
}

// CacheMiss implements cache.Recorder.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues("miss").Inc()
}

// CacheEviction implements cache.Recorder.
func (m *Metrics) CacheEviction() {
	if m == nil {
		return
	}
	m.CacheEvictionsTotal.Inc()
}

// CacheSize implements cache.Recorder.
func (m *Metrics) CacheSize(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

// RecordCoalesced adds n discarded signals.
func (m *Metrics) RecordCoalesced(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SignalsCoalescedTotal.Add(float64(n))
}

// SetSessionState records the push session state as its ordinal.
func (m *Metrics) SetSessionState(ordinal int) {
	if m == nil {
		return
	}
	m.SessionState.Set(float64(ordinal))
}

// RecordReconnect increments the reconnect counter.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.SessionReconnectsTotal.Inc()
}

// RecordHeartbeat increments the heartbeat counter.
func (m *Metrics) RecordHeartbeat() {
	if m == nil {
		return
	}
	m.HeartbeatsTotal.Inc()
}

// RecordPushMessage counts an inbound push frame by type.
func (m *Metrics) RecordPushMessage(msgType string) {
	if m == nil {
		return
	}
	m.PushMessagesTotal.WithLabelValues(msgType).Inc()
}

// RecordAutofillReady increments the badge activation counter.
func (m *Metrics) RecordAutofillReady() {
	if m == nil {
		return
	}
	m.AutofillReadyTotal.Inc()
}
