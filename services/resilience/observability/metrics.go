// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability exports Prometheus metrics for the resilience layer.
package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tactics-hq/tactics/services/resilience/breaker"
	"github.com/tactics-hq/tactics/services/resilience/faults"
	"github.com/tactics-hq/tactics/services/resilience/vault"
)

const namespace = "tactics"

// Replay outcomes recorded by RecordReplay.
const (
	ReplaySucceeded = "succeeded"
	ReplayFailed    = "failed"
	ReplayPermanent = "failed_permanent"
	ReplaySkipped   = "skipped"
)

// =============================================================================
// Metrics
// =============================================================================

// Metrics holds every collector. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec

	callDuration *prometheus.HistogramVec
	callErrors   *prometheus.CounterVec

	retryQueueDepth  *prometheus.GaugeVec
	replayOutcomes   *prometheus.CounterVec
	writesQueued     prometheus.Counter
	cacheFallbacks   *prometheus.CounterVec
	healthStatus     *prometheus.GaugeVec
	vaultOps         *prometheus.CounterVec
	vaultOpDuration  *prometheus.HistogramVec
	pipelineProvider *prometheus.CounterVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// breakerState is 0 closed, 1 open, 2 half-open.
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		}, []string{"integration"}),

		breakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"integration", "from", "to"}),

		breakerRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "rejections_total",
			Help:      "Calls rejected by an open circuit breaker",
		}, []string{"integration"}),

		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "integration",
			Name:      "call_duration_seconds",
			Help:      "Guarded integration call latency including retries",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"integration", "class"}),

		callErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integration",
			Name:      "errors_total",
			Help:      "Failed guarded calls by error class",
		}, []string{"integration", "class"}),

		retryQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "retry_queue",
			Name:      "depth",
			Help:      "Writes in the local retry queue by status",
		}, []string{"status"}),

		replayOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry_queue",
			Name:      "replays_total",
			Help:      "Replayed writes by outcome",
		}, []string{"outcome"}),

		writesQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry_queue",
			Name:      "enqueued_total",
			Help:      "Remote writes queued for retry",
		}),

		cacheFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fallbacks_total",
			Help:      "Reads served from the local cache instead of the remote database",
		}, []string{"result"}),

		healthStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "health",
			Help:      "1 for the current database health status, 0 otherwise",
		}, []string{"status"}),

		vaultOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "operations_total",
			Help:      "Vault backend operations by result",
		}, []string{"op", "backend", "result"}),

		vaultOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "operation_duration_seconds",
			Help:      "Vault backend operation latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "backend"}),

		pipelineProvider: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "provider_syncs_total",
			Help:      "Provider syncs by result",
		}, []string{"provider", "result"}),
	}
}

// =============================================================================
// Breaker observer
// =============================================================================

// BreakerTransition implements breaker.Observer.
func (m *Metrics) BreakerTransition(name string, from, to breaker.State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(to))
	m.breakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
}

// BreakerRejected implements breaker.Observer.
func (m *Metrics) BreakerRejected(name string) {
	if m == nil {
		return
	}
	m.breakerRejections.WithLabelValues(name).Inc()
}

// =============================================================================
// Vault observer
// =============================================================================

// VaultOperation implements vault.Observer.
func (m *Metrics) VaultOperation(op, backend string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, faults.ErrNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	m.vaultOps.WithLabelValues(op, backend, result).Inc()
	m.vaultOpDuration.WithLabelValues(op, backend).Observe(elapsed.Seconds())
}

// =============================================================================
// Recording functions
// =============================================================================

// RecordCall records a guarded integration call.
//
// Inputs:
//
//	integration - Breaker name.
//	err - Call result; nil records a success.
//	elapsed - Wall time including retries.
func (m *Metrics) RecordCall(integration string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	class := faults.Classify(err)
	m.callDuration.WithLabelValues(integration, class.String()).Observe(elapsed.Seconds())
	if err != nil {
		m.callErrors.WithLabelValues(integration, class.String()).Inc()
	}
}

// SetQueueDepth publishes retry queue counts.
func (m *Metrics) SetQueueDepth(pending, failedPermanent int) {
	if m == nil {
		return
	}
	m.retryQueueDepth.WithLabelValues("pending").Set(float64(pending))
	m.retryQueueDepth.WithLabelValues("failed_permanent").Set(float64(failedPermanent))
}

// RecordReplay counts one replayed write. outcome is one of the Replay*
// constants.
func (m *Metrics) RecordReplay(outcome string) {
	if m == nil {
		return
	}
	m.replayOutcomes.WithLabelValues(outcome).Inc()
}

// RecordQueuedWrite counts a write diverted to the retry queue.
func (m *Metrics) RecordQueuedWrite() {
	if m == nil {
		return
	}
	m.writesQueued.Inc()
}

// RecordCacheFallback counts a read served locally. result is "hit" or
// "miss".
func (m *Metrics) RecordCacheFallback(result string) {
	if m == nil {
		return
	}
	m.cacheFallbacks.WithLabelValues(result).Inc()
}

// SetHealth marks status as the current database health.
func (m *Metrics) SetHealth(status string) {
	if m == nil {
		return
	}
	for _, s := range []string{"healthy", "degraded", "unhealthy"} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.healthStatus.WithLabelValues(s).Set(v)
	}
}

// RecordProviderSync counts a pipeline provider sync. result is "ok",
// "transient", "fatal" or "rejected".
func (m *Metrics) RecordProviderSync(provider, result string) {
	if m == nil {
		return
	}
	m.pipelineProvider.WithLabelValues(provider, result).Inc()
}

// Compile-time interface checks.
var (
	_ breaker.Observer = (*Metrics)(nil)
	_ vault.Observer   = (*Metrics)(nil)
)
