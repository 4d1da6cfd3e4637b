// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "memsentry"

// Collection kinds recorded by IncCollection.
const (
	CollectionGC           = "gc"
	CollectionFreeOSMemory = "free_os_memory"
)

// Fault delivery statuses recorded by IncFault.
const (
	FaultDelivered      = "delivered"
	FaultObserverFailed = "observer_failed"
)

// =============================================================================
// Prometheus Metrics for Memory Pressure
// =============================================================================

// Metrics holds the Prometheus collectors for the subsystem.
//
// Description:
//
//	Every recording method is nil-safe so components can run without
//	metrics. NewMetrics(nil) builds unregistered collectors, which is
//	useful in tests that do not assert on metrics.
//
// Thread Safety: Safe for concurrent use.
type Metrics struct {
	// TicksTotal counts completed scheduler ticks.
	TicksTotal prometheus.Counter

	// TickDuration records tick duration in seconds.
	TickDuration prometheus.Histogram

	// CurrentTier is the tier of the latest classified sample (0=normal .. 3=critical).
	CurrentTier prometheus.Gauge

	// UsagePercent is the usage percentage of the latest sample.
	UsagePercent prometheus.Gauge

	// CollectionsTotal counts collection requests.
	// Labels: kind (gc, free_os_memory)
	CollectionsTotal *prometheus.CounterVec

	// EvictionsTotal counts cache eviction hook invocations.
	EvictionsTotal prometheus.Counter

	// StepFailuresTotal counts mitigation steps that failed.
	// Labels: step
	StepFailuresTotal *prometheus.CounterVec

	// TasksTotal counts deferred task runs by outcome.
	// Labels: outcome (success, retry, permanent_failure)
	TasksTotal *prometheus.CounterVec

	// SignalsTotal counts external pressure signals.
	// Labels: kind
	SignalsTotal *prometheus.CounterVec

	// FaultsTotal counts relayed faults.
	// Labels: status (delivered, observer_failed)
	FaultsTotal *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
//
// Inputs:
//
//	reg - Registerer to use. prometheus.DefaultRegisterer in the daemon,
//	      prometheus.NewRegistry() in tests, nil for unregistered collectors.
//
// Outputs:
//
//	*Metrics - Ready to record. Panics on duplicate registration, like promauto.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TicksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total scheduler ticks completed",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Scheduler tick duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		CurrentTier: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "tier",
			Help:      "Pressure tier of the latest sample (0=normal, 3=critical)",
		}),
		UsagePercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "usage_percent",
			Help:      "Memory usage percentage of the latest sample",
		}),
		CollectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mitigation",
			Name:      "collections_total",
			Help:      "Total collection requests issued to the runtime",
		}, []string{"kind"}),
		EvictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mitigation",
			Name:      "evictions_total",
			Help:      "Total cache eviction hook invocations",
		}),
		StepFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mitigation",
			Name:      "step_failures_total",
			Help:      "Total mitigation steps that failed",
		}, []string{"step"}),
		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "runs_total",
			Help:      "Total deferred mitigation task runs by outcome",
		}, []string{"outcome"}),
		SignalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "signals_total",
			Help:      "Total external pressure signals received",
		}, []string{"kind"}),
		FaultsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "faults",
			Name:      "relayed_total",
			Help:      "Total uncaught faults relayed",
		}, []string{"status"}),
	}
}

// ObserveTick records a completed tick with its sample and tier.
func (m *Metrics) ObserveTick(d time.Duration, usagePercent, tier int) {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
	m.TickDuration.Observe(d.Seconds())
	m.UsagePercent.Set(float64(usagePercent))
	m.CurrentTier.Set(float64(tier))
}

// IncCollection records one collection request of the given kind.
func (m *Metrics) IncCollection(kind string) {
	if m == nil {
		return
	}
	m.CollectionsTotal.WithLabelValues(kind).Inc()
}

// IncEviction records one eviction hook call.
func (m *Metrics) IncEviction() {
	if m == nil {
		return
	}
	m.EvictionsTotal.Inc()
}

// IncStepFailure records a failed mitigation step.
func (m *Metrics) IncStepFailure(step string) {
	if m == nil {
		return
	}
	m.StepFailuresTotal.WithLabelValues(step).Inc()
}

// IncTask records a deferred task outcome.
func (m *Metrics) IncTask(outcome string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(outcome).Inc()
}

// IncSignal records a received signal.
func (m *Metrics) IncSignal(kind string) {
	if m == nil {
		return
	}
	m.SignalsTotal.WithLabelValues(kind).Inc()
}

// IncFault records a relayed fault.
func (m *Metrics) IncFault(status string) {
	if m == nil {
		return
	}
	m.FaultsTotal.WithLabelValues(status).Inc()
}
