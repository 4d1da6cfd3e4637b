// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trigger reacts to external pressure signals and runs deferred
// mitigation tasks handed back by a work facility.
package trigger

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/memsentry/services/memsentry/mitigation"
	"github.com/AleutianAI/memsentry/services/memsentry/policy"
	"github.com/AleutianAI/memsentry/services/memsentry/sampler"
	"github.com/AleutianAI/memsentry/services/memsentry/telemetry"
)

const tracerName = "memsentry.trigger"

// DefaultMaxAttempts bounds how often a deferred task runs.
const DefaultMaxAttempts = 3

// Mitigator is the part of the mitigation executor the dispatcher uses.
type Mitigator interface {
	Execute(ctx context.Context, tier policy.Tier) mitigation.Outcome
	Policy() *policy.Policy
}

// Config configures a Dispatcher.
type Config struct {
	// PackageID is this process's own package identifier. SelfPackageReplaced
	// signals for any other package are ignored.
	PackageID string

	// MaxAttempts is assigned to every task the dispatcher creates.
	MaxAttempts int
}

// Handling reports what OnSignal did with a signal.
type Handling struct {
	Kind       string                `json:"kind"`
	Ignored    bool                  `json:"ignored"`
	Mitigated  bool                  `json:"mitigated"`
	Enqueued   bool                  `json:"enqueued"`
	PostSample *sampler.MemorySample `json:"-"`
}

// Dispatcher maps signals to immediate or deferred mitigation.
//
// # Description
//
// Boot, upgrade and own-package-replaced signals enqueue a deferred task.
// Storage-low and memory-low run the Critical sequence immediately, then
// enqueue a follow-up if usage is still at or above the High threshold.
// Deferred tasks run the Critical sequence with escalation suppressed so a
// task never re-enqueues itself.
//
// The dispatcher also implements mitigation.Escalator and TaskRunner.
//
// # Thread Safety
//
// Safe for concurrent use.
type Dispatcher struct {
	mitigator   Mitigator
	sampler     sampler.Sampler
	facility    WorkFacility
	packageID   string
	maxAttempts int
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher.
func New(m Mitigator, s sampler.Sampler, f WorkFacility, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		mitigator:   m,
		sampler:     s,
		facility:    f,
		packageID:   cfg.PackageID,
		maxAttempts: cfg.MaxAttempts,
		logger:      slog.Default(),
	}
	if d.maxAttempts < 1 {
		d.maxAttempts = DefaultMaxAttempts
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(slog.String("component", "trigger"))
	return d
}

// OnSignal handles one external signal.
func (d *Dispatcher) OnSignal(ctx context.Context, sig Signal) Handling {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Dispatcher.OnSignal",
		trace.WithAttributes(attribute.String("signal", sig.Kind.String())),
	)
	defer span.End()

	d.metrics.IncSignal(sig.Kind.String())
	h := Handling{Kind: sig.Kind.String()}

	switch sig.Kind {
	case BootCompleted, PackageUpgraded:
		h.Enqueued = d.enqueue(ctx, sig.Kind.String())

	case SelfPackageReplaced:
		if sig.PackageID != d.packageID {
			d.logger.Debug("ignoring replacement of another package",
				slog.String("package_id", sig.PackageID),
			)
			h.Ignored = true
			return h
		}
		h.Enqueued = d.enqueue(ctx, sig.Kind.String())

	case StorageLow, MemoryLow:
		h.Mitigated = true
		post := d.mitigateNow(ctx, sig.Kind)
		h.PostSample = &post
		if d.mitigator.Policy().AtLeast(post, policy.High) {
			h.Enqueued = d.enqueue(ctx, sig.Kind.String()+" follow-up")
		}

	default:
		d.logger.Warn("ignoring unknown signal", slog.Int("kind", int(sig.Kind)))
		h.Ignored = true
	}

	span.SetAttributes(
		attribute.Bool("enqueued", h.Enqueued),
		attribute.Bool("mitigated", h.Mitigated),
	)
	return h
}

func (d *Dispatcher) mitigateNow(ctx context.Context, kind Kind) sampler.MemorySample {
	d.logger.Info("system pressure signal, running critical mitigation",
		slog.String("signal", kind.String()),
	)
	out := d.mitigator.Execute(mitigation.WithoutEscalation(ctx), policy.Critical)
	if out.Err != nil {
		d.logger.Warn("immediate mitigation incomplete",
			slog.String("signal", kind.String()),
			slog.String("error", out.Err.Error()),
		)
	}
	if out.PostSample != nil {
		return *out.PostSample
	}
	return d.sampler.Sample()
}

// Escalate enqueues one deferred task. It implements mitigation.Escalator.
func (d *Dispatcher) Escalate(ctx context.Context, reason string) error {
	task := NewTask(reason, d.maxAttempts)
	if err := d.facility.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue escalation task: %w", err)
	}
	d.logger.Info("escalated to deferred mitigation",
		slog.String("task_id", task.ID.String()),
		slog.String("reason", reason),
	)
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, reason string) bool {
	task := NewTask(reason, d.maxAttempts)
	if err := d.facility.Enqueue(ctx, task); err != nil {
		d.logger.Error("failed to enqueue mitigation task",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return false
	}
	d.logger.Debug("mitigation task enqueued",
		slog.String("task_id", task.ID.String()),
		slog.String("reason", reason),
	)
	return true
}

// RunTask runs one attempt of a deferred task. It implements TaskRunner.
//
// # Outputs
//
//   - Success: The Critical sequence completed.
//   - Retry: A step failed and attempts remain.
//   - PermanentFailure: A step failed on the last attempt.
func (d *Dispatcher) RunTask(ctx context.Context, task *MitigationTask) Result {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Dispatcher.RunTask",
		trace.WithAttributes(
			attribute.String("task_id", task.ID.String()),
			attribute.Int("attempt", task.Attempt),
		),
	)
	defer span.End()

	logger := d.logger.With(
		slog.String("task_id", task.ID.String()),
		slog.Int("attempt", task.Attempt),
		slog.Int("max_attempts", task.MaxAttempts),
	)

	out := d.mitigator.Execute(mitigation.WithoutEscalation(ctx), policy.Critical)
	if out.Err != nil {
		telemetry.RecordError(span, out.Err)
		if task.Attempt < task.MaxAttempts {
			logger.Warn("deferred mitigation failed, will retry", slog.String("error", out.Err.Error()))
			return Retry
		}
		logger.Error("deferred mitigation failed permanently",
			slog.String("reason", task.Reason),
			slog.String("error", out.Err.Error()),
		)
		return PermanentFailure
	}

	post := out.PostSample
	if post == nil {
		s := d.sampler.Sample()
		post = &s
	}
	logger.Info("deferred mitigation completed",
		slog.Uint64("used_mb", post.UsedMB()),
		slog.Uint64("max_mb", post.MaxMB()),
		slog.Int("usage_percent", post.UsagePercent),
	)
	telemetry.SetSpanOK(span)
	return Success
}

var (
	_ mitigation.Escalator = (*Dispatcher)(nil)
	_ TaskRunner           = (*Dispatcher)(nil)
)
