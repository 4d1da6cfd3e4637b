// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mitigation runs the actions associated with each pressure tier.
//
// The executor only requests collection from the Go runtime. It never frees
// memory itself and never panics upward: every step runs behind a recover
// boundary, and a failing step ends the sequence with the error recorded on
// the Outcome.
package mitigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/memsentry/services/memsentry/policy"
	"github.com/AleutianAI/memsentry/services/memsentry/sampler"
	"github.com/AleutianAI/memsentry/services/memsentry/telemetry"
)

const tracerName = "memsentry.mitigation"

const (
	// DefaultCriticalCollections is the number of collection requests in the
	// Critical sequence.
	DefaultCriticalCollections = 3

	// DefaultCollectionDelay separates collection requests in the Critical
	// sequence.
	DefaultCollectionDelay = 100 * time.Millisecond
)

// Step names used in logs, metrics and StepError.
const (
	StepCollect  = "collect"
	StepRelease  = "release"
	StepEvict    = "evict"
	StepResample = "resample"
	StepEscalate = "escalate"
)

// ErrStepPanicked wraps a panic recovered from a mitigation step.
var ErrStepPanicked = errors.New("mitigation step panicked")

// StepError identifies the step that ended a mitigation sequence.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("mitigation step %s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// Outcome describes what one Execute call did.
type Outcome struct {
	Tier        policy.Tier
	Collections int
	Evicted     bool
	Escalated   bool

	// PostSample is set when the Critical sequence re-sampled.
	PostSample *sampler.MemorySample

	// Err is nil when every step ran. Otherwise it is a *StepError, or the
	// context error when the sequence was cancelled.
	Err error
}

// =============================================================================
// Collaborators
// =============================================================================

// Collector issues collection requests to the runtime.
//
// Implementations must tolerate concurrent calls; a scheduler tick and a
// deferred task may collect at the same time.
type Collector interface {
	// Collect requests a full collection.
	Collect()

	// ReleaseToOS requests a collection and returns as much memory to the
	// operating system as possible.
	ReleaseToOS()
}

// Evictor drops host-owned caches. Optional.
type Evictor interface {
	Evict(ctx context.Context) error
}

// EvictorFunc adapts a function to Evictor.
type EvictorFunc func(ctx context.Context) error

// Evict calls f.
func (f EvictorFunc) Evict(ctx context.Context) error { return f(ctx) }

// Escalator accepts follow-up work when the Critical sequence did not bring
// usage back below the Critical threshold.
type Escalator interface {
	Escalate(ctx context.Context, reason string) error
}

type suppressKey struct{}

// WithoutEscalation returns a context in which Execute will not escalate.
func WithoutEscalation(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressKey{}, true)
}

// EscalationSuppressed reports whether ctx came from WithoutEscalation.
func EscalationSuppressed(ctx context.Context) bool {
	v, _ := ctx.Value(suppressKey{}).(bool)
	return v
}

// =============================================================================
// Executor
// =============================================================================

// Executor runs tier-specific mitigation.
//
// # Thread Safety
//
// Safe for concurrent use. SetEscalator and SetPolicy may be called while
// Execute is running.
type Executor struct {
	sampler   sampler.Sampler
	policy    atomic.Pointer[policy.Policy]
	escalator atomic.Value // escalatorBox

	collector           Collector
	evictor             Evictor
	criticalCollections int
	collectionDelay     time.Duration

	logger  *slog.Logger
	metrics *telemetry.Metrics
}

type escalatorBox struct{ e Escalator }

// Option configures an Executor.
type Option func(*Executor)

// WithCollector replaces the runtime collector.
func WithCollector(c Collector) Option {
	return func(e *Executor) {
		if c != nil {
			e.collector = c
		}
	}
}

// WithEvictor sets the cache eviction hook.
func WithEvictor(ev Evictor) Option {
	return func(e *Executor) { e.evictor = ev }
}

// WithCriticalCollections sets how many collections the Critical sequence
// requests. Values below 1 are ignored.
func WithCriticalCollections(n int) Option {
	return func(e *Executor) {
		if n >= 1 {
			e.criticalCollections = n
		}
	}
}

// WithCollectionDelay sets the wait between Critical collections.
func WithCollectionDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.collectionDelay = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an executor.
//
// # Inputs
//
//   - s: Sampler used for the post-mitigation check. Must not be nil.
//   - p: Policy used to classify the post-mitigation sample. Must not be nil.
//   - opts: Optional collaborators.
//
// # Outputs
//
//   - *Executor: Ready to execute. The escalator is attached later with
//     SetEscalator since the dispatcher that implements it depends on the
//     executor.
func New(s sampler.Sampler, p *policy.Policy, opts ...Option) *Executor {
	e := &Executor{
		sampler:             s,
		collector:           RuntimeCollector{},
		criticalCollections: DefaultCriticalCollections,
		collectionDelay:     DefaultCollectionDelay,
		logger:              slog.Default(),
	}
	e.policy.Store(p)
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "mitigation"))
	return e
}

// SetEscalator attaches the escalator. Nil detaches it.
func (e *Executor) SetEscalator(esc Escalator) {
	e.escalator.Store(escalatorBox{e: esc})
}

// SetPolicy swaps the policy used for post-mitigation checks.
func (e *Executor) SetPolicy(p *policy.Policy) {
	if p != nil {
		e.policy.Store(p)
	}
}

// Policy returns the current policy.
func (e *Executor) Policy() *policy.Policy {
	return e.policy.Load()
}

func (e *Executor) currentEscalator() Escalator {
	box, _ := e.escalator.Load().(escalatorBox)
	return box.e
}

// Execute runs the mitigation for tier.
//
// # Description
//
//   - Normal: nothing.
//   - Elevated: one collection.
//   - High: one collection, a warning, the eviction hook.
//   - Critical: up to N collections separated by the collection delay, the
//     last one returning memory to the OS, then the eviction hook, then a
//     fresh sample. If that sample is still Critical and escalation is not
//     suppressed in ctx, the escalator is asked for one follow-up.
//
// # Inputs
//
//   - ctx: Cancelling it skips the remaining steps.
//   - tier: Tier to mitigate.
//
// # Outputs
//
//   - Outcome: What ran. Never panics.
func (e *Executor) Execute(ctx context.Context, tier policy.Tier) Outcome {
	out := Outcome{Tier: tier}
	if tier <= policy.Normal {
		return out
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "Executor.Execute",
		trace.WithAttributes(attribute.String("tier", tier.String())),
	)
	defer span.End()

	switch tier {
	case policy.Elevated:
		e.collect(ctx, &out)
	case policy.High:
		if !e.collect(ctx, &out) {
			break
		}
		e.logger.Warn("memory pressure high, collecting and evicting caches")
		e.evict(ctx, &out)
	default:
		e.critical(ctx, &out)
	}

	span.SetAttributes(
		attribute.Int("collections", out.Collections),
		attribute.Bool("evicted", out.Evicted),
		attribute.Bool("escalated", out.Escalated),
	)
	if out.Err != nil {
		telemetry.RecordError(span, out.Err)
	}
	return out
}

func (e *Executor) critical(ctx context.Context, out *Outcome) {
	e.logger.Warn("memory pressure critical, running full mitigation",
		slog.Int("collections", e.criticalCollections),
	)
	for i := 0; i < e.criticalCollections; i++ {
		if i > 0 && !e.wait(ctx, out) {
			return
		}
		var ok bool
		if i == e.criticalCollections-1 {
			ok = e.release(ctx, out)
		} else {
			ok = e.collect(ctx, out)
		}
		if !ok {
			return
		}
	}
	if !e.evict(ctx, out) {
		return
	}

	var post sampler.MemorySample
	if !e.step(ctx, out, StepResample, func() error {
		post = e.sampler.Sample()
		return nil
	}) {
		return
	}
	out.PostSample = &post

	postTier := e.Policy().Classify(post)
	e.logger.Info("critical mitigation finished",
		slog.Int("usage_percent", post.UsagePercent),
		slog.String("tier", postTier.String()),
	)
	if postTier < policy.Critical || EscalationSuppressed(ctx) {
		return
	}
	esc := e.currentEscalator()
	if esc == nil {
		return
	}
	reason := fmt.Sprintf("usage %d%% after critical mitigation", post.UsagePercent)
	if e.step(ctx, out, StepEscalate, func() error { return esc.Escalate(ctx, reason) }) {
		out.Escalated = true
	}
}

func (e *Executor) collect(ctx context.Context, out *Outcome) bool {
	ok := e.step(ctx, out, StepCollect, func() error {
		e.collector.Collect()
		return nil
	})
	if ok {
		out.Collections++
		e.metrics.IncCollection(telemetry.CollectionGC)
	}
	return ok
}

func (e *Executor) release(ctx context.Context, out *Outcome) bool {
	ok := e.step(ctx, out, StepRelease, func() error {
		e.collector.ReleaseToOS()
		return nil
	})
	if ok {
		out.Collections++
		e.metrics.IncCollection(telemetry.CollectionFreeOSMemory)
	}
	return ok
}

func (e *Executor) evict(ctx context.Context, out *Outcome) bool {
	if e.evictor == nil {
		return true
	}
	ok := e.step(ctx, out, StepEvict, func() error { return e.evictor.Evict(ctx) })
	if ok {
		out.Evicted = true
		e.metrics.IncEviction()
	}
	return ok
}

// wait blocks for the collection delay or until ctx is done.
func (e *Executor) wait(ctx context.Context, out *Outcome) bool {
	if e.collectionDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(e.collectionDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		out.Err = ctx.Err()
		e.logger.Debug("critical mitigation cancelled", slog.Int("collections", out.Collections))
		return false
	case <-timer.C:
		return true
	}
}

// step runs fn behind a recover boundary. On failure it records the error on
// out and reports false so the caller skips the remaining steps.
func (e *Executor) step(ctx context.Context, out *Outcome, name string, fn func() error) (ok bool) {
	if err := ctx.Err(); err != nil {
		out.Err = err
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			out.Err = &StepError{Step: name, Err: fmt.Errorf("%w: %v", ErrStepPanicked, r)}
			e.fail(name, out.Err)
			ok = false
		}
	}()
	if err := fn(); err != nil {
		out.Err = &StepError{Step: name, Err: err}
		e.fail(name, out.Err)
		return false
	}
	return true
}

func (e *Executor) fail(name string, err error) {
	e.metrics.IncStepFailure(name)
	e.logger.Error("mitigation step failed, skipping remaining steps",
		slog.String("step", name),
		slog.String("error", err.Error()),
	)
}
