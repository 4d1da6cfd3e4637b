// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler runs the periodic sample, classify, mitigate loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/memsentry/services/memsentry/mitigation"
	"github.com/AleutianAI/memsentry/services/memsentry/policy"
	"github.com/AleutianAI/memsentry/services/memsentry/sampler"
	"github.com/AleutianAI/memsentry/services/memsentry/telemetry"
)

const tracerName = "memsentry.scheduler"

// ErrTickAbandoned is returned by Stop when the in-flight tick did not
// finish within the shutdown timeout. The scheduler is Stopped regardless.
var ErrTickAbandoned = errors.New("in-flight tick abandoned at shutdown")

// State is the scheduler lifecycle state.
type State int

const (
	Stopped State = iota
	Running
)

// String returns the state name.
func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds scheduler settings.
//
// # Fields
//
//   - Interval: Time between ticks. Default: 30 seconds.
//   - ShutdownTimeout: How long Stop waits for the in-flight tick. Default: 5 seconds.
//   - Status: Descriptor sent with the privilege request.
type Config struct {
	Interval        time.Duration
	ShutdownTimeout time.Duration
	Status          StatusDescriptor
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		Status:          DefaultStatus(),
	}
}

// Mitigator runs tier mitigation.
type Mitigator interface {
	Execute(ctx context.Context, tier policy.Tier) mitigation.Outcome
}

// Recorder receives every classified sample. Optional.
type Recorder interface {
	Record(ctx context.Context, sample sampler.MemorySample, tier policy.Tier)
}

// TickResult summarizes one tick.
type TickResult struct {
	Sample   sampler.MemorySample
	Tier     policy.Tier
	Outcome  mitigation.Outcome
	Duration time.Duration

	// Err is set when the tick panicked.
	Err error
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler owns the single recurring timer for the process.
//
// # Description
//
// Start allocates the ticker, requests the persistent-run privilege, and
// launches one goroutine that ticks immediately and then on every interval.
// Ticks are strictly sequential. Stop is the only way to end the loop.
//
// # Thread Safety
//
// All public methods are safe for concurrent use. Start and Stop resolve
// under one mutex, so two tickers never coexist.
type Scheduler struct {
	cfg       Config
	sampler   sampler.Sampler
	policy    atomic.Pointer[policy.Policy]
	mitigator Mitigator
	privilege Privilege
	recorder  Recorder
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	newTicker func(time.Duration) *time.Ticker

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	ticker *time.Ticker
	done   chan struct{}

	tickMu sync.Mutex
	ticks  atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPrivilege sets the host privilege provider.
func WithPrivilege(p Privilege) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.privilege = p
		}
	}
}

// WithRecorder sets a sample recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a stopped scheduler. Zero config durations take defaults.
//
// # Inputs
//
//   - cfg: Scheduler configuration.
//   - smp: Memory sampler.
//   - p: Escalation policy. Swappable later with SetPolicy.
//   - m: Mitigation executor.
//   - opts: Optional collaborators.
func New(cfg Config, smp sampler.Sampler, p *policy.Policy, m Mitigator, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Status.Title == "" {
		cfg.Status = def.Status
	}

	s := &Scheduler{
		cfg:       cfg,
		sampler:   smp,
		mitigator: m,
		privilege: noPrivilege{},
		logger:    slog.Default(),
		newTicker: time.NewTicker,
	}
	s.policy.Store(p)
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "scheduler"))
	return s
}

// Start begins periodic monitoring.
//
// # Description
//
// A no-op when already Running. Otherwise requests the persistent-run
// privilege (a refusal is logged and ignored), allocates the ticker and
// starts the loop. The first tick runs immediately.
//
// # Inputs
//
//   - ctx: Passed to the privilege request. The loop keeps its values but
//     not its cancellation; only Stop ends the loop.
//
// # Outputs
//
//   - error: Always nil. Kept for symmetry with Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Running {
		s.logger.Debug("scheduler already running")
		return nil
	}

	if err := s.privilege.Acquire(ctx, s.cfg.Status); err != nil {
		s.logger.Warn("persistent-run privilege refused, monitoring anyway",
			slog.String("error", err.Error()),
		)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.ticker = s.newTicker(s.cfg.Interval)
	s.done = make(chan struct{})
	s.state = Running

	s.logger.Info("memory pressure scheduler starting",
		slog.Duration("interval", s.cfg.Interval),
	)
	go s.runLoop(loopCtx, s.ticker, s.done)
	return nil
}

// Stop ends periodic monitoring.
//
// # Description
//
// A no-op when already Stopped. Otherwise cancels the ticker and the loop
// context, releases the privilege and waits up to the shutdown timeout for
// the in-flight tick.
//
// # Outputs
//
//   - error: ErrTickAbandoned if the in-flight tick did not finish in time.
//     The scheduler is Stopped either way.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		s.logger.Debug("scheduler already stopped")
		return nil
	}
	s.cancel()
	s.ticker.Stop()
	done := s.done
	s.cancel, s.ticker, s.done = nil, nil, nil
	s.state = Stopped
	s.privilege.Release()
	s.mu.Unlock()

	s.logger.Info("memory pressure scheduler stopping")

	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		s.logger.Warn("in-flight tick did not finish before shutdown timeout",
			slog.Duration("timeout", s.cfg.ShutdownTimeout),
		)
		return ErrTickAbandoned
	}
}

// RunNow runs one tick synchronously, outside the timer. It does not
// require the scheduler to be Running and never panics.
func (s *Scheduler) RunNow(ctx context.Context) TickResult {
	return s.safeTick(ctx)
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ticks returns the number of completed ticks, including RunNow.
func (s *Scheduler) Ticks() int64 {
	return s.ticks.Load()
}

// Interval returns the tick interval.
func (s *Scheduler) Interval() time.Duration {
	return s.cfg.Interval
}

// SetPolicy swaps the classification policy. Takes effect on the next tick.
func (s *Scheduler) SetPolicy(p *policy.Policy) {
	if p != nil {
		s.policy.Store(p)
	}
}

// =============================================================================
// Internal Methods
// =============================================================================

func (s *Scheduler) runLoop(ctx context.Context, ticker *time.Ticker, done chan struct{}) {
	defer close(done)

	s.safeTick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("memory pressure scheduler stopped")
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

// safeTick runs tick behind a recover boundary so a panic never ends the loop.
func (s *Scheduler) safeTick(ctx context.Context) (result TickResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tick panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result.Err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	return s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) TickResult {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, tracerName, "Scheduler.tick")
	defer span.End()

	start := time.Now()
	sample := s.sampler.Sample()
	tier := s.policy.Load().Classify(sample)

	s.logger.Debug("memory sampled",
		slog.Uint64("used_mb", sample.UsedMB()),
		slog.Uint64("max_mb", sample.MaxMB()),
		slog.Int("usage_percent", sample.UsagePercent),
		slog.String("tier", tier.String()),
	)

	outcome := s.mitigator.Execute(ctx, tier)
	if s.recorder != nil {
		s.recorder.Record(ctx, sample, tier)
	}

	d := time.Since(start)
	s.ticks.Add(1)
	s.metrics.ObserveTick(d, sample.UsagePercent, int(tier))
	span.SetAttributes(
		attribute.Int("usage_percent", sample.UsagePercent),
		attribute.String("tier", tier.String()),
		attribute.Int("collections", outcome.Collections),
	)
	if outcome.Err != nil {
		telemetry.RecordError(span, outcome.Err)
	}
	return TickResult{Sample: sample, Tier: tier, Outcome: outcome, Duration: d}
}
