// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memsentry wires the memory pressure monitor into one process-level
// Subsystem.
//
// The Subsystem is the explicit process context: it owns the fault registry,
// the periodic scheduler, the deferred work queue and the host bridge, and is
// passed to whoever needs them instead of living in package globals.
package memsentry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/memsentry/services/memsentry/bridge"
	"github.com/AleutianAI/memsentry/services/memsentry/config"
	"github.com/AleutianAI/memsentry/services/memsentry/export"
	"github.com/AleutianAI/memsentry/services/memsentry/faultrelay"
	"github.com/AleutianAI/memsentry/services/memsentry/mitigation"
	"github.com/AleutianAI/memsentry/services/memsentry/policy"
	"github.com/AleutianAI/memsentry/services/memsentry/sampler"
	"github.com/AleutianAI/memsentry/services/memsentry/scheduler"
	"github.com/AleutianAI/memsentry/services/memsentry/telemetry"
	"github.com/AleutianAI/memsentry/services/memsentry/trigger"
	"github.com/AleutianAI/memsentry/services/memsentry/workqueue"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("memsentry subsystem stopped")

// Option configures a Subsystem.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	sampler    sampler.Sampler
	collector  mitigation.Collector
	evictor    mitigation.Evictor
	recorder   export.Recorder
}

// WithLogger sets the root logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers metrics on reg and serves them from it.
// Defaults to the global Prometheus registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registerer = reg
		o.gatherer = reg
	}
}

// WithSampler replaces the runtime sampler.
func WithSampler(s sampler.Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithCollector replaces the runtime collector.
func WithCollector(c mitigation.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithEvictor installs the host cache eviction hook.
func WithEvictor(ev mitigation.Evictor) Option {
	return func(o *options) { o.evictor = ev }
}

// WithRecorder replaces the recorder chosen from the influx config.
func WithRecorder(r export.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// monitorLoop is the part of the scheduler the Subsystem drives.
type monitorLoop interface {
	Start(ctx context.Context) error
	Stop() error
	RunNow(ctx context.Context) scheduler.TickResult
	State() scheduler.State
	Ticks() int64
	SetPolicy(p *policy.Policy)
}

// Subsystem is the assembled monitor.
//
// # Description
//
// Lifecycle is Start once, Stop once. The work queue cannot be restarted, so
// a stopped Subsystem stays stopped.
//
// # Thread Safety
//
// Safe for concurrent use.
type Subsystem struct {
	cfg    config.Config
	logger *slog.Logger

	metrics    *telemetry.Metrics
	sampler    sampler.Sampler
	executor   *mitigation.Executor
	queue      *workqueue.Queue
	dispatcher *trigger.Dispatcher
	scheduler  monitorLoop
	registry   *faultrelay.Registry
	relay      *faultrelay.Relay
	recorder   export.Recorder
	bridge     *bridge.Bridge

	mu       sync.Mutex
	started  bool
	stopped  bool
	bootSent bool
}

// New assembles a Subsystem from configuration.
//
// # Inputs
//
//   - cfg: Validated configuration.
//   - opts: Test seams and host hooks.
//
// # Outputs
//
//   - *Subsystem: Assembled, not started.
//   - error: Non-nil when cfg is invalid.
func New(cfg config.Config, opts ...Option) (*Subsystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{
		logger:     slog.Default(),
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	pol, err := policy.New(cfg.Policy.Thresholds())
	if err != nil {
		return nil, fmt.Errorf("failed to build policy: %w", err)
	}

	s := &Subsystem{cfg: cfg, logger: o.logger.With(slog.String("component", "memsentry"))}
	s.metrics = telemetry.NewMetrics(o.registerer)

	s.sampler = o.sampler
	if s.sampler == nil {
		s.sampler = sampler.NewRuntimeSampler(
			sampler.WithMaxBytes(cfg.Sampler.MaxBytes),
			sampler.WithLogger(o.logger),
		)
	}

	execOpts := []mitigation.Option{
		mitigation.WithCriticalCollections(cfg.Mitigation.CriticalCollections),
		mitigation.WithCollectionDelay(cfg.Mitigation.CollectionDelay.Std()),
		mitigation.WithLogger(o.logger),
		mitigation.WithMetrics(s.metrics),
	}
	if o.collector != nil {
		execOpts = append(execOpts, mitigation.WithCollector(o.collector))
	}
	if o.evictor != nil {
		execOpts = append(execOpts, mitigation.WithEvictor(o.evictor))
	}
	s.executor = mitigation.New(s.sampler, pol, execOpts...)

	s.queue = workqueue.New(workqueue.Config{
		RatePerSecond:  cfg.Tasks.RatePerSecond,
		Burst:          cfg.Tasks.Burst,
		InitialBackoff: cfg.Tasks.InitialBackoff.Std(),
		MaxBackoff:     cfg.Tasks.MaxBackoff.Std(),
		Buffer:         workqueue.DefaultConfig().Buffer,
	}, workqueue.WithLogger(o.logger), workqueue.WithMetrics(s.metrics))

	s.dispatcher = trigger.New(s.executor, s.sampler, s.queue,
		trigger.Config{PackageID: cfg.PackageID, MaxAttempts: cfg.Tasks.MaxAttempts},
		trigger.WithLogger(o.logger), trigger.WithMetrics(s.metrics))
	s.executor.SetEscalator(s.dispatcher)

	s.recorder = o.recorder
	if s.recorder == nil {
		s.recorder = newRecorder(cfg, o.logger)
	}

	s.registry = faultrelay.NewRegistry(o.logger)
	s.relay = faultrelay.NewRelay(s.registry,
		faultrelay.WithLogger(o.logger), faultrelay.WithMetrics(s.metrics))

	board := bridge.NewStatusBoard(o.logger)
	s.scheduler = scheduler.New(scheduler.Config{
		Interval:        cfg.Scheduler.Interval.Std(),
		ShutdownTimeout: cfg.Scheduler.ShutdownTimeout.Std(),
		Status:          scheduler.DefaultStatus(),
	}, s.sampler, pol, s.executor,
		scheduler.WithPrivilege(board),
		scheduler.WithRecorder(s.recorder),
		scheduler.WithLogger(o.logger),
		scheduler.WithMetrics(s.metrics),
	)

	s.bridge, err = bridge.New(bridge.Deps{
		Sampler:     s.sampler,
		Signals:     s,
		Lifecycle:   s,
		Status:      s,
		Board:       board,
		Hub:         bridge.NewFaultHub(o.logger),
		Gatherer:    o.gatherer,
		ServiceName: "memsentry",
		Logger:      o.logger,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newRecorder(cfg config.Config, logger *slog.Logger) export.Recorder {
	if !cfg.Influx.Enabled() {
		return export.NopRecorder{}
	}
	return export.NewInfluxRecorder(export.InfluxConfig{
		URL:       cfg.Influx.URL,
		Token:     cfg.Influx.Token,
		Org:       cfg.Influx.Org,
		Bucket:    cfg.Influx.Bucket,
		PackageID: cfg.PackageID,
	}, logger)
}

// Start brings the monitor up.
//
// # Description
//
// Installs the fault relay with the bridge's fault hub as observer, starts
// the work queue and the scheduler, then emits BootCompleted once. Calling
// Start on a running Subsystem is a no-op.
//
// # Outputs
//
//   - error: ErrStopped after Stop, or a component start failure. A failed
//     start undoes what it installed and leaves the Subsystem stopped.
func (s *Subsystem) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}

	s.relay.Install(s.bridge.Hub())
	if err := s.queue.Start(ctx, s.dispatcher); err != nil {
		s.relay.Uninstall()
		return fmt.Errorf("failed to start work queue: %w", err)
	}
	if err := s.scheduler.Start(ctx); err != nil {
		// The queue cannot be restarted once closed, so a failed start
		// leaves the Subsystem stopped.
		s.stopped = true
		closeErr := s.queue.Close(ctx)
		s.relay.Uninstall()
		s.recorder.Close()
		return errors.Join(fmt.Errorf("failed to start scheduler: %w", err), closeErr)
	}
	s.started = true
	s.logger.Info("memory monitor started",
		slog.Duration("interval", s.cfg.Scheduler.Interval.Std()),
		slog.String("package_id", s.cfg.PackageID),
	)

	if !s.bootSent {
		s.bootSent = true
		s.dispatcher.OnSignal(ctx, trigger.Signal{Kind: trigger.BootCompleted})
	}
	return nil
}

// Stop shuts the monitor down: scheduler, then queue, then fault relay,
// then the recorder. ctx bounds how long running tasks may take to finish.
func (s *Subsystem) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true

	var errs []error
	if err := s.scheduler.Stop(); err != nil {
		errs = append(errs, err)
	}
	if s.started {
		if err := s.queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("work queue: %w", err))
		}
	}
	s.relay.Uninstall()
	s.recorder.Close()
	s.logger.Info("memory monitor stopped")
	return errors.Join(errs...)
}

// Signal routes an external pressure signal.
func (s *Subsystem) Signal(ctx context.Context, sig trigger.Signal) trigger.Handling {
	return s.dispatcher.OnSignal(ctx, sig)
}

// OnForeground runs one immediate check-and-mitigate cycle.
func (s *Subsystem) OnForeground(ctx context.Context) scheduler.TickResult {
	return s.scheduler.RunNow(ctx)
}

// OnBackground requests a light collection when the host leaves the
// foreground.
func (s *Subsystem) OnBackground(ctx context.Context) mitigation.Outcome {
	return s.executor.Execute(ctx, policy.Elevated)
}

// ApplyConfig applies a reloaded configuration. Only the policy thresholds
// take effect at runtime; other changes are logged and need a restart.
func (s *Subsystem) ApplyConfig(cfg config.Config) error {
	pol, err := policy.New(cfg.Policy.Thresholds())
	if err != nil {
		return err
	}
	s.executor.SetPolicy(pol)
	s.scheduler.SetPolicy(pol)

	s.mu.Lock()
	prev := s.cfg
	s.cfg.Policy = cfg.Policy
	s.mu.Unlock()

	t := pol.Thresholds()
	s.logger.Info("policy thresholds updated",
		slog.Int("elevated", t.Elevated),
		slog.Int("high", t.High),
		slog.Int("critical", t.Critical),
	)
	prev.Policy = cfg.Policy
	if prev != cfg {
		s.logger.Warn("config changes beyond policy thresholds require a restart")
	}
	return nil
}

// Sample takes a memory reading.
func (s *Subsystem) Sample() sampler.MemorySample { return s.sampler.Sample() }

// Policy returns the active policy.
func (s *Subsystem) Policy() *policy.Policy { return s.executor.Policy() }

// Registry returns the process fault registry. Goroutines launched with
// Registry().Go report their panics through the fault relay.
func (s *Subsystem) Registry() *faultrelay.Registry { return s.registry }

// Bridge returns the host bridge.
func (s *Subsystem) Bridge() *bridge.Bridge { return s.bridge }

// SchedulerState implements bridge.StatusSource.
func (s *Subsystem) SchedulerState() scheduler.State { return s.scheduler.State() }

// SchedulerTicks implements bridge.StatusSource.
func (s *Subsystem) SchedulerTicks() int64 { return s.scheduler.Ticks() }

// QueueStats implements bridge.StatusSource.
func (s *Subsystem) QueueStats() workqueue.Stats { return s.queue.Stats() }

var (
	_ bridge.SignalHandler = (*Subsystem)(nil)
	_ bridge.Lifecycle     = (*Subsystem)(nil)
	_ bridge.StatusSource  = (*Subsystem)(nil)
)
