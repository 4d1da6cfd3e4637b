// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package faultrelay

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/memsentry/services/memsentry/telemetry"
)

// maxStackLines bounds FaultRecord.StackSummary.
const maxStackLines = 40

// FaultRecord is an immutable snapshot of a fault handed to observers.
type FaultRecord struct {
	Message      string    `json:"message"`
	StackSummary string    `json:"stackSummary"`
	ThreadName   string    `json:"threadName"`
	Value        any       `json:"-"`
	ObservedAt   time.Time `json:"observedAt"`
}

// NewRecord builds a FaultRecord from a Fault.
func NewRecord(f Fault) FaultRecord {
	return FaultRecord{
		Message:      faultMessage(f.Value),
		StackSummary: summarizeStack(f.Stack),
		ThreadName:   f.Goroutine,
		Value:        f.Value,
		ObservedAt:   time.Now(),
	}
}

func faultMessage(v any) string {
	switch x := v.(type) {
	case error:
		return x.Error()
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func summarizeStack(stack []byte) string {
	lines := strings.Split(strings.TrimSpace(string(stack)), "\n")
	if len(lines) > maxStackLines {
		lines = append(lines[:maxStackLines], "...")
	}
	return strings.Join(lines, "\n")
}

// Observer receives fault records. Delivery is best effort: errors and
// panics from an observer are logged and never affect forwarding.
type Observer interface {
	OnFault(rec FaultRecord) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(rec FaultRecord) error

// OnFault calls fn.
func (fn ObserverFunc) OnFault(rec FaultRecord) error { return fn(rec) }

// restoreToken remembers the sink that was current at Install.
type restoreToken struct {
	previous Sink
}

// Relay forwards faults to an observer and then to the previous sink.
//
// # Description
//
// Install swaps a relay sink into the registry and keeps a restore token
// holding the sink it replaced. Uninstall puts that sink back. Only one
// token exists at a time: a second Install without Uninstall is a no-op.
//
// # Thread Safety
//
// Safe for concurrent use.
type Relay struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	mu    sync.Mutex
	token *restoreToken
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// NewRelay creates an uninstalled relay bound to registry.
func NewRelay(registry *Registry, opts ...Option) *Relay {
	r := &Relay{registry: registry, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "faultrelay"))
	return r
}

// Install starts relaying faults to observer.
//
// # Outputs
//
//   - bool: false when already installed; the existing installation is kept.
func (r *Relay) Install(observer Observer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token != nil {
		r.logger.Warn("fault relay already installed, ignoring second install")
		return false
	}

	// The relay sink reads previous from its own copy, so Uninstall can clear
	// the token while a fault is in flight.
	sink := &relaySink{relay: r, observer: observer}
	sink.previous = r.registry.SetSink(sink)
	r.token = &restoreToken{previous: sink.previous}
	r.logger.Debug("fault relay installed", slog.Bool("chained", sink.previous != nil))
	return true
}

// Uninstall restores the sink captured by Install. Idempotent, and a no-op
// before Install.
func (r *Relay) Uninstall() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token == nil {
		return
	}
	r.registry.SetSink(r.token.previous)
	r.token = nil
	r.logger.Debug("fault relay uninstalled")
}

// Installed reports whether the relay currently holds a restore token.
func (r *Relay) Installed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token != nil
}

type relaySink struct {
	relay    *Relay
	observer Observer
	previous Sink
}

// HandleFault observes f and then forwards it. It never swallows a fault.
func (s *relaySink) HandleFault(f Fault) {
	rec := NewRecord(f)
	s.relay.logger.Error("uncaught fault",
		slog.String("message", rec.Message),
		slog.String("goroutine", rec.ThreadName),
	)
	s.deliver(rec)

	if s.previous == nil {
		panic(f.Value)
	}
	s.previous.HandleFault(f)
}

func (s *relaySink) deliver(rec FaultRecord) {
	if s.observer == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			s.relay.metrics.IncFault(telemetry.FaultObserverFailed)
			s.relay.logger.Warn("fault observer panicked", slog.Any("panic", v))
		}
	}()
	if err := s.observer.OnFault(rec); err != nil {
		s.relay.metrics.IncFault(telemetry.FaultObserverFailed)
		s.relay.logger.Warn("fault observer unavailable", slog.String("error", err.Error()))
		return
	}
	s.relay.metrics.IncFault(telemetry.FaultDelivered)
}
