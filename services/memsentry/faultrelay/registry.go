// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package faultrelay observes uncaught faults and chains them to the
// previously installed fault sink.
//
// Go has no process-wide hook for uncaught panics, so faults reach a
// Registry explicitly: goroutines started with Registry.Go, or code that
// defers Registry.Recover, hand their panics to the registry's current sink.
// The default sink re-panics, which terminates the process exactly as an
// unrecovered panic would.
package faultrelay

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Fault is an uncaught panic captured by a Registry.
type Fault struct {
	// Value is the value passed to panic.
	Value any

	// Stack is the goroutine stack at the point of recovery.
	Stack []byte

	// Goroutine names the goroutine that panicked.
	Goroutine string

	// At is when the panic was recovered.
	At time.Time
}

// Sink handles faults. A sink that returns normally has handled the fault;
// a sink that wants the process to die re-panics.
type Sink interface {
	HandleFault(f Fault)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f Fault)

// HandleFault calls fn.
func (fn SinkFunc) HandleFault(f Fault) { fn(f) }

// RepanicSink re-raises the original panic value.
type RepanicSink struct{}

// HandleFault panics with f.Value.
func (RepanicSink) HandleFault(f Fault) { panic(f.Value) }

// Registry is the process fault-sink context.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	sink   Sink
	logger *slog.Logger
}

// NewRegistry creates a registry whose sink is RepanicSink.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sink:   RepanicSink{},
		logger: logger.With(slog.String("component", "faultrelay")),
	}
}

// Sink returns the current sink, possibly nil.
func (r *Registry) Sink() Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sink
}

// SetSink replaces the current sink and returns the one it replaced.
func (r *Registry) SetSink(s Sink) (previous Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous, r.sink = r.sink, s
	return previous
}

// Report hands f to the current sink. With no sink it re-panics.
func (r *Registry) Report(f Fault) {
	sink := r.Sink()
	if sink == nil {
		panic(f.Value)
	}
	sink.HandleFault(f)
}

// Recover reports a panic in progress. It must be deferred directly:
//
//	defer registry.Recover("worker")
func (r *Registry) Recover(name string) {
	if v := recover(); v != nil {
		r.Report(Fault{
			Value:     v,
			Stack:     debug.Stack(),
			Goroutine: name,
			At:        time.Now(),
		})
	}
}

// Go runs fn on a new goroutine whose panics are reported to the registry.
func (r *Registry) Go(name string, fn func()) {
	go func() {
		defer r.Recover(name)
		fn()
	}()
}
