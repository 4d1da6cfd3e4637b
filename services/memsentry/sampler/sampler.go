// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sampler reads the host process's memory usage and reports it as
// an immutable MemorySample.
//
// Sampling never fails. When the runtime cannot report statistics, or the
// memory ceiling cannot be determined, a zeroed sample is returned so the
// monitor never takes down the process it is watching.
package sampler

import (
	"log/slog"
	"runtime"
	"sync"
	"time"
)

const bytesPerMB = 1024 * 1024

// MemorySample is a point-in-time reading of process memory.
//
// # Fields
//
//   - UsedBytes: Heap bytes allocated (live plus not yet swept) plus stack in use.
//   - MaxBytes: Effective memory ceiling for the process. 0 when unknown.
//   - FreeBytes: MaxBytes - UsedBytes, clamped at 0.
//   - UsagePercent: floor(UsedBytes*100/MaxBytes), 0 when MaxBytes is 0.
//   - TakenAt: When the reading was taken.
type MemorySample struct {
	UsedBytes    uint64
	MaxBytes     uint64
	FreeBytes    uint64
	UsagePercent int
	TakenAt      time.Time
}

// NewSample builds a sample from used and max byte counts, deriving the
// free bytes and the usage percentage.
func NewSample(used, max uint64, at time.Time) MemorySample {
	s := MemorySample{UsedBytes: used, MaxBytes: max, TakenAt: at}
	if max == 0 {
		return s
	}
	if used < max {
		s.FreeBytes = max - used
	}
	s.UsagePercent = int(used * 100 / max)
	return s
}

// UsedMB returns UsedBytes in whole mebibytes.
func (s MemorySample) UsedMB() uint64 { return s.UsedBytes / bytesPerMB }

// MaxMB returns MaxBytes in whole mebibytes.
func (s MemorySample) MaxMB() uint64 { return s.MaxBytes / bytesPerMB }

// FreeMB returns FreeBytes in whole mebibytes.
func (s MemorySample) FreeMB() uint64 { return s.FreeBytes / bytesPerMB }

// IsZero reports whether the sample carries no reading.
func (s MemorySample) IsZero() bool {
	return s.UsedBytes == 0 && s.MaxBytes == 0
}

// Sampler produces memory samples. Implementations must be safe for
// concurrent use; the scheduler and deferred tasks sample independently.
type Sampler interface {
	Sample() MemorySample
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func() MemorySample

// Sample calls f.
func (f SamplerFunc) Sample() MemorySample { return f() }

// =============================================================================
// Runtime Sampler
// =============================================================================

// RuntimeSampler samples the Go runtime's memory statistics against the
// process memory ceiling.
//
// # Thread Safety
//
// Safe for concurrent use.
type RuntimeSampler struct {
	maxBytes    uint64
	limitSource string
	readStats   func(*runtime.MemStats)
	now         func() time.Time
	logger      *slog.Logger

	warnOnce sync.Once
}

// Option configures a RuntimeSampler.
type Option func(*RuntimeSampler)

// WithMaxBytes pins the memory ceiling instead of resolving it from the
// environment. 0 keeps automatic resolution.
func WithMaxBytes(max uint64) Option {
	return func(s *RuntimeSampler) {
		if max > 0 {
			s.maxBytes = max
			s.limitSource = "config"
		}
	}
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *RuntimeSampler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStatsReader replaces runtime.ReadMemStats. Intended for tests.
func WithStatsReader(read func(*runtime.MemStats)) Option {
	return func(s *RuntimeSampler) {
		if read != nil {
			s.readStats = read
		}
	}
}

// NewRuntimeSampler creates a sampler.
//
// # Description
//
// Resolves the memory ceiling once, unless pinned with WithMaxBytes.
// Resolution order: GOMEMLIMIT / debug.SetMemoryLimit, cgroup memory limit,
// total physical memory. See ResolveLimit.
//
// # Outputs
//
//   - *RuntimeSampler: Ready to sample. Never nil.
func NewRuntimeSampler(opts ...Option) *RuntimeSampler {
	s := &RuntimeSampler{
		readStats: runtime.ReadMemStats,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxBytes == 0 {
		s.maxBytes, s.limitSource = ResolveLimit()
	}
	s.logger = s.logger.With(slog.String("component", "sampler"))
	s.logger.Debug("memory ceiling resolved",
		slog.Uint64("max_bytes", s.maxBytes),
		slog.String("source", s.limitSource),
	)
	return s
}

// Sample reads current memory statistics.
//
// # Outputs
//
//   - MemorySample: The reading. Zeroed (UsagePercent 0) when the ceiling
//     is unknown or reading the statistics panics.
func (s *RuntimeSampler) Sample() (sample MemorySample) {
	now := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Debug("memory stats unavailable, returning zero sample",
				slog.Any("panic", r),
			)
			sample = MemorySample{TakenAt: now}
		}
	}()

	if s.maxBytes == 0 {
		s.warnOnce.Do(func() {
			s.logger.Warn("memory ceiling unknown, samples will report zero usage")
		})
		return MemorySample{TakenAt: now}
	}

	var m runtime.MemStats
	s.readStats(&m)
	return NewSample(m.HeapAlloc+m.StackInuse, s.maxBytes, now)
}

// MaxBytes returns the resolved memory ceiling.
func (s *RuntimeSampler) MaxBytes() uint64 { return s.maxBytes }

// LimitSource names where the ceiling came from: "config", "gomemlimit",
// "cgroup", "system" or "unknown".
func (s *RuntimeSampler) LimitSource() string { return s.limitSource }

var _ Sampler = (*RuntimeSampler)(nil)
