// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export ships classified memory samples to time-series storage.
package export

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/memsentry/services/memsentry/policy"
	"github.com/AleutianAI/memsentry/services/memsentry/sampler"
)

const (
	// Measurement is the InfluxDB measurement name for samples.
	Measurement = "memory_pressure"

	defaultBuffer       = 256
	defaultWriteTimeout = 5 * time.Second
)

// Recorder receives every classified sample and is closed on shutdown.
type Recorder interface {
	Record(ctx context.Context, sample sampler.MemorySample, tier policy.Tier)
	Close()
}

// NopRecorder discards samples.
type NopRecorder struct{}

// Record does nothing.
func (NopRecorder) Record(context.Context, sampler.MemorySample, policy.Tier) {}

// Close does nothing.
func (NopRecorder) Close() {}

// InfluxConfig locates the target bucket.
type InfluxConfig struct {
	URL       string
	Token     string
	Org       string
	Bucket    string
	PackageID string
}

// InfluxRecorder writes one point per tick to InfluxDB.
//
// # Description
//
// Record never blocks the scheduler tick. Points are queued on a bounded
// buffer and written by a single background goroutine; when the buffer is
// full the point is dropped and counted.
//
// # Thread Safety
//
// Record is safe for concurrent use. Close must be called once.
type InfluxRecorder struct {
	client    influxdb2.Client
	writeAPI  api.WriteAPIBlocking
	packageID string
	logger    *slog.Logger
	timeout   time.Duration

	points  chan *write.Point
	done    chan struct{}
	dropped atomic.Int64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewInfluxRecorder connects a recorder to the configured bucket.
//
// # Inputs
//
//   - cfg: Connection settings. URL, Org and Bucket must be set.
//   - logger: May be nil.
//
// # Outputs
//
//   - *InfluxRecorder: Running recorder. Call Close on shutdown.
func NewInfluxRecorder(cfg InfluxConfig, logger *slog.Logger) *InfluxRecorder {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	r := newRecorder(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.PackageID, logger)
	r.client = client
	return r
}

func newRecorder(w api.WriteAPIBlocking, packageID string, logger *slog.Logger) *InfluxRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &InfluxRecorder{
		writeAPI:  w,
		packageID: packageID,
		logger:    logger.With(slog.String("component", "export")),
		timeout:   defaultWriteTimeout,
		points:    make(chan *write.Point, defaultBuffer),
		done:      make(chan struct{}),
	}
	go r.drain()
	return r
}

// Record queues a point for the sample.
func (r *InfluxRecorder) Record(_ context.Context, sample sampler.MemorySample, tier policy.Tier) {
	p := influxdb2.NewPoint(Measurement,
		map[string]string{
			"package_id": r.packageID,
			"tier":       tier.String(),
		},
		map[string]interface{}{
			"used_bytes":    int64(sample.UsedBytes),
			"max_bytes":     int64(sample.MaxBytes),
			"free_bytes":    int64(sample.FreeBytes),
			"usage_percent": sample.UsagePercent,
		},
		sample.TakenAt,
	)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.points <- p:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("export buffer full, dropping samples", slog.Int64("dropped", n))
		}
	}
}

// Dropped returns how many samples were discarded on a full buffer.
func (r *InfluxRecorder) Dropped() int64 { return r.dropped.Load() }

func (r *InfluxRecorder) drain() {
	defer close(r.done)
	for p := range r.points {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.writeAPI.WritePoint(ctx, p); err != nil {
			r.logger.Warn("failed to write sample", slog.String("error", err.Error()))
		}
		cancel()
	}
}

var (
	_ Recorder = NopRecorder{}
	_ Recorder = (*InfluxRecorder)(nil)
)

// Close flushes queued points and releases the client.
func (r *InfluxRecorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.points)
		r.mu.Unlock()
		<-r.done
		if r.client != nil {
			r.client.Close()
		}
	})
}
