// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memsentry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/memsentry/services/memsentry/config"
	"github.com/AleutianAI/memsentry/services/memsentry/faultrelay"
	"github.com/AleutianAI/memsentry/services/memsentry/policy"
	"github.com/AleutianAI/memsentry/services/memsentry/sampler"
	"github.com/AleutianAI/memsentry/services/memsentry/scheduler"
	"github.com/AleutianAI/memsentry/services/memsentry/trigger"
	"github.com/AleutianAI/memsentry/services/memsentry/workqueue"
)

type countingCollector struct {
	collects, releases atomic.Int32
}

func (c *countingCollector) Collect()     { c.collects.Add(1) }
func (c *countingCollector) ReleaseToOS() { c.releases.Add(1) }

type usageSampler struct{ used atomic.Uint64 }

func (u *usageSampler) Sample() sampler.MemorySample {
	return sampler.NewSample(u.used.Load(), 1000, time.Now())
}

type fakeRecorder struct {
	mu     sync.Mutex
	tiers  []policy.Tier
	closed bool
}

func (f *fakeRecorder) Record(_ context.Context, _ sampler.MemorySample, tier policy.Tier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tiers = append(f.tiers, tier)
}

func (f *fakeRecorder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type harness struct {
	sub       *Subsystem
	sampler   *usageSampler
	collector *countingCollector
	recorder  *fakeRecorder
	reg       *prometheus.Registry
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Scheduler.Interval = config.Duration(time.Hour)
	cfg.Scheduler.ShutdownTimeout = config.Duration(time.Second)
	cfg.Mitigation.CollectionDelay = config.Duration(time.Millisecond)
	cfg.Tasks.InitialBackoff = config.Duration(10 * time.Millisecond)
	cfg.Tasks.MaxBackoff = config.Duration(50 * time.Millisecond)
	cfg.Tasks.RatePerSecond = 0
	return cfg
}

func newHarness(t *testing.T, used uint64) *harness {
	t.Helper()
	h := &harness{
		sampler:   &usageSampler{},
		collector: &countingCollector{},
		recorder:  &fakeRecorder{},
		reg:       prometheus.NewRegistry(),
	}
	h.sampler.used.Store(used)

	sub, err := New(testConfig(),
		WithRegistry(h.reg),
		WithSampler(h.sampler),
		WithCollector(h.collector),
		WithRecorder(h.recorder),
	)
	require.NoError(t, err)
	h.sub = sub
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sub.Stop(ctx)
	})
	return h
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.High = cfg.Policy.Elevated
	_, err := New(cfg, WithRegistry(prometheus.NewRegistry()))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestSubsystem_StartRunsBootTaskAndStop(t *testing.T) {
	h := newHarness(t, 500)
	ctx := context.Background()

	require.NoError(t, h.sub.Start(ctx))
	require.NoError(t, h.sub.Start(ctx))
	assert.Equal(t, scheduler.Running, h.sub.SchedulerState())
	assert.True(t, h.sub.Bridge().Board().Snapshot().Active)

	// BootCompleted defers one Critical sequence.
	require.Eventually(t, func() bool {
		return h.sub.QueueStats().Succeeded == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), h.collector.releases.Load())

	// The immediate first tick classifies 50% as Normal.
	require.Eventually(t, func() bool {
		h.recorder.mu.Lock()
		defer h.recorder.mu.Unlock()
		return len(h.recorder.tiers) == 1
	}, time.Second, 5*time.Millisecond)
	h.recorder.mu.Lock()
	assert.Equal(t, policy.Normal, h.recorder.tiers[0])
	h.recorder.mu.Unlock()

	require.NoError(t, h.sub.Stop(ctx))
	assert.Equal(t, scheduler.Stopped, h.sub.SchedulerState())
	assert.False(t, h.sub.Bridge().Board().Snapshot().Active)
	h.recorder.mu.Lock()
	assert.True(t, h.recorder.closed)
	h.recorder.mu.Unlock()

	assert.ErrorIs(t, h.sub.Start(ctx), ErrStopped)
	assert.NoError(t, h.sub.Stop(ctx))
}

// refusingLoop is a scheduler whose Start always fails.
type refusingLoop struct{ monitorLoop }

func (refusingLoop) Start(context.Context) error { return errors.New("ticker unavailable") }

func TestSubsystem_FailedSchedulerStartUnwinds(t *testing.T) {
	h := newHarness(t, 500)
	h.sub.scheduler = refusingLoop{h.sub.scheduler}
	ctx := context.Background()

	err := h.sub.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ticker unavailable")

	assert.False(t, h.sub.relay.Installed())
	assert.IsType(t, faultrelay.RepanicSink{}, h.sub.Registry().Sink())
	assert.ErrorIs(t, h.sub.queue.Enqueue(ctx, trigger.NewTask("boot_completed", 1)), workqueue.ErrQueueClosed)
	h.recorder.mu.Lock()
	assert.True(t, h.recorder.closed)
	h.recorder.mu.Unlock()

	assert.ErrorIs(t, h.sub.Start(ctx), ErrStopped)
	assert.NoError(t, h.sub.Stop(ctx))
}

func TestSubsystem_OnBackgroundCollectsOnce(t *testing.T) {
	h := newHarness(t, 100)

	out := h.sub.OnBackground(context.Background())
	assert.Equal(t, policy.Elevated, out.Tier)
	assert.Equal(t, 1, out.Collections)
	assert.False(t, out.Evicted)
	assert.Equal(t, int32(1), h.collector.collects.Load())
}

func TestSubsystem_OnForegroundTicks(t *testing.T) {
	h := newHarness(t, 760)

	res := h.sub.OnForeground(context.Background())
	assert.Equal(t, policy.Elevated, res.Tier)
	assert.Equal(t, 1, res.Outcome.Collections)
	assert.Equal(t, int64(1), h.sub.SchedulerTicks())
}

func TestSubsystem_ApplyConfigSwapsThresholds(t *testing.T) {
	h := newHarness(t, 550)

	assert.Equal(t, policy.Normal, h.sub.OnForeground(context.Background()).Tier)

	cfg := testConfig()
	cfg.Policy = config.PolicyConfig{Elevated: 50, High: 60, Critical: 90}
	require.NoError(t, h.sub.ApplyConfig(cfg))

	assert.Equal(t, cfg.Policy.Thresholds(), h.sub.Policy().Thresholds())
	assert.Equal(t, policy.Elevated, h.sub.OnForeground(context.Background()).Tier)
}

func TestSubsystem_SelfReplacedForOtherPackageIgnored(t *testing.T) {
	h := newHarness(t, 500)
	require.NoError(t, h.sub.Start(context.Background()))

	got := h.sub.Signal(context.Background(), trigger.Signal{
		Kind:      trigger.SelfPackageReplaced,
		PackageID: "other.app",
	})
	assert.True(t, got.Ignored)
	assert.False(t, got.Enqueued)
}

func TestSubsystem_FaultsRelayedThenForwarded(t *testing.T) {
	h := newHarness(t, 500)

	forwarded := make(chan faultrelay.Fault, 1)
	h.sub.Registry().SetSink(faultrelay.SinkFunc(func(f faultrelay.Fault) { forwarded <- f }))
	require.NoError(t, h.sub.Start(context.Background()))

	h.sub.Registry().Go("worker", func() { panic("render failed") })

	select {
	case f := <-forwarded:
		assert.Equal(t, "render failed", f.Value)
		assert.Equal(t, "worker", f.Goroutine)
	case <-time.After(2 * time.Second):
		t.Fatal("fault not forwarded to the original sink")
	}
	n, err := testutil.GatherAndCount(h.reg, "memsentry_faults_relayed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
