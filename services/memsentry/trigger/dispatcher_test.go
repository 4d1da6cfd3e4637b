// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/memsentry/services/memsentry/mitigation"
	"github.com/AleutianAI/memsentry/services/memsentry/policy"
	"github.com/AleutianAI/memsentry/services/memsentry/sampler"
	"github.com/AleutianAI/memsentry/services/memsentry/telemetry"
)

const ownPackage = "com.example.app"

// =============================================================================
// Fakes
// =============================================================================

type executeCall struct {
	tier       policy.Tier
	suppressed bool
}

type fakeMitigator struct {
	mu      sync.Mutex
	calls   []executeCall
	outcome mitigation.Outcome
	policy  *policy.Policy
}

func (f *fakeMitigator) Execute(ctx context.Context, tier policy.Tier) mitigation.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, executeCall{tier: tier, suppressed: mitigation.EscalationSuppressed(ctx)})
	out := f.outcome
	out.Tier = tier
	return out
}

func (f *fakeMitigator) Policy() *policy.Policy {
	if f.policy == nil {
		return policy.Default()
	}
	return f.policy
}

func (f *fakeMitigator) executed() []executeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executeCall(nil), f.calls...)
}

type fakeFacility struct {
	mu    sync.Mutex
	tasks []*MitigationTask
	err   error
}

func (f *fakeFacility) Enqueue(_ context.Context, task *MitigationTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeFacility) enqueued() []*MitigationTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MitigationTask(nil), f.tasks...)
}

func samplerAt(percent int) sampler.Sampler {
	return sampler.SamplerFunc(func() sampler.MemorySample {
		return sampler.NewSample(uint64(percent)*10, 1000, time.Now())
	})
}

func postAt(percent int) mitigation.Outcome {
	s := sampler.NewSample(uint64(percent)*10, 1000, time.Now())
	return mitigation.Outcome{Collections: 3, Evicted: true, PostSample: &s}
}

func newDispatcher(m *fakeMitigator, s sampler.Sampler, f *fakeFacility) (*Dispatcher, *telemetry.Metrics) {
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	d := New(m, s, f, Config{PackageID: ownPackage, MaxAttempts: 3}, WithMetrics(metrics))
	return d, metrics
}

// =============================================================================
// Signal Handling
// =============================================================================

func TestOnSignal_DeferredKinds(t *testing.T) {
	for _, kind := range []Kind{BootCompleted, PackageUpgraded} {
		t.Run(kind.String(), func(t *testing.T) {
			m := &fakeMitigator{}
			f := &fakeFacility{}
			d, _ := newDispatcher(m, samplerAt(10), f)

			h := d.OnSignal(context.Background(), Signal{Kind: kind})

			assert.True(t, h.Enqueued)
			assert.False(t, h.Mitigated)
			assert.Empty(t, m.executed())
			tasks := f.enqueued()
			require.Len(t, tasks, 1)
			assert.Equal(t, TaskPending, tasks[0].State)
			assert.Equal(t, 3, tasks[0].MaxAttempts)
			assert.Equal(t, kind.String(), tasks[0].Reason)
		})
	}
}

func TestOnSignal_SelfPackageReplaced(t *testing.T) {
	m := &fakeMitigator{}
	f := &fakeFacility{}
	d, _ := newDispatcher(m, samplerAt(10), f)

	h := d.OnSignal(context.Background(), Signal{Kind: SelfPackageReplaced, PackageID: "other.app"})
	assert.True(t, h.Ignored)
	assert.Empty(t, f.enqueued())

	h = d.OnSignal(context.Background(), Signal{Kind: SelfPackageReplaced, PackageID: ownPackage})
	assert.True(t, h.Enqueued)
	assert.Len(t, f.enqueued(), 1)
	assert.Empty(t, m.executed())
}

func TestOnSignal_MemoryLow_RecoveredNoTask(t *testing.T) {
	m := &fakeMitigator{outcome: postAt(70)}
	f := &fakeFacility{}
	d, _ := newDispatcher(m, samplerAt(95), f)

	h := d.OnSignal(context.Background(), Signal{Kind: MemoryLow})

	assert.True(t, h.Mitigated)
	assert.False(t, h.Enqueued)
	require.NotNil(t, h.PostSample)
	assert.Equal(t, 70, h.PostSample.UsagePercent)
	assert.Empty(t, f.enqueued())

	calls := m.executed()
	require.Len(t, calls, 1)
	assert.Equal(t, policy.Critical, calls[0].tier)
	assert.True(t, calls[0].suppressed)
}

func TestOnSignal_StorageLow_StillHighEnqueuesFollowUp(t *testing.T) {
	m := &fakeMitigator{outcome: postAt(80)}
	f := &fakeFacility{}
	d, _ := newDispatcher(m, samplerAt(95), f)

	h := d.OnSignal(context.Background(), Signal{Kind: StorageLow})

	assert.True(t, h.Mitigated)
	assert.True(t, h.Enqueued)
	require.Len(t, f.enqueued(), 1)
	assert.Equal(t, "storage_low follow-up", f.enqueued()[0].Reason)
}

func TestOnSignal_MitigationFailedResamples(t *testing.T) {
	m := &fakeMitigator{outcome: mitigation.Outcome{Err: errors.New("evict failed")}}
	f := &fakeFacility{}
	d, _ := newDispatcher(m, samplerAt(88), f)

	h := d.OnSignal(context.Background(), Signal{Kind: MemoryLow})

	require.NotNil(t, h.PostSample)
	assert.Equal(t, 88, h.PostSample.UsagePercent)
	assert.True(t, h.Enqueued)
}

func TestOnSignal_EnqueueFailureIsLogged(t *testing.T) {
	m := &fakeMitigator{}
	f := &fakeFacility{err: errors.New("queue closed")}
	d, _ := newDispatcher(m, samplerAt(10), f)

	var h Handling
	require.NotPanics(t, func() { h = d.OnSignal(context.Background(), Signal{Kind: BootCompleted}) })
	assert.False(t, h.Enqueued)
}

func TestOnSignal_UnknownKindIgnored(t *testing.T) {
	m := &fakeMitigator{}
	f := &fakeFacility{}
	d, metrics := newDispatcher(m, samplerAt(10), f)

	h := d.OnSignal(context.Background(), Signal{Kind: Kind(77)})
	assert.True(t, h.Ignored)
	assert.Empty(t, f.enqueued())
	assert.Empty(t, m.executed())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SignalsTotal.WithLabelValues("unknown")))
}

func TestEscalate(t *testing.T) {
	f := &fakeFacility{}
	d, _ := newDispatcher(&fakeMitigator{}, samplerAt(10), f)

	require.NoError(t, d.Escalate(context.Background(), "usage 91% after critical mitigation"))
	require.Len(t, f.enqueued(), 1)

	f.err = errors.New("closed")
	assert.Error(t, d.Escalate(context.Background(), "again"))
}

// =============================================================================
// Deferred Task Runs
// =============================================================================

func TestRunTask_Success(t *testing.T) {
	m := &fakeMitigator{outcome: postAt(60)}
	d, _ := newDispatcher(m, samplerAt(60), &fakeFacility{})

	task := NewTask("boot_completed", 3)
	task.Attempt = 1
	assert.Equal(t, Success, d.RunTask(context.Background(), task))

	calls := m.executed()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].suppressed)
}

func TestRunTask_RetryThenPermanentFailure(t *testing.T) {
	m := &fakeMitigator{outcome: mitigation.Outcome{Err: errors.New("collector panicked")}}
	d, _ := newDispatcher(m, samplerAt(90), &fakeFacility{})

	task := NewTask("boot_completed", 3)
	var results []Result
	for attempt := 1; attempt <= 3; attempt++ {
		task.Attempt = attempt
		results = append(results, d.RunTask(context.Background(), task))
	}
	assert.Equal(t, []Result{Retry, Retry, PermanentFailure}, results)
}

func TestNew_DefaultsMaxAttempts(t *testing.T) {
	f := &fakeFacility{}
	d := New(&fakeMitigator{}, samplerAt(10), f, Config{})
	d.OnSignal(context.Background(), Signal{Kind: BootCompleted})
	require.Len(t, f.enqueued(), 1)
	assert.Equal(t, DefaultMaxAttempts, f.enqueued()[0].MaxAttempts)
}
