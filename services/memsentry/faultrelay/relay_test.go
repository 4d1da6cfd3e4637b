// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package faultrelay

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/memsentry/services/memsentry/telemetry"
)

type recordingSink struct {
	mu     sync.Mutex
	faults []Fault
}

func (s *recordingSink) HandleFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.faults)
}

type recordingObserver struct {
	mu      sync.Mutex
	records []FaultRecord
	err     error
	panics  bool
}

func (o *recordingObserver) OnFault(rec FaultRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, rec)
	if o.panics {
		panic("observer channel torn down")
	}
	return o.err
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.records)
}

func fault(v any) Fault {
	return Fault{Value: v, Stack: []byte("goroutine 1 [running]:\nmain.main()"), Goroutine: "worker", At: time.Now()}
}

// =============================================================================
// Registry
// =============================================================================

func TestRegistry_DefaultSinkRepanics(t *testing.T) {
	reg := NewRegistry(nil)
	assert.IsType(t, RepanicSink{}, reg.Sink())
	assert.PanicsWithValue(t, "boom", func() { reg.Report(fault("boom")) })
}

func TestRegistry_NilSinkRepanics(t *testing.T) {
	reg := NewRegistry(nil)
	reg.SetSink(nil)
	assert.PanicsWithValue(t, "boom", func() { reg.Report(fault("boom")) })
}

func TestRegistry_GoReportsPanics(t *testing.T) {
	reg := NewRegistry(nil)
	sink := &recordingSink{}
	reg.SetSink(sink)

	reg.Go("tick-loop", func() { panic(errors.New("nil map write")) })

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "tick-loop", sink.faults[0].Goroutine)
	assert.EqualError(t, sink.faults[0].Value.(error), "nil map write")
	assert.NotEmpty(t, sink.faults[0].Stack)
}

func TestRegistry_RecoverWithoutPanicIsNoOp(t *testing.T) {
	reg := NewRegistry(nil)
	sink := &recordingSink{}
	reg.SetSink(sink)

	func() {
		defer reg.Recover("quiet")
	}()
	assert.Equal(t, 0, sink.count())
}

// =============================================================================
// Relay
// =============================================================================

func TestRelay_ObservesThenForwards(t *testing.T) {
	reg := NewRegistry(nil)
	original := &recordingSink{}
	reg.SetSink(original)
	obs := &recordingObserver{}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	relay := NewRelay(reg, WithMetrics(metrics))

	require.True(t, relay.Install(obs))
	reg.Report(fault("index out of range"))

	require.Equal(t, 1, obs.count())
	rec := obs.records[0]
	assert.Equal(t, "index out of range", rec.Message)
	assert.Equal(t, "worker", rec.ThreadName)
	assert.Contains(t, rec.StackSummary, "main.main()")
	assert.Equal(t, 1, original.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FaultsTotal.WithLabelValues(telemetry.FaultDelivered)))
}

func TestRelay_NoPreviousSinkRepanics(t *testing.T) {
	reg := NewRegistry(nil)
	reg.SetSink(nil)
	obs := &recordingObserver{}
	relay := NewRelay(reg)
	relay.Install(obs)

	assert.PanicsWithValue(t, "fatal", func() { reg.Report(fault("fatal")) })
	assert.Equal(t, 1, obs.count(), "observer sees the fault before termination")
}

func TestRelay_DefaultRegistryStillTerminates(t *testing.T) {
	reg := NewRegistry(nil)
	relay := NewRelay(reg)
	relay.Install(&recordingObserver{})
	assert.PanicsWithValue(t, "fatal", func() { reg.Report(fault("fatal")) })
}

func TestRelay_ObserverFailureStillForwards(t *testing.T) {
	tests := []struct {
		name string
		obs  *recordingObserver
	}{
		{"error", &recordingObserver{err: errors.New("bridge closed")}},
		{"panic", &recordingObserver{panics: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(nil)
			original := &recordingSink{}
			reg.SetSink(original)
			metrics := telemetry.NewMetrics(prometheus.NewRegistry())
			relay := NewRelay(reg, WithMetrics(metrics))
			relay.Install(tt.obs)

			require.NotPanics(t, func() { reg.Report(fault("boom")) })
			assert.Equal(t, 1, original.count())
			assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FaultsTotal.WithLabelValues(telemetry.FaultObserverFailed)))
		})
	}
}

func TestRelay_InstallUninstallRestoresOriginal(t *testing.T) {
	reg := NewRegistry(nil)
	original := &recordingSink{}
	reg.SetSink(original)
	obs := &recordingObserver{}
	relay := NewRelay(reg)

	relay.Install(obs)
	relay.Uninstall()
	reg.Report(fault("after uninstall"))

	assert.Same(t, original, reg.Sink())
	assert.Equal(t, 1, original.count())
	assert.Equal(t, 0, obs.count())
}

func TestRelay_UninstallIdempotent(t *testing.T) {
	reg := NewRegistry(nil)
	original := &recordingSink{}
	reg.SetSink(original)
	relay := NewRelay(reg)

	relay.Uninstall()
	assert.Same(t, original, reg.Sink())

	relay.Install(&recordingObserver{})
	relay.Uninstall()
	relay.Uninstall()
	assert.Same(t, original, reg.Sink())
	assert.False(t, relay.Installed())
}

func TestRelay_SecondInstallIsNoOp(t *testing.T) {
	reg := NewRegistry(nil)
	original := &recordingSink{}
	reg.SetSink(original)
	first, second := &recordingObserver{}, &recordingObserver{}
	relay := NewRelay(reg)

	require.True(t, relay.Install(first))
	assert.False(t, relay.Install(second))
	reg.Report(fault("once"))

	assert.Equal(t, 1, first.count())
	assert.Equal(t, 0, second.count())
	assert.Equal(t, 1, original.count())

	relay.Uninstall()
	assert.Same(t, original, reg.Sink())
}

func TestRelay_ReinstallAfterUninstall(t *testing.T) {
	reg := NewRegistry(nil)
	original := &recordingSink{}
	reg.SetSink(original)
	relay := NewRelay(reg)
	obs := &recordingObserver{}

	relay.Install(obs)
	relay.Uninstall()
	require.True(t, relay.Install(obs))
	reg.Report(fault("again"))

	assert.Equal(t, 1, obs.count())
	assert.Equal(t, 1, original.count())
}

func TestRelay_NilObserverForwards(t *testing.T) {
	reg := NewRegistry(nil)
	original := &recordingSink{}
	reg.SetSink(original)
	relay := NewRelay(reg)
	relay.Install(nil)

	reg.Report(fault("x"))
	assert.Equal(t, 1, original.count())
}

// =============================================================================
// Records
// =============================================================================

func TestNewRecord_Message(t *testing.T) {
	assert.Equal(t, "plain", NewRecord(fault("plain")).Message)
	assert.Equal(t, "wrapped", NewRecord(fault(errors.New("wrapped"))).Message)
	assert.Equal(t, "42", NewRecord(fault(42)).Message)
}

func TestSummarizeStack_Truncates(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "frame"
	}
	summary := summarizeStack([]byte(strings.Join(lines, "\n")))
	got := strings.Split(summary, "\n")
	assert.Len(t, got, maxStackLines+1)
	assert.Equal(t, "...", got[len(got)-1])
}
