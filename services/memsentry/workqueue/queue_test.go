// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/memsentry/services/memsentry/telemetry"
	"github.com/AleutianAI/memsentry/services/memsentry/trigger"
)

// scriptedRunner returns results in order, repeating the last one.
type scriptedRunner struct {
	mu       sync.Mutex
	results  []trigger.Result
	attempts []int
	starts   []time.Time
	block    chan struct{}
	panics   int
}

func (r *scriptedRunner) RunTask(ctx context.Context, task *trigger.MitigationTask) trigger.Result {
	r.mu.Lock()
	r.attempts = append(r.attempts, task.Attempt)
	r.starts = append(r.starts, time.Now())
	shouldPanic := r.panics > 0
	if shouldPanic {
		r.panics--
	}
	idx := len(r.attempts) - 1
	if idx >= len(r.results) {
		idx = len(r.results) - 1
	}
	result := r.results[idx]
	block := r.block
	r.mu.Unlock()

	if shouldPanic {
		panic("runner exploded")
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return trigger.Retry
		}
	}
	return result
}

func (r *scriptedRunner) runs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.attempts...)
}

func fastConfig() Config {
	return Config{
		RatePerSecond:  0,
		Burst:          10,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		Buffer:         16,
	}
}

func startQueue(t *testing.T, cfg Config, runner trigger.TaskRunner, opts ...Option) *Queue {
	t.Helper()
	q := New(cfg, opts...)
	require.NoError(t, q.Start(context.Background(), runner))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

func waitState(t *testing.T, q *Queue, task *trigger.MitigationTask, want trigger.TaskState) trigger.MitigationTask {
	t.Helper()
	var got trigger.MitigationTask
	require.Eventually(t, func() bool {
		var ok bool
		got, ok = q.Task(task.ID)
		return ok && got.State == want
	}, 3*time.Second, 2*time.Millisecond, "task never reached %s", want)
	return got
}

// =============================================================================
// Outcomes
// =============================================================================

func TestQueue_Success(t *testing.T) {
	runner := &scriptedRunner{results: []trigger.Result{trigger.Success}}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	q := startQueue(t, fastConfig(), runner, WithMetrics(metrics))

	task := trigger.NewTask("boot_completed", 3)
	require.NoError(t, q.Enqueue(context.Background(), task))

	got := waitState(t, q, task, trigger.TaskSucceeded)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, []int{1}, runner.runs())
	assert.Equal(t, Stats{Succeeded: 1}, q.Stats())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TasksTotal.WithLabelValues("success")))
}

func TestQueue_RetryThenSuccess(t *testing.T) {
	runner := &scriptedRunner{results: []trigger.Result{trigger.Retry, trigger.Success}}
	q := startQueue(t, fastConfig(), runner)

	task := trigger.NewTask("memory_low follow-up", 3)
	require.NoError(t, q.Enqueue(context.Background(), task))

	got := waitState(t, q, task, trigger.TaskSucceeded)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, []int{1, 2}, runner.runs())
}

func TestQueue_RetryExhaustsAttempts(t *testing.T) {
	runner := &scriptedRunner{results: []trigger.Result{trigger.Retry}}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	q := startQueue(t, fastConfig(), runner, WithMetrics(metrics))

	task := trigger.NewTask("boot_completed", 3)
	require.NoError(t, q.Enqueue(context.Background(), task))

	got := waitState(t, q, task, trigger.TaskFailedTerminal)
	assert.Equal(t, 3, got.Attempt)
	assert.Equal(t, []int{1, 2, 3}, runner.runs())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.TasksTotal.WithLabelValues("retry")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TasksTotal.WithLabelValues("permanent_failure")))
}

func TestQueue_PermanentFailureIsTerminal(t *testing.T) {
	runner := &scriptedRunner{results: []trigger.Result{trigger.PermanentFailure}}
	q := startQueue(t, fastConfig(), runner)

	task := trigger.NewTask("boot_completed", 5)
	require.NoError(t, q.Enqueue(context.Background(), task))

	waitState(t, q, task, trigger.TaskFailedTerminal)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []int{1}, runner.runs())
}

func TestQueue_RunnerPanicCountsAsRetry(t *testing.T) {
	runner := &scriptedRunner{results: []trigger.Result{trigger.Success}, panics: 1}
	q := startQueue(t, fastConfig(), runner)

	task := trigger.NewTask("boot_completed", 3)
	require.NoError(t, q.Enqueue(context.Background(), task))

	got := waitState(t, q, task, trigger.TaskSucceeded)
	assert.Equal(t, 2, got.Attempt)
}

// =============================================================================
// Enqueue
// =============================================================================

func TestEnqueue_Errors(t *testing.T) {
	q := New(fastConfig())
	assert.ErrorIs(t, q.Enqueue(context.Background(), trigger.NewTask("x", 1)), ErrNotStarted)

	runner := &scriptedRunner{results: []trigger.Result{trigger.Success}}
	require.NoError(t, q.Start(context.Background(), runner))
	assert.ErrorIs(t, q.Start(context.Background(), runner), ErrAlreadyStarted)
	assert.ErrorIs(t, q.Enqueue(context.Background(), nil), ErrNilTask)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, q.Enqueue(cancelled, trigger.NewTask("x", 1)), context.Canceled)

	require.NoError(t, q.Close(context.Background()))
	require.NoError(t, q.Close(context.Background()))
	assert.ErrorIs(t, q.Enqueue(context.Background(), trigger.NewTask("x", 1)), ErrQueueClosed)
	assert.ErrorIs(t, q.Start(context.Background(), runner), ErrQueueClosed)
}

func TestEnqueue_DuplicateIDRunsOnce(t *testing.T) {
	release := make(chan struct{})
	runner := &scriptedRunner{results: []trigger.Result{trigger.Success}, block: release}
	q := startQueue(t, fastConfig(), runner)

	task := trigger.NewTask("boot_completed", 1)
	require.NoError(t, q.Enqueue(context.Background(), task))
	require.NoError(t, q.Enqueue(context.Background(), task))
	close(release)

	waitState(t, q, task, trigger.TaskSucceeded)
	assert.Len(t, runner.runs(), 1)
}

func TestEnqueue_AssignsMissingID(t *testing.T) {
	runner := &scriptedRunner{results: []trigger.Result{trigger.Success}}
	q := startQueue(t, fastConfig(), runner)

	task := &trigger.MitigationTask{Reason: "manual"}
	require.NoError(t, q.Enqueue(context.Background(), task))
	got := waitState(t, q, task, trigger.TaskSucceeded)
	assert.Equal(t, 1, got.MaxAttempts)
}

func TestEnqueue_FullBuffer(t *testing.T) {
	cfg := fastConfig()
	cfg.RatePerSecond = 0.001
	cfg.Burst = 1
	cfg.Buffer = 1
	release := make(chan struct{})
	defer close(release)
	runner := &scriptedRunner{results: []trigger.Result{trigger.Success}, block: release}
	q := startQueue(t, cfg, runner)

	var lastErr error
	for i := 0; i < 5 && lastErr == nil; i++ {
		lastErr = q.Enqueue(context.Background(), trigger.NewTask("flood", 1))
	}
	assert.ErrorIs(t, lastErr, ErrQueueFull)
}

// =============================================================================
// Rate Limiting and Shutdown
// =============================================================================

func TestQueue_RateLimitsStarts(t *testing.T) {
	cfg := fastConfig()
	cfg.RatePerSecond = 10
	cfg.Burst = 1
	runner := &scriptedRunner{results: []trigger.Result{trigger.Success}}
	q := startQueue(t, cfg, runner)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(context.Background(), trigger.NewTask("boot_completed", 1)))
	}
	require.Eventually(t, func() bool { return q.Stats().Succeeded == 3 }, 3*time.Second, 5*time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.starts, 3)
	assert.GreaterOrEqual(t, runner.starts[2].Sub(runner.starts[0]), 150*time.Millisecond)
}

func TestClose_WaitsForRunningTask(t *testing.T) {
	release := make(chan struct{})
	runner := &scriptedRunner{results: []trigger.Result{trigger.Success}, block: release}
	q := New(fastConfig())
	require.NoError(t, q.Start(context.Background(), runner))

	task := trigger.NewTask("boot_completed", 1)
	require.NoError(t, q.Enqueue(context.Background(), task))
	waitState(t, q, task, trigger.TaskRunning)

	closed := make(chan error, 1)
	go func() { closed <- q.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("Close returned while a task was running")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	got, _ := q.Task(task.ID)
	assert.Equal(t, trigger.TaskSucceeded, got.State)
}

func TestClose_TimeoutCancelsRunningTask(t *testing.T) {
	runner := &scriptedRunner{results: []trigger.Result{trigger.Success}, block: make(chan struct{})}
	q := New(fastConfig())
	require.NoError(t, q.Start(context.Background(), runner))

	task := trigger.NewTask("boot_completed", 1)
	require.NoError(t, q.Enqueue(context.Background(), task))
	waitState(t, q, task, trigger.TaskRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)

	waitState(t, q, task, trigger.TaskFailedTerminal)
}

func TestQueue_KeepsDispatchingAfterStartContextEnds(t *testing.T) {
	runner := &scriptedRunner{results: []trigger.Result{trigger.Success}}
	q := New(fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Start(ctx, runner))
	t.Cleanup(func() { _ = q.Close(context.Background()) })

	cancel()
	time.Sleep(10 * time.Millisecond)

	task := trigger.NewTask("critical_post_check", 1)
	require.NoError(t, q.Enqueue(context.Background(), task))
	waitState(t, q, task, trigger.TaskSucceeded)
	assert.Equal(t, []int{1}, runner.runs())
}

func TestQueue_FinishedTasksLeaveLiveSet(t *testing.T) {
	cfg := fastConfig()
	cfg.Buffer = 256
	cfg.History = 8
	runner := &scriptedRunner{results: []trigger.Result{trigger.Success}}
	q := startQueue(t, cfg, runner)

	tasks := make([]*trigger.MitigationTask, 200)
	for i := range tasks {
		tasks[i] = trigger.NewTask("critical_post_check", 1)
		require.NoError(t, q.Enqueue(context.Background(), tasks[i]))
	}
	require.Eventually(t, func() bool { return q.Stats().Succeeded == 200 }, 3*time.Second, 5*time.Millisecond)

	q.mu.Lock()
	live, kept := len(q.entries), len(q.history)
	q.mu.Unlock()
	assert.Zero(t, live)
	assert.Equal(t, 8, kept)
	assert.Equal(t, Stats{Succeeded: 200}, q.Stats())

	// Completion order is not enqueue order, so check through the history.
	q.mu.Lock()
	recent := q.history[0].ID
	q.mu.Unlock()
	got, ok := q.Task(recent)
	require.True(t, ok)
	assert.Equal(t, trigger.TaskSucceeded, got.State)
}

func TestQueue_FailedTasksCounted(t *testing.T) {
	runner := &scriptedRunner{results: []trigger.Result{trigger.PermanentFailure}}
	q := startQueue(t, fastConfig(), runner)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(context.Background(), trigger.NewTask("boot_completed", 2)))
	}
	require.Eventually(t, func() bool { return q.Stats().FailedTerminal == 3 }, 3*time.Second, 5*time.Millisecond)

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Empty(t, q.entries)
}

func TestEnqueue_AfterFinishRunsAgain(t *testing.T) {
	runner := &scriptedRunner{results: []trigger.Result{trigger.Success}}
	q := startQueue(t, fastConfig(), runner)

	task := trigger.NewTask("boot_completed", 1)
	require.NoError(t, q.Enqueue(context.Background(), task))
	waitState(t, q, task, trigger.TaskSucceeded)

	require.NoError(t, q.Enqueue(context.Background(), task))
	require.Eventually(t, func() bool { return len(runner.runs()) == 2 }, 3*time.Second, 2*time.Millisecond)
}

func TestNew_Defaults(t *testing.T) {
	q := New(Config{})
	def := DefaultConfig()
	assert.Equal(t, def.Burst, q.cfg.Burst)
	assert.Equal(t, def.InitialBackoff, q.cfg.InitialBackoff)
	assert.Equal(t, def.MaxBackoff, q.cfg.MaxBackoff)
	assert.Equal(t, def.Buffer, cap(q.pending))
	assert.Equal(t, def.History, q.cfg.History)
}
