// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workqueue is an in-memory work facility for deferred mitigation
// tasks.
//
// Task starts are rate limited, and tasks that ask to be retried come back
// after an exponential backoff. Nothing survives a restart.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/memsentry/services/memsentry/telemetry"
	"github.com/AleutianAI/memsentry/services/memsentry/trigger"
)

const tracerName = "memsentry.workqueue"

var (
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("work queue closed")

	// ErrQueueFull is returned when the pending buffer is full.
	ErrQueueFull = errors.New("work queue full")

	// ErrNotStarted is returned by Enqueue before Start.
	ErrNotStarted = errors.New("work queue not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("work queue already started")

	// ErrNilTask is returned when Enqueue is given a nil task.
	ErrNilTask = errors.New("nil task")
)

// Config configures a Queue.
type Config struct {
	// RatePerSecond limits how many task runs may start per second.
	// Zero or negative means unlimited.
	RatePerSecond float64

	// Burst is the limiter burst size.
	Burst int

	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration

	// Buffer is the capacity of the pending channel.
	Buffer int

	// History is how many finished tasks Task can still look up.
	History int
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		RatePerSecond:  1,
		Burst:          2,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     2 * time.Minute,
		Buffer:         64,
		History:        32,
	}
}

// Stats counts live tasks by state. Succeeded and FailedTerminal are totals
// since Start.
type Stats struct {
	Pending        int `json:"pending"`
	Running        int `json:"running"`
	Retrying       int `json:"retrying"`
	Succeeded      int `json:"succeeded"`
	FailedTerminal int `json:"failed_terminal"`
}

type entry struct {
	task    trigger.MitigationTask
	backoff *backoff.ExponentialBackOff
}

// Queue runs deferred tasks on their own goroutines.
//
// # Thread Safety
//
// Safe for concurrent use.
type Queue struct {
	cfg     Config
	limiter *rate.Limiter
	pending chan uuid.UUID
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu sync.Mutex
	// entries holds live tasks only. Finished tasks move to history and
	// the succeeded/failed counters.
	entries   map[uuid.UUID]*entry
	history   []trigger.MitigationTask
	next      int
	succeeded int
	failed    int
	runner    trigger.TaskRunner
	started   bool
	closed    bool

	loopCancel context.CancelFunc
	runCtx     context.Context
	runCancel  context.CancelFunc
	loopDone   chan struct{}
	wg         sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates a stopped queue. Zero config fields take DefaultConfig values.
func New(cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.Burst < 1 {
		cfg.Burst = def.Burst
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.InitialBackoff)
	}
	if cfg.Buffer < 1 {
		cfg.Buffer = def.Buffer
	}
	if cfg.History < 1 {
		cfg.History = def.History
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	q := &Queue{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		pending: make(chan uuid.UUID, cfg.Buffer),
		entries: make(map[uuid.UUID]*entry),
		history: make([]trigger.MitigationTask, 0, cfg.History),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(slog.String("component", "workqueue"))
	return q
}

// Start begins dispatching tasks to runner.
//
// # Inputs
//
//   - ctx: Values are passed to task runs. Its cancellation is ignored;
//     only Close stops dispatch.
//   - runner: Executes each attempt. Must not be nil.
func (q *Queue) Start(ctx context.Context, runner trigger.TaskRunner) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.started {
		return ErrAlreadyStarted
	}
	if runner == nil {
		return errors.New("workqueue: nil runner")
	}

	loopCtx, loopCancel := context.WithCancel(context.WithoutCancel(ctx))
	q.runCtx, q.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	q.loopCancel = loopCancel
	q.loopDone = make(chan struct{})
	q.runner = runner
	q.started = true

	go q.loop(loopCtx)
	q.logger.Info("work queue started",
		slog.Float64("rate_per_second", q.cfg.RatePerSecond),
		slog.Int("burst", q.cfg.Burst),
	)
	return nil
}

// Enqueue accepts a task. It implements trigger.WorkFacility.
//
// # Description
//
// The queue keeps its own copy of the task. A task whose ID is already
// known and not terminal is accepted without being queued twice. A zero ID
// is replaced with a fresh one.
func (q *Queue) Enqueue(ctx context.Context, task *trigger.MitigationTask) error {
	if task == nil {
		return ErrNilTask
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case q.closed:
		return ErrQueueClosed
	case !q.started:
		return ErrNotStarted
	}
	select {
	case <-q.loopDone:
		return ErrQueueClosed
	default:
	}

	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if _, ok := q.entries[task.ID]; ok {
		return nil
	}

	stored := *task
	stored.State = trigger.TaskPending
	if stored.MaxAttempts < 1 {
		stored.MaxAttempts = 1
	}

	select {
	case q.pending <- stored.ID:
	default:
		return fmt.Errorf("%w: %d tasks pending", ErrQueueFull, len(q.pending))
	}
	q.entries[stored.ID] = &entry{task: stored, backoff: q.newBackoff()}
	return nil
}

func (q *Queue) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.InitialBackoff
	b.MaxInterval = q.cfg.MaxBackoff
	b.Reset()
	return b
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.pending:
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
			q.launch(id)
		}
	}
}

func (q *Queue) launch(id uuid.UUID) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || e.task.State != trigger.TaskPending {
		q.mu.Unlock()
		return
	}
	e.task.State = trigger.TaskRunning
	e.task.Attempt++
	snapshot := e.task
	runner := q.runner
	ctx := q.runCtx
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		result := q.run(ctx, runner, &snapshot)
		q.finish(id, result)
	}()
}

// run executes one attempt. A panicking runner counts as a failed attempt.
func (q *Queue) run(ctx context.Context, runner trigger.TaskRunner, task *trigger.MitigationTask) (result trigger.Result) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Queue.run",
		trace.WithAttributes(
			attribute.String("task_id", task.ID.String()),
			attribute.Int("attempt", task.Attempt),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task runner panicked",
				slog.String("task_id", task.ID.String()),
				slog.Any("panic", r),
			)
			telemetry.RecordError(span, fmt.Errorf("task runner panicked: %v", r))
			result = trigger.Retry
		}
		span.SetAttributes(attribute.String("result", result.String()))
	}()
	return runner.RunTask(ctx, task)
}

func (q *Queue) finish(id uuid.UUID, result trigger.Result) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	if result == trigger.Retry && e.task.Attempt >= e.task.MaxAttempts {
		result = trigger.PermanentFailure
	}
	q.metrics.IncTask(result.String())

	switch result {
	case trigger.Success:
		q.retireLocked(e, trigger.TaskSucceeded)
		q.mu.Unlock()
		return
	case trigger.Retry:
		e.task.State = trigger.TaskRetrying
	default:
		q.retireLocked(e, trigger.TaskFailedTerminal)
		q.mu.Unlock()
		q.logger.Error("task failed terminally",
			slog.String("task_id", id.String()),
			slog.String("reason", e.task.Reason),
			slog.Int("attempts", e.task.Attempt),
		)
		return
	}

	delay := e.backoff.NextBackOff()
	if delay < 0 {
		delay = q.cfg.MaxBackoff
	}
	attempt := e.task.Attempt
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	q.logger.Debug("task scheduled for retry",
		slog.String("task_id", id.String()),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
	go q.requeueAfter(id, delay)
}

func (q *Queue) requeueAfter(id uuid.UUID, delay time.Duration) {
	defer q.wg.Done()
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-q.loopDoneOrClosed():
		return
	case <-timer.C:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || q.closed || e.task.State != trigger.TaskRetrying {
		return
	}
	select {
	case q.pending <- id:
		e.task.State = trigger.TaskPending
	default:
		q.retireLocked(e, trigger.TaskFailedTerminal)
		q.logger.Error("retry dropped, queue full", slog.String("task_id", id.String()))
	}
}

// retireLocked moves a finished task out of entries. Caller holds q.mu.
func (q *Queue) retireLocked(e *entry, state trigger.TaskState) {
	e.task.State = state
	delete(q.entries, e.task.ID)
	if state == trigger.TaskSucceeded {
		q.succeeded++
	} else {
		q.failed++
	}

	if len(q.history) < q.cfg.History {
		q.history = append(q.history, e.task)
		return
	}
	q.history[q.next] = e.task
	q.next = (q.next + 1) % q.cfg.History
}

func (q *Queue) loopDoneOrClosed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loopDone
}

// Close stops accepting tasks, stops dispatch, and waits for running tasks
// and pending retry timers to finish.
//
// # Outputs
//
//   - error: ctx.Err() if ctx ends first. Running tasks are then cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	q.mu.Unlock()

	if !started {
		return nil
	}
	q.loopCancel()
	<-q.loopDone

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.runCancel()
		q.logger.Info("work queue closed", slog.Any("stats", q.Stats()))
		return nil
	case <-ctx.Done():
		q.runCancel()
		q.logger.Warn("work queue close timed out, cancelling running tasks")
		return ctx.Err()
	}
}

// Stats returns task counts by state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Succeeded: q.succeeded, FailedTerminal: q.failed}
	for _, e := range q.entries {
		switch e.task.State {
		case trigger.TaskPending:
			s.Pending++
		case trigger.TaskRunning:
			s.Running++
		case trigger.TaskRetrying:
			s.Retrying++
		}
	}
	return s
}

// Task returns a copy of the task with the given ID. Finished tasks stay
// visible until Config.History newer ones have finished.
func (q *Queue) Task(id uuid.UUID) (trigger.MitigationTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[id]; ok {
		return e.task, true
	}
	for _, t := range q.history {
		if t.ID == id {
			return t, true
		}
	}
	return trigger.MitigationTask{}, false
}

var _ trigger.WorkFacility = (*Queue)(nil)
