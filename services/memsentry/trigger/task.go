// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trigger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a MitigationTask.
//
//	Pending -> Running -> Succeeded
//	                   -> Retrying -> Pending
//	                   -> FailedTerminal
type TaskState int

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskSucceeded
	TaskRetrying
	TaskFailedTerminal
)

// String returns the state name.
func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskSucceeded:
		return "succeeded"
	case TaskRetrying:
		return "retrying"
	case TaskFailedTerminal:
		return "failed_terminal"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further runs will happen.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailedTerminal
}

// Result is what one run of a task reports to the work facility.
type Result int

const (
	Success Result = iota
	Retry
	PermanentFailure
)

// String returns the result name used in metric labels.
func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// MitigationTask is a deferred one-shot Critical mitigation.
//
// Attempt is the 1-based number of the run in progress; the work facility
// increments it before each run. FailedTerminal is reached only once
// Attempt has reached MaxAttempts.
type MitigationTask struct {
	ID          uuid.UUID
	Reason      string
	Attempt     int
	MaxAttempts int
	State       TaskState
	CreatedAt   time.Time
}

// NewTask creates a pending task with a fresh ID.
func NewTask(reason string, maxAttempts int) *MitigationTask {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &MitigationTask{
		ID:          uuid.New(),
		Reason:      reason,
		MaxAttempts: maxAttempts,
		State:       TaskPending,
		CreatedAt:   time.Now(),
	}
}

// WorkFacility accepts deferred tasks and runs them, possibly more than once.
type WorkFacility interface {
	Enqueue(ctx context.Context, task *MitigationTask) error
}

// TaskRunner executes one attempt of a task.
type TaskRunner interface {
	RunTask(ctx context.Context, task *MitigationTask) Result
}
