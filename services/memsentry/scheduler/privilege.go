// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import "context"

// Priority is the user-visible importance of the status surface.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityDefault
	PriorityHigh
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityDefault:
		return "default"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// StatusDescriptor is what the host shows while the scheduler holds the
// persistent-run privilege.
type StatusDescriptor struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Priority Priority `json:"priority"`
	Ongoing  bool     `json:"ongoing"`
}

// DefaultStatus returns the descriptor shown while monitoring.
func DefaultStatus() StatusDescriptor {
	return StatusDescriptor{
		Title:    "Memory Optimization",
		Body:     "Optimizing app memory usage",
		Priority: PriorityLow,
		Ongoing:  true,
	}
}

// Privilege lets the host keep the process alive while the scheduler runs.
// A refused Acquire is logged and the scheduler runs anyway.
type Privilege interface {
	Acquire(ctx context.Context, status StatusDescriptor) error
	Release()
}

type noPrivilege struct{}

func (noPrivilege) Acquire(context.Context, StatusDescriptor) error { return nil }
func (noPrivilege) Release()                                        {}
