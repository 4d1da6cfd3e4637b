// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/memsentry/services/memsentry/scheduler"
)

// BoardStatus is a snapshot of the status board.
type BoardStatus struct {
	Active     bool
	Status     scheduler.StatusDescriptor
	AcquiredAt time.Time
}

// StatusBoard is the daemon's persistent-run privilege. Holding it publishes
// a user-visible status descriptor at GET /v1/status.
//
// # Thread Safety
//
// Safe for concurrent use.
type StatusBoard struct {
	mu         sync.RWMutex
	active     bool
	status     scheduler.StatusDescriptor
	acquiredAt time.Time
	logger     *slog.Logger
}

// NewStatusBoard creates an inactive board. logger may be nil.
func NewStatusBoard(logger *slog.Logger) *StatusBoard {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusBoard{logger: logger.With(slog.String("component", "status_board"))}
}

// Acquire publishes the descriptor. Re-acquiring replaces the descriptor.
func (b *StatusBoard) Acquire(ctx context.Context, status scheduler.StatusDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = true
	b.status = status
	b.acquiredAt = time.Now()
	b.logger.Info("status published",
		slog.String("title", status.Title),
		slog.String("priority", status.Priority.String()),
	)
	return nil
}

// Release withdraws the descriptor. Safe to call when not held.
func (b *StatusBoard) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return
	}
	b.active = false
	b.logger.Info("status withdrawn")
}

// Snapshot returns the current state.
func (b *StatusBoard) Snapshot() BoardStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BoardStatus{Active: b.active, Status: b.status, AcquiredAt: b.acquiredAt}
}

var _ scheduler.Privilege = (*StatusBoard)(nil)
