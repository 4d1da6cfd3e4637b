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
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/memsentry/pkg/validation"
	"github.com/AleutianAI/memsentry/services/memsentry/sampler"
	"github.com/AleutianAI/memsentry/services/memsentry/trigger"
	"github.com/AleutianAI/memsentry/services/memsentry/workqueue"
)

// ReportErrorRequest is the body of POST /v1/errors.
type ReportErrorRequest struct {
	Message string `json:"message" binding:"required"`
}

// MemoryInfo is the getMemoryInfo response.
type MemoryInfo struct {
	UsedMB       uint64 `json:"usedMB"`
	MaxMB        uint64 `json:"maxMB"`
	FreeMB       uint64 `json:"freeMB"`
	UsagePercent int    `json:"usagePercent"`
	Error        string `json:"error,omitempty"`
}

// SignalRequest is the body of POST /v1/signals.
type SignalRequest struct {
	Signal    string `json:"signal" binding:"required"`
	PackageID string `json:"package_id,omitempty"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Scheduler SchedulerStatus `json:"scheduler"`
	Board     BoardView       `json:"board"`
	Queue     workqueue.Stats `json:"queue"`
	Faults    FaultStatus     `json:"faults"`
}

// SchedulerStatus describes the periodic loop.
type SchedulerStatus struct {
	State string `json:"state"`
	Ticks int64  `json:"ticks"`
}

// BoardView renders the status board.
type BoardView struct {
	Active     bool       `json:"active"`
	Title      string     `json:"title,omitempty"`
	Body       string     `json:"body,omitempty"`
	Priority   string     `json:"priority,omitempty"`
	Ongoing    bool       `json:"ongoing"`
	AcquiredAt *time.Time `json:"acquiredAt,omitempty"`
}

// FaultStatus reports fault stream subscribers.
type FaultStatus struct {
	Subscribers int `json:"subscribers"`
}

// LifecycleResponse reports the mitigation a lifecycle hook performed.
type LifecycleResponse struct {
	Tier         string `json:"tier"`
	UsagePercent int    `json:"usagePercent"`
	Collections  int    `json:"collections"`
	Evicted      bool   `json:"evicted"`
	Escalated    bool   `json:"escalated"`
	Error        string `json:"error,omitempty"`
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// handleReportError logs a host-reported error and acknowledges it.
func (b *Bridge) handleReportError(c *gin.Context) {
	var req ReportErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	b.logger.Error("host reported error", slog.String("message", req.Message))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleMemoryInfo samples memory. A failed or unknown reading answers with
// zeroed values and an error field rather than an HTTP error.
func (b *Bridge) handleMemoryInfo(c *gin.Context) {
	c.JSON(http.StatusOK, b.memoryInfo())
}

func (b *Bridge) memoryInfo() (info MemoryInfo) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("memory sampling panicked", slog.Any("panic", r))
			info = MemoryInfo{Error: fmt.Sprintf("%v", r)}
		}
	}()
	s := b.deps.Sampler.Sample()
	if s.MaxBytes == 0 {
		return MemoryInfo{Error: "memory ceiling unknown"}
	}
	return toMemoryInfo(s)
}

func toMemoryInfo(s sampler.MemorySample) MemoryInfo {
	return MemoryInfo{
		UsedMB:       s.UsedMB(),
		MaxMB:        s.MaxMB(),
		FreeMB:       s.FreeMB(),
		UsagePercent: s.UsagePercent,
	}
}

func (b *Bridge) handleSignal(c *gin.Context) {
	var req SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signal is required"})
		return
	}
	kind, err := trigger.ParseKind(req.Signal)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PackageID != "" {
		if err := validation.ValidatePackageID(req.PackageID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	h := b.deps.Signals.Signal(c.Request.Context(), trigger.Signal{Kind: kind, PackageID: req.PackageID})
	c.JSON(http.StatusOK, h)
}

func (b *Bridge) handleStatus(c *gin.Context) {
	snap := b.deps.Board.Snapshot()
	view := BoardView{Active: snap.Active}
	if snap.Active {
		view.Title = snap.Status.Title
		view.Body = snap.Status.Body
		view.Priority = snap.Status.Priority.String()
		view.Ongoing = snap.Status.Ongoing
		at := snap.AcquiredAt
		view.AcquiredAt = &at
	}
	c.JSON(http.StatusOK, StatusResponse{
		Scheduler: SchedulerStatus{
			State: b.deps.Status.SchedulerState().String(),
			Ticks: b.deps.Status.SchedulerTicks(),
		},
		Board:  view,
		Queue:  b.deps.Status.QueueStats(),
		Faults: FaultStatus{Subscribers: b.deps.Hub.Clients()},
	})
}

func (b *Bridge) handleForeground(c *gin.Context) {
	res := b.deps.Lifecycle.OnForeground(c.Request.Context())
	resp := LifecycleResponse{
		Tier:         res.Tier.String(),
		UsagePercent: res.Sample.UsagePercent,
		Collections:  res.Outcome.Collections,
		Evicted:      res.Outcome.Evicted,
		Escalated:    res.Outcome.Escalated,
	}
	if err := firstErr(res.Err, res.Outcome.Err); err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (b *Bridge) handleBackground(c *gin.Context) {
	out := b.deps.Lifecycle.OnBackground(c.Request.Context())
	resp := LifecycleResponse{
		Tier:        out.Tier.String(),
		Collections: out.Collections,
		Evicted:     out.Evicted,
		Escalated:   out.Escalated,
	}
	if out.PostSample != nil {
		resp.UsagePercent = out.PostSample.UsagePercent
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
