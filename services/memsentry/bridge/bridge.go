// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bridge exposes the monitor to its host over HTTP and WebSocket.
//
// Inbound host methods are reportError (POST /v1/errors) and getMemoryInfo
// (GET /v1/memory). The outbound onNativeFault method is streamed over
// GET /v1/faults/ws. The same router carries signal injection, lifecycle
// hooks, the status board and Prometheus metrics.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/memsentry/services/memsentry/mitigation"
	"github.com/AleutianAI/memsentry/services/memsentry/sampler"
	"github.com/AleutianAI/memsentry/services/memsentry/scheduler"
	"github.com/AleutianAI/memsentry/services/memsentry/trigger"
	"github.com/AleutianAI/memsentry/services/memsentry/workqueue"
)

const shutdownGrace = 5 * time.Second

// SignalHandler routes external signals.
type SignalHandler interface {
	Signal(ctx context.Context, sig trigger.Signal) trigger.Handling
}

// Lifecycle receives host foreground and background transitions.
type Lifecycle interface {
	OnForeground(ctx context.Context) scheduler.TickResult
	OnBackground(ctx context.Context) mitigation.Outcome
}

// StatusSource reports loop and queue state for GET /v1/status.
type StatusSource interface {
	SchedulerState() scheduler.State
	SchedulerTicks() int64
	QueueStats() workqueue.Stats
}

// Deps are the components the bridge serves. Sampler, Signals, Lifecycle and
// Status are required.
type Deps struct {
	Sampler   sampler.Sampler
	Signals   SignalHandler
	Lifecycle Lifecycle
	Status    StatusSource

	// Board and Hub default to fresh instances when nil.
	Board *StatusBoard
	Hub   *FaultHub

	// Gatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// ServiceName tags request spans. Defaults to "memsentry".
	ServiceName string

	Logger *slog.Logger
}

// Bridge is the host-facing HTTP surface.
//
// # Thread Safety
//
// Handlers are safe for concurrent use. ListenAndServe may be called once.
type Bridge struct {
	deps   Deps
	router *gin.Engine
	logger *slog.Logger
}

// New builds the router.
//
// # Inputs
//
//   - deps: Served components. See Deps.
//
// # Outputs
//
//   - *Bridge: Ready to serve.
//   - error: Non-nil when a required dependency is missing.
func New(deps Deps) (*Bridge, error) {
	if deps.Sampler == nil || deps.Signals == nil || deps.Lifecycle == nil || deps.Status == nil {
		return nil, errors.New("bridge: sampler, signals, lifecycle and status are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Board == nil {
		deps.Board = NewStatusBoard(deps.Logger)
	}
	if deps.Hub == nil {
		deps.Hub = NewFaultHub(deps.Logger)
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.ServiceName == "" {
		deps.ServiceName = "memsentry"
	}

	b := &Bridge{
		deps:   deps,
		logger: deps.Logger.With(slog.String("component", "bridge")),
	}
	b.router = gin.New()
	b.router.Use(gin.Recovery())
	b.router.Use(otelgin.Middleware(deps.ServiceName))
	b.setupRoutes()
	return b, nil
}

func (b *Bridge) setupRoutes() {
	b.router.GET("/health", handleHealth)
	b.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(b.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := b.router.Group("/v1")
	{
		v1.POST("/errors", b.handleReportError)
		v1.GET("/memory", b.handleMemoryInfo)
		v1.POST("/signals", b.handleSignal)
		v1.GET("/status", b.handleStatus)
		v1.GET("/faults/ws", b.deps.Hub.Serve)

		lifecycle := v1.Group("/lifecycle")
		{
			lifecycle.POST("/foreground", b.handleForeground)
			lifecycle.POST("/background", b.handleBackground)
		}
	}
}

// Handler returns the router.
func (b *Bridge) Handler() http.Handler { return b.router }

// Board returns the status board.
func (b *Bridge) Board() *StatusBoard { return b.deps.Board }

// Hub returns the fault hub.
func (b *Bridge) Hub() *FaultHub { return b.deps.Hub }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully and disconnects fault subscribers.
func (b *Bridge) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           b.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("bridge listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("bridge server failed: %w", err)
	case <-ctx.Done():
	}

	b.deps.Hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("bridge shutdown failed: %w", err)
	}
	return nil
}
