// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/memsentry/pkg/logging"
	"github.com/AleutianAI/memsentry/services/memsentry"
	"github.com/AleutianAI/memsentry/services/memsentry/config"
	"github.com/AleutianAI/memsentry/services/memsentry/faultrelay"
	"github.com/AleutianAI/memsentry/services/memsentry/telemetry"
)

const shutdownTimeout = 10 * time.Second

// initTelemetry is replaced in tests.
var initTelemetry = telemetry.Init

// runDaemon loads config, starts the Subsystem and serves until SIGINT or
// SIGTERM.
//
// # Description
//
// Three goroutines run under one errgroup: the host bridge HTTP server, the
// OS signal pump (SIGUSR1/SIGUSR2) and, unless --no-watch, the config file
// watcher. The first to fail cancels the others. Each runs behind the
// Subsystem's fault registry, so a panic in any of them reaches the fault
// relay before the process dies.
func runDaemon(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "memsentry",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	noWatch, _ := cmd.Flags().GetBool("no-watch")
	return withTelemetry(ctx, cfg, func(ctx context.Context) error {
		return serve(ctx, cfg, path, !noWatch, logger.Slog())
	})
}

// withTelemetry installs the tracer and meter providers, runs fn, and
// always shuts the providers down afterwards.
func withTelemetry(ctx context.Context, cfg config.Config, fn func(ctx context.Context) error) (err error) {
	shutdownTelemetry, err := initTelemetry(ctx, telemetry.Config{
		ServiceName:    "memsentry",
		ServiceVersion: version,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		MetricExporter: cfg.Tracing.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, shutdownTelemetry(shutdownCtx))
	}()
	return fn(ctx)
}

// serve starts the Subsystem and runs the daemon goroutines until ctx ends
// or one of them fails.
func serve(ctx context.Context, cfg config.Config, path string, watch bool, logger *slog.Logger) error {
	sub, err := memsentry.New(cfg, memsentry.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := sub.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	faults := sub.Registry()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(guarded(faults, "bridge_server", func() error {
		return sub.Bridge().ListenAndServe(gctx, cfg.HTTP.Addr)
	}))
	g.Go(guarded(faults, "signal_pump", func() error {
		return pumpSignals(gctx, sigCh, sub, logger)
	}))
	if watch {
		w, err := config.NewWatcher(path, func(c config.Config) {
			if err := sub.ApplyConfig(c); err != nil {
				logger.Warn("failed to apply reloaded config", "error", err)
			}
		}, logger)
		if err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		} else {
			g.Go(guarded(faults, "config_watcher", func() error { return w.Run(gctx) }))
		}
	}

	runErr := g.Wait()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, sub.Stop(stopCtx))
}

// guarded wraps an errgroup function so its panics are reported to the
// fault registry under name.
func guarded(faults *faultrelay.Registry, name string, fn func() error) func() error {
	return func() error {
		defer faults.Recover(name)
		return fn()
	}
}
