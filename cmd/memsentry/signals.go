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
	"log/slog"
	"os"
	"syscall"

	"github.com/AleutianAI/memsentry/services/memsentry/trigger"
)

// pressureSignals maps OS signals to external pressure signals.
var pressureSignals = map[os.Signal]trigger.Kind{
	syscall.SIGUSR1: trigger.MemoryLow,
	syscall.SIGUSR2: trigger.StorageLow,
}

type signalTarget interface {
	Signal(ctx context.Context, sig trigger.Signal) trigger.Handling
}

// pumpSignals forwards OS signals from ch until ctx is done.
func pumpSignals(ctx context.Context, ch <-chan os.Signal, target signalTarget, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-ch:
			kind, ok := pressureSignals[sig]
			if !ok {
				continue
			}
			h := target.Signal(ctx, trigger.Signal{Kind: kind})
			logger.Info("os signal handled",
				slog.String("os_signal", sig.String()),
				slog.String("kind", h.Kind),
				slog.Bool("mitigated", h.Mitigated),
				slog.Bool("enqueued", h.Enqueued),
			)
		}
	}
}
