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
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/memsentry/pkg/ux"
	"github.com/AleutianAI/memsentry/services/memsentry/config"
	"github.com/AleutianAI/memsentry/services/memsentry/policy"
	"github.com/AleutianAI/memsentry/services/memsentry/sampler"
)

func runSample(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	mode := ux.DetectMode(os.Stdout)
	if plain, _ := cmd.Flags().GetBool("plain"); plain {
		mode = ux.ModePlain
	}

	// Sampler warnings would interleave with the rendered view.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := sampler.NewRuntimeSampler(
		sampler.WithMaxBytes(cfg.Sampler.MaxBytes),
		sampler.WithLogger(quiet),
	)
	pol, err := policy.New(cfg.Policy.Thresholds())
	if err != nil {
		return fmt.Errorf("invalid thresholds: %w", err)
	}

	ux.RenderSample(cmd.OutOrStdout(), mode, sampleView(s.Sample(), pol, s.LimitSource()))
	return nil
}

func sampleView(smp sampler.MemorySample, pol *policy.Policy, source string) ux.SampleView {
	t := pol.Thresholds()
	return ux.SampleView{
		UsedMB:       smp.UsedMB(),
		MaxMB:        smp.MaxMB(),
		FreeMB:       smp.FreeMB(),
		UsagePercent: smp.UsagePercent,
		Tier:         pol.Classify(smp).String(),
		LimitSource:  source,
		Elevated:     t.Elevated,
		High:         t.High,
		Critical:     t.Critical,
	}
}
