// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command memsentry runs the memory pressure monitor.
//
// Usage:
//
//	memsentry run                    # daemon with host bridge on 127.0.0.1:12230
//	memsentry run --config ./m.yaml  # explicit config file
//	memsentry sample                 # one reading, classified
//	memsentry version
//
// While running, SIGUSR1 injects a memory_low signal and SIGUSR2 a
// storage_low signal:
//
//	kill -USR1 $(pidof memsentry)
//	curl -X POST http://127.0.0.1:12230/v1/signals -d '{"signal":"memory_low"}'
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set by -ldflags at build time.
var version = "dev"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:           "memsentry",
		Short:         "Watches process memory and mitigates pressure before it becomes an OOM",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the monitor daemon and host bridge",
		RunE:  runDaemon,
	}

	sampleCmd = &cobra.Command{
		Use:   "sample",
		Short: "Take one memory reading and classify it",
		RunE:  runSample,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "memsentry", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default ~/.memsentry/memsentry.yaml)")
	runCmd.Flags().Bool("no-watch", false, "do not reload the config file on change")
	sampleCmd.Flags().Bool("plain", false, "plain key=value output")

	rootCmd.AddCommand(runCmd, sampleCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "memsentry: %v\n", err)
		os.Exit(1)
	}
}
