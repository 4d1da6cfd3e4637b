// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath returns ~/.memsentry/memsentry.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".memsentry", "memsentry.yaml"), nil
}

// Load reads the config at path, creating it with defaults on first run.
// An empty path means DefaultPath. Environment overrides are applied before
// validation.
func Load(path string) (Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = p
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Info("first run detected, creating default config", slog.String("path", path))
		if err := createDefault(path); err != nil {
			return Config{}, err
		}
	}
	return loadFile(path)
}

func loadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over DefaultConfig, applies environment overrides and
// validates the result.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv overrides fields from MEMSENTRY_* variables and the standard
// OTEL_EXPORTER_OTLP_ENDPOINT. Unparseable values are ignored.
func ApplyEnv(cfg *Config) {
	cfg.PackageID = getEnvString("MEMSENTRY_PACKAGE_ID", cfg.PackageID)
	cfg.HTTP.Addr = getEnvString("MEMSENTRY_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Logging.Level = getEnvString("MEMSENTRY_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Dir = getEnvString("MEMSENTRY_LOG_DIR", cfg.Logging.Dir)
	cfg.Tracing.Exporter = getEnvString("MEMSENTRY_TRACING_EXPORTER", cfg.Tracing.Exporter)
	cfg.Tracing.Endpoint = getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Influx.URL = getEnvString("MEMSENTRY_INFLUX_URL", cfg.Influx.URL)
	cfg.Influx.Token = getEnvString("MEMSENTRY_INFLUX_TOKEN", cfg.Influx.Token)
	cfg.Scheduler.Interval = getEnvDuration("MEMSENTRY_INTERVAL", cfg.Scheduler.Interval)
	cfg.Tasks.MaxAttempts = getEnvInt("MEMSENTRY_MAX_ATTEMPTS", cfg.Tasks.MaxAttempts)
	if n := getEnvInt("MEMSENTRY_MAX_BYTES", -1); n >= 0 {
		cfg.Sampler.MaxBytes = uint64(n)
	}
}

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback Duration) Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return Duration(d)
		}
	}
	return fallback
}
