// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the memsentry YAML configuration.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/memsentry/services/memsentry/policy"
)

// Duration is a time.Duration that reads and writes as "30s" in YAML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML writes the duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts "30s" style strings. A bare 0 is allowed; other
// unitless numbers are rejected.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	// ParseDuration rejects unitless numbers other than 0.
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: use a unit, e.g. \"30s\"", value.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full daemon configuration.
type Config struct {
	// PackageID is this process's own package identifier, matched against
	// self_package_replaced signals.
	PackageID string `yaml:"package_id" validate:"required,package_id"`

	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Policy     PolicyConfig     `yaml:"policy"`
	Mitigation MitigationConfig `yaml:"mitigation"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Sampler    SamplerConfig    `yaml:"sampler"`
	HTTP       HTTPConfig       `yaml:"http"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Influx     InfluxConfig     `yaml:"influx"`
}

// SchedulerConfig controls the periodic loop.
type SchedulerConfig struct {
	Interval        Duration `yaml:"interval" validate:"gt=0"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// PolicyConfig holds the tier thresholds in percent.
type PolicyConfig struct {
	Elevated int `yaml:"elevated" validate:"min=1,max=100"`
	High     int `yaml:"high" validate:"min=1,max=100,gtfield=Elevated"`
	Critical int `yaml:"critical" validate:"min=1,max=100,gtfield=High"`
}

// Thresholds converts to policy thresholds.
func (p PolicyConfig) Thresholds() policy.Thresholds {
	return policy.Thresholds{Elevated: p.Elevated, High: p.High, Critical: p.Critical}
}

// MitigationConfig tunes the Critical sequence.
type MitigationConfig struct {
	CriticalCollections int      `yaml:"critical_collections" validate:"min=1,max=10"`
	CollectionDelay     Duration `yaml:"collection_delay" validate:"gte=0"`
}

// TasksConfig tunes the deferred work queue.
type TasksConfig struct {
	MaxAttempts    int      `yaml:"max_attempts" validate:"min=1,max=20"`
	InitialBackoff Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff     Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
	RatePerSecond  float64  `yaml:"rate_per_second" validate:"gte=0"`
	Burst          int      `yaml:"burst" validate:"min=1"`
}

// SamplerConfig overrides memory ceiling detection.
type SamplerConfig struct {
	// MaxBytes pins the memory ceiling. 0 means detect.
	MaxBytes uint64 `yaml:"max_bytes"`
}

// HTTPConfig configures the host method bridge listener.
type HTTPConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// TracingConfig selects the span and OTel metric exporters.
type TracingConfig struct {
	Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure bool   `yaml:"insecure"`
	Metrics  string `yaml:"metrics" validate:"oneof=none prometheus stdout"`
}

// InfluxConfig enables per-tick sample export when URL is set.
type InfluxConfig struct {
	URL    string `yaml:"url" validate:"omitempty,url"`
	Token  string `yaml:"token" validate:"required_with=URL"`
	Org    string `yaml:"org" validate:"required_with=URL"`
	Bucket string `yaml:"bucket" validate:"required_with=URL"`
}

// Enabled reports whether export is configured.
func (i InfluxConfig) Enabled() bool { return i.URL != "" }

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		PackageID: "com.aleutian.memsentry",
		Scheduler: SchedulerConfig{
			Interval:        Duration(30 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Policy: PolicyConfig{Elevated: 75, High: 80, Critical: 85},
		Mitigation: MitigationConfig{
			CriticalCollections: 3,
			CollectionDelay:     Duration(100 * time.Millisecond),
		},
		Tasks: TasksConfig{
			MaxAttempts:    3,
			InitialBackoff: Duration(5 * time.Second),
			MaxBackoff:     Duration(2 * time.Minute),
			RatePerSecond:  1,
			Burst:          2,
		},
		HTTP:    HTTPConfig{Addr: "127.0.0.1:12230"},
		Logging: LoggingConfig{Level: "info", Dir: "~/.memsentry/logs"},
		Tracing: TracingConfig{Exporter: "none", Endpoint: "localhost:4317", Insecure: true, Metrics: "prometheus"},
	}
}
