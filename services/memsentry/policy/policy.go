// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy maps memory samples onto pressure tiers.
package policy

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/memsentry/services/memsentry/sampler"
)

// Tier is an ordered pressure level. Higher values mean more pressure.
type Tier int

const (
	Normal Tier = iota
	Elevated
	High
	Critical
)

// String returns the lower-case tier name used in logs and metric labels.
func (t Tier) String() string {
	switch t {
	case Normal:
		return "normal"
	case Elevated:
		return "elevated"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// ErrInvalidThresholds is returned when thresholds are out of range or not
// strictly increasing.
var ErrInvalidThresholds = errors.New("invalid pressure thresholds")

// Thresholds are the usage percentages at which each tier begins. A usage
// exactly at a threshold belongs to the higher tier.
type Thresholds struct {
	Elevated int `yaml:"elevated" json:"elevated"`
	High     int `yaml:"high" json:"high"`
	Critical int `yaml:"critical" json:"critical"`
}

// DefaultThresholds returns 75/80/85.
func DefaultThresholds() Thresholds {
	return Thresholds{Elevated: 75, High: 80, Critical: 85}
}

// Validate checks that every threshold lies in 1..100 and that they are
// strictly increasing.
func (t Thresholds) Validate() error {
	for _, v := range []int{t.Elevated, t.High, t.Critical} {
		if v < 1 || v > 100 {
			return fmt.Errorf("%w: %d outside 1..100", ErrInvalidThresholds, v)
		}
	}
	if !(t.Elevated < t.High && t.High < t.Critical) {
		return fmt.Errorf("%w: want elevated < high < critical, got %d/%d/%d",
			ErrInvalidThresholds, t.Elevated, t.High, t.Critical)
	}
	return nil
}

// Policy classifies samples into tiers. It is an immutable value and safe
// for concurrent use.
type Policy struct {
	thresholds Thresholds
}

// New creates a policy from validated thresholds.
func New(t Thresholds) (*Policy, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Policy{thresholds: t}, nil
}

// Default returns a policy with DefaultThresholds.
func Default() *Policy {
	return &Policy{thresholds: DefaultThresholds()}
}

// Thresholds returns the thresholds this policy was built with.
func (p *Policy) Thresholds() Thresholds { return p.thresholds }

// Classify returns the tier for a sample. A sample with an unknown ceiling
// is always Normal.
func (p *Policy) Classify(s sampler.MemorySample) Tier {
	if s.MaxBytes == 0 {
		return Normal
	}
	return p.ClassifyPercent(s.UsagePercent)
}

// ClassifyPercent returns the tier for a usage percentage.
func (p *Policy) ClassifyPercent(percent int) Tier {
	switch {
	case percent >= p.thresholds.Critical:
		return Critical
	case percent >= p.thresholds.High:
		return High
	case percent >= p.thresholds.Elevated:
		return Elevated
	default:
		return Normal
	}
}

// AtLeast reports whether a sample is at or above the given tier.
func (p *Policy) AtLeast(s sampler.MemorySample, tier Tier) bool {
	return p.Classify(s) >= tier
}
