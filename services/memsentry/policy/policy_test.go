// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/memsentry/services/memsentry/sampler"
)

func TestTier_String(t *testing.T) {
	assert.Equal(t, "normal", Normal.String())
	assert.Equal(t, "elevated", Elevated.String())
	assert.Equal(t, "high", High.String())
	assert.Equal(t, "critical", Critical.String())
	assert.Equal(t, "unknown", Tier(42).String())
}

func TestClassifyPercent_Boundaries(t *testing.T) {
	p := Default()
	tests := []struct {
		percent int
		want    Tier
	}{
		{0, Normal},
		{74, Normal},
		{75, Elevated},
		{79, Elevated},
		{80, High},
		{84, High},
		{85, Critical},
		{100, Critical},
		{130, Critical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.ClassifyPercent(tt.percent), "percent=%d", tt.percent)
	}
}

func TestClassifyPercent_Monotonic(t *testing.T) {
	p := Default()
	prev := p.ClassifyPercent(0)
	for pct := 1; pct <= 100; pct++ {
		got := p.ClassifyPercent(pct)
		require.GreaterOrEqual(t, got, prev, "tier decreased at %d%%", pct)
		prev = got
	}
}

func TestClassify_UnknownCeilingIsNormal(t *testing.T) {
	p := Default()
	s := sampler.MemorySample{UsedBytes: 1 << 30, UsagePercent: 99}
	assert.Equal(t, Normal, p.Classify(s))
}

func TestClassify_FromSample(t *testing.T) {
	p := Default()
	assert.Equal(t, Elevated, p.Classify(sampler.NewSample(750, 1000, time.Now())))
	assert.Equal(t, Critical, p.Classify(sampler.NewSample(900, 1000, time.Now())))
	assert.True(t, p.AtLeast(sampler.NewSample(800, 1000, time.Now()), High))
	assert.False(t, p.AtLeast(sampler.NewSample(700, 1000, time.Now()), High))
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		in      Thresholds
		wantErr bool
	}{
		{"defaults", DefaultThresholds(), false},
		{"custom", Thresholds{Elevated: 50, High: 60, Critical: 95}, false},
		{"equal", Thresholds{Elevated: 80, High: 80, Critical: 85}, true},
		{"decreasing", Thresholds{Elevated: 90, High: 80, Critical: 85}, true},
		{"zero", Thresholds{Elevated: 0, High: 80, Critical: 85}, true},
		{"over 100", Thresholds{Elevated: 75, High: 80, Critical: 101}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidThresholds)
				assert.Nil(t, p)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.in, p.Thresholds())
		})
	}
}

func TestNew_CustomThresholdsClassify(t *testing.T) {
	p, err := New(Thresholds{Elevated: 50, High: 60, Critical: 70})
	require.NoError(t, err)
	assert.Equal(t, Normal, p.ClassifyPercent(49))
	assert.Equal(t, Elevated, p.ClassifyPercent(50))
	assert.Equal(t, High, p.ClassifyPercent(65))
	assert.Equal(t, Critical, p.ClassifyPercent(70))
}
