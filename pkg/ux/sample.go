// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

const barWidth = 30

// SampleView is what `memsentry sample` shows.
type SampleView struct {
	UsedMB       uint64
	MaxMB        uint64
	FreeMB       uint64
	UsagePercent int
	Tier         string
	LimitSource  string

	Elevated, High, Critical int
}

// TierStyle returns the style for a tier name.
func TierStyle(tier string) lipgloss.Style {
	switch tier {
	case "normal":
		return Styles.Success
	case "elevated":
		return Styles.Notice
	case "high":
		return Styles.Warning
	case "critical":
		return Styles.Error.Bold(true)
	default:
		return Styles.Muted
	}
}

// RenderSample writes the view.
func RenderSample(w io.Writer, mode Mode, v SampleView) {
	if mode == ModePlain {
		fmt.Fprintf(w, "used_mb=%d max_mb=%d free_mb=%d usage_percent=%d tier=%s limit_source=%s\n",
			v.UsedMB, v.MaxMB, v.FreeMB, v.UsagePercent, v.Tier, v.LimitSource)
		return
	}

	style := TierStyle(v.Tier)
	body := fmt.Sprintf("%s %s\n%s %d MB of %d MB (%d MB free)\n%s %s\n%s %d / %d / %d",
		ProgressBar(v.UsagePercent, barWidth, style),
		style.Render(fmt.Sprintf("%3d%%", v.UsagePercent)),
		Styles.Muted.Render("used   "), v.UsedMB, v.MaxMB, v.FreeMB,
		Styles.Muted.Render("tier   "), style.Render(v.Tier),
		Styles.Muted.Render("limits "), v.Elevated, v.High, v.Critical,
	)
	title := Styles.Title.Render("Memory") + " " + Styles.Muted.Render("("+v.LimitSource+")")
	fmt.Fprintln(w, Styles.Box.Render(title+"\n"+body))
}
