// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package andon

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Board palette. Green for committed work, amber for rollbacks and
// deferrals, red for stopped lines.
var (
	colorSignal = lipgloss.Color("#4FB3BF")
	colorGood   = lipgloss.Color("#5A9E6F")
	colorWarn   = lipgloss.Color("#F4D03F")
	colorBad    = lipgloss.Color("#E74C3C")
	colorSteel  = lipgloss.Color("#6C7A89")
)

var styles = struct {
	Header lipgloss.Style
	Muted  lipgloss.Style
	Good   lipgloss.Style
	Warn   lipgloss.Style
	Bad    lipgloss.Style
	Rate   lipgloss.Style
	Box    lipgloss.Style
}{
	Header: lipgloss.NewStyle().Bold(true).Foreground(colorSignal),
	Muted:  lipgloss.NewStyle().Foreground(colorSteel),
	Good:   lipgloss.NewStyle().Foreground(colorGood),
	Warn:   lipgloss.NewStyle().Foreground(colorWarn),
	Bad:    lipgloss.NewStyle().Foreground(colorBad),
	Rate:   lipgloss.NewStyle().Bold(true),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorSteel).
		Padding(0, 1),
}

// sparkRunes are the eight block heights sparkline draws with.
var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// sparkline scales values in [0,1] into block heights, keeping the
// newest width values. Out-of-range values are clamped.
func sparkline(values []float64, width int) string {
	if len(values) == 0 || width <= 0 {
		return ""
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}
	var b strings.Builder
	for _, v := range values {
		v = math.Max(0, math.Min(1, v))
		b.WriteRune(sparkRunes[int(math.Round(v*float64(len(sparkRunes)-1)))])
	}
	return b.String()
}

// tierBar renders a fixed-width fill for one tier, green once the rate
// has reached the target and amber before that. A zero target renders
// the fill muted since there is nothing to judge against.
func tierBar(rate, target float64, width int) string {
	if width <= 0 {
		width = 20
	}
	clamped := math.Max(0, math.Min(1, rate))
	filled := int(math.Round(clamped * float64(width)))

	fill := styles.Warn
	switch {
	case target <= 0:
		fill = styles.Muted
	case rate >= target:
		fill = styles.Good
	}
	bar := fill.Render(strings.Repeat("█", filled)) +
		styles.Muted.Render(strings.Repeat("░", width-filled))
	if target <= 0 {
		return fmt.Sprintf("%s %5.1f%%", bar, rate*100)
	}
	return fmt.Sprintf("%s %5.1f%% / %.0f%%", bar, rate*100, target*100)
}
