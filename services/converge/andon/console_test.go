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
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/jinterlante1206/converge/services/converge/controller"
	"github.com/jinterlante1206/converge/services/converge/report"
)

func TestSparkline(t *testing.T) {
	if got := sparkline(nil, 10); got != "" {
		t.Errorf("empty input rendered %q", got)
	}
	if got := sparkline([]float64{0, 0.5, 1}, 10); got != "▁▅█" {
		t.Errorf("sparkline = %q, want ▁▅█", got)
	}
	// Out-of-range values clamp instead of panicking the renderer.
	if got := sparkline([]float64{-1, 2}, 10); got != "▁█" {
		t.Errorf("clamped sparkline = %q, want ▁█", got)
	}

	long := make([]float64, 40)
	for i := range long {
		long[i] = float64(i) / 39
	}
	got := sparkline(long, 8)
	if n := utf8.RuneCountInString(got); n != 8 {
		t.Errorf("width-limited sparkline has %d runes, want 8", n)
	}
	if !strings.HasSuffix(got, "█") {
		t.Errorf("sparkline %q should end at the newest, highest value", got)
	}
}

func TestTierBar(t *testing.T) {
	bar := tierBar(0.5, 0.8, 10)
	if !strings.Contains(bar, "█████") || !strings.Contains(bar, "░░░░░") {
		t.Errorf("tierBar fill wrong: %q", bar)
	}
	if !strings.Contains(bar, "50.0% / 80%") {
		t.Errorf("tierBar label wrong: %q", bar)
	}

	// No target means nothing to judge against, so no goal suffix.
	free := tierBar(0.25, 0, 8)
	if strings.Contains(free, "/") {
		t.Errorf("targetless bar should not show a goal: %q", free)
	}
	if !strings.Contains(free, "25.0%") {
		t.Errorf("targetless bar label wrong: %q", free)
	}
}

func committedEvent(cycle int, rate, delta float64) controller.Event {
	return controller.Event{
		Cycle:   cycle,
		Phase:   controller.PhaseCommitted,
		Rate:    rate,
		Delta:   delta,
		Outcome: report.OutcomeCommitted,
		Message: "cycle committed",
	}
}

func TestConsoleMinimalCycleLine(t *testing.T) {
	var out, errOut bytes.Buffer
	c := NewConsole(ModeMinimal, WithWriters(&out, &errOut))

	c.Observe(committedEvent(3, 0.6125, 0.0125))

	line := out.String()
	for _, want := range []string{"cycle 3", "committed", "rate=0.6125", "delta=+0.0125"} {
		if !strings.Contains(line, want) {
			t.Errorf("minimal line %q missing %q", line, want)
		}
	}
	if errOut.Len() != 0 {
		t.Errorf("minimal cycle wrote to stderr: %q", errOut.String())
	}
}

func TestConsoleJSONOneObjectPerCycle(t *testing.T) {
	var out, errOut bytes.Buffer
	c := NewConsole(ModeJSON, WithWriters(&out, &errOut))

	// Phase transitions are noise to machine consumers.
	c.Observe(controller.Event{Cycle: 1, Phase: controller.PhasePlanning, Rate: 0.4})
	c.Observe(committedEvent(1, 0.45, 0.05))
	c.Observe(controller.Event{
		Cycle: 2, Phase: controller.PhaseRolledBack, Rate: 0.45,
		Outcome: report.OutcomeRolledBack, Message: "cycle rolled_back",
	})
	c.Observe(controller.Event{Cycle: 2, Rate: 0.45, Halt: controller.HaltPlateau})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3 (two cycles and a halt): %q", len(lines), out.String())
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 1 is not JSON: %v", err)
	}
	if first["cycle"].(float64) != 1 || first["outcome"] != "committed" {
		t.Errorf("first record wrong: %v", first)
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("line 2 is not JSON: %v", err)
	}
	if second["outcome"] != "rolled_back" {
		t.Errorf("second record wrong: %v", second)
	}

	var last map[string]any
	if err := json.Unmarshal([]byte(lines[2]), &last); err != nil {
		t.Fatalf("line 3 is not JSON: %v", err)
	}
	if last["halt"] != "plateau" {
		t.Errorf("halt record wrong: %v", last)
	}
}

func TestConsoleSilentOnlyFailureHalts(t *testing.T) {
	var out, errOut bytes.Buffer
	c := NewConsole(ModeSilent, WithWriters(&out, &errOut))

	c.Observe(committedEvent(1, 0.45, 0.05))
	c.Observe(controller.Event{Cycle: 1, Phase: controller.PhaseRepairing, Message: "needs manual review"})
	if out.Len() != 0 || errOut.Len() != 0 {
		t.Fatalf("silent mode wrote output: out=%q err=%q", out.String(), errOut.String())
	}

	c.Observe(controller.Event{Cycle: 5, Rate: 0.45, Halt: controller.HaltPlateau})
	if !strings.Contains(errOut.String(), "plateau") {
		t.Errorf("failure halt not reported: %q", errOut.String())
	}
	if out.Len() != 0 {
		t.Errorf("halt should go to stderr, stdout got %q", out.String())
	}

	// Reaching the target is success, not an error.
	errOut.Reset()
	c.Observe(controller.Event{Cycle: 6, Rate: 0.81, Halt: controller.HaltTargetMet})
	if errOut.Len() != 0 {
		t.Errorf("target met reported as an error: %q", errOut.String())
	}
}

func TestConsoleRichTiersAndSparkline(t *testing.T) {
	var out, errOut bytes.Buffer
	state := &controller.State{
		Rates: map[string]float64{"easy": 0.9, "hard": 0.4},
	}
	c := NewConsole(ModeRich,
		WithWriters(&out, &errOut),
		WithStateFn(func() *controller.State { return state }),
		WithTargets(map[string]float64{"easy": 0.8, "hard": 0.6}))

	c.Observe(committedEvent(3, 0.0, -0.1))
	c.Observe(committedEvent(4, 1.0, 0.2))

	text := out.String()
	for _, want := range []string{"c0003", "c0004", "easy", "hard", "▁", "█", "90.0% / 80%", "40.0% / 60%"} {
		if !strings.Contains(text, want) {
			t.Errorf("rich output missing %q:\n%s", want, text)
		}
	}
}

func TestConsoleRichNarratesProgress(t *testing.T) {
	var out, errOut bytes.Buffer
	c := NewConsole(ModeRich, WithWriters(&out, &errOut))

	c.Observe(controller.Event{
		Cycle: 2, Phase: controller.PhaseRepairing,
		Category: "borrow_check", Message: "needs manual review",
	})
	text := out.String()
	if !strings.Contains(text, "borrow_check") || !strings.Contains(text, "needs manual review") {
		t.Errorf("progress line missing detail: %q", text)
	}

	// Bare phase transitions carry no message and stay quiet.
	out.Reset()
	c.Observe(controller.Event{Cycle: 2, Phase: controller.PhaseVerifying})
	if out.Len() != 0 {
		t.Errorf("bare transition rendered: %q", out.String())
	}
}
