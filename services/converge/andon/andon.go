// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package andon surfaces the state of a convergence session: a console
// renderer for batch runs, a live terminal display, and an HTTP status
// server with a websocket event stream.
//
// The name is the andon board on a production line. Everything here
// observes; nothing in this package can steer the controller.
package andon

import (
	"context"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/jinterlante1206/converge/services/converge/controller"
)

// Mode selects how much the console says and how it says it.
type Mode string

const (
	// ModeRich renders styled cycle lines with a rate sparkline and
	// per-tier bars.
	ModeRich Mode = "rich"

	// ModeMinimal prints one plain line per cycle.
	ModeMinimal Mode = "minimal"

	// ModeJSON emits one JSON object per cycle for machine consumers.
	ModeJSON Mode = "json"

	// ModeSilent suppresses everything except failure halts.
	ModeSilent Mode = "silent"

	// ModeTUI hands the terminal to the live bubbletea display.
	ModeTUI Mode = "tui"
)

// ParseMode maps a flag value to a Mode. Unrecognized values,
// including "auto" and the empty string, fall back to detection.
func ParseMode(s string) Mode {
	switch strings.ToLower(s) {
	case "rich":
		return ModeRich
	case "minimal", "min":
		return ModeMinimal
	case "json":
		return ModeJSON
	case "silent", "quiet":
		return ModeSilent
	case "tui":
		return ModeTUI
	default:
		return DetectMode()
	}
}

// DetectMode picks rich output when stdout is a terminal and minimal
// otherwise, so piped runs stay parseable without flags.
func DetectMode() Mode {
	fd := os.Stdout.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return ModeRich
	}
	return ModeMinimal
}

// Sink receives controller events. Observe must not block; a sink that
// cannot keep up drops on its own.
type Sink interface {
	Observe(e controller.Event)
}

// Fan forwards every controller event to each sink in order until the
// context ends. The controller's event channel has exactly one
// consumer, so this is the single point where events reach both the
// console and the status server.
func Fan(ctx context.Context, events <-chan controller.Event, sinks ...Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			for _, s := range sinks {
				s.Observe(e)
			}
		}
	}
}
