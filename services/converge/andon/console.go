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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jinterlante1206/converge/services/converge/controller"
	"github.com/jinterlante1206/converge/services/converge/report"
)

const (
	sparkWidth = 30
	barWidth   = 24
)

// Console renders controller events as they happen. It keeps the rate
// history it needs for the sparkline itself, so it works from the
// event stream alone; the optional state source only feeds the
// per-tier block in rich mode.
//
// Thread Safety: Observe must be called from a single goroutine. Fan
// provides that.
type Console struct {
	mode    Mode
	out     io.Writer
	errOut  io.Writer
	targets map[string]float64
	state   func() *controller.State

	rates []float64
}

// ConsoleOption adjusts a Console.
type ConsoleOption func(*Console)

// WithWriters redirects console output, primarily for tests.
func WithWriters(out, errOut io.Writer) ConsoleOption {
	return func(c *Console) {
		c.out = out
		c.errOut = errOut
	}
}

// WithStateFn gives the console a state source for the per-tier block.
func WithStateFn(fn func() *controller.State) ConsoleOption {
	return func(c *Console) { c.state = fn }
}

// WithTargets sets the per-tier goals shown next to the bars.
func WithTargets(targets map[string]float64) ConsoleOption {
	return func(c *Console) { c.targets = targets }
}

// NewConsole builds a console for the given mode writing to stdout and
// stderr unless redirected.
func NewConsole(mode Mode, opts ...ConsoleOption) *Console {
	c := &Console{mode: mode, out: os.Stdout, errOut: os.Stderr}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Observe implements Sink.
func (c *Console) Observe(e controller.Event) {
	if e.Halt != controller.HaltNone {
		c.halt(e)
		return
	}
	if e.Outcome != "" {
		c.rates = append(c.rates, e.Rate)
		c.cycle(e)
		return
	}
	c.progress(e)
}

// cycleRecord is the json-mode wire format, one object per line.
type cycleRecord struct {
	Cycle    int                `json:"cycle"`
	Outcome  string             `json:"outcome,omitempty"`
	Rate     float64            `json:"rate"`
	Delta    float64            `json:"delta"`
	Tier     string             `json:"tier,omitempty"`
	Category string             `json:"category,omitempty"`
	Tiers    map[string]float64 `json:"tiers,omitempty"`
	Halt     string             `json:"halt,omitempty"`
}

func (c *Console) cycle(e controller.Event) {
	switch c.mode {
	case ModeSilent:
	case ModeJSON:
		rec := cycleRecord{
			Cycle:    e.Cycle,
			Outcome:  e.Outcome,
			Rate:     e.Rate,
			Delta:    e.Delta,
			Tier:     e.Tier,
			Category: e.Category,
		}
		if c.state != nil {
			rec.Tiers = c.state().Rates
		}
		c.writeJSON(rec)
	case ModeMinimal:
		fmt.Fprintf(c.out, "cycle %d %s rate=%.4f delta=%+.4f\n",
			e.Cycle, e.Outcome, e.Rate, e.Delta)
	default:
		icon := styles.Good.Render("✓")
		if e.Outcome == report.OutcomeRolledBack {
			icon = styles.Warn.Render("↩")
		}
		fmt.Fprintf(c.out, "%s %s %s %s %s\n",
			styles.Muted.Render(fmt.Sprintf("c%04d", e.Cycle)),
			icon,
			styles.Rate.Render(fmt.Sprintf("%.4f", e.Rate)),
			c.renderDelta(e.Delta),
			styles.Muted.Render(sparkline(c.rates, sparkWidth)))
		c.tierBlock()
	}
}

// progress handles mid-cycle events. Only rich mode narrates them, and
// only when the controller attached a message.
func (c *Console) progress(e controller.Event) {
	if c.mode != ModeRich || e.Message == "" {
		return
	}
	detail := e.Message
	if e.Category != "" {
		detail = e.Category + ": " + detail
	}
	fmt.Fprintf(c.out, "  %s %s %s\n",
		styles.Muted.Render("│"),
		styles.Muted.Render(string(e.Phase)),
		detail)
}

func (c *Console) halt(e controller.Event) {
	if c.mode == ModeJSON {
		c.writeJSON(cycleRecord{Cycle: e.Cycle, Rate: e.Rate, Halt: string(e.Halt)})
		return
	}
	if e.Halt == controller.HaltTargetMet {
		if c.mode == ModeSilent {
			return
		}
		msg := fmt.Sprintf("target met at rate %.4f after %d cycles", e.Rate, e.Cycle)
		if c.mode == ModeRich {
			fmt.Fprintf(c.out, "%s %s\n", styles.Good.Render("✓"), styles.Good.Render(msg))
		} else {
			fmt.Fprintln(c.out, msg)
		}
		return
	}

	msg := fmt.Sprintf("session halted: %s (cycle %d, rate %.4f)", e.Halt, e.Cycle, e.Rate)
	if c.mode == ModeRich {
		style := styles.Bad
		switch e.Halt {
		case controller.HaltPlateau, controller.HaltExhausted, controller.HaltCancelled:
			style = styles.Warn
		}
		fmt.Fprintf(c.errOut, "%s %s\n", style.Render("✗"), style.Render(msg))
		return
	}
	fmt.Fprintln(c.errOut, msg)
}

func (c *Console) renderDelta(delta float64) string {
	s := fmt.Sprintf("%+.4f", delta)
	switch {
	case delta > 0:
		return styles.Good.Render(s)
	case delta < 0:
		return styles.Bad.Render(s)
	default:
		return styles.Muted.Render(s)
	}
}

func (c *Console) tierBlock() {
	if c.state == nil {
		return
	}
	s := c.state()
	tiers := make([]string, 0, len(s.Rates))
	for tier := range s.Rates {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)
	for _, tier := range tiers {
		fmt.Fprintf(c.out, "  %-8s %s\n", tier, tierBar(s.Rates[tier], c.targets[tier], barWidth))
	}
}

func (c *Console) writeJSON(rec cycleRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		fmt.Fprintf(c.errOut, "andon: encoding cycle record: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, string(payload))
}
