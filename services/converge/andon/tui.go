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
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jinterlante1206/converge/services/converge/controller"
)

// maxLogLines bounds the event log kept in memory.
const maxLogLines = 200

// eventMsg wraps one controller event for the bubbletea loop.
type eventMsg controller.Event

// refreshMsg carries a state snapshot taken on the refresh tick.
type refreshMsg *controller.State

// TUIConfig wires the live display to a running session.
type TUIConfig struct {
	// Events is the controller's event stream. Required.
	Events <-chan controller.Event

	// StateFn snapshots session state for the tier table. Required.
	StateFn func() *controller.State

	// Targets are the per-tier goals drawn on the bars.
	Targets map[string]float64

	// Refresh is the state poll interval. Zero means one second.
	Refresh time.Duration
}

// Model is the bubbletea model for the live session display: header,
// per-tier progress bars, a rate sparkline, and a scrollable event
// log.
//
// Thread Safety: single-threaded within the bubbletea event loop, as
// bubbletea requires.
type Model struct {
	cfg   TUIConfig
	state *controller.State
	bars  map[string]progress.Model

	viewport viewport.Model
	log      []string

	width    int
	height   int
	ready    bool
	quitting bool
}

// NewModel builds a model ready for tea.NewProgram.
func NewModel(cfg TUIConfig) Model {
	if cfg.Refresh <= 0 {
		cfg.Refresh = time.Second
	}
	return Model{cfg: cfg, bars: make(map[string]progress.Model)}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitForEvent(), m.tick())
}

func (m Model) waitForEvent() tea.Cmd {
	events := m.cfg.Events
	return func() tea.Msg {
		return eventMsg(<-events)
	}
}

func (m Model) tick() tea.Cmd {
	stateFn := m.cfg.StateFn
	return tea.Tick(m.cfg.Refresh, func(time.Time) tea.Msg {
		return refreshMsg(stateFn())
	})
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()

	case eventMsg:
		m.append(controller.Event(msg))
		return m, m.waitForEvent()

	case refreshMsg:
		m.state = (*controller.State)(msg)
		m.ensureBars()
		if m.ready {
			m.layout()
		}
		return m, m.tick()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "g", "home":
			m.viewport.GotoTop()
		case "G", "end":
			m.viewport.GotoBottom()
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// layout sizes the log viewport under the header block.
func (m *Model) layout() {
	if m.width == 0 || m.height == 0 {
		return
	}
	header := 5 // title, session line, sparkline, two blanks
	if m.state != nil {
		header += len(m.state.Rates)
	}
	logHeight := max(m.height-header-1, 3)
	if !m.ready {
		m.viewport = viewport.New(m.width, logHeight)
		m.ready = true
	} else {
		m.viewport.Width = m.width
		m.viewport.Height = logHeight
	}
	m.viewport.SetContent(strings.Join(m.log, "\n"))
	m.viewport.GotoBottom()
}

// ensureBars creates a progress bar the first time a tier appears.
func (m *Model) ensureBars() {
	if m.state == nil {
		return
	}
	for tier := range m.state.Rates {
		if _, ok := m.bars[tier]; !ok {
			m.bars[tier] = progress.New(
				progress.WithSolidFill(string(colorGood)),
				progress.WithWidth(30),
				progress.WithoutPercentage(),
			)
		}
	}
}

func (m *Model) append(e controller.Event) {
	var line string
	switch {
	case e.Halt != controller.HaltNone:
		style := styles.Bad
		if e.Halt == controller.HaltTargetMet {
			style = styles.Good
		}
		line = style.Render(fmt.Sprintf("c%04d halt: %s", e.Cycle, e.Halt))
	case e.Outcome != "":
		line = fmt.Sprintf("c%04d %-11s rate=%.4f %s",
			e.Cycle, e.Outcome, e.Rate, m.renderLogDelta(e.Delta))
	default:
		detail := e.Message
		if e.Category != "" {
			detail = e.Category + ": " + detail
		}
		line = styles.Muted.Render(fmt.Sprintf("c%04d %-11s %s", e.Cycle, e.Phase, detail))
	}
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
	if m.ready {
		m.viewport.SetContent(strings.Join(m.log, "\n"))
		m.viewport.GotoBottom()
	}
}

func (m *Model) renderLogDelta(delta float64) string {
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

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready || m.state == nil {
		return "waiting for session...\n"
	}

	var b strings.Builder
	b.WriteString(styles.Header.Render("converge"))
	b.WriteString(styles.Muted.Render(fmt.Sprintf("  seed=%d  corpus=%s",
		m.state.Seed, shortHash(m.state.CorpusHash))))
	b.WriteString("\n")

	status := fmt.Sprintf("cycle %d  phase %s  rate %.4f  stalled %d",
		m.state.Cycle, m.state.Phase, m.state.Rate, m.state.CyclesSinceImprovement)
	if m.state.Halted {
		style := styles.Bad
		if m.state.HaltReason == controller.HaltTargetMet {
			style = styles.Good
		}
		status += "  " + style.Render(string(m.state.HaltReason))
	}
	b.WriteString(status)
	b.WriteString("\n\n")

	tiers := make([]string, 0, len(m.state.Rates))
	for tier := range m.state.Rates {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)
	for _, tier := range tiers {
		rate := m.state.Rates[tier]
		bar := m.bars[tier]
		target := m.cfg.Targets[tier]
		if target > 0 {
			b.WriteString(fmt.Sprintf("%-8s %s %5.1f%% / %.0f%%\n",
				tier, bar.ViewAs(rate), rate*100, target*100))
		} else {
			b.WriteString(fmt.Sprintf("%-8s %s %5.1f%%\n", tier, bar.ViewAs(rate), rate*100))
		}
	}

	b.WriteString(styles.Muted.Render(sparkline(m.state.RateHistory, 40)))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(styles.Muted.Render("q quit  ↑/↓ scroll  g/G top/bottom"))
	return b.String()
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

// RunTUI hands the terminal to the live display until the context ends
// or the user quits.
func RunTUI(ctx context.Context, cfg TUIConfig) error {
	if cfg.Events == nil || cfg.StateFn == nil {
		return errors.New("andon: tui needs an event stream and a state source")
	}
	p := tea.NewProgram(NewModel(cfg), tea.WithContext(ctx), tea.WithAltScreen())
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
