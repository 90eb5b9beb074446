// Aleutian FW
// Copyright (C) 2025  Jason Interlante
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
// https://www.gnu.org/licenses/agpl-3.0.en.html

// Package controller runs the Plan-Do-Check-Act convergence loop.
//
// One controller owns one session: a corpus, a seed, and a single
// mutable State. Each cycle plans the highest-impact failure pattern,
// isolates a minimal reproduction, attempts a repair, verifies the
// result against the regression gate, and either commits or rolls
// back. Exactly one CycleReport is appended per cycle, so the history
// log replays the session cycle for cycle.
//
// Everything parallel lives behind the injected dependencies; the loop
// itself is single threaded and its transitions are linear.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jinterlante1206/converge/services/converge/bisect"
	"github.com/jinterlante1206/converge/services/converge/compile"
	"github.com/jinterlante1206/converge/services/converge/corpus"
	"github.com/jinterlante1206/converge/services/converge/diag"
	"github.com/jinterlante1206/converge/services/converge/gate"
	"github.com/jinterlante1206/converge/services/converge/oracle"
	"github.com/jinterlante1206/converge/services/converge/oracle/patterns"
	"github.com/jinterlante1206/converge/services/converge/repair"
	"github.com/jinterlante1206/converge/services/converge/report"
	"github.com/jinterlante1206/converge/services/converge/taxonomy"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converge_controller_cycles_total",
		Help: "Completed PDCA cycles by outcome.",
	}, []string{"outcome"})

	haltsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converge_controller_halts_total",
		Help: "Session halts by reason.",
	}, []string{"reason"})

	rateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "converge_controller_rate",
		Help: "Latest compile rate by tier, with overall under tier=all.",
	}, []string{"tier"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "converge_controller_queue_depth",
		Help: "Failure patterns waiting for a repair cycle.",
	})
)

// Compiler compiles corpus entries and reports per-entry attempts.
type Compiler interface {
	CompileBatch(ctx context.Context, entries []corpus.Entry) (*compile.BatchResult, error)
}

// Oracle classifies diagnostics and suggests ranked fix candidates.
type Oracle interface {
	Classify(ctx context.Context, d diag.Diagnostic, tier string) (oracle.Classification, error)
	SuggestFixes(ctx context.Context, d diag.Diagnostic, tier string, k int) (oracle.Classification, []oracle.FixCandidate, error)
}

// Repairer turns a reproduction case and candidates into a verified fix.
type Repairer interface {
	AttemptRepair(ctx context.Context, c repair.ReproCase, candidates []patterns.Pattern) (*repair.RepairResult, error)
}

// Bisector minimizes failing entry sets.
type Bisector interface {
	Minimize(ctx context.Context, failing []corpus.Entry) (*bisect.Result, error)
}

// RegressionGate checks rates against baselines and ratchets them.
type RegressionGate interface {
	Check(ctx context.Context, tier string, rate float64) (*gate.Decision, error)
	Commit(ctx context.Context, tier string, rate float64, corpusHash string) (int, error)
}

// PatternLibrary resolves fix patterns, admits newly mined ones, and
// records their outcomes.
type PatternLibrary interface {
	Get(ctx context.Context, id string) (patterns.Pattern, error)
	Upsert(ctx context.Context, p patterns.Pattern) error
	RecordOutcome(ctx context.Context, id string, success bool) error
}

// Recorder is the append-only cycle history.
type Recorder interface {
	Append(ctx context.Context, r *report.CycleReport) error
	LastCycle(ctx context.Context) (int, error)
}

// Library satisfies PatternLibrary by combining the pattern store with
// its single-writer indexer.
type Library struct {
	*patterns.Store
	*patterns.Indexer
}

// NewLibrary pairs a store with its indexer.
func NewLibrary(store *patterns.Store, indexer *patterns.Indexer) Library {
	return Library{Store: store, Indexer: indexer}
}

// Deps carries the controller's collaborators. All are required.
type Deps struct {
	Compiler Compiler
	Oracle   Oracle
	Repairer Repairer
	Bisector Bisector
	Gate     RegressionGate
	Library  PatternLibrary
	History  Recorder
	Registry *taxonomy.Registry

	// Overlay optionally shares a pre-built fix overlay, so the
	// compiler's transpiler wrapper and the controller stage fixes in
	// the same place. Nil builds a private one, which only makes sense
	// for tests whose compiler fakes consult controller state directly.
	Overlay *Overlay
}

func (d Deps) validate() error {
	switch {
	case d.Compiler == nil:
		return errors.New("controller: nil compiler")
	case d.Oracle == nil:
		return errors.New("controller: nil oracle")
	case d.Repairer == nil:
		return errors.New("controller: nil repairer")
	case d.Bisector == nil:
		return errors.New("controller: nil bisector")
	case d.Gate == nil:
		return errors.New("controller: nil gate")
	case d.Library == nil:
		return errors.New("controller: nil pattern library")
	case d.History == nil:
		return errors.New("controller: nil history")
	case d.Registry == nil:
		return errors.New("controller: nil taxonomy registry")
	}
	return nil
}

// Config tunes the loop.
type Config struct {
	// Targets maps tier names to their target compile rates. Tiers
	// absent from the map use DefaultTarget.
	Targets map[string]float64

	// DefaultTarget applies to tiers without an explicit target.
	DefaultTarget float64

	// MaxCycles bounds the session; 0 means unbounded.
	MaxCycles int

	// MinDelta is the smallest rate gain that counts as improvement.
	MinDelta float64

	// Patience is how many non-improving cycles run before a plateau
	// halt.
	Patience int

	// FullVerifyEvery forces a full-corpus verify every N cycles;
	// other cycles verify only the repaired tier.
	FullVerifyEvery int

	// EscapeCeiling bounds the catch-all classification share.
	EscapeCeiling float64

	// EscapeMinDiags is the census size below which the ceiling is
	// not enforced.
	EscapeMinDiags int

	// SuggestK is how many fix candidates the oracle is asked for.
	SuggestK int

	// CheckpointDir persists state and the determinism fingerprint.
	// Empty disables persistence.
	CheckpointDir string

	// Seed is the session seed, recorded in every report.
	Seed uint64

	Logger *slog.Logger
}

// DefaultConfig returns production tuning.
func DefaultConfig() Config {
	return Config{
		DefaultTarget:   0.80,
		MinDelta:        0.001,
		Patience:        5,
		FullVerifyEvery: 5,
		EscapeCeiling:   0.20,
		EscapeMinDiags:  50,
		SuggestK:        5,
	}
}

func (c Config) target(tier string) float64 {
	if t, ok := c.Targets[tier]; ok {
		return t
	}
	return c.DefaultTarget
}

// Event is one observable moment of the loop, consumed by andon.
// Outcome is set only on the event that closes a cycle.
type Event struct {
	Cycle    int        `json:"cycle"`
	Phase    Phase      `json:"phase"`
	Tier     string     `json:"tier,omitempty"`
	Category string     `json:"category,omitempty"`
	Message  string     `json:"message,omitempty"`
	Rate     float64    `json:"rate"`
	Delta    float64    `json:"delta"`
	Outcome  string     `json:"outcome,omitempty"`
	Halt     HaltReason `json:"halt,omitempty"`
}

// Outcome summarizes a finished run.
type Outcome struct {
	Halt           HaltReason
	Cycles         int
	Rate           float64
	TierRates      map[string]float64
	Drift          DriftStatus
	CyclesToTarget int
}

// ExitCode maps the halt reason to the process exit contract.
func (o *Outcome) ExitCode() int {
	switch o.Halt {
	case HaltTargetMet:
		return 0
	case HaltCrossTier:
		return 2
	case HaltNonDeterminism, HaltEscapeCeiling:
		return 3
	default:
		return 1
	}
}

// censusStats is one census's classification tally. failed counts
// inference errors, a subset of unknown. reported flips once the
// tallies have been attached to a cycle report, so census data always
// lands in history exactly once, bootstrap censuses included.
type censusStats struct {
	categories map[string]int
	classified int
	unknown    int
	failed     int
	reported   bool
}

// Controller drives the session.
//
// Thread Safety: Run must be called from one goroutine. State() and
// Events() are safe to use concurrently with Run.
type Controller struct {
	corpus    *corpus.Corpus
	deps      Deps
	config    Config
	overlay   *Overlay
	queue     *Queue
	estimator *Estimator
	guard     *Guard
	state     *State
	attempts  map[string]compile.Attempt
	census    censusStats
	events    chan Event
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New builds a controller over a scanned corpus.
func New(c *corpus.Corpus, deps Deps, cfg Config) (*Controller, error) {
	if c == nil || len(c.Entries) == 0 {
		return nil, errors.New("controller: empty corpus")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.DefaultTarget <= 0 || cfg.DefaultTarget > 1 {
		return nil, fmt.Errorf("controller: default target %f outside (0,1]", cfg.DefaultTarget)
	}
	if cfg.MinDelta < 0 {
		return nil, fmt.Errorf("controller: negative min delta %f", cfg.MinDelta)
	}
	if cfg.Patience < 1 {
		return nil, fmt.Errorf("controller: patience %d below 1", cfg.Patience)
	}
	if cfg.SuggestK < 1 {
		cfg.SuggestK = DefaultConfig().SuggestK
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	guard, err := NewGuard(cfg.CheckpointDir, cfg.Seed, c.Hash, cfg.Logger)
	if err != nil {
		return nil, err
	}

	if deps.Overlay == nil {
		deps.Overlay = NewOverlay()
	}

	return &Controller{
		corpus:    c,
		deps:      deps,
		config:    cfg,
		overlay:   deps.Overlay,
		queue:     NewQueue(),
		estimator: NewEstimator(),
		guard:     guard,
		state: &State{
			Phase:      PhasePlanning,
			Seed:       cfg.Seed,
			CorpusHash: c.Hash,
			Rates:      make(map[string]float64),
		},
		attempts: make(map[string]compile.Attempt),
		events:   make(chan Event, 64),
		logger:   cfg.Logger.With("component", "controller"),
		tracer:   otel.Tracer("converge/controller"),
	}, nil
}

// Overlay exposes the fix overlay for transpiler wiring.
func (c *Controller) Overlay() *Overlay { return c.overlay }

// Events streams loop events. The channel is never closed; sends drop
// when the consumer lags, so a stuck display cannot stall the loop.
func (c *Controller) Events() <-chan Event { return c.events }

// State returns a copy of the current session state.
func (c *Controller) State() *State {
	s := c.state.Clone()
	s.Queue = c.queue.Snapshot()
	s.Overlay = c.overlay.Snapshot()
	s.Estimator = c.estimator.Snapshot()
	return s
}

// Resume restores the newest checkpoint for this session.
//
// Outputs: ErrNoCheckpoint when the directory holds none; an error
// when the checkpoint belongs to a different seed or corpus.
func (c *Controller) Resume(ctx context.Context) error {
	if c.config.CheckpointDir == "" {
		return errors.New("controller: resume needs a checkpoint dir")
	}
	s, err := LoadCheckpoint(c.config.CheckpointDir)
	if err != nil {
		return err
	}
	if s.Seed != c.config.Seed || s.CorpusHash != c.corpus.Hash {
		return fmt.Errorf("controller: checkpoint is for seed %d corpus %s, session is seed %d corpus %s",
			s.Seed, shortHash(s.CorpusHash), c.config.Seed, shortHash(c.corpus.Hash))
	}

	last, err := c.deps.History.LastCycle(ctx)
	if err != nil {
		return fmt.Errorf("controller: reading history for resume: %w", err)
	}
	if last != s.Cycle {
		c.logger.Warn("checkpoint and history disagree",
			"checkpoint_cycle", s.Cycle, "history_cycle", last)
	}

	if s.Halted {
		// Cancellation, plateau and an exhausted budget are pauses; an
		// operator resumes them with a fresh budget or more patience.
		// Verdict halts are final.
		switch s.HaltReason {
		case HaltCancelled, HaltExhausted, HaltPlateau:
			c.logger.Info("clearing recoverable halt", "reason", s.HaltReason)
			s.Halted = false
			s.HaltReason = HaltNone
		default:
			return fmt.Errorf("controller: session finished (%s), not resumable", s.HaltReason)
		}
	}

	c.state = s
	c.queue.Restore(s.Queue)
	c.overlay.Restore(s.Overlay)
	c.estimator = RestoreEstimator(s.Estimator)
	c.logger.Info("resumed session",
		"cycle", s.Cycle, "rate", s.Rate, "queued", c.queue.Len())
	return nil
}

// Run executes cycles until a terminal condition.
//
// Description:
//
//	The loop re-checks terminals before every cycle: target met,
//	plateau, cycle budget, cancellation. Mid-cycle halts (cross-tier
//	regression, escape ceiling) surface through state. Run returns
//	ErrNonDeterminism alongside the outcome when the determinism
//	guard fires; infrastructure errors return without an outcome.
//
// Thread Safety: Not safe for concurrent calls.
func (c *Controller) Run(ctx context.Context) (*Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "controller.Run", trace.WithAttributes(
		attribute.Int64("controller.seed", int64(c.config.Seed)),
		attribute.Int("controller.entries", len(c.corpus.Entries)),
	))
	defer span.End()

	if c.state.Halted {
		return nil, fmt.Errorf("controller: session already halted (%s)", c.state.HaltReason)
	}

	if len(c.attempts) == 0 {
		if err := c.runCensus(ctx); err != nil {
			span.SetStatus(codes.Error, "census failed")
			return nil, err
		}
		if reason := c.censusTerminal(); reason != HaltNone {
			c.halt(reason)
			c.checkpoint()
			return c.outcome(), nil
		}
	}

	for {
		if ctx.Err() != nil {
			c.halt(HaltCancelled)
			break
		}
		if c.tiersAtTarget() {
			c.halt(HaltTargetMet)
			break
		}
		if c.state.CyclesSinceImprovement > c.config.Patience {
			c.halt(HaltPlateau)
			break
		}
		if c.config.MaxCycles > 0 && c.state.Cycle >= c.config.MaxCycles {
			c.halt(HaltExhausted)
			break
		}

		err := c.cycle(ctx)
		if errors.Is(err, ErrNonDeterminism) {
			c.halt(HaltNonDeterminism)
			c.checkpoint()
			span.RecordError(err)
			span.SetStatus(codes.Error, "non-determinism")
			return c.outcome(), err
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cycle failed")
			return nil, err
		}
		c.checkpoint()
		if c.state.Halted {
			break
		}
	}

	c.checkpoint()
	span.SetAttributes(
		attribute.String("controller.halt", string(c.state.HaltReason)),
		attribute.Int("controller.cycles", c.state.Cycle),
	)
	return c.outcome(), nil
}

// halt marks the session stopped. Idempotent; the first reason wins.
func (c *Controller) halt(reason HaltReason) {
	if c.state.Halted {
		return
	}
	c.state.Halted = true
	c.state.HaltReason = reason
	haltsTotal.WithLabelValues(string(reason)).Inc()
	c.logger.Info("session halted",
		"reason", reason, "cycle", c.state.Cycle, "rate", c.state.Rate)
	c.emit(Event{
		Cycle: c.state.Cycle, Phase: c.state.Phase, Rate: c.state.Rate, Halt: reason,
		Message: fmt.Sprintf("session halted: %s", reason),
	})
}

// tiersAtTarget reports whether every tier meets its target.
func (c *Controller) tiersAtTarget() bool {
	for _, tier := range c.corpus.Tiers() {
		if c.state.Rates[tier] < c.config.target(tier) {
			return false
		}
	}
	return true
}

// censusTerminal checks stop-the-line conditions measured at census.
func (c *Controller) censusTerminal() HaltReason {
	total := c.census.classified + c.census.unknown
	if total >= c.config.EscapeMinDiags && c.config.EscapeCeiling > 0 {
		escape := float64(c.census.unknown) / float64(total)
		if escape > c.config.EscapeCeiling {
			c.logger.Error("escape rate above ceiling, stopping the line",
				"escape", escape, "ceiling", c.config.EscapeCeiling, "diagnostics", total)
			return HaltEscapeCeiling
		}
	}
	if total > 0 && c.census.failed == total {
		// Every single diagnostic failed inference; the classifier is
		// down, not uncertain. Low-confidence classifications are
		// unknowns, not outages, and do not trip this.
		return HaltModelUnavailable
	}
	return HaltNone
}

func (c *Controller) outcome() *Outcome {
	rates := make(map[string]float64, len(c.state.Rates))
	for k, v := range c.state.Rates {
		rates[k] = v
	}
	return &Outcome{
		Halt:           c.state.HaltReason,
		Cycles:         c.state.Cycle,
		Rate:           c.state.Rate,
		TierRates:      rates,
		Drift:          c.estimator.Drift(),
		CyclesToTarget: c.estimator.CyclesToTarget(c.config.DefaultTarget),
	}
}

func (c *Controller) checkpoint() {
	if c.config.CheckpointDir == "" {
		return
	}
	if err := SaveCheckpoint(c.config.CheckpointDir, c.State()); err != nil {
		c.logger.Warn("checkpoint failed", "error", err)
	}
}

func (c *Controller) setPhase(p Phase) {
	c.state.Phase = p
	c.emit(Event{Cycle: c.state.Cycle, Phase: p, Rate: c.state.Rate})
}

func (c *Controller) emit(e Event) {
	select {
	case c.events <- e:
	default:
	}
}

// sortedKeys returns map keys in stable order; the loop never iterates
// a map directly where ordering reaches an output.
func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
