// Aleutian FW
// Copyright (C) 2025  Jason Interlante
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
// https://www.gnu.org/licenses/agpl-3.0.en.html

// Package repair turns candidate fix patterns into proven fixes.
//
// A candidate is only a suggestion until it survives two checks: the
// patched artifact must compile, and no previously-passing entry in the
// affected set may stop compiling. A fix that passes both carries its
// failing-before/passing-after evidence; the Evidence constructor is the
// only way to build one, so an unproven "accepted" fix cannot be
// represented at all.
package repair

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
	"go.opentelemetry.io/otel/trace"

	"github.com/jinterlante1206/converge/services/converge/compile"
	"github.com/jinterlante1206/converge/services/converge/corpus"
	"github.com/jinterlante1206/converge/services/converge/oracle/patterns"
)

var (
	repairOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converge_repair_outcomes_total",
		Help: "Repair attempts by outcome.",
	}, []string{"outcome"})

	candidatesRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converge_repair_candidates_rejected_total",
		Help: "Candidates rejected during repair, by reason.",
	}, []string{"reason"})
)

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// ReproCase is the failing case under repair.
type ReproCase struct {
	// Attempt is the failing compile attempt, diagnostics included.
	Attempt compile.Attempt

	// Generated is the generated source that failed. Patch strategies
	// rewrite it; override strategies ignore it.
	Generated string

	// Passing lists previously-passing entries whose compilation the
	// fix must not break. The caller scopes this to the affected
	// subset; an empty list skips the guard.
	Passing []corpus.Entry
}

// Validate checks the case is actually repairable.
func (c *ReproCase) Validate() error {
	if c.Attempt.Entry.Path == "" {
		return errors.New("repair: case has no entry")
	}
	if c.Attempt.Status == compile.StatusSuccess {
		return errors.New("repair: case is not failing")
	}
	return nil
}

// Fix is one materialized candidate. Exactly one of Patched or
// Overrides is set, depending on the strategy.
type Fix struct {
	PatternID string            `json:"pattern_id"`
	Strategy  string            `json:"strategy"`
	Patched   string            `json:"patched,omitempty"`
	Overrides map[string]string `json:"overrides,omitempty"`
}

// Evidence pairs the failing attempt that motivated a fix with the
// passing attempt that proves it.
type Evidence struct {
	Before compile.Attempt
	After  compile.Attempt
}

// NewEvidence is the only constructor. It refuses a non-failing before
// or a non-passing after, so evidence always means what it claims.
func NewEvidence(before, after compile.Attempt) (Evidence, error) {
	if before.Status == compile.StatusSuccess {
		return Evidence{}, errors.New("repair: evidence requires a failing before-attempt")
	}
	if after.Status != compile.StatusSuccess {
		return Evidence{}, fmt.Errorf("repair: evidence requires a passing after-attempt, got %s", after.Status)
	}
	return Evidence{Before: before, After: after}, nil
}

// Outcome is the terminal state of one repair attempt.
type Outcome int

const (
	// OutcomeNoFix means no candidate survived verification.
	OutcomeNoFix Outcome = iota

	// OutcomeSuccess means a fix compiled and regressed nothing.
	OutcomeSuccess

	// OutcomeNeedsReview means the best remaining candidate sits below
	// the confidence floor and was materialized but never applied.
	OutcomeNeedsReview
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNeedsReview:
		return "needs_review"
	default:
		return "no_fix_found"
	}
}

// RepairResult reports one AttemptRepair call.
type RepairResult struct {
	Outcome Outcome

	// Fix is set for OutcomeSuccess and OutcomeNeedsReview.
	Fix *Fix

	// Confidence is the accepted or proposed candidate's success EMA.
	Confidence float64

	// Evidence is set if and only if Outcome is OutcomeSuccess.
	Evidence *Evidence

	// Tried counts candidates that went through verification.
	Tried int
}

// ---------------------------------------------------------------------------
// Repairer
// ---------------------------------------------------------------------------

// Verifier recompiles artifacts during acceptance. The controller backs
// this with the batch compiler; tests substitute fakes.
type Verifier interface {
	// CompileGenerated compiles already-generated source for one entry.
	CompileGenerated(ctx context.Context, entry corpus.Entry, generated string) (compile.Attempt, error)

	// CompileWithOverrides re-transpiles one entry with codegen hints
	// and compiles the result.
	CompileWithOverrides(ctx context.Context, entry corpus.Entry, overrides map[string]string) (compile.Attempt, error)

	// CompileBatch runs the normal pipeline over entries.
	CompileBatch(ctx context.Context, entries []corpus.Entry) (*compile.BatchResult, error)
}

// Config bounds a Repairer.
type Config struct {
	// ConfidenceFloor is the success-EMA below which candidates are
	// proposed for review instead of applied. The default matches the
	// pattern store's neutral prior, so unproven patterns are eligible
	// and degraded ones are not.
	ConfidenceFloor float64

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{ConfidenceFloor: 0.5}
}

// Repairer applies candidate patterns to failing cases.
//
// Thread Safety:
//
//	Safe for concurrent use as long as the Verifier is.
type Repairer struct {
	registry *Registry
	verifier Verifier
	config   Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New builds a Repairer.
func New(registry *Registry, verifier Verifier, cfg Config) (*Repairer, error) {
	if registry == nil {
		return nil, errors.New("repair: nil registry")
	}
	if verifier == nil {
		return nil, errors.New("repair: nil verifier")
	}
	if cfg.ConfidenceFloor < 0 || cfg.ConfidenceFloor > 1 {
		return nil, fmt.Errorf("repair: confidence floor %f outside [0,1]", cfg.ConfidenceFloor)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Repairer{
		registry: registry,
		verifier: verifier,
		config:   cfg,
		logger:   cfg.Logger,
		tracer:   otel.Tracer("converge/repair"),
	}, nil
}

// AttemptRepair tries candidates against the failing case.
//
// Description:
//
//	Candidates run in descending success-EMA order (ties by ID). Each is
//	materialized by the first strategy claiming it; malformed payloads
//	are rejected without side effects. A materialized fix is accepted
//	when its recompilation succeeds and the passing set still compiles
//	clean. The first candidate below the confidence floor short-circuits
//	into OutcomeNeedsReview, because every later candidate ranks lower
//	still.
//
// Inputs:
//
//	ctx - Cancels between candidates and inside compilation.
//	c - The failing case. Must validate.
//	candidates - Patterns to try; the slice is not modified.
//
// Outputs:
//
//	*RepairResult - Terminal outcome; never nil on nil error.
//	error - Non-nil on invalid input, verifier infrastructure failure,
//	or cancellation.
func (r *Repairer) AttemptRepair(ctx context.Context, c ReproCase, candidates []patterns.Pattern) (*RepairResult, error) {
	ctx, span := r.tracer.Start(ctx, "repair.AttemptRepair",
		trace.WithAttributes(
			attribute.String("repair.entry", c.Attempt.Entry.Path),
			attribute.Int("repair.candidates", len(candidates)),
		))
	defer span.End()

	if err := c.Validate(); err != nil {
		return nil, err
	}

	ranked := make([]patterns.Pattern, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].SuccessEMA != ranked[j].SuccessEMA {
			return ranked[i].SuccessEMA > ranked[j].SuccessEMA
		}
		return ranked[i].ID < ranked[j].ID
	})

	result := &RepairResult{Outcome: OutcomeNoFix}
	for _, p := range ranked {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		strategy := r.registry.For(p)
		if strategy == nil {
			candidatesRejectedTotal.WithLabelValues("no_strategy").Inc()
			r.logger.Debug("no strategy claims pattern", slog.String("pattern_id", p.ID))
			continue
		}

		if p.SuccessEMA < r.config.ConfidenceFloor {
			fix, err := strategy.Materialize(ctx, c, p)
			if err != nil {
				candidatesRejectedTotal.WithLabelValues("malformed").Inc()
				continue
			}
			result.Outcome = OutcomeNeedsReview
			result.Fix = &fix
			result.Confidence = p.SuccessEMA
			break
		}

		fix, err := strategy.Materialize(ctx, c, p)
		if err != nil {
			candidatesRejectedTotal.WithLabelValues("malformed").Inc()
			r.logger.Debug("candidate rejected before application",
				slog.String("pattern_id", p.ID),
				slog.String("error", err.Error()))
			continue
		}

		result.Tried++
		evidence, ok, err := r.verify(ctx, c, fix)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		result.Outcome = OutcomeSuccess
		result.Fix = &fix
		result.Confidence = p.SuccessEMA
		result.Evidence = &evidence
		break
	}

	repairOutcomesTotal.WithLabelValues(result.Outcome.String()).Inc()
	span.SetAttributes(
		attribute.String("repair.outcome", result.Outcome.String()),
		attribute.Int("repair.tried", result.Tried),
	)
	r.logger.Info("repair attempt finished",
		slog.String("entry", c.Attempt.Entry.Path),
		slog.String("outcome", result.Outcome.String()),
		slog.Int("tried", result.Tried))
	return result, nil
}

// verify recompiles the fixed artifact and guards the passing set.
func (r *Repairer) verify(ctx context.Context, c ReproCase, fix Fix) (Evidence, bool, error) {
	var after compile.Attempt
	var err error
	switch {
	case fix.Patched != "":
		after, err = r.verifier.CompileGenerated(ctx, c.Attempt.Entry, fix.Patched)
	case len(fix.Overrides) > 0:
		after, err = r.verifier.CompileWithOverrides(ctx, c.Attempt.Entry, fix.Overrides)
	default:
		return Evidence{}, false, fmt.Errorf("repair: fix from %s carries no payload", fix.Strategy)
	}
	if err != nil {
		return Evidence{}, false, fmt.Errorf("repair: verifying %s: %w", c.Attempt.Entry.Path, err)
	}

	if after.Status != compile.StatusSuccess {
		candidatesRejectedTotal.WithLabelValues("still_failing").Inc()
		return Evidence{}, false, nil
	}

	if len(c.Passing) > 0 {
		batch, err := r.verifier.CompileBatch(ctx, c.Passing)
		if err != nil {
			return Evidence{}, false, fmt.Errorf("repair: regression guard: %w", err)
		}
		if batch.SuccessCount != len(c.Passing) {
			candidatesRejectedTotal.WithLabelValues("regression").Inc()
			r.logger.Warn("fix regressed passing entries",
				slog.String("entry", c.Attempt.Entry.Path),
				slog.String("pattern_id", fix.PatternID),
				slog.Int("passing", len(c.Passing)),
				slog.Int("still_passing", batch.SuccessCount))
			return Evidence{}, false, nil
		}
	}

	evidence, err := NewEvidence(c.Attempt, after)
	if err != nil {
		return Evidence{}, false, err
	}
	return evidence, true, nil
}
