// Aleutian FW
// Copyright (C) 2025  Jason Interlante
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
// https://www.gnu.org/licenses/agpl-3.0.en.html

// Package bisect isolates minimal failing subsets of a corpus batch.
//
// The search is classic delta debugging restricted to halving: test each
// half of the failing set, recurse into whichever half still reproduces
// the failure. When both halves reproduce it independently, the set holds
// more than one fault and each half is minimized separately. A flat
// binary search oscillates in that situation and can mask the second
// fault entirely, which is why the hierarchical extension is not optional.
//
// Every probe recompiles real code, so probes are the cost that matters.
// The iteration cap bounds that cost; it is a safety net against
// pathological corpora, not a correctness proof.
package bisect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jinterlante1206/converge/services/converge/corpus"
)

var (
	// ErrInconclusive means the iteration cap was reached before the
	// search converged. The failing set is real; its minimal form is
	// simply unknown.
	ErrInconclusive = errors.New("bisect: inconclusive")

	// ErrNotReproducible means the full input set did not fail when
	// re-tested. Either the failure is flaky or the caller passed the
	// wrong entries; both deserve a loud stop.
	ErrNotReproducible = errors.New("bisect: failure did not reproduce")
)

var (
	probesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "converge_bisect_probes_total",
		Help: "Subset reproduction probes executed during bisection.",
	})

	inconclusiveTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "converge_bisect_inconclusive_total",
		Help: "Bisections abandoned at the iteration cap.",
	})
)

// Test reports whether the given subset still reproduces the failure
// under investigation. Implementations typically recompile the subset and
// check for the same diagnostic code; returning the same verdict for the
// same subset is what makes the search meaningful.
type Test func(ctx context.Context, entries []corpus.Entry) (bool, error)

// Counterexample is one minimal failing subset. Entries preserve their
// original corpus order.
type Counterexample struct {
	Entries []corpus.Entry `json:"entries"`
}

// Paths lists the entry paths, mostly for logs and reports.
func (c Counterexample) Paths() []string {
	paths := make([]string, len(c.Entries))
	for i, e := range c.Entries {
		paths[i] = e.Path
	}
	return paths
}

// Result is the outcome of one minimization.
type Result struct {
	// Faults holds one counterexample per independent fault, ordered by
	// position in the original set.
	Faults []Counterexample

	// Iterations is the number of split rounds consumed.
	Iterations int

	// Probes is the number of Test invocations, including the initial
	// reproduction check.
	Probes int
}

// Config bounds a Bisector.
type Config struct {
	// MaxIterations caps split rounds across all branches combined.
	// One iteration probes both halves of one set.
	MaxIterations int

	// Parallelism bounds concurrent minimization of independent faults.
	Parallelism int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 20,
		Parallelism:   2,
	}
}

// Bisector minimizes failing corpus subsets against a Test predicate.
//
// Thread Safety:
//
//	Safe for concurrent use; each Minimize call owns its own counters.
type Bisector struct {
	test   Test
	config Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New builds a Bisector. The test predicate is required.
func New(cfg Config, test Test) (*Bisector, error) {
	if test == nil {
		return nil, errors.New("bisect: nil test predicate")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultConfig().Parallelism
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bisector{
		test:   test,
		config: cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("converge/bisect"),
	}, nil
}

// Minimize reduces a failing set to its minimal failing subsets.
//
// Description:
//
//	Re-verifies that the full set fails, then recursively halves it.
//	Halves that fail independently are treated as independent faults and
//	minimized concurrently. Returns ErrNotReproducible if the initial
//	check passes, ErrInconclusive if the iteration cap is reached.
//
// Inputs:
//
//	ctx - Cancels the search between probes.
//	failing - Entry set known (believed) to fail. Order is preserved.
//
// Outputs:
//
//	*Result - Minimal counterexamples plus probe accounting.
//	error - Non-nil on cap, non-reproduction, test error, or cancellation.
func (b *Bisector) Minimize(ctx context.Context, failing []corpus.Entry) (*Result, error) {
	ctx, span := b.tracer.Start(ctx, "bisect.Minimize",
		trace.WithAttributes(attribute.Int("bisect.entries", len(failing))))
	defer span.End()

	if len(failing) == 0 {
		return nil, errors.New("bisect: empty failing set")
	}

	r := &run{bisector: b}

	fails, err := r.probe(ctx, failing)
	if err != nil {
		return nil, err
	}
	if !fails {
		return nil, fmt.Errorf("%w: %d entries passed when re-tested", ErrNotReproducible, len(failing))
	}

	faults, err := r.minimize(ctx, failing)
	if err != nil {
		if errors.Is(err, ErrInconclusive) {
			inconclusiveTotal.Inc()
			b.logger.Warn("bisection inconclusive",
				slog.Int("entries", len(failing)),
				slog.Int("iterations", int(r.iterations.Load())),
				slog.Int("probes", int(r.probes.Load())))
			return nil, fmt.Errorf("%w: cap of %d iterations reached over %d entries",
				ErrInconclusive, b.config.MaxIterations, len(failing))
		}
		return nil, err
	}

	result := &Result{
		Faults:     faults,
		Iterations: int(r.iterations.Load()),
		Probes:     int(r.probes.Load()),
	}
	span.SetAttributes(
		attribute.Int("bisect.faults", len(result.Faults)),
		attribute.Int("bisect.probes", result.Probes),
	)
	b.logger.Info("bisection complete",
		slog.Int("entries", len(failing)),
		slog.Int("faults", len(result.Faults)),
		slog.Int("iterations", result.Iterations),
		slog.Int("probes", result.Probes))
	return result, nil
}

// ---------------------------------------------------------------------------
// Search
// ---------------------------------------------------------------------------

// run holds the counters shared by every branch of one Minimize call.
// Branches recurse independently; the caps are global.
type run struct {
	bisector   *Bisector
	iterations atomic.Int64
	probes     atomic.Int64
}

func (r *run) probe(ctx context.Context, entries []corpus.Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.probes.Add(1)
	probesTotal.Inc()
	return r.bisector.test(ctx, entries)
}

func (r *run) minimize(ctx context.Context, set []corpus.Entry) ([]Counterexample, error) {
	if len(set) <= 1 {
		return []Counterexample{{Entries: set}}, nil
	}

	if r.iterations.Add(1) > int64(r.bisector.config.MaxIterations) {
		return nil, ErrInconclusive
	}

	left, right := split(set)

	leftFails, err := r.probe(ctx, left)
	if err != nil {
		return nil, err
	}
	rightFails, err := r.probe(ctx, right)
	if err != nil {
		return nil, err
	}

	switch {
	case leftFails && rightFails:
		// Two independent faults. Minimize both; results merge in
		// positional order so the outcome is reproducible.
		var leftFaults, rightFaults []Counterexample
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.bisector.config.Parallelism)
		g.Go(func() error {
			var err error
			leftFaults, err = r.minimize(gctx, left)
			return err
		})
		g.Go(func() error {
			var err error
			rightFaults, err = r.minimize(gctx, right)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return append(leftFaults, rightFaults...), nil

	case leftFails:
		return r.minimize(ctx, left)

	case rightFails:
		return r.minimize(ctx, right)

	default:
		// Neither half fails alone: the entries interact. Halving
		// cannot shrink an interaction set, so it is minimal here.
		return []Counterexample{{Entries: set}}, nil
	}
}

// ---------------------------------------------------------------------------
// Splitting
// ---------------------------------------------------------------------------

// split divides a set in two. When the entries carry features, the cut
// lands on the feature-group boundary nearest the midpoint, so related
// entries (same container construct) stay together and a structural fault
// is isolated in fewer rounds. Without features, or with one homogeneous
// group, the cut is positional.
func split(set []corpus.Entry) ([]corpus.Entry, []corpus.Entry) {
	if cut := featureCut(set); cut > 0 {
		return set[:cut], set[cut:]
	}
	mid := len(set) / 2
	return set[:mid], set[mid:]
}

// featureCut returns the feature-group boundary closest to the midpoint,
// or 0 when the set has fewer than two groups.
func featureCut(set []corpus.Entry) int {
	mid := len(set) / 2
	best, bestDist := 0, len(set)
	for i := 1; i < len(set); i++ {
		if primaryFeature(set[i]) == primaryFeature(set[i-1]) {
			continue
		}
		dist := i - mid
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}

func primaryFeature(e corpus.Entry) string {
	if len(e.Features) == 0 {
		return ""
	}
	return e.Features[0]
}
