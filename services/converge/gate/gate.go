// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTolerance is the allowed rate drop below baseline before a
// check fails.
const DefaultTolerance = 0.01

var (
	gateChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converge_gate_checks_total",
		Help: "Gate checks by tier and result.",
	}, []string{"tier", "result"})

	gateRegressionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converge_gate_regressions_total",
		Help: "Regressions detected by tier.",
	}, []string{"tier"})
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures the regression gate.
type Config struct {
	// Tolerance is the allowed rate drop below baseline.
	// Default: DefaultTolerance.
	Tolerance float64

	// RequireBaseline fails checks for tiers with no baseline.
	// Default: false (missing baseline = first run, pass).
	RequireBaseline bool

	// Logger for output.
	Logger *slog.Logger
}

// Option configures the gate.
type Option func(*Config)

// WithTolerance sets the allowed rate drop.
func WithTolerance(tolerance float64) Option {
	return func(c *Config) {
		c.Tolerance = tolerance
	}
}

// WithRequireBaseline requires a baseline to exist.
func WithRequireBaseline(required bool) Option {
	return func(c *Config) {
		c.RequireBaseline = required
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// -----------------------------------------------------------------------------
// Gate
// -----------------------------------------------------------------------------

// Gate checks candidate compile rates against immutable baselines.
//
// Description:
//
//	A cycle may only commit when every checked tier holds its rate
//	within Tolerance of the newest baseline. A failing decision means
//	the cycle rolls back; the gate itself never mutates baselines.
//
// Thread Safety: Safe for concurrent use.
type Gate struct {
	store  Store
	config Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a regression gate over a baseline store.
func New(store Store, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, errors.New("gate: nil store")
	}
	config := Config{Tolerance: DefaultTolerance, Logger: slog.Default()}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Tolerance < 0 || config.Tolerance >= 1 {
		return nil, fmt.Errorf("gate: tolerance %f outside [0,1)", config.Tolerance)
	}
	return &Gate{
		store:  store,
		config: config,
		logger: config.Logger,
		tracer: otel.Tracer("converge/gate"),
	}, nil
}

// Regression describes one tolerance violation.
type Regression struct {
	// Tier is the regressing tier.
	Tier string

	// BaselineRate is the committed floor.
	BaselineRate float64

	// CurrentRate is the observed candidate rate.
	CurrentRate float64

	// Drop is BaselineRate - CurrentRate.
	Drop float64

	// Tolerance is the threshold that was exceeded.
	Tolerance float64

	// Message is a human-readable description.
	Message string
}

// Decision is the result of one gate check.
type Decision struct {
	// Pass is true if the cycle may commit this tier.
	Pass bool

	// Tier is the checked tier.
	Tier string

	// CurrentRate is the candidate rate that was checked.
	CurrentRate float64

	// Baseline is the comparison floor; nil on a first run.
	Baseline *Baseline

	// Regressions contains tolerance violations.
	Regressions []Regression

	// Report is a human-readable summary enumerating observed values
	// against thresholds.
	Report string

	// Timestamp is when the check was performed.
	Timestamp time.Time

	// Duration is the check duration.
	Duration time.Duration
}

// Check evaluates a tier's candidate rate against its newest baseline.
//
// Description:
//
//	A drop beyond Tolerance fails the check. Missing baselines pass
//	unless RequireBaseline is set; the first commit then establishes
//	the floor.
//
// Inputs:
//   - ctx: Context for cancellation. Must not be nil.
//   - tier: Tier name.
//   - currentRate: Candidate compile rate in [0,1].
//
// Outputs:
//   - *Decision: The gate decision. Never nil on nil error.
//   - error: Non-nil only if the check could not be performed.
//
// Thread Safety: Safe for concurrent use.
func (g *Gate) Check(ctx context.Context, tier string, currentRate float64) (*Decision, error) {
	if tier == "" {
		return nil, errors.New("gate: empty tier")
	}
	if currentRate < 0 || currentRate > 1 {
		return nil, fmt.Errorf("gate: rate %f outside [0,1]", currentRate)
	}

	ctx, span := g.tracer.Start(ctx, "gate.Check",
		trace.WithAttributes(
			attribute.String("gate.tier", tier),
			attribute.Float64("gate.rate", currentRate),
		))
	defer span.End()

	start := time.Now()
	decision := &Decision{
		Tier:        tier,
		CurrentRate: currentRate,
		Timestamp:   start,
	}

	baseline, err := g.store.Latest(ctx, tier)
	if err != nil {
		if errors.Is(err, ErrBaselineNotFound) {
			if g.config.RequireBaseline {
				decision.Pass = false
				decision.Report = g.buildReport(decision)
				decision.Duration = time.Since(start)
				gateChecksTotal.WithLabelValues(tier, "fail").Inc()
				span.SetStatus(codes.Error, "baseline required but not found")
				return decision, nil
			}
			decision.Pass = true
			decision.Report = g.buildReport(decision)
			decision.Duration = time.Since(start)
			gateChecksTotal.WithLabelValues(tier, "pass").Inc()
			return decision, nil
		}
		return nil, err
	}

	decision.Baseline = baseline
	drop := baseline.Rate - currentRate
	if drop > g.config.Tolerance {
		decision.Regressions = append(decision.Regressions, Regression{
			Tier:         tier,
			BaselineRate: baseline.Rate,
			CurrentRate:  currentRate,
			Drop:         drop,
			Tolerance:    g.config.Tolerance,
			Message: fmt.Sprintf("tier %s rate %.4f dropped %.4f below baseline %.4f; tolerance is %.4f",
				tier, currentRate, drop, baseline.Rate, g.config.Tolerance),
		})
		gateRegressionsTotal.WithLabelValues(tier).Inc()
	}

	decision.Pass = len(decision.Regressions) == 0
	decision.Report = g.buildReport(decision)
	decision.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Bool("gate.pass", decision.Pass),
		attribute.Int("gate.regressions", len(decision.Regressions)),
	)
	if decision.Pass {
		gateChecksTotal.WithLabelValues(tier, "pass").Inc()
	} else {
		gateChecksTotal.WithLabelValues(tier, "fail").Inc()
		span.SetStatus(codes.Error, "regression detected")
	}

	g.logger.Info("gate check completed",
		slog.String("tier", tier),
		slog.Bool("pass", decision.Pass),
		slog.Float64("rate", currentRate),
		slog.Int("regressions", len(decision.Regressions)))

	return decision, nil
}

// CheckAll checks several tiers in sorted order.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - rates: Tier name to candidate rate.
//
// Outputs:
//   - map[string]*Decision: Decision per tier, complete up to the first
//     hard error.
//   - error: Non-nil if any check could not be performed.
func (g *Gate) CheckAll(ctx context.Context, rates map[string]float64) (map[string]*Decision, error) {
	tiers := make([]string, 0, len(rates))
	for tier := range rates {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)

	decisions := make(map[string]*Decision, len(rates))
	for _, tier := range tiers {
		select {
		case <-ctx.Done():
			return decisions, ctx.Err()
		default:
		}
		decision, err := g.Check(ctx, tier, rates[tier])
		if err != nil {
			return decisions, err
		}
		decisions[tier] = decision
	}
	return decisions, nil
}

// Commit freezes a new baseline snapshot for a tier.
//
// Description:
//
//	Commit never modifies prior snapshots; the new one supersedes them
//	as the comparison floor. Callers gate commits on a passing Check.
//
// Outputs:
//   - int: The assigned snapshot sequence number.
//   - error: Non-nil on invalid input or storage failure.
func (g *Gate) Commit(ctx context.Context, tier string, rate float64, corpusHash string) (int, error) {
	ctx, span := g.tracer.Start(ctx, "gate.Commit",
		trace.WithAttributes(
			attribute.String("gate.tier", tier),
			attribute.Float64("gate.rate", rate),
		))
	defer span.End()

	seq, err := g.store.Commit(ctx, Baseline{
		Tier:       tier,
		Rate:       rate,
		CorpusHash: corpusHash,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return 0, err
	}

	g.logger.Info("baseline committed",
		slog.String("tier", tier),
		slog.Float64("rate", rate),
		slog.Int("sequence", seq))
	return seq, nil
}

// buildReport creates a human-readable report for a decision.
func (g *Gate) buildReport(d *Decision) string {
	var sb strings.Builder

	sb.WriteString("# Regression Gate Report\n\n")
	if d.Pass {
		sb.WriteString("**Status: PASS**\n\n")
	} else {
		sb.WriteString("**Status: FAIL**\n\n")
	}

	sb.WriteString(fmt.Sprintf("Tier: %s\n", d.Tier))
	sb.WriteString(fmt.Sprintf("Timestamp: %s\n\n", d.Timestamp.Format(time.RFC3339)))

	if d.Baseline == nil {
		if g.config.RequireBaseline {
			sb.WriteString("Baseline not found and RequireBaseline is enabled.\n")
		} else {
			sb.WriteString("No baseline found - first run establishes the floor on commit.\n")
		}
		sb.WriteString(fmt.Sprintf("\nObserved compile rate: %.4f\n", d.CurrentRate))
		return sb.String()
	}

	sb.WriteString("| Metric | Baseline | Current | Change | Tolerance |\n")
	sb.WriteString("|--------|----------|---------|--------|-----------|\n")
	sb.WriteString(fmt.Sprintf("| Compile rate | %.4f | %.4f | %+.4f | %.4f |\n",
		d.Baseline.Rate, d.CurrentRate, d.CurrentRate-d.Baseline.Rate, g.config.Tolerance))

	if len(d.Regressions) > 0 {
		sb.WriteString("\n## Regressions\n\n")
		for _, r := range d.Regressions {
			sb.WriteString(fmt.Sprintf("- %s\n", r.Message))
		}
	}

	return sb.String()
}
