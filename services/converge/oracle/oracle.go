// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oracle classifies compiler diagnostics and ranks fix
// candidates for them.
//
// The oracle is the single authority on what an error *is*: it maps
// each diagnostic into the closed taxonomy with a confidence score,
// routes low-confidence results to manual review instead of guessing,
// and asks the retrieval layer for ranked fix candidates. Inference is
// deterministic end to end; nothing here consults wall clocks or
// random sources.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jinterlante1206/converge/services/converge/corpus"
	"github.com/jinterlante1206/converge/services/converge/diag"
	"github.com/jinterlante1206/converge/services/converge/taxonomy"
)

// ErrModelInference marks classifier failures. Callers route the
// affected diagnostic to manual review rather than dropping it or
// inventing a category.
var ErrModelInference = errors.New("model inference failed")

// DefaultConfidenceFloor is the minimum confidence for an automatic
// classification. Anything below it is flagged for manual review.
const DefaultConfidenceFloor = 0.70

var (
	classificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converge_oracle_classifications_total",
		Help: "Diagnostics classified, by category.",
	}, []string{"category"})

	reviewTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "converge_oracle_review_total",
		Help: "Classifications routed to manual review.",
	})

	inferenceErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "converge_oracle_inference_errors_total",
		Help: "Model inference failures.",
	})

	confidenceHist = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "converge_oracle_confidence",
		Help:    "Classification confidence distribution.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})
)

// -----------------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------------

// Classification is the oracle's verdict on one diagnostic.
type Classification struct {
	// Code is the compiler error code that was classified.
	Code string `json:"code"`

	// Category is the assigned taxonomy leaf.
	Category string `json:"category"`

	// Confidence is the model's confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// Domain is the error domain derived from the code.
	Domain taxonomy.Domain `json:"domain"`

	// Severity is the category's severity.
	Severity taxonomy.Severity `json:"severity"`

	// NeedsReview is true when confidence fell below the floor or
	// inference failed. Reviewed diagnostics never feed automatic fixes.
	NeedsReview bool `json:"needs_review"`

	// Expert names the model that produced the verdict.
	Expert string `json:"expert"`
}

// FixCandidate is one ranked repair suggestion for a diagnostic.
type FixCandidate struct {
	// PatternID references the stored fix pattern.
	PatternID string `json:"pattern_id"`

	// Summary describes the fix in one line.
	Summary string `json:"summary"`

	// Patch is the candidate change, as a unified diff or template.
	Patch string `json:"patch"`

	// Category is the taxonomy leaf the pattern targets.
	Category string `json:"category"`

	// Score is the fused retrieval score. Higher ranks first.
	Score float64 `json:"score"`

	// Source names the retrieval path that produced the candidate.
	Source string `json:"source"`
}

// Suggester produces ranked fix candidates for a classified diagnostic.
// The retrieval layer implements it; tests substitute fakes.
type Suggester interface {
	Suggest(ctx context.Context, d diag.Diagnostic, category string, k int) ([]FixCandidate, error)
}

// -----------------------------------------------------------------------------
// Oracle
// -----------------------------------------------------------------------------

// snapshot is the immutable model state a classification runs against.
// Swapped wholesale on reload so concurrent Classify calls never see a
// half-updated mixture.
type snapshot struct {
	model   Model
	mixture *Mixture
}

// Oracle classifies diagnostics and suggests fixes.
//
// Thread Safety: Safe for concurrent use. Reload swaps the model
// atomically; in-flight classifications finish on the snapshot they
// started with.
type Oracle struct {
	registry  *taxonomy.Registry
	extractor *FeatureExtractor
	state     atomic.Pointer[snapshot]
	suggester Suggester
	floor     float64
	tracer    trace.Tracer
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithModel replaces the seeded cold-start model.
func WithModel(m Model) Option {
	return func(o *Oracle) { o.state.Store(&snapshot{model: m}) }
}

// WithMixture installs per-tier experts over the current base model.
func WithMixture(mix *Mixture) Option {
	return func(o *Oracle) {
		cur := o.state.Load()
		o.state.Store(&snapshot{model: cur.model, mixture: mix})
	}
}

// WithSuggester wires the fix retrieval layer.
func WithSuggester(s Suggester) Option {
	return func(o *Oracle) { o.suggester = s }
}

// WithConfidenceFloor overrides the manual-review threshold.
func WithConfidenceFloor(floor float64) Option {
	return func(o *Oracle) { o.floor = floor }
}

// New creates an Oracle over the given taxonomy.
//
// Description:
//
//	Without options the oracle runs the seed model, which reproduces
//	the taxonomy's code map with high confidence. Training replaces it
//	via Reload or WithModel.
//
// Outputs:
//   - *Oracle: Ready for concurrent use.
//   - error: If the seed model cannot be built.
func New(reg *taxonomy.Registry, opts ...Option) (*Oracle, error) {
	if reg == nil {
		return nil, fmt.Errorf("oracle: registry is required")
	}
	ex := NewFeatureExtractor(reg)
	seed, err := SeedModel(reg, ex)
	if err != nil {
		return nil, fmt.Errorf("oracle: seed model: %w", err)
	}

	o := &Oracle{
		registry:  reg,
		extractor: ex,
		floor:     DefaultConfidenceFloor,
		tracer:    otel.Tracer("converge/oracle"),
	}
	o.state.Store(&snapshot{model: seed})
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Reload atomically swaps in a new model and mixture. A nil mixture
// disables expert routing.
func (o *Oracle) Reload(m Model, mix *Mixture) error {
	if m == nil {
		return fmt.Errorf("oracle: reload with nil model")
	}
	o.state.Store(&snapshot{model: m, mixture: mix})
	return nil
}

// Classify assigns a taxonomy category to one diagnostic.
//
// Description:
//
//	Deterministic: the same diagnostic from the same tier always
//	yields the same Classification. Confidence below the floor sets
//	NeedsReview; such results must not drive automatic fixes.
//
// Inputs:
//   - ctx: Carries the trace span. Never consulted for deadlines; a
//     classification is pure computation.
//   - d: The normalized diagnostic.
//   - tier: Corpus tier of the originating entry, used for expert routing.
//
// Outputs:
//   - Classification: The verdict.
//   - error: Wraps ErrModelInference when the model cannot score the
//     diagnostic. Use ManualReview to build the fallback verdict.
func (o *Oracle) Classify(ctx context.Context, d diag.Diagnostic, tier string) (Classification, error) {
	_, span := o.tracer.Start(ctx, "oracle.Classify")
	defer span.End()
	span.SetAttributes(
		attribute.String("diag.code", d.Code),
		attribute.String("corpus.tier", tier),
	)

	st := o.state.Load()
	if st == nil || st.model == nil {
		inferenceErrorsTotal.Inc()
		return Classification{}, fmt.Errorf("%w: no model loaded", ErrModelInference)
	}

	model, expert := st.model, "general"
	if st.mixture != nil {
		model, expert = st.mixture.Route(tier, d.Code)
	}

	vec := o.extractor.Extract(d)
	category, confidence, err := model.Classify(vec)
	if err != nil {
		inferenceErrorsTotal.Inc()
		span.RecordError(err)
		return Classification{}, fmt.Errorf("%w: %v", ErrModelInference, err)
	}

	cls := Classification{
		Code:        d.Code,
		Category:    category,
		Confidence:  confidence,
		Domain:      taxonomy.DomainForCode(d.Code),
		Severity:    o.registry.SeverityOf(category),
		NeedsReview: confidence < o.floor,
		Expert:      expert,
	}

	classificationsTotal.WithLabelValues(category).Inc()
	confidenceHist.Observe(confidence)
	if cls.NeedsReview {
		reviewTotal.Inc()
	}
	span.SetAttributes(
		attribute.String("oracle.category", category),
		attribute.Float64("oracle.confidence", confidence),
		attribute.Bool("oracle.needs_review", cls.NeedsReview),
	)
	return cls, nil
}

// SuggestFixes classifies the diagnostic and returns ranked fix
// candidates for it. Without a wired suggester, or for a verdict that
// needs review, it returns no candidates: suggestions are only ever
// made for confident classifications.
func (o *Oracle) SuggestFixes(ctx context.Context, d diag.Diagnostic, tier string, k int) (Classification, []FixCandidate, error) {
	ctx, span := o.tracer.Start(ctx, "oracle.SuggestFixes")
	defer span.End()

	cls, err := o.Classify(ctx, d, tier)
	if err != nil {
		return Classification{}, nil, err
	}
	if cls.NeedsReview || o.suggester == nil {
		return cls, nil, nil
	}

	candidates, err := o.suggester.Suggest(ctx, d, cls.Category, k)
	if err != nil {
		span.RecordError(err)
		return cls, nil, fmt.Errorf("suggest fixes: %w", err)
	}
	span.SetAttributes(attribute.Int("oracle.candidates", len(candidates)))
	return cls, candidates, nil
}

// ConfidenceFloor returns the active manual-review threshold.
func (o *Oracle) ConfidenceFloor() float64 { return o.floor }

// ManualReview builds the fallback verdict for a diagnostic whose
// inference failed. The category is unknown and NeedsReview is set, so
// downstream stages park the diagnostic for a human instead of acting.
func ManualReview(d diag.Diagnostic) Classification {
	return Classification{
		Code:        d.Code,
		Category:    taxonomy.Unknown,
		Confidence:  0,
		Domain:      taxonomy.DomainForCode(d.Code),
		Severity:    taxonomy.SeverityWarning,
		NeedsReview: true,
		Expert:      "none",
	}
}

// ExamplesFromRecords converts exported classification records into
// training examples, skipping records without a category label.
func ExamplesFromRecords(records []corpus.Record) []Example {
	examples := make([]Example, 0, len(records))
	for _, r := range records {
		if r.Category == "" {
			continue
		}
		examples = append(examples, Example{
			Diagnostic: diag.Diagnostic{
				Code:    r.ErrorCode,
				Level:   diag.LevelError,
				Message: r.Message,
			},
			Category: r.Category,
		})
	}
	return examples
}
