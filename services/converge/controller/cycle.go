// Aleutian FW
// Copyright (C) 2025  Jason Interlante
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
// https://www.gnu.org/licenses/agpl-3.0.en.html

package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jinterlante1206/converge/services/converge/bisect"
	"github.com/jinterlante1206/converge/services/converge/compile"
	"github.com/jinterlante1206/converge/services/converge/corpus"
	"github.com/jinterlante1206/converge/services/converge/diag"
	"github.com/jinterlante1206/converge/services/converge/oracle"
	"github.com/jinterlante1206/converge/services/converge/oracle/patterns"
	"github.com/jinterlante1206/converge/services/converge/repair"
	"github.com/jinterlante1206/converge/services/converge/report"
	"github.com/jinterlante1206/converge/services/converge/taxonomy"
	"github.com/jinterlante1206/converge/services/converge/telemetry"
)

// cycle runs one full PDCA iteration and appends exactly one
// CycleReport, whatever path it takes through the phases. Keeping that
// one-report invariant is what lets the history log enforce strict
// cycle ordering.
func (c *Controller) cycle(ctx context.Context) error {
	c.state.Cycle++
	cycle := c.state.Cycle
	prevRate := c.state.Rate
	prevRates := cloneRates(c.state.Rates)

	ctx, span := c.tracer.Start(ctx, "controller.Cycle", trace.WithAttributes(
		attribute.Int("cycle.index", cycle),
	))
	defer span.End()
	log := telemetry.LoggerWithCycle(ctx, c.logger, cycle)

	rep := &report.CycleReport{
		Cycle:      cycle,
		Seed:       c.config.Seed,
		CorpusHash: c.corpus.Hash,
		Outcome:    report.OutcomeCommitted,
	}

	// ------------------------------------------------------------------
	// Plan
	// ------------------------------------------------------------------
	c.setPhase(PhasePlanning)
	item, ok := c.queue.Pop()
	if !ok {
		if err := c.runCensus(ctx); err != nil {
			return err
		}
		if reason := c.censusTerminal(); reason != HaltNone {
			c.attachCensus(rep)
			rep.Falsifiers = append(rep.Falsifiers, string(reason))
			c.halt(reason)
			return c.record(ctx, rep, prevRate)
		}
		item, ok = c.queue.Pop()
		if !ok {
			c.attachCensus(rep)
			log.Info("nothing repairable after census")
			return c.record(ctx, rep, prevRate)
		}
	}
	c.attachCensus(rep)
	queueDepth.Set(float64(c.queue.Len()))
	span.SetAttributes(
		attribute.String("cycle.category", item.Category),
		attribute.String("cycle.code", item.Code),
		attribute.Float64("cycle.impact", item.Impact()),
	)

	// ------------------------------------------------------------------
	// Isolate
	// ------------------------------------------------------------------
	c.setPhase(PhaseIsolating)
	failing := c.failingEntries(item)
	if len(failing) == 0 {
		// The item outlived its failures; an earlier fix covered them.
		log.Debug("queue item stale",
			"category", item.Category, "code", item.Code)
		return c.record(ctx, rep, prevRate)
	}
	repro := failing[0]

	res, err := c.deps.Bisector.Minimize(ctx, failing)
	switch {
	case errors.Is(err, bisect.ErrInconclusive):
		rep.Falsifiers = append(rep.Falsifiers, "bisection_inconclusive")
		log.Warn("bisection inconclusive, repairing without a minimal case",
			"category", item.Category, "candidates", len(failing))
	case err != nil:
		return fmt.Errorf("controller: isolating %s: %w", item.Category, err)
	default:
		for _, fault := range res.Faults {
			rep.Counterexamples = append(rep.Counterexamples, report.Counterexample{
				Code:  item.Code,
				Paths: fault.Paths(),
			})
		}
		if len(res.Faults) > 0 && len(res.Faults[0].Entries) > 0 {
			repro = res.Faults[0].Entries[0]
		}
	}

	// ------------------------------------------------------------------
	// Repair
	// ------------------------------------------------------------------
	c.setPhase(PhaseRepairing)
	attempt, found := c.attempts[repro.Path]
	if !found || attempt.Succeeded() {
		return c.record(ctx, rep, prevRate)
	}
	d, found := primaryDiag(attempt, item.Code)
	if !found {
		c.queue.Defer(item)
		return c.record(ctx, rep, prevRate)
	}

	cl, candidates, err := c.deps.Oracle.SuggestFixes(ctx, d, repro.Tier, c.config.SuggestK)
	if errors.Is(err, oracle.ErrModelInference) {
		// Never silently skip: the pattern goes back on the queue and
		// the diagnostic is flagged for manual review.
		log.Warn("model inference unavailable, deferring to manual review",
			"category", item.Category, "error", err)
		c.emit(Event{Cycle: cycle, Phase: PhaseRepairing, Tier: repro.Tier,
			Category: item.Category, Message: "needs manual review: model unavailable"})
		c.queue.Defer(item)
		return c.record(ctx, rep, prevRate)
	}
	if err != nil {
		return fmt.Errorf("controller: suggesting fixes for %s: %w", d.Code, err)
	}
	if cl.NeedsReview {
		c.emit(Event{Cycle: cycle, Phase: PhaseRepairing, Tier: repro.Tier,
			Category: cl.Category, Message: "needs manual review: low confidence"})
		c.queue.Defer(item)
		return c.record(ctx, rep, prevRate)
	}

	pats := c.resolvePatterns(ctx, candidates)

	// With no stored candidates, the compiler's own suggestion can seed
	// one. The mined pattern is tried like any other but only enters
	// the library if its fix survives verification.
	var mined *patterns.Pattern
	if len(pats) == 0 {
		if p, ok := repair.MinePattern(item.Category, d, c.generatedFor(attempt)); ok {
			mined = &p
			pats = append(pats, p)
			log.Info("mined candidate from compiler suggestion",
				"pattern", p.ID, "code", d.Code)
		}
	}
	if len(pats) == 0 {
		log.Info("no applicable fix patterns", "category", item.Category, "code", item.Code)
		c.queue.Defer(item)
		return c.record(ctx, rep, prevRate)
	}

	result, err := c.deps.Repairer.AttemptRepair(ctx, repair.ReproCase{
		Attempt:   attempt,
		Generated: c.generatedFor(attempt),
		Passing:   c.passingEntries(repro.Tier),
	}, pats)
	if err != nil {
		return fmt.Errorf("controller: repairing %s: %w", repro.Path, err)
	}
	if result.Outcome != repair.OutcomeSuccess {
		// No fix applied means nothing to roll back; the cycle commits
		// a no-change report and the pattern re-queues decayed.
		c.emit(Event{Cycle: cycle, Phase: PhaseRepairing, Tier: repro.Tier,
			Category: item.Category, Message: "repair: " + result.Outcome.String()})
		c.queue.Defer(item)
		return c.record(ctx, rep, prevRate)
	}

	source := c.fixSource(result)
	if source == "" {
		log.Warn("accepted fix has no readable artifact, deferring",
			"entry", repro.Path, "pattern", result.Fix.PatternID)
		c.queue.Defer(item)
		return c.record(ctx, rep, prevRate)
	}
	c.overlay.Put(repro.Path, source)

	// ------------------------------------------------------------------
	// Verify
	// ------------------------------------------------------------------
	c.setPhase(PhaseVerifying)
	verifySet := c.corpus.ByTier(repro.Tier)
	if c.config.FullVerifyEvery > 0 && cycle%c.config.FullVerifyEvery == 0 {
		verifySet = c.corpus.Entries
	}
	prevAttempts := c.snapshotAttempts(verifySet)

	batch, err := c.deps.Compiler.CompileBatch(ctx, verifySet)
	if err != nil {
		c.overlay.Delete(repro.Path)
		return fmt.Errorf("controller: verifying cycle %d: %w", cycle, err)
	}
	c.absorb(batch.Attempts)

	var ownRegression, crossTier bool
	for _, tier := range coveredTiers(verifySet) {
		dec, err := c.deps.Gate.Check(ctx, tier, c.state.Rates[tier])
		if err != nil {
			c.overlay.Delete(repro.Path)
			return fmt.Errorf("controller: gating tier %s: %w", tier, err)
		}
		if !dec.Pass {
			if tier == repro.Tier {
				ownRegression = true
			} else {
				crossTier = true
			}
			log.Warn("regression gate failed",
				"tier", tier, "rate", c.state.Rates[tier], "repaired_tier", repro.Tier)
		}
	}

	// ------------------------------------------------------------------
	// Act
	// ------------------------------------------------------------------
	if ownRegression || crossTier {
		c.setPhase(PhaseRolledBack)
		c.overlay.Delete(repro.Path)
		c.restoreAttempts(prevAttempts, verifySet)
		c.state.Rates = prevRates
		// A mined candidate that rolled back was never stored, so there
		// is no outcome to record; it simply never enters the library.
		if mined == nil || result.Fix.PatternID != mined.ID {
			if err := c.deps.Library.RecordOutcome(ctx, result.Fix.PatternID, false); err != nil {
				log.Warn("pattern outcome not recorded",
					"pattern", result.Fix.PatternID, "error", err)
			}
		}
		c.queue.Defer(item)
		rep.Outcome = report.OutcomeRolledBack
		if crossTier {
			// A fix for one tier broke another; that is not a bad
			// candidate, it is a broken measurement or a coupled
			// corpus. Stop the line.
			rep.Falsifiers = append(rep.Falsifiers, "cross_tier_regression")
			c.halt(HaltCrossTier)
		} else {
			rep.Falsifiers = append(rep.Falsifiers, "tier_regression")
		}
		return c.record(ctx, rep, prevRate)
	}

	c.setPhase(PhaseCommitted)
	if mined != nil && result.Fix.PatternID == mined.ID {
		if err := c.deps.Library.Upsert(ctx, *mined); err != nil {
			log.Warn("mined pattern not stored", "pattern", mined.ID, "error", err)
		}
	}
	if err := c.deps.Library.RecordOutcome(ctx, result.Fix.PatternID, true); err != nil {
		log.Warn("pattern outcome not recorded",
			"pattern", result.Fix.PatternID, "error", err)
	}
	rep.Fixes = append(rep.Fixes, report.AppliedFix{
		PatternID: result.Fix.PatternID,
		Entry:     repro.Path,
		Strategy:  result.Fix.Strategy,
		Category:  item.Category,
	})
	if c.state.Rates[repro.Tier] > prevRates[repro.Tier]+c.config.MinDelta {
		if _, err := c.deps.Gate.Commit(ctx, repro.Tier, c.state.Rates[repro.Tier], c.corpus.Hash); err != nil {
			log.Warn("baseline commit failed", "tier", repro.Tier, "error", err)
		}
	}
	return c.record(ctx, rep, prevRate)
}

// record finalizes the cycle: rates, improvement bookkeeping, the
// determinism guard, and the history append, in that order. The
// fingerprint extends before the report lands so a divergent cycle
// never enters the history.
func (c *Controller) record(ctx context.Context, rep *report.CycleReport, prevRate float64) error {
	newRate := c.overallRate()
	c.state.Rate = newRate
	rep.Rate = newRate
	rep.Delta = newRate - prevRate
	rep.TierRates = cloneRates(c.state.Rates)

	if rep.Delta > c.config.MinDelta {
		c.state.CyclesSinceImprovement = 0
	} else {
		c.state.CyclesSinceImprovement++
	}
	c.state.RateHistory = append(c.state.RateHistory, newRate)
	c.estimator.Observe(newRate)

	rateGauge.WithLabelValues("all").Set(newRate)
	for _, tier := range sortedKeys(c.state.Rates) {
		rateGauge.WithLabelValues(tier).Set(c.state.Rates[tier])
	}
	cyclesTotal.WithLabelValues(rep.Outcome).Inc()
	queueDepth.Set(float64(c.queue.Len()))

	if err := c.guard.Observe(rep.Cycle, newRate); err != nil {
		return err
	}
	if err := c.deps.History.Append(ctx, rep); err != nil {
		return fmt.Errorf("controller: appending cycle %d: %w", rep.Cycle, err)
	}

	c.logger.Info("cycle complete",
		"cycle", rep.Cycle, "outcome", rep.Outcome, "rate", newRate,
		"delta", rep.Delta, "since_improvement", c.state.CyclesSinceImprovement)
	c.emit(Event{Cycle: rep.Cycle, Phase: c.state.Phase, Rate: newRate,
		Delta: rep.Delta, Outcome: rep.Outcome, Message: "cycle " + rep.Outcome})
	return nil
}

// runCensus compiles the whole corpus, classifies every failing
// diagnostic, and rebuilds the queue by impact. Deferral counts carry
// over so a rebuilt queue does not resurrect abandoned patterns at
// full priority.
func (c *Controller) runCensus(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "controller.Census")
	defer span.End()

	batch, err := c.deps.Compiler.CompileBatch(ctx, c.corpus.Entries)
	if err != nil {
		return fmt.Errorf("controller: census compile: %w", err)
	}
	c.absorb(batch.Attempts)
	c.state.Rate = c.overallRate()

	type clusterKey struct{ category, code string }
	stats := censusStats{categories: make(map[string]int)}
	clusters := make(map[clusterKey]int)

	for _, entry := range c.corpus.Entries {
		attempt, ok := c.attempts[entry.Path]
		if !ok || attempt.Succeeded() {
			continue
		}
		for _, d := range attempt.Diagnostics {
			if !d.IsError() {
				continue
			}
			cl, err := c.deps.Oracle.Classify(ctx, d, entry.Tier)
			if errors.Is(err, oracle.ErrModelInference) {
				stats.unknown++
				stats.failed++
				continue
			}
			if err != nil {
				return fmt.Errorf("controller: classifying %s: %w", d.Code, err)
			}
			if cl.NeedsReview {
				stats.unknown++
				continue
			}
			stats.classified++
			stats.categories[cl.Category]++
			clusters[clusterKey{cl.Category, d.Code}]++
		}
	}

	deferrals := make(map[clusterKey]int)
	for _, it := range c.queue.Snapshot() {
		deferrals[clusterKey{it.Category, it.Code}] = it.Deferrals
	}

	keys := make([]clusterKey, 0, len(clusters))
	for k := range clusters {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].category != keys[j].category {
			return keys[i].category < keys[j].category
		}
		return keys[i].code < keys[j].code
	})

	c.queue.Restore(nil)
	for _, k := range keys {
		severity := taxonomy.SeverityError
		if cat, ok := c.deps.Registry.Lookup(k.category); ok {
			severity = cat.Severity
		}
		c.queue.Push(Item{
			Category:  k.category,
			Code:      k.code,
			Frequency: clusters[k],
			Severity:  severity,
			Deferrals: deferrals[k],
		})
	}
	queueDepth.Set(float64(c.queue.Len()))

	c.census = stats
	c.state.Classified += stats.classified
	c.state.Unknown += stats.unknown

	span.SetAttributes(
		attribute.Int("census.classified", stats.classified),
		attribute.Int("census.unknown", stats.unknown),
		attribute.Int("census.clusters", len(clusters)),
	)
	c.logger.Info("census complete",
		"rate", c.state.Rate, "classified", stats.classified,
		"unknown", stats.unknown, "clusters", len(clusters))
	return nil
}

// attachCensus copies the newest census tallies into a report, once.
func (c *Controller) attachCensus(rep *report.CycleReport) {
	if c.census.reported {
		return
	}
	rep.Categories = cloneCounts(c.census.categories)
	rep.Classified = c.census.classified
	rep.Unknown = c.census.unknown
	c.census.reported = true
}

// absorb folds batch attempts into the controller's view and
// recomputes rates for every covered tier.
func (c *Controller) absorb(attempts []compile.Attempt) {
	covered := make(map[string]bool)
	for _, a := range attempts {
		c.attempts[a.Entry.Path] = a
		covered[a.Entry.Tier] = true
	}
	for tier := range covered {
		c.state.Rates[tier] = c.tierRate(tier)
	}
}

func (c *Controller) tierRate(tier string) float64 {
	entries := c.corpus.ByTier(tier)
	if len(entries) == 0 {
		return 0
	}
	succ := 0
	for _, e := range entries {
		if a, ok := c.attempts[e.Path]; ok && a.Succeeded() {
			succ++
		}
	}
	return float64(succ) / float64(len(entries))
}

func (c *Controller) overallRate() float64 {
	succ := 0
	for _, e := range c.corpus.Entries {
		if a, ok := c.attempts[e.Path]; ok && a.Succeeded() {
			succ++
		}
	}
	return float64(succ) / float64(len(c.corpus.Entries))
}

// failingEntries lists, in corpus order, the entries still failing
// with the item's error code.
func (c *Controller) failingEntries(item Item) []corpus.Entry {
	var out []corpus.Entry
	for _, e := range c.corpus.Entries {
		a, ok := c.attempts[e.Path]
		if !ok || a.Status != compile.StatusFailure {
			continue
		}
		for _, d := range a.Diagnostics {
			if d.Code == item.Code {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func (c *Controller) passingEntries(tier string) []corpus.Entry {
	var out []corpus.Entry
	for _, e := range c.corpus.ByTier(tier) {
		if a, ok := c.attempts[e.Path]; ok && a.Succeeded() {
			out = append(out, e)
		}
	}
	return out
}

// generatedFor returns the generated source for an attempt, preferring
// a staged overlay fix over the scratch artifact.
func (c *Controller) generatedFor(a compile.Attempt) string {
	if src, ok := c.overlay.Lookup(a.Entry.Path); ok {
		return src
	}
	if a.ArtifactPath == "" {
		return ""
	}
	data, err := os.ReadFile(a.ArtifactPath)
	if err != nil {
		c.logger.Debug("artifact unreadable", "path", a.ArtifactPath, "error", err)
		return ""
	}
	return string(data)
}

// fixSource extracts the repaired source from an accepted fix.
func (c *Controller) fixSource(result *repair.RepairResult) string {
	if result.Fix != nil && result.Fix.Patched != "" {
		return result.Fix.Patched
	}
	if result.Evidence != nil && result.Evidence.After.ArtifactPath != "" {
		data, err := os.ReadFile(result.Evidence.After.ArtifactPath)
		if err == nil {
			return string(data)
		}
		c.logger.Debug("fix artifact unreadable",
			"path", result.Evidence.After.ArtifactPath, "error", err)
	}
	return ""
}

// resolvePatterns maps oracle candidates to live library patterns.
func (c *Controller) resolvePatterns(ctx context.Context, candidates []oracle.FixCandidate) []patterns.Pattern {
	out := make([]patterns.Pattern, 0, len(candidates))
	for _, cand := range candidates {
		p, err := c.deps.Library.Get(ctx, cand.PatternID)
		if err != nil {
			c.logger.Debug("candidate pattern not in library",
				"pattern", cand.PatternID, "error", err)
			continue
		}
		if p.Retired {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (c *Controller) snapshotAttempts(entries []corpus.Entry) map[string]compile.Attempt {
	out := make(map[string]compile.Attempt, len(entries))
	for _, e := range entries {
		if a, ok := c.attempts[e.Path]; ok {
			out[e.Path] = a
		}
	}
	return out
}

func (c *Controller) restoreAttempts(snap map[string]compile.Attempt, entries []corpus.Entry) {
	for _, e := range entries {
		if a, ok := snap[e.Path]; ok {
			c.attempts[e.Path] = a
		} else {
			delete(c.attempts, e.Path)
		}
	}
	for _, tier := range coveredTiers(entries) {
		c.state.Rates[tier] = c.tierRate(tier)
	}
}

func primaryDiag(a compile.Attempt, code string) (diag.Diagnostic, bool) {
	for _, d := range a.Diagnostics {
		if d.Code == code && d.IsError() {
			return d, true
		}
	}
	for _, d := range a.Diagnostics {
		if d.IsError() {
			return d, true
		}
	}
	return diag.Diagnostic{}, false
}

func coveredTiers(entries []corpus.Entry) []string {
	set := make(map[string]bool)
	for _, e := range entries {
		set[e.Tier] = true
	}
	tiers := make([]string, 0, len(set))
	for t := range set {
		tiers = append(tiers, t)
	}
	sort.Strings(tiers)
	return tiers
}

func cloneRates(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneCounts(m map[string]int) map[string]int {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
