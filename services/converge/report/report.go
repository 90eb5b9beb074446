// Aleutian FW
// Copyright (C) 2025  Jason Interlante
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
// https://www.gnu.org/licenses/agpl-3.0.en.html

// Package report defines cycle reports and their append-only history.
//
// Reports are the replayable record of a session: for a fixed seed and
// corpus hash, two runs must serialize identical report sequences, byte
// for byte. Everything in a CycleReport is therefore logical (cycle
// indexes, rates, IDs); wall-clock time never enters the canonical
// form. Sinks that want timestamps attach their own at write time.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Cycle outcomes.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
)

// AppliedFix records one fix accepted during a cycle.
type AppliedFix struct {
	PatternID string `json:"pattern_id"`
	Entry     string `json:"entry"`
	Strategy  string `json:"strategy"`
	Category  string `json:"category"`
}

// Counterexample records one minimized failure set.
type Counterexample struct {
	// Code is the diagnostic code the set reproduces.
	Code string `json:"code"`

	// Paths lists the minimal entry set, in corpus order.
	Paths []string `json:"paths"`
}

// CycleReport is the outcome of one convergence cycle.
type CycleReport struct {
	// Cycle is the 1-based cycle index. Reports are strictly ordered
	// by this index and never edited; corrections append as new
	// reports carrying Corrects.
	Cycle int `json:"cycle"`

	// Seed is the session seed.
	Seed uint64 `json:"seed"`

	// CorpusHash identifies the corpus this cycle ran over.
	CorpusHash string `json:"corpus_hash"`

	// Outcome is OutcomeCommitted or OutcomeRolledBack.
	Outcome string `json:"outcome"`

	// Rate is the overall compile rate after the cycle.
	Rate float64 `json:"rate"`

	// Delta is Rate minus the previous cycle's Rate.
	Delta float64 `json:"delta"`

	// TierRates holds the per-tier compile rates.
	TierRates map[string]float64 `json:"tier_rates"`

	// Categories counts classified diagnostics by category.
	Categories map[string]int `json:"categories,omitempty"`

	// Classified counts diagnostics the oracle placed in a concrete
	// category; Unknown counts catch-all fallbacks.
	Classified int `json:"classified"`
	Unknown    int `json:"unknown"`

	// Falsifiers names the conjectures this cycle violated.
	Falsifiers []string `json:"falsifiers,omitempty"`

	// Fixes lists fixes applied and kept this cycle.
	Fixes []AppliedFix `json:"fixes,omitempty"`

	// Counterexamples lists minimized failure sets isolated this cycle.
	Counterexamples []Counterexample `json:"counterexamples,omitempty"`

	// Corrects names an earlier cycle this report corrects, if any.
	Corrects int `json:"corrects,omitempty"`
}

// Validate checks report fields.
func (r *CycleReport) Validate() error {
	if r.Cycle < 1 {
		return fmt.Errorf("report: cycle %d below 1", r.Cycle)
	}
	if r.CorpusHash == "" {
		return errors.New("report: empty corpus hash")
	}
	if r.Outcome != OutcomeCommitted && r.Outcome != OutcomeRolledBack {
		return fmt.Errorf("report: unknown outcome %q", r.Outcome)
	}
	if r.Rate < 0 || r.Rate > 1 {
		return fmt.Errorf("report: rate %f outside [0,1]", r.Rate)
	}
	for tier, rate := range r.TierRates {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("report: tier %s rate %f outside [0,1]", tier, rate)
		}
	}
	if r.Classified < 0 || r.Unknown < 0 {
		return errors.New("report: negative classification counts")
	}
	return nil
}

// EscapeRate is the fraction of diagnostics that fell back to the
// catch-all instead of a concrete category.
func (r *CycleReport) EscapeRate() float64 {
	total := r.Classified + r.Unknown
	if total == 0 {
		return 0
	}
	return float64(r.Unknown) / float64(total)
}

// Canonical serializes the report into its byte-stable form.
//
// Description:
//
//	Collections are normalized (sorted falsifiers and fixes; map keys
//	sort under encoding/json already) so the bytes depend only on the
//	report's logical content, not on the order a producer happened to
//	accumulate it in. Two runs with the same seed and corpus hash must
//	produce identical Canonical output for every cycle.
func (r *CycleReport) Canonical() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	c := *r
	if len(r.Falsifiers) > 0 {
		c.Falsifiers = append([]string(nil), r.Falsifiers...)
		sort.Strings(c.Falsifiers)
	}
	if len(r.Fixes) > 0 {
		c.Fixes = append([]AppliedFix(nil), r.Fixes...)
		sort.Slice(c.Fixes, func(i, j int) bool {
			if c.Fixes[i].Entry != c.Fixes[j].Entry {
				return c.Fixes[i].Entry < c.Fixes[j].Entry
			}
			return c.Fixes[i].PatternID < c.Fixes[j].PatternID
		})
	}
	if len(r.Counterexamples) > 0 {
		c.Counterexamples = append([]Counterexample(nil), r.Counterexamples...)
		// Paths stay in corpus order inside each set; only the sets
		// themselves are ordered.
		sort.Slice(c.Counterexamples, func(i, j int) bool {
			a, b := c.Counterexamples[i], c.Counterexamples[j]
			if a.Code != b.Code {
				return a.Code < b.Code
			}
			return firstPath(a) < firstPath(b)
		})
	}
	return json.Marshal(&c)
}

// ParseReport decodes a canonical report.
func ParseReport(data []byte) (*CycleReport, error) {
	var r CycleReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("report: decoding: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func firstPath(c Counterexample) string {
	if len(c.Paths) == 0 {
		return ""
	}
	return c.Paths[0]
}
