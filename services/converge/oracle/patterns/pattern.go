// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patterns stores the fix-pattern library: every repair that
// ever verified becomes a pattern, scored by an exponential moving
// average of its later outcomes and retired once it demonstrably stops
// working.
package patterns

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// emaAlpha is the smoothing factor for the success average. Small
	// on purpose: one lucky hit cannot resurrect a bad pattern.
	emaAlpha = 0.1

	// retireThreshold retires a pattern whose success average falls
	// below it. With the neutral prior, five consecutive failures on a
	// fresh pattern land at 0.5 * 0.9^5 = 0.295 and retire it.
	retireThreshold = 0.3

	// minApplications is the floor before retirement is considered, so
	// a single early failure cannot kill a pattern.
	minApplications = 5

	// NeutralPrior seeds the success average for new patterns. It is
	// exported so callers that mint candidate patterns outside the
	// store can mark them eligible at the same starting confidence.
	NeutralPrior = 0.5
)

// Pattern is one reusable fix, keyed by what it fixes rather than
// where it was first seen.
type Pattern struct {
	// ID is derived from category, code, and patch. Stable across runs.
	ID string `json:"id"`

	// Category is the taxonomy leaf this pattern repairs.
	Category string `json:"category"`

	// ErrorCode is the compiler code the pattern was mined from.
	ErrorCode string `json:"error_code"`

	// Summary describes the fix in one line.
	Summary string `json:"summary"`

	// Patch is the fix as a unified diff template.
	Patch string `json:"patch"`

	// Keywords are the retrieval terms extracted from the originating
	// diagnostic, used as the pattern's lexical search document.
	Keywords []string `json:"keywords,omitempty"`

	// Source records how the pattern entered the library.
	Source string `json:"source"`

	// SuccessEMA is the smoothed success rate of applications.
	SuccessEMA float64 `json:"success_ema"`

	// Applications counts every attempted use.
	Applications int `json:"applications"`

	// Successes counts applications whose evidence verified.
	Successes int `json:"successes"`

	// Failures counts applications that did not verify.
	Failures int `json:"failures"`

	// Retired marks patterns the library no longer offers. Permanent.
	Retired bool `json:"retired"`

	// CreatedSeq and UpdatedSeq are monotonic library sequence numbers.
	// Sequence numbers, not wall clocks: ordering must replay
	// identically on resume.
	CreatedSeq uint64 `json:"created_seq"`
	UpdatedSeq uint64 `json:"updated_seq"`
}

// DeriveID computes the stable pattern identity. Two repairs producing
// the same patch for the same failure class collapse into one pattern.
func DeriveID(category, errorCode, patch string) string {
	h := sha256.Sum256([]byte(category + "\x00" + errorCode + "\x00" + strings.TrimSpace(patch)))
	return hex.EncodeToString(h[:12])
}

// Validate checks the fields the store requires.
func (p *Pattern) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pattern has no id")
	}
	if p.Category == "" {
		return fmt.Errorf("pattern %s has no category", p.ID)
	}
	if p.Patch == "" {
		return fmt.Errorf("pattern %s has no patch", p.ID)
	}
	return nil
}

// Active reports whether the library should still offer this pattern.
func (p *Pattern) Active() bool {
	return !p.Retired
}
