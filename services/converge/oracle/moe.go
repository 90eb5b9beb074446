// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"fmt"
	"sort"

	"github.com/jinterlante1206/converge/services/converge/taxonomy"
)

// domainBonus is added to an expert's routing score when its error
// domain matches the diagnostic's. Tier match scores 1.0, so a
// same-tier expert always beats a same-domain one and a
// tier-and-domain expert beats both.
const domainBonus = 0.5

// Expert is one specialized model in the mixture.
type Expert struct {
	// Name identifies the expert in logs and reports. Unique.
	Name string

	// Tier is the corpus tier this expert was trained on. Empty
	// matches no tier.
	Tier string

	// Domain is the error domain this expert specializes in.
	// DomainGeneral claims no domain affinity.
	Domain taxonomy.Domain

	// Model scores vectors. Must be deterministic.
	Model Model
}

// Mixture routes each diagnostic to the best-matching expert, falling
// back to a general model when nothing matches.
//
// Routing is pure: score = tier match + domain match, ties broken by
// expert name. The same (tier, code) pair always selects the same
// expert, which keeps end-to-end classification deterministic.
//
// Thread Safety: Safe for concurrent use (immutable after construction).
type Mixture struct {
	experts  []Expert
	fallback Model
}

// NewMixture builds a mixture over the given experts.
//
// Inputs:
//   - fallback: Model used when no expert scores above zero. Required.
//   - experts: Specialized models. Names must be unique, models non-nil.
//
// Outputs:
//   - *Mixture: The router.
//   - error: On a nil fallback, nil expert model, or duplicate name.
func NewMixture(fallback Model, experts ...Expert) (*Mixture, error) {
	if fallback == nil {
		return nil, fmt.Errorf("mixture: fallback model is required")
	}
	seen := make(map[string]bool, len(experts))
	for _, ex := range experts {
		if ex.Name == "" {
			return nil, fmt.Errorf("mixture: expert with empty name")
		}
		if ex.Model == nil {
			return nil, fmt.Errorf("mixture: expert %q has no model", ex.Name)
		}
		if seen[ex.Name] {
			return nil, fmt.Errorf("mixture: duplicate expert %q", ex.Name)
		}
		seen[ex.Name] = true
	}

	sorted := make([]Expert, len(experts))
	copy(sorted, experts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	return &Mixture{experts: sorted, fallback: fallback}, nil
}

// Route selects the model for a diagnostic from the given tier with
// the given error code. Returns the chosen model and the expert name,
// or the fallback and "general" when no expert matches.
func (m *Mixture) Route(tier, code string) (Model, string) {
	domain := taxonomy.DomainForCode(code)

	best := -1
	bestScore := 0.0
	for i, ex := range m.experts {
		var score float64
		if ex.Tier != "" && ex.Tier == tier {
			score += 1.0
		}
		if ex.Domain != taxonomy.DomainGeneral && ex.Domain == domain {
			score += domainBonus
		}
		// Strict greater-than: on equal scores the earlier expert
		// (lexicographically smaller name) keeps the slot.
		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best < 0 {
		return m.fallback, "general"
	}
	return m.experts[best].Model, m.experts[best].Name
}

// Experts returns the expert names in routing order.
func (m *Mixture) Experts() []string {
	names := make([]string, len(m.experts))
	for i, ex := range m.experts {
		names[i] = ex.Name
	}
	return names
}
