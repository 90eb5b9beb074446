// Aleutian FW
// Copyright (C) 2025  Jason Interlante
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
// https://www.gnu.org/licenses/agpl-3.0.en.html

package repair

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jinterlante1206/converge/services/converge/oracle/patterns"
)

// hintHeader announces a transpiler-override payload. Everything after
// it is key=value hint lines.
const hintHeader = "transpiler-hints"

// Strategy materializes one candidate pattern into a concrete Fix.
//
// Strategies are pure: Materialize inspects the case and the pattern and
// produces a Fix, it never compiles anything or touches the filesystem.
// Side effects belong to the verification step.
type Strategy interface {
	// Name is the stable registry key.
	Name() string

	// CanApply reports whether the pattern's payload is of this
	// strategy's kind. Cheap; full validation happens in Materialize.
	CanApply(p patterns.Pattern) bool

	// Materialize builds the Fix. A malformed payload returns an error
	// and must leave no side effects.
	Materialize(ctx context.Context, c ReproCase, p patterns.Pattern) (Fix, error)
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry is the closed, ordered set of repair strategies. Strategies
// are registered explicitly at construction; there is no discovery and
// no reflection, so the set in force is visible at the call site.
type Registry struct {
	ordered []Strategy
	byName  map[string]Strategy
}

// NewRegistry builds a registry in the given order. Earlier strategies
// win when more than one can apply to a pattern.
func NewRegistry(strategies ...Strategy) (*Registry, error) {
	if len(strategies) == 0 {
		return nil, errors.New("repair: empty strategy registry")
	}
	r := &Registry{byName: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		if s == nil {
			return nil, errors.New("repair: nil strategy")
		}
		name := s.Name()
		if name == "" {
			return nil, errors.New("repair: strategy with empty name")
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("repair: duplicate strategy %q", name)
		}
		r.byName[name] = s
		r.ordered = append(r.ordered, s)
	}
	return r, nil
}

// DefaultRegistry returns the shipped strategy set: unified-diff
// patching of generated source, transpiler-override injection, then
// mined compiler-suggestion replacement.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(PatchStrategy{}, OverrideStrategy{}, SuggestionStrategy{})
	if err != nil {
		// Static construction; failure is a programming error.
		panic(err)
	}
	return r
}

// For returns the first registered strategy that can apply the pattern,
// or nil when none claims it.
func (r *Registry) For(p patterns.Pattern) Strategy {
	for _, s := range r.ordered {
		if s.CanApply(p) {
			return s
		}
	}
	return nil
}

// Names lists the strategies in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.ordered))
	for i, s := range r.ordered {
		names[i] = s.Name()
	}
	return names
}

// ---------------------------------------------------------------------------
// Shipped strategies
// ---------------------------------------------------------------------------

// PatchStrategy applies a unified-diff patch to the generated source.
type PatchStrategy struct{}

// Name implements Strategy.
func (PatchStrategy) Name() string { return "patch" }

// CanApply recognizes unified-diff payloads by their headers.
func (PatchStrategy) CanApply(p patterns.Pattern) bool {
	trimmed := strings.TrimSpace(p.Patch)
	return strings.HasPrefix(trimmed, "---") || strings.HasPrefix(trimmed, "@@")
}

// Materialize validates the diff and applies it to the failing artifact.
func (PatchStrategy) Materialize(_ context.Context, c ReproCase, p patterns.Pattern) (Fix, error) {
	if c.Generated == "" {
		return Fix{}, fmt.Errorf("%w: case has no generated source", ErrMalformedPatch)
	}
	patched, err := ApplyPatch(c.Generated, artifactName(c), p.Patch)
	if err != nil {
		return Fix{}, err
	}
	return Fix{
		PatternID: p.ID,
		Strategy:  "patch",
		Patched:   patched,
	}, nil
}

// OverrideStrategy injects per-entry codegen hints so the transpiler
// regenerates the artifact differently, instead of editing its output.
type OverrideStrategy struct{}

// Name implements Strategy.
func (OverrideStrategy) Name() string { return "override" }

// CanApply recognizes hint payloads by the header line.
func (OverrideStrategy) CanApply(p patterns.Pattern) bool {
	first, _, _ := strings.Cut(strings.TrimSpace(p.Patch), "\n")
	return strings.TrimSpace(first) == hintHeader
}

// Materialize parses the hint lines into an override map.
func (OverrideStrategy) Materialize(_ context.Context, _ ReproCase, p patterns.Pattern) (Fix, error) {
	overrides, err := parseHints(p.Patch)
	if err != nil {
		return Fix{}, err
	}
	return Fix{
		PatternID: p.ID,
		Strategy:  "override",
		Overrides: overrides,
	}, nil
}

// parseHints reads a transpiler-hints payload: the header line followed
// by one key=value hint per line. Blank lines are allowed, anything else
// is malformed.
func parseHints(payload string) (map[string]string, error) {
	lines := strings.Split(strings.TrimSpace(payload), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != hintHeader {
		return nil, fmt.Errorf("%w: missing %q header", ErrMalformedPatch, hintHeader)
	}

	overrides := make(map[string]string)
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("%w: bad hint line %q", ErrMalformedPatch, line)
		}
		overrides[key] = value
	}
	if len(overrides) == 0 {
		return nil, fmt.Errorf("%w: no hints in payload", ErrMalformedPatch)
	}
	return overrides, nil
}

// artifactName is the generated file name for the case's entry, matching
// the batch compiler's naming.
func artifactName(c ReproCase) string {
	base := filepath.Base(c.Attempt.Entry.Path)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".rs"
}
