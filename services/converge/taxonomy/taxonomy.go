// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package taxonomy defines the closed, versioned set of failure categories
// used to classify compiler diagnostics.
//
// The taxonomy is fixed at build time. Classifiers reference categories by
// name; adding, renaming, or re-parenting a category requires bumping
// Version so that persisted classifications can be detected as stale.
package taxonomy

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Version is the taxonomy revision. Bump on any change to the category set
// or the code mapping.
const Version = 3

// Unknown is the catch-all category for diagnostics no concrete category
// claims. Classifications landing here count toward the escape rate.
const Unknown = "unknown"

// =============================================================================
// Severity
// =============================================================================

// Severity ranks how strongly a category blocks convergence.
type Severity int

const (
	// SeverityInfo marks advisory categories that rarely block compilation.
	SeverityInfo Severity = iota

	// SeverityWarning marks categories that degrade output quality.
	SeverityWarning

	// SeverityError marks categories that block compilation of one entry.
	SeverityError

	// SeverityCritical marks categories that corrupt entire batches,
	// such as malformed generated syntax.
	SeverityCritical
)

// String returns the human-readable severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Weight returns the scheduling weight used when ordering failure patterns
// by impact. Higher severities double the weight of the tier below.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 8
	case SeverityError:
		return 4
	case SeverityWarning:
		return 2
	default:
		return 1
	}
}

// ParseSeverity maps a severity name back to its value. Unrecognized
// names parse as SeverityWarning.
func ParseSeverity(name string) Severity {
	switch name {
	case "info":
		return SeverityInfo
	case "warning":
		return SeverityWarning
	case "error":
		return SeverityError
	case "critical":
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

// MarshalJSON serializes the severity as a string (e.g., "error")
// rather than a number.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts both string and numeric severities.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*s = ParseSeverity(name)
		return nil
	}
	var i int
	if err := json.Unmarshal(data, &i); err != nil {
		return fmt.Errorf("severity must be string or int: %w", err)
	}
	*s = Severity(i)
	return nil
}

// =============================================================================
// Category
// =============================================================================

// Category is one node in the failure taxonomy.
type Category struct {
	// Name is the stable snake_case identifier.
	Name string

	// Parent is the name of the parent category, or "" for a root node.
	Parent string

	// Severity is the default scheduling severity for diagnostics
	// classified into this category.
	Severity Severity
}

// Registry holds the closed category set and the mapping from compiler
// error codes to categories.
//
// Thread Safety: Registry is immutable after construction and safe for
// concurrent readers.
type Registry struct {
	categories map[string]Category
	byCode     map[string]string
	names      []string
	codes      []string
}

// NewRegistry constructs the registry for the current taxonomy Version.
//
// Description:
//
//	Builds the closed category set and the rustc error-code mapping in a
//	deterministic order. The returned registry is never mutated; every
//	component that needs category lookups receives this handle rather
//	than consulting package state.
//
// Outputs:
//
//	*Registry - The immutable registry.
func NewRegistry() *Registry {
	cats := []Category{
		{Name: "types", Parent: "", Severity: SeverityError},
		{Name: "type_mismatch", Parent: "types", Severity: SeverityError},
		{Name: "trait_bound", Parent: "types", Severity: SeverityError},
		{Name: "resolution", Parent: "", Severity: SeverityError},
		{Name: "scope_resolution", Parent: "resolution", Severity: SeverityError},
		{Name: "import_resolution", Parent: "resolution", Severity: SeverityError},
		{Name: "method_not_found", Parent: "resolution", Severity: SeverityError},
		{Name: "ownership", Parent: "", Severity: SeverityError},
		{Name: "borrow_check", Parent: "ownership", Severity: SeverityError},
		{Name: "lifetime", Parent: "ownership", Severity: SeverityError},
		{Name: "syntax", Parent: "", Severity: SeverityCritical},
		{Name: Unknown, Parent: "", Severity: SeverityWarning},
	}

	r := &Registry{
		categories: make(map[string]Category, len(cats)),
		byCode:     make(map[string]string),
	}
	for _, c := range cats {
		r.categories[c.Name] = c
		r.names = append(r.names, c.Name)
	}

	// rustc error code mapping. First match wins; codes absent from this
	// table classify through the model rather than the table.
	codeMap := []struct{ code, category string }{
		{"E0061", "type_mismatch"},
		{"E0106", "lifetime"},
		{"E0271", "type_mismatch"},
		{"E0277", "trait_bound"},
		{"E0308", "type_mismatch"},
		{"E0382", "borrow_check"},
		{"E0412", "scope_resolution"},
		{"E0425", "scope_resolution"},
		{"E0432", "import_resolution"},
		{"E0433", "import_resolution"},
		{"E0499", "borrow_check"},
		{"E0502", "borrow_check"},
		{"E0506", "borrow_check"},
		{"E0507", "borrow_check"},
		{"E0597", "lifetime"},
		{"E0599", "method_not_found"},
		{"E0621", "lifetime"},
		{"SYNTAX", "syntax"},
		{"UNPARSEABLE", Unknown},
	}
	for _, m := range codeMap {
		r.byCode[m.code] = m.category
		r.codes = append(r.codes, m.code)
	}
	sort.Strings(r.codes)

	return r
}

// Lookup returns the category with the given name.
func (r *Registry) Lookup(name string) (Category, bool) {
	c, ok := r.categories[name]
	return c, ok
}

// ForCode returns the category mapped to a compiler error code, or false
// when the code is not in the closed mapping.
func (r *Registry) ForCode(code string) (Category, bool) {
	name, ok := r.byCode[code]
	if !ok {
		return Category{}, false
	}
	return r.categories[name], true
}

// Names returns all category names in registration order. The slice is a
// copy; callers may not observe or cause mutation.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Leaves returns the names of leaf categories (valid classification
// targets) in registration order.
func (r *Registry) Leaves() []string {
	parents := make(map[string]bool)
	for _, c := range r.categories {
		if c.Parent != "" {
			parents[c.Parent] = true
		}
	}
	var out []string
	for _, name := range r.names {
		if !parents[name] {
			out = append(out, name)
		}
	}
	return out
}

// KnownCodes returns the compiler error codes in the closed mapping,
// sorted, for use as a stable one-hot feature layout.
func (r *Registry) KnownCodes() []string {
	out := make([]string, len(r.codes))
	copy(out, r.codes)
	return out
}

// SeverityOf returns the severity for a category name, defaulting to
// SeverityWarning for names outside the registry.
func (r *Registry) SeverityOf(name string) Severity {
	if c, ok := r.categories[name]; ok {
		return c.Severity
	}
	return SeverityWarning
}

// Validate checks that a category name is a valid classification target.
func (r *Registry) Validate(name string) error {
	if _, ok := r.categories[name]; !ok {
		return fmt.Errorf("category %q is not in taxonomy version %d", name, Version)
	}
	return nil
}
