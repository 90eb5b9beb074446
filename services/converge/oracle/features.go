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
	"strings"
	"unicode"

	"github.com/jinterlante1206/converge/services/converge/diag"
	"github.com/jinterlante1206/converge/services/converge/taxonomy"
)

// messageKeywords is the fixed vocabulary scored against diagnostic
// messages. Order defines vector layout, so entries are only ever
// appended, never reordered.
var messageKeywords = []string{
	"argument",
	"borrow",
	"borrowed",
	"bound",
	"cannot",
	"crate",
	"dropped",
	"expected",
	"field",
	"found",
	"function",
	"immutable",
	"implemented",
	"import",
	"lifetime",
	"method",
	"mismatched",
	"missing",
	"moved",
	"mutable",
	"outlives",
	"reference",
	"resolve",
	"return",
	"satisfied",
	"scope",
	"trait",
	"type",
	"undeclared",
	"unresolved",
	"value",
}

// structuralWidth is the number of trailing structural slots in every
// feature vector: error level, suggestion present, span width, token count.
const structuralWidth = 4

// FeatureExtractor maps diagnostics onto fixed-width vectors.
//
// The layout is [code one-hot | keyword counts | structural] where the
// code block follows the taxonomy's sorted known-code order. Two
// extractors built from equivalent registries produce identical vectors
// for identical diagnostics, which is what makes trained models
// portable across processes.
//
// Thread Safety: Safe for concurrent use (immutable after construction).
type FeatureExtractor struct {
	codes     []string
	codeIndex map[string]int
	keywords  map[string]int
}

// NewFeatureExtractor builds an extractor over the registry's known codes.
func NewFeatureExtractor(reg *taxonomy.Registry) *FeatureExtractor {
	codes := reg.KnownCodes()
	codeIndex := make(map[string]int, len(codes))
	for i, c := range codes {
		codeIndex[c] = i
	}
	keywords := make(map[string]int, len(messageKeywords))
	for i, k := range messageKeywords {
		keywords[k] = i
	}
	return &FeatureExtractor{codes: codes, codeIndex: codeIndex, keywords: keywords}
}

// Width returns the vector length produced by Extract.
func (e *FeatureExtractor) Width() int {
	return len(e.codes) + len(messageKeywords) + structuralWidth
}

// Extract converts one diagnostic into its feature vector.
//
// Description:
//
//	Deterministic: the same diagnostic always yields the same vector.
//	Unknown codes leave the one-hot block empty and rely on message
//	keywords and structure, which is how never-seen compiler codes
//	still land near the right centroid.
func (e *FeatureExtractor) Extract(d diag.Diagnostic) []float64 {
	vec := make([]float64, e.Width())

	if i, ok := e.codeIndex[d.Code]; ok {
		vec[i] = 1
	}

	tokens := tokenize(d.Message)
	kwBase := len(e.codes)
	for _, tok := range tokens {
		if i, ok := e.keywords[tok]; ok {
			vec[kwBase+i]++
		}
	}

	sBase := len(e.codes) + len(messageKeywords)
	if d.IsError() {
		vec[sBase] = 1
	}
	if d.Suggestion != "" {
		vec[sBase+1] = 1
	}
	width := d.Span.Width()
	if width > 10 {
		width = 10
	}
	vec[sBase+2] = float64(width) / 10
	n := len(tokens)
	if n > 50 {
		n = 50
	}
	vec[sBase+3] = float64(n) / 50

	return vec
}

// tokenize lowercases and splits a message on non-alphanumeric runs.
func tokenize(message string) []string {
	return strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
