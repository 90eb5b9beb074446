// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diag

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// maxLineSize bounds a single JSON diagnostic line. rustc can render very
// long type names into messages; 1 MB matches the cap used elsewhere for
// untrusted input files.
const maxLineSize = 1 << 20

// maxRawPrefix bounds how much raw text an UNPARSEABLE diagnostic carries.
const maxRawPrefix = 512

var (
	diagParsedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "converge_diag_parsed_total",
		Help: "Diagnostics successfully parsed from compiler output.",
	})
	diagUnparseableTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "converge_diag_unparseable_total",
		Help: "Failing compiles whose output yielded no parseable diagnostics.",
	})
	diagDedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "converge_diag_deduped_total",
		Help: "Diagnostics dropped as duplicates of an identical code and span.",
	})
)

// rustcDiagnostic mirrors one line of rustc --error-format=json output.
type rustcDiagnostic struct {
	Message  string            `json:"message"`
	Code     *rustcCode        `json:"code"`
	Level    string            `json:"level"`
	Spans    []rustcSpan       `json:"spans"`
	Children []rustcDiagnostic `json:"children"`
}

type rustcCode struct {
	Code string `json:"code"`
}

type rustcSpan struct {
	FileName             string  `json:"file_name"`
	LineStart            int     `json:"line_start"`
	LineEnd              int     `json:"line_end"`
	ColumnStart          int     `json:"column_start"`
	ColumnEnd            int     `json:"column_end"`
	IsPrimary            bool    `json:"is_primary"`
	SuggestedReplacement *string `json:"suggested_replacement"`
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithWarnings includes warning-level diagnostics in the output. The
// default keeps only errors, which are the records that drive repair.
func WithWarnings() Option {
	return func(n *Normalizer) { n.includeWarnings = true }
}

// Normalizer parses machine-readable compiler output into Diagnostic
// records.
//
// Thread Safety: Normalizer is immutable after construction and safe for
// concurrent use.
type Normalizer struct {
	includeWarnings bool
}

// NewNormalizer constructs a Normalizer.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize parses raw compiler output into deduplicated diagnostics.
//
// Description:
//
//	Scans the output line by line, parsing each line that is a JSON
//	diagnostic record and skipping everything else. Diagnostics sharing
//	an identical (code, span) pair are deduplicated; the first
//	occurrence wins and ordering of first occurrences is preserved.
//
// Inputs:
//
//	raw - Captured compiler stderr. May freely mix JSON records with
//	      non-JSON lines; non-JSON lines are ignored.
//
// Outputs:
//
//	[]Diagnostic - Normalized records in first-occurrence order. Empty
//	               when the output contains no parseable records.
func (n *Normalizer) Normalize(raw []byte) []Diagnostic {
	var (
		out  []Diagnostic
		seen = make(map[string]bool)
	)

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var rd rustcDiagnostic
		if err := json.Unmarshal(line, &rd); err != nil {
			continue
		}

		d, ok := n.convert(rd)
		if !ok {
			continue
		}
		if seen[d.Key()] {
			diagDedupedTotal.Inc()
			continue
		}
		seen[d.Key()] = true
		diagParsedTotal.Inc()
		out = append(out, d)
	}

	return out
}

// NormalizeFailure parses output from a failing compile, guaranteeing at
// least one diagnostic. When nothing parses, a single synthetic
// UNPARSEABLE record carries a bounded prefix of the raw text.
func (n *Normalizer) NormalizeFailure(raw []byte) []Diagnostic {
	out := n.Normalize(raw)
	if len(out) > 0 {
		return out
	}

	diagUnparseableTotal.Inc()
	return []Diagnostic{{
		Code:    CodeUnparseable,
		Level:   LevelError,
		Message: rawPrefix(raw),
	}}
}

// convert maps one rustc record to a Diagnostic. Records without a
// primary span or below the severity cutoff are dropped.
func (n *Normalizer) convert(rd rustcDiagnostic) (Diagnostic, bool) {
	level := ParseLevel(rd.Level)
	if level == LevelNote || level == LevelHelp {
		return Diagnostic{}, false
	}
	if level == LevelWarning && !n.includeWarnings {
		return Diagnostic{}, false
	}
	if rd.Message == "" {
		return Diagnostic{}, false
	}

	d := Diagnostic{
		Level:   level,
		Message: rd.Message,
	}
	if rd.Code != nil {
		d.Code = rd.Code.Code
	}
	// Parse errors carry no code. Tag them so they classify as syntax
	// failures instead of vanishing into the unknown bucket.
	if d.Code == "" && level == LevelError {
		d.Code = CodeSyntax
	}

	for _, s := range rd.Spans {
		if !s.IsPrimary {
			continue
		}
		d.Span = Span{
			File:      s.FileName,
			LineStart: s.LineStart,
			ColStart:  s.ColumnStart,
			LineEnd:   s.LineEnd,
			ColEnd:    s.ColumnEnd,
		}
		if s.SuggestedReplacement != nil {
			d.Suggestion = *s.SuggestedReplacement
		}
		break
	}

	// Fold child help text into the suggestion when the primary span
	// offered none. rustc puts applicable fixes in children.
	if d.Suggestion == "" {
		d.Suggestion = childSuggestion(rd.Children)
	}

	return d, true
}

// childSuggestion extracts the first suggested replacement or help
// message from child diagnostics.
func childSuggestion(children []rustcDiagnostic) string {
	for _, c := range children {
		for _, s := range c.Spans {
			if s.SuggestedReplacement != nil && *s.SuggestedReplacement != "" {
				return *s.SuggestedReplacement
			}
		}
		if ParseLevel(c.Level) == LevelHelp && c.Message != "" {
			return c.Message
		}
	}
	return ""
}

// rawPrefix returns a bounded, valid-UTF-8 prefix of raw output for
// embedding in an UNPARSEABLE diagnostic.
func rawPrefix(raw []byte) string {
	s := strings.ToValidUTF8(string(raw), "")
	if len(s) <= maxRawPrefix {
		return s
	}
	cut := s[:maxRawPrefix]
	for !utf8.ValidString(cut) && len(cut) > 0 {
		cut = cut[:len(cut)-1]
	}
	return cut
}
