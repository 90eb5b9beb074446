// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diag normalizes raw compiler output into structured diagnostics
// with stable identity.
//
// Only machine-readable output is parsed. Mixed human-readable streams
// (progress glyphs interleaved with emitted source) have corrupted
// downstream consumers before; the normalizer never attempts to recover
// prose, it either parses JSON records or fails closed.
package diag

import "fmt"

// CodeUnparseable is the synthetic code emitted when a failing compile
// produced no parseable diagnostics. Failing closed keeps the signal
// visible instead of silently dropping the attempt.
const CodeUnparseable = "UNPARSEABLE"

// CodeSyntax is the synthetic code assigned to error diagnostics the
// compiler emits without a code. In practice those are parse errors in
// the generated source.
const CodeSyntax = "SYNTAX"

// Level is the compiler-reported severity of a diagnostic.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelNote    Level = "note"
	LevelHelp    Level = "help"
)

// ParseLevel normalizes a raw level string. rustc emits "error: internal
// compiler error" style levels for ICEs; those collapse to LevelError.
func ParseLevel(raw string) Level {
	switch raw {
	case "warning":
		return LevelWarning
	case "note":
		return LevelNote
	case "help":
		return LevelHelp
	default:
		return LevelError
	}
}

// Span locates a diagnostic within one source file.
type Span struct {
	File      string `json:"file"`
	LineStart int    `json:"line_start"`
	ColStart  int    `json:"col_start"`
	LineEnd   int    `json:"line_end"`
	ColEnd    int    `json:"col_end"`
}

// String renders the span in file:line:col form.
func (s Span) String() string {
	return fmt.Sprintf("%s:%d:%d-%d:%d", s.File, s.LineStart, s.ColStart, s.LineEnd, s.ColEnd)
}

// Width returns the column width of a single-line span, 0 otherwise.
func (s Span) Width() int {
	if s.LineStart == s.LineEnd && s.ColEnd > s.ColStart {
		return s.ColEnd - s.ColStart
	}
	return 0
}

// Diagnostic is one normalized compiler message.
//
// Code plus Span form the stable identity used for deduplication; two
// diagnostics with equal Key() describe the same underlying failure even
// when message wording differs between compiler versions.
type Diagnostic struct {
	Code       string `json:"code"`
	Level      Level  `json:"level"`
	Message    string `json:"message"`
	Span       Span   `json:"span"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Key returns the dedup identity for this diagnostic.
func (d Diagnostic) Key() string {
	return d.Code + "@" + d.Span.String()
}

// IsError reports whether the diagnostic blocks compilation.
func (d Diagnostic) IsError() bool {
	return d.Level == LevelError
}
