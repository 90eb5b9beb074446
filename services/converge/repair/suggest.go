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
	"fmt"
	"strconv"
	"strings"

	"github.com/jinterlante1206/converge/services/converge/diag"
	"github.com/jinterlante1206/converge/services/converge/oracle/patterns"
)

// suggestionHeader announces a compiler-suggestion payload: the header
// line, a counted find section, a replace marker, and the replacement.
// Payloads are content-addressed rather than span-addressed so a mined
// pattern stays applicable after line numbers shift.
const suggestionHeader = "suggestion-replace"

// SourceCompilerSuggestion marks patterns mined from the compiler's own
// suggested replacements. This is how the library bootstraps: the first
// observed fix for a failure class enters here and earns (or loses) its
// standing through the usual outcome lifecycle.
const SourceCompilerSuggestion = "compiler_suggestion"

// MinePattern builds a candidate pattern from a diagnostic that carries
// a compiler suggestion. The span text is extracted from the generated
// source so the payload matches on content, not position. Returns false
// when the diagnostic has no usable suggestion.
func MinePattern(category string, d diag.Diagnostic, generated string) (patterns.Pattern, bool) {
	if d.Suggestion == "" || generated == "" {
		return patterns.Pattern{}, false
	}
	find, ok := extractSpan(generated, d.Span)
	if !ok || strings.TrimSpace(find) == "" || find == d.Suggestion {
		return patterns.Pattern{}, false
	}

	payload := renderSuggestion(find, d.Suggestion)
	return patterns.Pattern{
		ID:         patterns.DeriveID(category, d.Code, payload),
		Category:   category,
		ErrorCode:  d.Code,
		Summary:    "compiler-suggested replacement for " + d.Code,
		Patch:      payload,
		Keywords:   mineKeywords(d.Message),
		Source:     SourceCompilerSuggestion,
		SuccessEMA: patterns.NeutralPrior,
	}, true
}

// SuggestionStrategy applies a mined find/replace payload to the
// generated source. The first occurrence of the find text is replaced;
// other occurrences of the same construct raise their own diagnostics
// on the next compile and go through the loop again.
type SuggestionStrategy struct{}

// Name implements Strategy.
func (SuggestionStrategy) Name() string { return "suggestion" }

// CanApply recognizes suggestion payloads by the header line.
func (SuggestionStrategy) CanApply(p patterns.Pattern) bool {
	first, _, _ := strings.Cut(strings.TrimSpace(p.Patch), "\n")
	return strings.TrimSpace(first) == suggestionHeader
}

// Materialize parses the payload and rewrites the failing artifact.
func (SuggestionStrategy) Materialize(_ context.Context, c ReproCase, p patterns.Pattern) (Fix, error) {
	if c.Generated == "" {
		return Fix{}, fmt.Errorf("%w: case has no generated source", ErrMalformedPatch)
	}
	find, replacement, err := parseSuggestion(p.Patch)
	if err != nil {
		return Fix{}, err
	}
	idx := strings.Index(c.Generated, find)
	if idx < 0 {
		return Fix{}, fmt.Errorf("%w: suggestion target not found", ErrPatchMismatch)
	}
	return Fix{
		PatternID: p.ID,
		Strategy:  "suggestion",
		Patched:   c.Generated[:idx] + replacement + c.Generated[idx+len(find):],
	}, nil
}

// renderSuggestion encodes a find/replace pair. The find section is
// counted, so payload parsing never depends on the section contents.
func renderSuggestion(find, replacement string) string {
	n := strings.Count(find, "\n") + 1
	return fmt.Sprintf("%s\nfind:%d\n%s\nreplace:\n%s", suggestionHeader, n, find, replacement)
}

// parseSuggestion reads a suggestion payload. An empty replacement is a
// deletion, which compiler suggestions do produce.
func parseSuggestion(payload string) (find, replacement string, err error) {
	lines := strings.Split(payload, "\n")
	if len(lines) < 4 || strings.TrimSpace(lines[0]) != suggestionHeader {
		return "", "", fmt.Errorf("%w: missing %q header", ErrMalformedPatch, suggestionHeader)
	}

	countStr, ok := strings.CutPrefix(strings.TrimSpace(lines[1]), "find:")
	count, convErr := strconv.Atoi(countStr)
	if !ok || convErr != nil || count < 1 {
		return "", "", fmt.Errorf("%w: bad find count %q", ErrMalformedPatch, lines[1])
	}
	if len(lines) < 2+count+1 {
		return "", "", fmt.Errorf("%w: truncated find section", ErrMalformedPatch)
	}

	find = strings.Join(lines[2:2+count], "\n")
	if strings.TrimSpace(lines[2+count]) != "replace:" {
		return "", "", fmt.Errorf("%w: missing replace marker", ErrMalformedPatch)
	}
	return find, strings.Join(lines[2+count+1:], "\n"), nil
}

// extractSpan returns the text a diagnostic span covers. Lines and
// columns are 1-based with an exclusive end column, matching rustc's
// span numbering.
func extractSpan(source string, sp diag.Span) (string, bool) {
	if sp.LineStart < 1 || sp.LineEnd < sp.LineStart || sp.ColStart < 1 || sp.ColEnd < 1 {
		return "", false
	}
	lines := strings.Split(source, "\n")
	if sp.LineEnd > len(lines) {
		return "", false
	}

	if sp.LineStart == sp.LineEnd {
		line := lines[sp.LineStart-1]
		if sp.ColEnd <= sp.ColStart || sp.ColEnd-1 > len(line) {
			return "", false
		}
		return line[sp.ColStart-1 : sp.ColEnd-1], true
	}

	first := lines[sp.LineStart-1]
	last := lines[sp.LineEnd-1]
	if sp.ColStart-1 > len(first) || sp.ColEnd-1 > len(last) {
		return "", false
	}
	segs := make([]string, 0, sp.LineEnd-sp.LineStart+1)
	segs = append(segs, first[sp.ColStart-1:])
	segs = append(segs, lines[sp.LineStart:sp.LineEnd-1]...)
	segs = append(segs, last[:sp.ColEnd-1])
	return strings.Join(segs, "\n"), true
}

// mineKeywords pulls retrieval terms from the diagnostic message:
// lowercase words of three letters or more, first occurrence order,
// capped so one verbose message cannot dominate lexical scoring.
func mineKeywords(message string) []string {
	const maxKeywords = 8

	words := strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9')
	})
	seen := make(map[string]bool, len(words))
	var out []string
	for _, w := range words {
		if len(w) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}
