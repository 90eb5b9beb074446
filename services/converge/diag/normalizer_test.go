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
	"strings"
	"testing"
)

const mismatchLine = `{"message":"mismatched types","code":{"code":"E0308","explanation":null},"level":"error","spans":[{"file_name":"out.rs","byte_start":10,"byte_end":13,"line_start":3,"line_end":3,"column_start":9,"column_end":12,"is_primary":true,"suggested_replacement":null}],"children":[{"message":"expected i64, found String","code":null,"level":"note","spans":[]}],"rendered":"error[E0308]: mismatched types"}`

const traitLine = `{"message":"the trait bound is not satisfied","code":{"code":"E0277","explanation":null},"level":"error","spans":[{"file_name":"out.rs","line_start":7,"line_end":7,"column_start":1,"column_end":4,"is_primary":true,"suggested_replacement":null}],"children":[{"message":"consider borrowing here","code":null,"level":"help","spans":[{"file_name":"out.rs","line_start":7,"line_end":7,"column_start":1,"column_end":4,"is_primary":true,"suggested_replacement":"&value"}]}],"rendered":null}`

func TestNormalizeParsesMachineReadableOnly(t *testing.T) {
	raw := strings.Join([]string{
		"   Compiling scratch v0.1.0",
		mismatchLine,
		"warning: build finished with errors",
		"⠋ progress glyphs must not confuse the parser",
		traitLine,
	}, "\n")

	diags := NewNormalizer().Normalize([]byte(raw))
	if len(diags) != 2 {
		t.Fatalf("got %d diagnostics, want 2", len(diags))
	}

	if diags[0].Code != "E0308" {
		t.Errorf("first code = %s, want E0308", diags[0].Code)
	}
	if diags[0].Span.File != "out.rs" || diags[0].Span.LineStart != 3 {
		t.Errorf("bad span: %s", diags[0].Span)
	}
	if diags[1].Code != "E0277" {
		t.Errorf("second code = %s, want E0277", diags[1].Code)
	}
	if diags[1].Suggestion != "&value" {
		t.Errorf("suggestion = %q, want child replacement", diags[1].Suggestion)
	}
}

func TestNormalizeDeduplicatesByCodeAndSpan(t *testing.T) {
	raw := mismatchLine + "\n" + mismatchLine + "\n" + mismatchLine
	diags := NewNormalizer().Normalize([]byte(raw))
	if len(diags) != 1 {
		t.Fatalf("got %d diagnostics, want 1 after dedup", len(diags))
	}
}

func TestNormalizeFailureFailsClosed(t *testing.T) {
	t.Run("garbage output", func(t *testing.T) {
		diags := NewNormalizer().NormalizeFailure([]byte("Segmentation fault (core dumped)\n"))
		if len(diags) != 1 {
			t.Fatalf("got %d diagnostics, want exactly 1 synthetic", len(diags))
		}
		d := diags[0]
		if d.Code != CodeUnparseable {
			t.Errorf("code = %s, want %s", d.Code, CodeUnparseable)
		}
		if d.Level != LevelError {
			t.Errorf("level = %s, want error", d.Level)
		}
		if !strings.Contains(d.Message, "Segmentation fault") {
			t.Errorf("raw prefix missing from message: %q", d.Message)
		}
	})

	t.Run("empty output", func(t *testing.T) {
		diags := NewNormalizer().NormalizeFailure(nil)
		if len(diags) != 1 || diags[0].Code != CodeUnparseable {
			t.Fatalf("empty output must yield one UNPARSEABLE record, got %v", diags)
		}
	})

	t.Run("parseable output passes through", func(t *testing.T) {
		diags := NewNormalizer().NormalizeFailure([]byte(mismatchLine))
		if len(diags) != 1 || diags[0].Code != "E0308" {
			t.Fatalf("expected real diagnostic, got %v", diags)
		}
	})
}

func TestNormalizeCodelessParseError(t *testing.T) {
	parseErr := `{"message":"expected one of ` + "`)`" + ` or ` + "`,`" + `, found ` + "`;`" + `","code":null,"level":"error","spans":[{"file_name":"out.rs","line_start":2,"line_end":2,"column_start":14,"column_end":15,"is_primary":true,"suggested_replacement":null}],"children":[]}`

	diags := NewNormalizer().Normalize([]byte(parseErr))
	if len(diags) != 1 {
		t.Fatalf("diagnostics = %d, want 1", len(diags))
	}
	if diags[0].Code != CodeSyntax {
		t.Errorf("codeless parse error tagged %q, want %q", diags[0].Code, CodeSyntax)
	}
}

func TestNormalizeWarningFilter(t *testing.T) {
	warn := `{"message":"unused variable: x","code":{"code":"unused_variables","explanation":null},"level":"warning","spans":[{"file_name":"out.rs","line_start":1,"line_end":1,"column_start":5,"column_end":6,"is_primary":true,"suggested_replacement":null}],"children":[]}`

	if got := NewNormalizer().Normalize([]byte(warn)); len(got) != 0 {
		t.Errorf("default normalizer kept a warning: %v", got)
	}
	if got := NewNormalizer(WithWarnings()).Normalize([]byte(warn)); len(got) != 1 {
		t.Errorf("WithWarnings normalizer dropped the warning")
	}
}

func TestDiagnosticKeyStability(t *testing.T) {
	a := Diagnostic{Code: "E0308", Span: Span{File: "out.rs", LineStart: 3, ColStart: 9, LineEnd: 3, ColEnd: 12}, Message: "mismatched types"}
	b := a
	b.Message = "different wording, same failure"
	if a.Key() != b.Key() {
		t.Errorf("keys differ for identical code+span: %s vs %s", a.Key(), b.Key())
	}

	c := a
	c.Span.LineStart = 4
	c.Span.LineEnd = 4
	if a.Key() == c.Key() {
		t.Error("keys collide across different spans")
	}
}

func TestRawPrefixBounded(t *testing.T) {
	long := strings.Repeat("x", 4*maxRawPrefix)
	if got := rawPrefix([]byte(long)); len(got) != maxRawPrefix {
		t.Errorf("prefix length = %d, want %d", len(got), maxRawPrefix)
	}
}
