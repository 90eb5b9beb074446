// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compile

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jinterlante1206/converge/services/converge/transpile"
)

func TestCompileGenerated(t *testing.T) {
	entries := testEntries(t, "fix.py")

	runner := newScriptedRunner()
	runner.results["fix.rs"] = RunResult{ExitOK: true}

	bc := newTestCompiler(t, runner, nil)
	attempt, err := bc.CompileGenerated(context.Background(), entries[0], "fn fixed() {}\n")
	if err != nil {
		t.Fatal(err)
	}
	if attempt.Status != StatusSuccess {
		t.Fatalf("status = %s, want success", attempt.Status)
	}

	// The patched source, not the transpiler's output, must be what
	// landed in the scratch artifact.
	data, err := os.ReadFile(attempt.ArtifactPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "fn fixed() {}\n" {
		t.Errorf("artifact = %q, want the patched source", data)
	}
}

func TestCompileGeneratedFailureCarriesDiagnostics(t *testing.T) {
	entries := testEntries(t, "bad.py")

	runner := newScriptedRunner()
	runner.results["bad.rs"] = RunResult{ExitOK: false, Output: []byte(failingDiag)}

	bc := newTestCompiler(t, runner, nil)
	attempt, err := bc.CompileGenerated(context.Background(), entries[0], "fn broken() {}\n")
	if err != nil {
		t.Fatal(err)
	}
	if attempt.Status != StatusFailure {
		t.Fatalf("status = %s, want failure", attempt.Status)
	}
	if len(attempt.Diagnostics) != 1 || attempt.Diagnostics[0].Code != "E0308" {
		t.Errorf("diagnostics = %+v", attempt.Diagnostics)
	}
}

func TestCompileGeneratedRejectsEmptySource(t *testing.T) {
	entries := testEntries(t, "a.py")
	bc := newTestCompiler(t, newScriptedRunner(), nil)

	if _, err := bc.CompileGenerated(context.Background(), entries[0], ""); err == nil {
		t.Fatal("empty generated source must be an error, not an attempt")
	}
}

func TestCompileWithOverrides(t *testing.T) {
	entries := testEntries(t, "hint.py")

	var gotHints map[string]string
	tr := transpile.HintedFunc{
		Func: transpile.Func{
			Fn: func(_ context.Context, source []byte, _ string) ([]byte, error) {
				return source, nil
			},
			Ver: "1.0.0",
		},
		HintFn: func(_ context.Context, source []byte, _ string, hints map[string]string) ([]byte, error) {
			gotHints = hints
			return append([]byte("// regenerated\n"), source...), nil
		},
	}

	runner := newScriptedRunner()
	runner.results["hint.rs"] = RunResult{ExitOK: true}

	bc := newTestCompiler(t, runner, tr)
	attempt, err := bc.CompileWithOverrides(context.Background(), entries[0], map[string]string{"borrow_mode": "clone"})
	if err != nil {
		t.Fatal(err)
	}
	if attempt.Status != StatusSuccess {
		t.Fatalf("status = %s, want success", attempt.Status)
	}
	if gotHints["borrow_mode"] != "clone" {
		t.Errorf("hints = %v, want the overrides passed through", gotHints)
	}

	data, err := os.ReadFile(attempt.ArtifactPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "// regenerated\n") {
		t.Errorf("artifact = %q, want hinted regeneration output", data)
	}
}

func TestCompileWithOverridesUnhintedTranspiler(t *testing.T) {
	entries := testEntries(t, "a.py")
	bc := newTestCompiler(t, newScriptedRunner(), nil)

	_, err := bc.CompileWithOverrides(context.Background(), entries[0], map[string]string{"k": "v"})
	if err == nil {
		t.Fatal("unhinted transpiler must refuse override verification")
	}
	if !strings.Contains(err.Error(), "hints") {
		t.Errorf("error = %v", err)
	}
}

func TestCompileWithOverridesTranspileFailure(t *testing.T) {
	entries := testEntries(t, "a.py")

	tr := transpile.HintedFunc{
		Func: transpile.Func{Fn: func(_ context.Context, source []byte, _ string) ([]byte, error) {
			return source, nil
		}},
		HintFn: func(_ context.Context, _ []byte, path string, _ map[string]string) ([]byte, error) {
			return nil, &os.PathError{Op: "transpile", Path: path, Err: os.ErrInvalid}
		},
	}

	bc := newTestCompiler(t, newScriptedRunner(), tr)
	attempt, err := bc.CompileWithOverrides(context.Background(), entries[0], map[string]string{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	if attempt.Status != StatusTranspileFailure {
		t.Fatalf("status = %s, want transpile failure", attempt.Status)
	}
}
