// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transpile

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
)

func TestFuncDefaults(t *testing.T) {
	f := Func{Fn: func(_ context.Context, source []byte, _ string) ([]byte, error) {
		return source, nil
	}}
	if got := f.Version(); got != "0.0.0" {
		t.Errorf("default version = %q", got)
	}

	f.Ver = "2.1.0"
	if got := f.Version(); got != "2.1.0" {
		t.Errorf("version = %q", got)
	}

	out, err := f.Transpile(context.Background(), []byte("x = 1"), "a.py")
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "x = 1" {
		t.Errorf("passthrough output = %q", out)
	}
}

func TestCommandReadsStdinWritesStdout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires cat")
	}
	c := NewCommand("cat", "9.9.9")
	out, err := c.Transpile(context.Background(), []byte("def f(): pass\n"), "f.py")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, []byte("def f(): pass\n")) {
		t.Errorf("output = %q", out)
	}
	if c.Version() != "9.9.9" {
		t.Errorf("version = %q", c.Version())
	}
}

func TestCommandFailureWrapsStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	c := &Command{Bin: "sh", Args: []string{"-c", "echo unsupported syntax >&2; exit 1"}}
	_, err := c.Transpile(context.Background(), []byte("x"), "bad.py")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrTranspile) {
		t.Errorf("error does not wrap ErrTranspile: %v", err)
	}
	if !strings.Contains(err.Error(), "bad.py") || !strings.Contains(err.Error(), "unsupported syntax") {
		t.Errorf("error lacks path or stderr detail: %v", err)
	}
}

func TestCommandMissingBinary(t *testing.T) {
	c := NewCommand("definitely-not-a-transpiler-binary", "0.1.0")
	_, err := c.Transpile(context.Background(), []byte("x"), "a.py")
	if !errors.Is(err, ErrTranspile) {
		t.Errorf("missing binary should surface as ErrTranspile, got %v", err)
	}
}

func TestCommandHintsSortedIntoArgv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	c := &Command{Bin: "sh", Args: []string{"-c", `printf '%s\n' "$@"`, "t"}, Ver: "1.0.0"}
	out, err := c.TranspileWithHints(context.Background(), []byte("x"), "a.py", map[string]string{
		"unbox_ints":  "true",
		"borrow_mode": "clone",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "--hint\nborrow_mode=clone\n--hint\nunbox_ints=true\n-\n"
	if string(out) != want {
		t.Errorf("argv:\n%s\nwant:\n%s", out, want)
	}
}

func TestHintedFunc(t *testing.T) {
	var gotHints map[string]string
	f := HintedFunc{
		Func: Func{Fn: func(_ context.Context, source []byte, _ string) ([]byte, error) {
			return source, nil
		}},
		HintFn: func(_ context.Context, source []byte, _ string, hints map[string]string) ([]byte, error) {
			gotHints = hints
			return append([]byte("// hinted\n"), source...), nil
		},
	}

	var tr Transpiler = f
	if _, ok := tr.(Hinted); !ok {
		t.Fatal("HintedFunc does not satisfy Hinted")
	}

	out, err := f.TranspileWithHints(context.Background(), []byte("fn main() {}\n"), "a.py", map[string]string{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(out), "// hinted\n") {
		t.Errorf("output = %q", out)
	}
	if gotHints["k"] != "v" {
		t.Errorf("hints = %v", gotHints)
	}

	// Plain Func must not satisfy Hinted: dropping hints silently would
	// verify override fixes against an unhinted artifact.
	var plain Transpiler = Func{Fn: f.Fn}
	if _, ok := plain.(Hinted); ok {
		t.Error("Func unexpectedly satisfies Hinted")
	}
}
