// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transpile defines the boundary to the upstream code generator.
//
// The convergence engine never inspects transpiler internals; it consumes
// generated source through the Transpiler interface and records upstream
// failures without attempting to repair them.
package transpile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// ErrTranspile marks upstream code-generation failures. These are
// recorded against the entry but never retried or repaired here.
var ErrTranspile = errors.New("transpile failed")

// Transpiler converts one source file into target-language source.
type Transpiler interface {
	// Transpile returns generated target source for the given input.
	// The path is advisory, used for error reporting and per-entry
	// codegen overrides.
	Transpile(ctx context.Context, source []byte, path string) ([]byte, error)

	// Version identifies the transpiler build, used for scan-cache
	// invalidation.
	Version() string
}

// Hinted is the optional capability of transpilers that accept
// per-entry codegen hints. Override-style fixes regenerate the artifact
// through this path; a transpiler without it cannot verify them.
type Hinted interface {
	// TranspileWithHints regenerates with the given key=value hints
	// applied. Hints must change generation deterministically: the same
	// source and hints produce the same output.
	TranspileWithHints(ctx context.Context, source []byte, path string, hints map[string]string) ([]byte, error)
}

// Func adapts a function to the Transpiler interface. Useful in tests.
type Func struct {
	Fn  func(ctx context.Context, source []byte, path string) ([]byte, error)
	Ver string
}

// Transpile implements Transpiler.
func (f Func) Transpile(ctx context.Context, source []byte, path string) ([]byte, error) {
	return f.Fn(ctx, source, path)
}

// Version implements Transpiler.
func (f Func) Version() string {
	if f.Ver == "" {
		return "0.0.0"
	}
	return f.Ver
}

// HintedFunc extends Func with a hint-taking function. Func alone stays
// hint-free on purpose: silently dropping hints would let an override
// fix verify against an artifact the hints never touched.
type HintedFunc struct {
	Func
	HintFn func(ctx context.Context, source []byte, path string, hints map[string]string) ([]byte, error)
}

// TranspileWithHints implements Hinted.
func (f HintedFunc) TranspileWithHints(ctx context.Context, source []byte, path string, hints map[string]string) ([]byte, error) {
	return f.HintFn(ctx, source, path, hints)
}

// Command shells out to an external transpiler binary.
//
// The binary receives the source on stdin and must write generated code
// to stdout. A nonzero exit wraps stderr into ErrTranspile.
type Command struct {
	// Bin is the transpiler executable.
	Bin string

	// Args precede the input; "-" is appended to read from stdin.
	Args []string

	// Ver is the reported transpiler version.
	Ver string
}

// NewCommand builds a Command transpiler.
func NewCommand(bin string, version string, args ...string) *Command {
	return &Command{Bin: bin, Args: args, Ver: version}
}

// Transpile implements Transpiler.
func (c *Command) Transpile(ctx context.Context, source []byte, path string) ([]byte, error) {
	args := append(append([]string{}, c.Args...), "-")
	return c.run(ctx, args, source, path)
}

// TranspileWithHints implements Hinted. Each hint becomes a
// "--hint key=value" argument, in sorted key order so argv is stable
// for identical hint sets.
func (c *Command) TranspileWithHints(ctx context.Context, source []byte, path string, hints map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(hints))
	for k := range hints {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := append([]string{}, c.Args...)
	for _, k := range keys {
		args = append(args, "--hint", k+"="+hints[k])
	}
	args = append(args, "-")
	return c.run(ctx, args, source, path)
}

func (c *Command) run(ctx context.Context, args []string, source []byte, path string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Bin, args...)
	cmd.Stdin = bytes.NewReader(source)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrTranspile, path, detail)
	}
	return stdout.Bytes(), nil
}

// Version implements Transpiler.
func (c *Command) Version() string { return c.Ver }
