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
	"fmt"
	"os"

	"github.com/jinterlante1206/converge/services/converge/corpus"
	"github.com/jinterlante1206/converge/services/converge/transpile"
)

// CompileGenerated compiles already-generated source for one entry,
// bypassing transpilation. Repair verification uses it to test a
// patched artifact before the fix reaches the overlay.
//
// Outputs:
//
//	Attempt - Terminal status; per-entry failures are statuses.
//	error - Non-nil only for invariant violations.
func (b *BatchCompiler) CompileGenerated(ctx context.Context, entry corpus.Entry, generated string) (Attempt, error) {
	if generated == "" {
		return Attempt{}, fmt.Errorf("compile: empty generated source for %s", entry.Path)
	}

	dir, artifact, err := b.scratch.WriteArtifact(entry, []byte(generated))
	if err != nil {
		compileAttemptsTotal.WithLabelValues(StatusSandboxError.String()).Inc()
		return Attempt{Entry: entry, Status: StatusSandboxError, Detail: err.Error()}, nil
	}

	attempt := b.runWithRetry(ctx, entry, dir, artifact)
	compileAttemptsTotal.WithLabelValues(attempt.Status.String()).Inc()
	compileDuration.Observe(attempt.Duration.Seconds())
	return attempt, nil
}

// CompileWithOverrides re-transpiles one entry with codegen hints and
// compiles the result. The transpiler must implement transpile.Hinted;
// one that does not cannot verify override fixes at all, so that is an
// error rather than a failed attempt.
func (b *BatchCompiler) CompileWithOverrides(ctx context.Context, entry corpus.Entry, overrides map[string]string) (Attempt, error) {
	hinted, ok := b.transpiler.(transpile.Hinted)
	if !ok {
		return Attempt{}, fmt.Errorf("compile: transpiler %q does not accept codegen hints", b.transpiler.Version())
	}
	if len(overrides) == 0 {
		return Attempt{}, fmt.Errorf("compile: no overrides for %s", entry.Path)
	}

	source, err := os.ReadFile(entry.Path)
	if err != nil {
		compileAttemptsTotal.WithLabelValues(StatusSandboxError.String()).Inc()
		return Attempt{Entry: entry, Status: StatusSandboxError, Detail: err.Error()}, nil
	}

	generated, err := hinted.TranspileWithHints(ctx, source, entry.Path, overrides)
	if err != nil {
		compileAttemptsTotal.WithLabelValues(StatusTranspileFailure.String()).Inc()
		return Attempt{Entry: entry, Status: StatusTranspileFailure, Detail: err.Error()}, nil
	}

	dir, artifact, err := b.scratch.WriteArtifact(entry, generated)
	if err != nil {
		compileAttemptsTotal.WithLabelValues(StatusSandboxError.String()).Inc()
		return Attempt{Entry: entry, Status: StatusSandboxError, Detail: err.Error()}, nil
	}

	attempt := b.runWithRetry(ctx, entry, dir, artifact)
	compileAttemptsTotal.WithLabelValues(attempt.Status.String()).Inc()
	compileDuration.Observe(attempt.Duration.Seconds())
	return attempt, nil
}
