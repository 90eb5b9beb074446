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
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jinterlante1206/converge/services/converge/corpus"
	"github.com/jinterlante1206/converge/services/converge/diag"
	"github.com/jinterlante1206/converge/services/converge/transpile"
)

var (
	compileAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converge_compile_attempts_total",
		Help: "Compile attempts by terminal status.",
	}, []string{"status"})

	compileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "converge_compile_duration_seconds",
		Help:    "Wall time of individual compile jobs.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	compileRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "converge_compile_sandbox_retries_total",
		Help: "Transient sandbox errors retried with backoff.",
	})
)

// BatchCompiler transpiles and compiles corpus entries under a bounded
// worker pool.
//
// # Description
//
// For each entry: read source, transpile, write the artifact into an
// isolated scratch directory, run the compiler with a per-job deadline,
// and normalize diagnostics. Transient sandbox errors retry with
// exponential backoff and jitter before escalating.
//
// # Thread Safety
//
// CompileBatch may be called from one goroutine at a time per
// BatchCompiler; the internal pool provides all job-level parallelism.
type BatchCompiler struct {
	cfg        Config
	transpiler transpile.Transpiler
	runner     Runner
	normalizer *diag.Normalizer
	scratch    *Scratch
	pool       *pool
}

// Option configures a BatchCompiler.
type Option func(*BatchCompiler)

// WithRunner replaces the compiler subprocess runner. Tests use
// scripted runners.
func WithRunner(r Runner) Option {
	return func(b *BatchCompiler) { b.runner = r }
}

// WithNormalizer replaces the diagnostic normalizer.
func WithNormalizer(n *diag.Normalizer) Option {
	return func(b *BatchCompiler) { b.normalizer = n }
}

// NewBatchCompiler constructs a BatchCompiler.
//
// Inputs:
//
//	cfg - Compiler configuration. Zero-value fields take defaults.
//	transpiler - Upstream code generator. Must not be nil.
//	sessionID - Names the session's scratch tree.
//	opts - Optional overrides.
//
// Outputs:
//
//	*BatchCompiler - Ready to compile batches.
//	error - Non-nil if the scratch root cannot be created.
func NewBatchCompiler(cfg Config, transpiler transpile.Transpiler, sessionID string, opts ...Option) (*BatchCompiler, error) {
	if transpiler == nil {
		return nil, fmt.Errorf("transpiler must not be nil")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if len(cfg.Compiler) == 0 {
		cfg.Compiler = DefaultConfig().Compiler
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultConfig().RetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultConfig().RetryMaxDelay
	}

	scratch, err := NewScratch(ResolveScratchRoot(cfg.ScratchRoot), sessionID)
	if err != nil {
		return nil, err
	}

	b := &BatchCompiler{
		cfg:        cfg,
		transpiler: transpiler,
		runner:     NewCommandRunner(cfg.Compiler),
		normalizer: diag.NewNormalizer(),
		scratch:    scratch,
		pool:       newPool(cfg),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Scratch exposes the session scratch tree, mainly for repair attempts
// that patch artifacts in place.
func (b *BatchCompiler) Scratch() *Scratch { return b.scratch }

// Close removes scratch state unless KeepScratch is set.
func (b *BatchCompiler) Close() error {
	if b.cfg.KeepScratch {
		return nil
	}
	return b.scratch.RemoveAll()
}

// CompileBatch compiles every entry and aggregates the outcome.
//
// Description:
//
//	Runs all entries through the worker pool. Attempts come back in
//	entry order. Cancellation mid-batch drains in-flight jobs and marks
//	the result Cancelled; entries that never started are simply absent
//	from Attempts and the counters.
//
// Outputs:
//
//	*BatchResult - Aggregated attempts, success rate, and counters.
//	error - Non-nil only for invariant violations; per-entry failures
//	        are statuses, not errors.
func (b *BatchCompiler) CompileBatch(ctx context.Context, entries []corpus.Entry) (*BatchResult, error) {
	start := time.Now()

	tracer := otel.Tracer("converge/compile")
	ctx, span := tracer.Start(ctx, "compile.Batch")
	span.SetAttributes(attribute.Int("entries", len(entries)))
	defer span.End()

	attempts, completed := runAll(ctx, b.pool, entries, b.compileOne)

	result := &BatchResult{Duration: time.Since(start)}
	for i, a := range attempts {
		if !completed[i] {
			result.Cancelled = true
			continue
		}
		result.Attempts = append(result.Attempts, a)
		switch a.Status {
		case StatusSuccess:
			result.SuccessCount++
		case StatusFailure:
			result.FailureCount++
		case StatusTimeout:
			result.TimeoutCount++
		case StatusSandboxError:
			result.SandboxCount++
		case StatusTranspileFailure:
			result.TranspileCount++
		}
	}
	if n := len(result.Attempts); n > 0 {
		result.Rate = float64(result.SuccessCount) / float64(n)
	}

	span.SetAttributes(
		attribute.Int("successes", result.SuccessCount),
		attribute.Float64("rate", result.Rate),
		attribute.Bool("cancelled", result.Cancelled),
	)
	if result.Cancelled {
		span.SetStatus(codes.Error, "batch cancelled")
	}

	slog.Info("compiled batch",
		"entries", len(entries),
		"successes", result.SuccessCount,
		"failures", result.FailureCount,
		"timeouts", result.TimeoutCount,
		"rate", fmt.Sprintf("%.3f", result.Rate),
		"duration", result.Duration)

	return result, nil
}

// compileOne runs the full pipeline for a single entry.
func (b *BatchCompiler) compileOne(ctx context.Context, entry corpus.Entry) Attempt {
	source, err := os.ReadFile(entry.Path)
	if err != nil {
		compileAttemptsTotal.WithLabelValues(StatusSandboxError.String()).Inc()
		return Attempt{Entry: entry, Status: StatusSandboxError, Detail: err.Error()}
	}

	generated, err := b.transpiler.Transpile(ctx, source, entry.Path)
	if err != nil {
		compileAttemptsTotal.WithLabelValues(StatusTranspileFailure.String()).Inc()
		return Attempt{Entry: entry, Status: StatusTranspileFailure, Detail: err.Error()}
	}

	dir, artifact, err := b.scratch.WriteArtifact(entry, generated)
	if err != nil {
		compileAttemptsTotal.WithLabelValues(StatusSandboxError.String()).Inc()
		return Attempt{Entry: entry, Status: StatusSandboxError, Detail: err.Error()}
	}

	attempt := b.runWithRetry(ctx, entry, dir, artifact)
	compileAttemptsTotal.WithLabelValues(attempt.Status.String()).Inc()
	compileDuration.Observe(attempt.Duration.Seconds())
	return attempt
}

// runWithRetry executes the compile job, retrying transient sandbox
// errors with exponential backoff and jitter.
func (b *BatchCompiler) runWithRetry(ctx context.Context, entry corpus.Entry, dir, artifact string) Attempt {
	var lastErr error

	for retry := 0; retry <= b.cfg.MaxRetries; retry++ {
		if retry > 0 {
			compileRetries.Inc()
			select {
			case <-time.After(b.backoff(retry)):
			case <-ctx.Done():
				return Attempt{Entry: entry, Status: StatusSandboxError, ScratchDir: dir, ArtifactPath: artifact, Detail: ctx.Err().Error()}
			}
		}

		jobCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		start := time.Now()
		res, err := b.runner.Run(jobCtx, dir, artifact)
		elapsed := time.Since(start)
		cancel()

		switch {
		case err == nil && res.TimedOut:
			return Attempt{Entry: entry, Status: StatusTimeout, Duration: elapsed, ScratchDir: dir, ArtifactPath: artifact}
		case err == nil && res.ExitOK:
			return Attempt{Entry: entry, Status: StatusSuccess, Duration: elapsed, ScratchDir: dir, ArtifactPath: artifact}
		case err == nil:
			return Attempt{
				Entry:        entry,
				Status:       StatusFailure,
				Duration:     elapsed,
				ScratchDir:   dir,
				ArtifactPath: artifact,
				Diagnostics:  b.normalizer.NormalizeFailure(res.Output),
			}
		case transientSandboxError(err):
			lastErr = err
			slog.Warn("transient sandbox error, retrying",
				"entry", entry.Path, "retry", retry, "error", err)
			continue
		default:
			return Attempt{Entry: entry, Status: StatusSandboxError, Duration: elapsed, ScratchDir: dir, ArtifactPath: artifact, Detail: err.Error()}
		}
	}

	detail := "retries exhausted"
	if lastErr != nil {
		detail = fmt.Sprintf("retries exhausted: %v", lastErr)
	}
	return Attempt{Entry: entry, Status: StatusSandboxError, ScratchDir: dir, ArtifactPath: artifact, Detail: detail}
}

// backoff computes the delay before the given retry, doubling from the
// base with +/-25% jitter, capped at RetryMaxDelay.
func (b *BatchCompiler) backoff(retry int) time.Duration {
	d := b.cfg.RetryBaseDelay << uint(retry-1)
	if d > b.cfg.RetryMaxDelay {
		d = b.cfg.RetryMaxDelay
	}
	jitter := 1 + (rand.Float64()-0.5)/2
	return time.Duration(float64(d) * jitter)
}
