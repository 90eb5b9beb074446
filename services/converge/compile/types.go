// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compile runs bounded-concurrency compile jobs over generated
// artifacts, capturing structured diagnostics and killing hung jobs.
//
// Each artifact compiles in an isolated scratch directory. No artifact's
// failure blocks another's completion; results flow back over a bounded
// channel so the caller shares no mutable state with the pool.
package compile

import (
	"errors"
	"time"

	"github.com/jinterlante1206/converge/services/converge/corpus"
	"github.com/jinterlante1206/converge/services/converge/diag"
)

// ErrSandbox marks transient environment failures (permissions, spawn
// errors, disk pressure). Retried with backoff before escalating.
var ErrSandbox = errors.New("sandbox error")

// Status is the single terminal state of one compile attempt.
type Status int

const (
	// StatusSuccess means the artifact compiled cleanly.
	StatusSuccess Status = iota

	// StatusFailure means the compiler rejected the artifact.
	StatusFailure

	// StatusTimeout means the job exceeded its deadline and was killed.
	// Distinct from StatusFailure: a hung compile says nothing about
	// the artifact.
	StatusTimeout

	// StatusSandboxError means the environment failed after retries.
	StatusSandboxError

	// StatusTranspileFailure means upstream code generation failed, so
	// no artifact existed to compile.
	StatusTranspileFailure
)

// String returns the status name used in logs and metrics labels.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusTimeout:
		return "timeout"
	case StatusSandboxError:
		return "sandbox_error"
	case StatusTranspileFailure:
		return "transpile_failure"
	default:
		return "unknown"
	}
}

// Attempt is the outcome of compiling one entry's generated artifact.
type Attempt struct {
	// Entry is the corpus entry that produced the artifact.
	Entry corpus.Entry

	// Status is the exactly-one terminal status.
	Status Status

	// Duration is the wall time of the final run, excluding retries.
	Duration time.Duration

	// Diagnostics are the normalized compiler messages. Empty on
	// success, at least one record on failure (fail-closed).
	Diagnostics []diag.Diagnostic

	// ScratchDir is the isolated working directory for this attempt.
	ScratchDir string

	// ArtifactPath is the generated source file inside ScratchDir,
	// empty when transpilation failed.
	ArtifactPath string

	// Detail carries error text for sandbox and transpile failures.
	Detail string
}

// Succeeded reports whether the attempt compiled cleanly.
func (a Attempt) Succeeded() bool { return a.Status == StatusSuccess }

// BatchResult aggregates one batch of attempts.
type BatchResult struct {
	// Attempts are in the same order as the input entries.
	Attempts []Attempt

	SuccessCount   int
	FailureCount   int
	TimeoutCount   int
	SandboxCount   int
	TranspileCount int

	// Rate is SuccessCount over total attempts, 0 for an empty batch.
	Rate float64

	// Duration is the wall time of the whole batch.
	Duration time.Duration

	// Cancelled is true when the context ended before the batch
	// drained; Attempts then holds partial results.
	Cancelled bool
}

// Config controls the batch compiler.
type Config struct {
	// Concurrency is the worker pool size.
	Concurrency int `yaml:"concurrency" validate:"gte=1"`

	// Timeout is the per-job deadline. Jobs past it are killed and
	// recorded as StatusTimeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries bounds retries of transient sandbox errors.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`

	// RetryBaseDelay is the first backoff step; doubles per retry with
	// jitter up to RetryMaxDelay.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`

	// SpawnRate caps job starts per second; SpawnBurst is the bucket
	// size. Zero disables throttling.
	SpawnRate  float64 `yaml:"spawn_rate"`
	SpawnBurst int     `yaml:"spawn_burst"`

	// ScratchRoot is where per-attempt scratch directories live. The
	// CONVERGE_SCRATCH_DIR environment variable overrides it.
	ScratchRoot string `yaml:"scratch_root"`

	// KeepScratch disables scratch cleanup, for debugging.
	KeepScratch bool `yaml:"keep_scratch"`

	// Compiler is the argv prefix for compile jobs. The artifact path
	// is appended.
	Compiler []string `yaml:"compiler"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:    4,
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  2 * time.Second,
		SpawnRate:      50,
		SpawnBurst:     8,
		Compiler: []string{
			"rustc", "--edition", "2021",
			"--crate-type", "lib",
			"--emit", "metadata",
			"--error-format", "json",
		},
	}
}
