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
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/jinterlante1206/converge/services/converge/corpus"
	"github.com/jinterlante1206/converge/services/converge/transpile"
)

const failingDiag = `{"message":"mismatched types","code":{"code":"E0308","explanation":null},"level":"error","spans":[{"file_name":"a.rs","line_start":1,"line_end":1,"column_start":1,"column_end":2,"is_primary":true,"suggested_replacement":null}],"children":[]}`

// scriptedRunner returns canned results keyed by artifact base name.
type scriptedRunner struct {
	mu      sync.Mutex
	results map[string]RunResult
	errs    map[string]error
	calls   map[string]int
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		results: make(map[string]RunResult),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (r *scriptedRunner) Run(_ context.Context, _, artifact string) (RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := filepath.Base(artifact)
	r.calls[name]++
	if err, ok := r.errs[name]; ok {
		return RunResult{}, err
	}
	if res, ok := r.results[name]; ok {
		return res, nil
	}
	return RunResult{ExitOK: true}, nil
}

func identityTranspiler() transpile.Transpiler {
	return transpile.Func{
		Fn: func(_ context.Context, source []byte, _ string) ([]byte, error) {
			return append([]byte("// generated\n"), source...), nil
		},
		Ver: "1.0.0",
	}
}

func testEntries(t *testing.T, names ...string) []corpus.Entry {
	t.Helper()
	dir := t.TempDir()
	entries := make([]corpus.Entry, 0, len(names))
	for i, name := range names {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x = "+name), 0o644); err != nil {
			t.Fatal(err)
		}
		entries = append(entries, corpus.Entry{
			Path:        path,
			Tier:        "t",
			ContentHash: strings.Repeat("0", 10) + string(rune('a'+i)) + "f",
		})
	}
	return entries
}

func newTestCompiler(t *testing.T, runner Runner, tr transpile.Transpiler) *BatchCompiler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ScratchRoot = t.TempDir()
	cfg.Concurrency = 2
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	if tr == nil {
		tr = identityTranspiler()
	}
	bc, err := NewBatchCompiler(cfg, tr, "test-session", WithRunner(runner))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = bc.Close() })
	return bc
}

func TestCompileBatchStatuses(t *testing.T) {
	entries := testEntries(t, "ok.py", "bad.py", "hang.py")

	runner := newScriptedRunner()
	runner.results["ok.rs"] = RunResult{ExitOK: true}
	runner.results["bad.rs"] = RunResult{ExitOK: false, Output: []byte(failingDiag)}
	runner.results["hang.rs"] = RunResult{TimedOut: true}

	bc := newTestCompiler(t, runner, nil)
	res, err := bc.CompileBatch(context.Background(), entries)
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(res.Attempts))
	}
	if res.SuccessCount != 1 || res.FailureCount != 1 || res.TimeoutCount != 1 {
		t.Errorf("counts = %d/%d/%d, want 1/1/1", res.SuccessCount, res.FailureCount, res.TimeoutCount)
	}
	if got := res.Rate; got < 0.33 || got > 0.34 {
		t.Errorf("rate = %v, want 1/3", got)
	}

	// Attempts preserve entry order.
	for i, a := range res.Attempts {
		if a.Entry.Path != entries[i].Path {
			t.Errorf("attempt %d out of order: %s", i, a.Entry.Path)
		}
	}

	// The failing attempt carries normalized diagnostics.
	bad := res.Attempts[1]
	if bad.Status != StatusFailure {
		t.Fatalf("bad status = %v", bad.Status)
	}
	if len(bad.Diagnostics) != 1 || bad.Diagnostics[0].Code != "E0308" {
		t.Errorf("diagnostics = %+v", bad.Diagnostics)
	}

	// Timeout is never recorded as failure.
	if res.Attempts[2].Status != StatusTimeout {
		t.Errorf("hang status = %v, want timeout", res.Attempts[2].Status)
	}
}

func TestCompileBatchTranspileFailure(t *testing.T) {
	entries := testEntries(t, "broken.py")
	tr := transpile.Func{
		Fn: func(_ context.Context, _ []byte, _ string) ([]byte, error) {
			return nil, transpile.ErrTranspile
		},
	}

	bc := newTestCompiler(t, newScriptedRunner(), tr)
	res, err := bc.CompileBatch(context.Background(), entries)
	if err != nil {
		t.Fatal(err)
	}
	if res.TranspileCount != 1 {
		t.Errorf("transpile failures = %d, want 1", res.TranspileCount)
	}
	if res.Attempts[0].Status != StatusTranspileFailure {
		t.Errorf("status = %v", res.Attempts[0].Status)
	}
}

func TestSandboxErrorRetriesThenEscalates(t *testing.T) {
	entries := testEntries(t, "flaky.py")

	runner := newScriptedRunner()
	runner.errs["flaky.rs"] = syscall.EAGAIN

	bc := newTestCompiler(t, runner, nil)
	res, err := bc.CompileBatch(context.Background(), entries)
	if err != nil {
		t.Fatal(err)
	}

	if res.Attempts[0].Status != StatusSandboxError {
		t.Fatalf("status = %v, want sandbox_error", res.Attempts[0].Status)
	}

	runner.mu.Lock()
	calls := runner.calls["flaky.rs"]
	runner.mu.Unlock()
	if want := bc.cfg.MaxRetries + 1; calls != want {
		t.Errorf("calls = %d, want %d (initial + retries)", calls, want)
	}
}

func TestSandboxErrorRecoversOnRetry(t *testing.T) {
	entries := testEntries(t, "heal.py")

	var first atomic.Bool
	first.Store(true)
	runner := runnerFunc(func(_ context.Context, _, artifact string) (RunResult, error) {
		if first.CompareAndSwap(true, false) {
			return RunResult{}, syscall.EAGAIN
		}
		return RunResult{ExitOK: true}, nil
	})

	bc := newTestCompiler(t, runner, nil)
	res, err := bc.CompileBatch(context.Background(), entries)
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts[0].Status != StatusSuccess {
		t.Errorf("status = %v, want success after retry", res.Attempts[0].Status)
	}
}

type runnerFunc func(ctx context.Context, dir, artifact string) (RunResult, error)

func (f runnerFunc) Run(ctx context.Context, dir, artifact string) (RunResult, error) {
	return f(ctx, dir, artifact)
}

func TestMissingCompilerIsNotRetried(t *testing.T) {
	entries := testEntries(t, "none.py")

	var calls atomic.Int32
	runner := runnerFunc(func(_ context.Context, _, _ string) (RunResult, error) {
		calls.Add(1)
		return RunResult{}, fmt.Errorf("spawn: %w", exec.ErrNotFound)
	})

	bc := newTestCompiler(t, runner, nil)
	res, err := bc.CompileBatch(context.Background(), entries)
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts[0].Status != StatusSandboxError {
		t.Errorf("status = %v", res.Attempts[0].Status)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retries for missing binary)", calls.Load())
	}
}

func TestScratchEnvOverride(t *testing.T) {
	override := t.TempDir()
	t.Setenv(ScratchDirEnv, override)

	if got := ResolveScratchRoot("/configured/path"); got != override {
		t.Errorf("resolved = %s, want env override %s", got, override)
	}

	t.Setenv(ScratchDirEnv, "")
	if got := ResolveScratchRoot("/configured/path"); got != "/configured/path" {
		t.Errorf("resolved = %s, want configured path", got)
	}
	if got := ResolveScratchRoot(""); got != os.TempDir() {
		t.Errorf("resolved = %s, want temp dir", got)
	}
}

func TestScratchIsolationPerEntry(t *testing.T) {
	s, err := NewScratch(t.TempDir(), "sess")
	if err != nil {
		t.Fatal(err)
	}
	a := corpus.Entry{Path: "x/a.py", Tier: "t1", ContentHash: strings.Repeat("a", 40)}
	b := corpus.Entry{Path: "x/b.py", Tier: "t1", ContentHash: strings.Repeat("b", 40)}

	dirA, err := s.DirFor(a)
	if err != nil {
		t.Fatal(err)
	}
	dirB, err := s.DirFor(b)
	if err != nil {
		t.Fatal(err)
	}
	if dirA == dirB {
		t.Error("entries share a scratch dir")
	}

	dir, artifact, err := s.WriteArtifact(a, []byte("fn main() {}"))
	if err != nil {
		t.Fatal(err)
	}
	if dir != dirA {
		t.Errorf("artifact dir = %s, want %s", dir, dirA)
	}
	if filepath.Base(artifact) != "a.rs" {
		t.Errorf("artifact name = %s, want a.rs", filepath.Base(artifact))
	}
	if _, err := os.Stat(artifact); err != nil {
		t.Errorf("artifact not written: %v", err)
	}
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	sem := NewSemaphore(2)

	if !sem.TryAcquire() || !sem.TryAcquire() {
		t.Fatal("two acquisitions should succeed")
	}
	if sem.TryAcquire() {
		t.Error("third acquisition should fail")
	}
	sem.Release()
	if !sem.TryAcquire() {
		t.Error("acquisition after release should succeed")
	}

	t.Run("release without acquire panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		empty := NewSemaphore(1)
		empty.Release()
	})

	t.Run("acquire honors cancellation", func(t *testing.T) {
		full := NewSemaphore(1)
		full.TryAcquire()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := full.Acquire(ctx); err == nil {
			t.Error("acquire on full semaphore with cancelled ctx should fail")
		}
	})
}

func TestBatchCancellation(t *testing.T) {
	entries := testEntries(t, "a.py", "b.py", "c.py", "d.py")

	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int32
	runner := runnerFunc(func(rctx context.Context, _, _ string) (RunResult, error) {
		if started.Add(1) == 1 {
			cancel() // cancel while the first job is in flight
		}
		<-rctx.Done()
		return RunResult{TimedOut: false}, rctx.Err()
	})

	cfg := DefaultConfig()
	cfg.ScratchRoot = t.TempDir()
	cfg.Concurrency = 1
	cfg.MaxRetries = 0
	bc, err := NewBatchCompiler(cfg, identityTranspiler(), "cancel-test", WithRunner(runner))
	if err != nil {
		t.Fatal(err)
	}
	defer bc.Close()

	res, err := bc.CompileBatch(ctx, entries)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cancelled {
		t.Error("batch should report cancellation")
	}
	if len(res.Attempts) >= len(entries) {
		t.Errorf("all %d entries completed despite cancellation", len(res.Attempts))
	}
}
