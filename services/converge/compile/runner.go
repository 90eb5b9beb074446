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
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// RunResult is the raw outcome of one compiler invocation.
type RunResult struct {
	// ExitOK is true when the compiler exited zero.
	ExitOK bool

	// Output is the captured stderr stream, where machine-readable
	// diagnostics are emitted.
	Output []byte

	// TimedOut is true when the job was killed at its deadline.
	TimedOut bool
}

// Runner executes one compile job in a working directory. Implemented by
// CommandRunner in production and by scripted fakes in tests.
type Runner interface {
	Run(ctx context.Context, dir, artifact string) (RunResult, error)
}

// CommandRunner invokes the configured compiler as a subprocess.
//
// Jobs run in their own process group so that a timeout kill reaps the
// compiler and any children it spawned. A compiler that ignores SIGKILL
// on its group cannot hold the batch hostage; WaitDelay bounds the reap.
type CommandRunner struct {
	argv []string
}

// NewCommandRunner builds a runner from a compiler argv prefix.
func NewCommandRunner(argv []string) *CommandRunner {
	return &CommandRunner{argv: argv}
}

// Run implements Runner.
func (r *CommandRunner) Run(ctx context.Context, dir, artifact string) (RunResult, error) {
	if len(r.argv) == 0 {
		return RunResult{}, errors.New("no compiler configured")
	}

	args := append(append([]string{}, r.argv[1:]...), artifact)
	cmd := exec.CommandContext(ctx, r.argv[0], args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative pid addresses the whole process group.
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return RunResult{Output: stderr.Bytes(), TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded)}, nil
	}
	if err == nil {
		return RunResult{ExitOK: true, Output: stderr.Bytes()}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// The compiler ran and rejected the artifact.
		return RunResult{ExitOK: false, Output: stderr.Bytes()}, nil
	}

	// Spawn-level failure: missing binary, permissions, fd exhaustion.
	return RunResult{}, err
}

// transientSandboxError reports whether an execution error is worth
// retrying. Missing binaries are configuration mistakes, not transients.
func transientSandboxError(err error) bool {
	if err == nil || errors.Is(err, exec.ErrNotFound) {
		return false
	}
	for _, transient := range []error{
		unix.EACCES, unix.EPERM, unix.EAGAIN,
		unix.ENOSPC, unix.EMFILE, unix.ENFILE,
	} {
		if errors.Is(err, transient) {
			return true
		}
	}
	return false
}
