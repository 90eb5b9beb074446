// Aleutian FW
// Copyright (C) 2025  Jason Interlante
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
// https://www.gnu.org/licenses/agpl-3.0.en.html

package controller

import (
	"context"
	"sync"

	"github.com/jinterlante1206/converge/services/converge/transpile"
)

// Overlay maps corpus entry paths to repaired generated sources. It is
// how a committed fix reaches later compiles: the transpiler wrapper
// serves the repaired source instead of re-deriving the broken one,
// and a rollback is literally deleting the entry.
//
// Thread Safety: Safe for concurrent use. The compile pool reads while
// the controller writes between batches.
type Overlay struct {
	mu      sync.RWMutex
	patched map[string]string
}

// NewOverlay returns an empty overlay.
func NewOverlay() *Overlay {
	return &Overlay{patched: make(map[string]string)}
}

// Lookup returns the repaired source for path, if any.
func (o *Overlay) Lookup(path string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	src, ok := o.patched[path]
	return src, ok
}

// Put stages a repaired source for path.
func (o *Overlay) Put(path, source string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.patched[path] = source
}

// Delete reverts path to the transpiler's own output.
func (o *Overlay) Delete(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.patched, path)
}

// Len reports staged entries.
func (o *Overlay) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.patched)
}

// Snapshot copies the overlay for a checkpoint.
func (o *Overlay) Snapshot() map[string]string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]string, len(o.patched))
	for k, v := range o.patched {
		out[k] = v
	}
	return out
}

// Restore replaces the overlay contents from a checkpoint.
func (o *Overlay) Restore(patched map[string]string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.patched = make(map[string]string, len(patched))
	for k, v := range patched {
		o.patched[k] = v
	}
}

// WrapTranspiler layers the overlay over a transpiler. Entries with a
// staged fix skip the inner transpiler entirely. The inner transpiler's
// hint capability survives the wrap; hinted regeneration ignores the
// overlay because its whole point is producing a different artifact.
func WrapTranspiler(inner transpile.Transpiler, o *Overlay) transpile.Transpiler {
	f := transpile.Func{
		Fn: func(ctx context.Context, source []byte, path string) ([]byte, error) {
			if patched, ok := o.Lookup(path); ok {
				return []byte(patched), nil
			}
			return inner.Transpile(ctx, source, path)
		},
		Ver: inner.Version() + "+overlay",
	}
	if hinted, ok := inner.(transpile.Hinted); ok {
		return transpile.HintedFunc{Func: f, HintFn: hinted.TranspileWithHints}
	}
	return f
}
