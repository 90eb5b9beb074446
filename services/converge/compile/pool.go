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
	"sync"

	"golang.org/x/time/rate"
)

// Semaphore is a counting semaphore bounding concurrent compile jobs.
//
// Thread Safety: Safe for concurrent use.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity. A capacity
// below one is clamped to one.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{ch: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is available or the context ends.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot. Releasing more than was acquired is a caller
// bug and panics.
func (s *Semaphore) Release() {
	select {
	case <-s.ch:
	default:
		panic("compile: semaphore release without acquire")
	}
}

// Available returns the number of free slots.
func (s *Semaphore) Available() int {
	return cap(s.ch) - len(s.ch)
}

// pool runs compile jobs under bounded concurrency with optional spawn
// throttling. It is internal to the batch compiler; callers interact
// only through completed results.
type pool struct {
	sem     *Semaphore
	limiter *rate.Limiter
}

func newPool(cfg Config) *pool {
	p := &pool{sem: NewSemaphore(cfg.Concurrency)}
	if cfg.SpawnRate > 0 {
		burst := cfg.SpawnBurst
		if burst <= 0 {
			burst = cfg.Concurrency
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.SpawnRate), burst)
	}
	return p
}

// runAll executes fn over every item, preserving input order in the
// results. Individual failures never block other items; cancellation
// stops new spawns and lets in-flight jobs drain. The completed mask
// marks which slots hold a real result.
func runAll[T, R any](ctx context.Context, p *pool, items []T, fn func(ctx context.Context, item T) R) (results []R, completed []bool) {
	type indexed struct {
		i int
		r R
	}

	resultCh := make(chan indexed, len(items))
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return
				}
			}
			if err := p.sem.Acquire(ctx); err != nil {
				return
			}
			defer p.sem.Release()

			// A slot can be won in the same instant the context ends;
			// never start a job once cancellation is visible.
			if ctx.Err() != nil {
				return
			}

			resultCh <- indexed{i: i, r: fn(ctx, item)}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results = make([]R, len(items))
	completed = make([]bool, len(items))
	for ir := range resultCh {
		results[ir.i] = ir.r
		completed[ir.i] = true
	}
	return results, completed
}
