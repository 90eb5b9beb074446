// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patterns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converge_pattern_outcomes_total",
		Help: "Pattern application outcomes recorded.",
	}, []string{"outcome"})

	retiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "converge_patterns_retired_total",
		Help: "Patterns retired for falling below the success threshold.",
	})
)

// ErrIndexerClosed marks writes submitted after Close.
var ErrIndexerClosed = errors.New("pattern indexer closed")

type opKind int

const (
	opUpsert opKind = iota
	opOutcome
	opRetire
)

type indexOp struct {
	kind    opKind
	pattern Pattern
	id      string
	success bool
	reply   chan error
}

// Indexer is the library's single writer. Every mutation funnels
// through one goroutine, so read-modify-write updates of the success
// average never race and sequence numbers are strictly monotonic.
//
// Thread Safety: All exported methods are safe for concurrent use.
type Indexer struct {
	store    *Store
	logger   *slog.Logger
	ops      chan indexOp
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	seq      uint64
}

// NewIndexer starts the writer goroutine, restoring the sequence
// counter from the store so resumed sessions keep numbering upward.
func NewIndexer(ctx context.Context, store *Store, logger *slog.Logger) (*Indexer, error) {
	if store == nil {
		return nil, fmt.Errorf("indexer: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	seq, err := store.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("indexer: restore sequence: %w", err)
	}

	ix := &Indexer{
		store:  store,
		logger: logger,
		ops:    make(chan indexOp),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		seq:    seq,
	}
	go ix.run()
	return ix, nil
}

// Upsert adds a pattern or refreshes an existing one's description.
// Stats on an existing pattern are preserved; only a new pattern gets
// the neutral prior.
func (ix *Indexer) Upsert(ctx context.Context, p Pattern) error {
	return ix.submit(ctx, indexOp{kind: opUpsert, pattern: p})
}

// RecordOutcome folds one application result into the pattern's
// success average and retires it when the average proves the pattern
// no longer works.
func (ix *Indexer) RecordOutcome(ctx context.Context, id string, success bool) error {
	return ix.submit(ctx, indexOp{kind: opOutcome, id: id, success: success})
}

// Retire marks a pattern retired regardless of its statistics. This is
// the manual-review rejection path; threshold retirement stays inside
// RecordOutcome. Retirement is permanent either way.
func (ix *Indexer) Retire(ctx context.Context, id string) error {
	return ix.submit(ctx, indexOp{kind: opRetire, id: id})
}

// Close stops the writer. Pending submissions fail with
// ErrIndexerClosed. Safe to call more than once.
func (ix *Indexer) Close() {
	ix.stopOnce.Do(func() { close(ix.stopCh) })
	<-ix.doneCh
}

func (ix *Indexer) submit(ctx context.Context, op indexOp) error {
	op.reply = make(chan error, 1)
	select {
	case ix.ops <- op:
	case <-ix.stopCh:
		return ErrIndexerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ix *Indexer) run() {
	defer close(ix.doneCh)
	// The writer owns a background context: once an op is accepted it
	// is applied in full even if the submitter's context ends.
	ctx := context.Background()

	for {
		select {
		case <-ix.stopCh:
			return
		case op := <-ix.ops:
			switch op.kind {
			case opUpsert:
				op.reply <- ix.applyUpsert(ctx, op.pattern)
			case opOutcome:
				op.reply <- ix.applyOutcome(ctx, op.id, op.success)
			case opRetire:
				op.reply <- ix.applyRetire(ctx, op.id)
			}
		}
	}
}

func (ix *Indexer) applyUpsert(ctx context.Context, p Pattern) error {
	existing, err := ix.store.Get(ctx, p.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		ix.seq++
		p.SuccessEMA = NeutralPrior
		p.Applications, p.Successes, p.Failures = 0, 0, 0
		p.Retired = false
		p.CreatedSeq = ix.seq
		p.UpdatedSeq = ix.seq
	case err != nil:
		return err
	default:
		// Refresh descriptive fields, keep the earned stats.
		ix.seq++
		p.SuccessEMA = existing.SuccessEMA
		p.Applications = existing.Applications
		p.Successes = existing.Successes
		p.Failures = existing.Failures
		p.Retired = existing.Retired
		p.CreatedSeq = existing.CreatedSeq
		p.UpdatedSeq = ix.seq
	}
	return ix.store.Put(ctx, p)
}

func (ix *Indexer) applyOutcome(ctx context.Context, id string, success bool) error {
	p, err := ix.store.Get(ctx, id)
	if err != nil {
		return err
	}

	outcome := 0.0
	if success {
		outcome = 1.0
		p.Successes++
		outcomesTotal.WithLabelValues("success").Inc()
	} else {
		p.Failures++
		outcomesTotal.WithLabelValues("failure").Inc()
	}
	p.Applications++
	p.SuccessEMA = emaAlpha*outcome + (1-emaAlpha)*p.SuccessEMA

	if !p.Retired && p.Applications >= minApplications && p.SuccessEMA < retireThreshold {
		p.Retired = true
		retiredTotal.Inc()
		ix.logger.Info("pattern retired",
			slog.String("pattern", p.ID),
			slog.String("category", p.Category),
			slog.Float64("success_ema", p.SuccessEMA),
			slog.Int("applications", p.Applications),
		)
	}

	ix.seq++
	p.UpdatedSeq = ix.seq
	return ix.store.Put(ctx, p)
}

func (ix *Indexer) applyRetire(ctx context.Context, id string) error {
	p, err := ix.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Retired {
		return nil
	}
	p.Retired = true
	ix.seq++
	p.UpdatedSeq = ix.seq
	ix.logger.Info("pattern retired by review",
		slog.String("pattern", p.ID),
		slog.String("category", p.Category),
		slog.Float64("success_ema", p.SuccessEMA),
	)
	return ix.store.Put(ctx, p)
}
