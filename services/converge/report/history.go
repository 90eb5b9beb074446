// Aleutian FW
// Copyright (C) 2025  Jason Interlante
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
// https://www.gnu.org/licenses/agpl-3.0.en.html

package report

import (
	"context"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/jinterlante1206/converge/services/converge/storage/badger"
)

// ErrNoReport marks lookups for cycles the history does not hold.
var ErrNoReport = errors.New("report not found")

// ErrOutOfOrder rejects appends whose cycle index is not exactly one
// past the last stored report.
var ErrOutOfOrder = errors.New("report out of order")

// reportPrefix keys are zero padded so lexicographic key order equals
// cycle order and prefix iteration replays the session.
const (
	reportPrefix = "report/"
	reportKeyFmt = "report/%010d"
)

// History is the append-only cycle log.
//
// Reports enter in cycle order and are never rewritten. A correction
// appends a new report whose Corrects field names the cycle it
// supersedes; readers see both.
//
// Thread Safety: Safe for concurrent readers. Appends must come from a
// single controller goroutine, which is how cycles run anyway.
type History struct {
	db *badger.DB
}

// NewHistory wraps an opened database.
func NewHistory(db *badger.DB) *History {
	return &History{db: db}
}

// Append stores the report for the next cycle.
//
// Description:
//
//	The report's canonical bytes are written under its zero-padded
//	cycle key. The cycle index must be exactly LastCycle+1; anything
//	else means the controller lost track of the session and the log
//	would no longer replay, so the append is refused.
//
// Outputs: ErrOutOfOrder on an index gap or rewind, validation errors
// from the report itself.
func (h *History) Append(ctx context.Context, r *CycleReport) error {
	data, err := r.Canonical()
	if err != nil {
		return err
	}
	key := reportKey(r.Cycle)
	return h.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		last, err := lastCycleTxn(txn)
		if err != nil {
			return err
		}
		if r.Cycle != last+1 {
			return fmt.Errorf("%w: cycle %d after %d", ErrOutOfOrder, r.Cycle, last)
		}
		return txn.Set(key, data)
	})
}

// Get returns the report for one cycle.
func (h *History) Get(ctx context.Context, cycle int) (*CycleReport, error) {
	var r *CycleReport
	err := h.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get(reportKey(cycle))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("%w: cycle %d", ErrNoReport, cycle)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			r, err = ParseReport(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// LastCycle returns the highest stored cycle index, 0 when empty.
func (h *History) LastCycle(ctx context.Context) (int, error) {
	var last int
	err := h.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		last, err = lastCycleTxn(txn)
		return err
	})
	return last, err
}

// Last returns the most recent report.
func (h *History) Last(ctx context.Context) (*CycleReport, error) {
	last, err := h.LastCycle(ctx)
	if err != nil {
		return nil, err
	}
	if last == 0 {
		return nil, ErrNoReport
	}
	return h.Get(ctx, last)
}

// Recent returns up to n of the newest reports in cycle order.
func (h *History) Recent(ctx context.Context, n int) ([]*CycleReport, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []*CycleReport
	err := h.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(reportPrefix)
		for it.Seek(seekLast(prefix)); it.ValidForPrefix(prefix) && len(out) < n; it.Next() {
			var r *CycleReport
			err := it.Item().Value(func(val []byte) error {
				var err error
				r, err = ParseReport(val)
				return err
			})
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Reverse iteration collected newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// All returns every report in cycle order.
func (h *History) All(ctx context.Context) ([]*CycleReport, error) {
	var out []*CycleReport
	err := h.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(reportPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r *CycleReport
			err := it.Item().Value(func(val []byte) error {
				var err error
				r, err = ParseReport(val)
				return err
			})
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func reportKey(cycle int) []byte {
	return []byte(fmt.Sprintf(reportKeyFmt, cycle))
}

func lastCycleTxn(txn *badgerdb.Txn) (int, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	prefix := []byte(reportPrefix)
	it.Seek(seekLast(prefix))
	if !it.ValidForPrefix(prefix) {
		return 0, nil
	}
	var cycle int
	key := string(it.Item().Key()[len(prefix):])
	if _, err := fmt.Sscanf(key, "%d", &cycle); err != nil {
		return 0, fmt.Errorf("report: corrupt key %q: %w", key, err)
	}
	return cycle, nil
}

// seekLast builds a key past every key under prefix, the starting
// point for reverse iteration.
func seekLast(prefix []byte) []byte {
	return append(append([]byte(nil), prefix...), 0xFF)
}
