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
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/jinterlante1206/converge/services/converge/storage/badger"
)

// ErrNotFound marks lookups for patterns the library does not hold.
var ErrNotFound = errors.New("pattern not found")

const (
	patternPrefix  = "pattern/"
	categoryPrefix = "idx/category/"
)

// Store persists patterns in BadgerDB.
//
// Keys:
//
//	pattern/<id>                 -> pattern JSON
//	idx/category/<cat>/<id>      -> nil (category index)
//
// Thread Safety: Safe for concurrent readers. Writes must go through a
// single Indexer so EMA updates never race.
type Store struct {
	db *badger.DB
}

// NewStore wraps an opened database.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// Put writes a pattern and its category index entry.
func (s *Store) Put(ctx context.Context, p Pattern) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pattern %s: %w", p.ID, err)
	}
	return s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		if err := txn.Set([]byte(patternPrefix+p.ID), data); err != nil {
			return err
		}
		return txn.Set([]byte(categoryPrefix+p.Category+"/"+p.ID), nil)
	})
}

// Get returns one pattern by ID.
func (s *Store) Get(ctx context.Context, id string) (Pattern, error) {
	var p Pattern
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(patternPrefix + id))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	return p, err
}

// ByCategory returns the active patterns for one category, best first.
// Ordering is (success average desc, ID asc) so equal patterns rank
// identically on every run.
func (s *Store) ByCategory(ctx context.Context, category string) ([]Pattern, error) {
	var ids []string
	prefix := []byte(categoryPrefix + category + "/")
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Pattern, 0, len(ids))
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if p.Active() {
			out = append(out, p)
		}
	}
	sortRanked(out)
	return out, nil
}

// All returns every pattern, retired included, ordered by ID.
func (s *Store) All(ctx context.Context) ([]Pattern, error) {
	var out []Pattern
	prefix := []byte(patternPrefix)
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p Pattern
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			})
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MaxSeq returns the highest sequence number in the library, used to
// restore the indexer's counter on resume.
func (s *Store) MaxSeq(ctx context.Context) (uint64, error) {
	all, err := s.All(ctx)
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, p := range all {
		if p.UpdatedSeq > max {
			max = p.UpdatedSeq
		}
	}
	return max, nil
}

func sortRanked(ps []Pattern) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].SuccessEMA != ps[j].SuccessEMA {
			return ps[i].SuccessEMA > ps[j].SuccessEMA
		}
		return ps[i].ID < ps[j].ID
	})
}
