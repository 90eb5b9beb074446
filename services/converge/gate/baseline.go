// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gate compares candidate cycle outcomes against immutable
// per-tier baselines and decides whether a cycle may commit.
//
// Baselines are append-only: a commit writes a new numbered snapshot and
// never rewrites an existing one. The newest snapshot is the comparison
// floor; older ones remain on disk as the audit trail.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jinterlante1206/converge/pkg/validation"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrBaselineNotFound indicates no baseline exists for the tier.
	ErrBaselineNotFound = errors.New("gate: baseline not found")

	// ErrBaselineExists indicates a commit would overwrite an existing
	// snapshot. Snapshots are immutable; this is always a caller bug or
	// a concurrent-writer collision.
	ErrBaselineExists = errors.New("gate: baseline snapshot already exists")

	// ErrInvalidBaseline indicates corrupted or out-of-range baseline data.
	ErrInvalidBaseline = errors.New("gate: invalid baseline")
)

// -----------------------------------------------------------------------------
// Baseline
// -----------------------------------------------------------------------------

// Baseline is a frozen compile-rate snapshot for one tier.
type Baseline struct {
	// Tier is the corpus tier this baseline covers.
	Tier string `json:"tier"`

	// Rate is the compile success rate in [0,1] at commit time.
	Rate float64 `json:"rate"`

	// CorpusHash identifies the exact corpus the rate was measured on.
	// Comparing rates across different corpora is meaningless.
	CorpusHash string `json:"corpus_hash"`

	// Timestamp is when the baseline was committed.
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the baseline fields. The tier name doubles as a path
// segment in the file store, so it is held to the shared tier-name
// rules.
func (b *Baseline) Validate() error {
	if strings.TrimSpace(b.Tier) == "" {
		return fmt.Errorf("%w: empty tier", ErrInvalidBaseline)
	}
	if err := validation.ValidateTierName(b.Tier); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBaseline, err)
	}
	if b.Rate < 0 || b.Rate > 1 {
		return fmt.Errorf("%w: rate %f outside [0,1]", ErrInvalidBaseline, b.Rate)
	}
	if b.CorpusHash == "" {
		return fmt.Errorf("%w: empty corpus hash", ErrInvalidBaseline)
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidBaseline)
	}
	return nil
}

// Store persists baseline snapshots.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	// Latest returns the newest baseline for a tier.
	// Returns ErrBaselineNotFound if the tier has none.
	Latest(ctx context.Context, tier string) (*Baseline, error)

	// Commit appends a new snapshot and returns its sequence number.
	// Existing snapshots are never modified.
	Commit(ctx context.Context, b Baseline) (int, error)

	// History returns all snapshots for a tier, oldest first.
	History(ctx context.Context, tier string) ([]Baseline, error)

	// Tiers returns all tiers with at least one snapshot, sorted.
	Tiers(ctx context.Context) ([]string, error)
}

// -----------------------------------------------------------------------------
// File store
// -----------------------------------------------------------------------------

// FileStore keeps baselines as JSON files under {dir}/{tier}/{seq}.json
// with zero-padded sequence numbers, so lexical order is commit order.
//
// Thread Safety: Safe for concurrent use within one process. Snapshot
// files are created with O_EXCL, so two processes sharing a directory
// cannot silently clobber each other either.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates a file-backed baseline store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("gate: creating baseline dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store's root directory.
func (f *FileStore) Dir() string { return f.dir }

// Latest implements Store.
func (f *FileStore) Latest(_ context.Context, tier string) (*Baseline, error) {
	if err := validation.ValidateTierName(tier); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseline, err)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	seqs, err := f.sequences(tier)
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return nil, ErrBaselineNotFound
	}
	b, err := f.read(tier, seqs[len(seqs)-1])
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Commit implements Store.
func (f *FileStore) Commit(_ context.Context, b Baseline) (int, error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	seqs, err := f.sequences(b.Tier)
	if err != nil {
		return 0, err
	}
	next := 1
	if len(seqs) > 0 {
		next = seqs[len(seqs)-1] + 1
	}

	tierDir := filepath.Join(f.dir, b.Tier)
	if err := os.MkdirAll(tierDir, 0o755); err != nil {
		return 0, fmt.Errorf("gate: creating tier dir: %w", err)
	}

	data, err := json.MarshalIndent(&b, "", "  ")
	if err != nil {
		return 0, err
	}

	path := filepath.Join(tierDir, snapshotName(next))
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrBaselineExists, path)
		}
		return 0, err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return 0, err
	}
	if err := file.Close(); err != nil {
		return 0, err
	}
	return next, nil
}

// History implements Store.
func (f *FileStore) History(_ context.Context, tier string) ([]Baseline, error) {
	if err := validation.ValidateTierName(tier); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseline, err)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	seqs, err := f.sequences(tier)
	if err != nil {
		return nil, err
	}
	history := make([]Baseline, 0, len(seqs))
	for _, seq := range seqs {
		b, err := f.read(tier, seq)
		if err != nil {
			return nil, err
		}
		history = append(history, b)
	}
	return history, nil
}

// Tiers implements Store.
func (f *FileStore) Tiers(_ context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var tiers []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		seqs, err := f.sequences(entry.Name())
		if err != nil || len(seqs) == 0 {
			continue
		}
		tiers = append(tiers, entry.Name())
	}
	sort.Strings(tiers)
	return tiers, nil
}

// sequences returns the snapshot sequence numbers for a tier, ascending.
func (f *FileStore) sequences(tier string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(f.dir, tier))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var seqs []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil || seq < 1 {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs, nil
}

func (f *FileStore) read(tier string, seq int) (Baseline, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, tier, snapshotName(seq)))
	if err != nil {
		return Baseline{}, err
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return Baseline{}, fmt.Errorf("%w: %v", ErrInvalidBaseline, err)
	}
	if err := b.Validate(); err != nil {
		return Baseline{}, err
	}
	return b, nil
}

func snapshotName(seq int) string {
	return fmt.Sprintf("%06d.json", seq)
}

// -----------------------------------------------------------------------------
// Memory store
// -----------------------------------------------------------------------------

// MemoryStore keeps baselines in memory. Useful for tests and dry runs;
// data is lost when the process exits.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]Baseline
}

// NewMemoryStore creates an empty in-memory baseline store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]Baseline)}
}

// Latest implements Store.
func (m *MemoryStore) Latest(_ context.Context, tier string) (*Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.data[tier]
	if len(history) == 0 {
		return nil, ErrBaselineNotFound
	}
	b := history[len(history)-1]
	return &b, nil
}

// Commit implements Store.
func (m *MemoryStore) Commit(_ context.Context, b Baseline) (int, error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[b.Tier] = append(m.data[b.Tier], b)
	return len(m.data[b.Tier]), nil
}

// History implements Store.
func (m *MemoryStore) History(_ context.Context, tier string) ([]Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := make([]Baseline, len(m.data[tier]))
	copy(history, m.data[tier])
	return history, nil
}

// Tiers implements Store.
func (m *MemoryStore) Tiers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tiers := make([]string, 0, len(m.data))
	for tier, history := range m.data {
		if len(history) > 0 {
			tiers = append(tiers, tier)
		}
	}
	sort.Strings(tiers)
	return tiers, nil
}
