// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package corpus scans and models the input programs under test.
//
// A corpus is organized into tiers: independently weighted directories with
// their own target compile rates. Entries are immutable once scanned; a
// changed file or a changed transpiler version invalidates the cached scan
// by content hash rather than by mutation.
package corpus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jinterlante1206/converge/pkg/validation"
)

// DefaultMaxFileSize bounds a single corpus entry. Larger inputs are
// skipped with a warning rather than failing the scan.
const DefaultMaxFileSize = 1 << 20 // 1 MB

// Tier is one independently weighted slice of the corpus.
type Tier struct {
	// Name identifies the tier in reports and baselines.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Dir is the directory containing the tier's source files.
	Dir string `yaml:"dir" json:"dir" validate:"required"`

	// Weight scales this tier's contribution to cross-tier decisions.
	Weight float64 `yaml:"weight" json:"weight" validate:"gte=0"`

	// TargetRate is the compile rate at which this tier is converged.
	TargetRate float64 `yaml:"target_rate" json:"target_rate" validate:"gte=0,lte=1"`
}

// Entry is one input program under test. Entries are immutable after
// scanning; path is unique within the corpus.
type Entry struct {
	Path        string   `json:"path"`
	Tier        string   `json:"tier"`
	Weight      float64  `json:"weight"`
	Features    []string `json:"features,omitempty"`
	ContentHash string   `json:"content_hash"`
	Size        int64    `json:"size"`
}

// Corpus is the scanned, ordered entry set for one session.
type Corpus struct {
	// Entries are sorted by (tier, path) so that iteration order, and
	// everything derived from it, is deterministic.
	Entries []Entry

	// Hash fingerprints the corpus contents. Two corpora with equal
	// hashes contain byte-identical entries in identical order.
	Hash string
}

// ByTier returns the entries belonging to one tier, preserving order.
func (c *Corpus) ByTier(name string) []Entry {
	var out []Entry
	for _, e := range c.Entries {
		if e.Tier == name {
			out = append(out, e)
		}
	}
	return out
}

// Tiers returns the distinct tier names in first-occurrence order.
func (c *Corpus) Tiers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range c.Entries {
		if !seen[e.Tier] {
			seen[e.Tier] = true
			out = append(out, e.Tier)
		}
	}
	return out
}

// Len returns the total entry count.
func (c *Corpus) Len() int { return len(c.Entries) }

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithMaxFileSize overrides the per-entry size limit.
func WithMaxFileSize(n int64) ScannerOption {
	return func(s *Scanner) {
		if n > 0 {
			s.maxFileSize = n
		}
	}
}

// WithExtensions overrides the file extensions considered corpus entries.
func WithExtensions(exts ...string) ScannerOption {
	return func(s *Scanner) { s.exts = exts }
}

// WithCache attaches a scan cache consulted before feature extraction.
func WithCache(c *Cache) ScannerOption {
	return func(s *Scanner) { s.cache = c }
}

// Scanner walks tier directories and produces an immutable Corpus.
//
// Thread Safety: Scan may be called concurrently; each call owns its own
// working state. The attached Cache serializes internally.
type Scanner struct {
	tagger      *Tagger
	cache       *Cache
	maxFileSize int64
	exts        []string
	parallelism int
}

// NewScanner constructs a Scanner with a feature tagger and options.
func NewScanner(opts ...ScannerOption) *Scanner {
	s := &Scanner{
		tagger:      NewTagger(),
		maxFileSize: DefaultMaxFileSize,
		exts:        []string{".py"},
		parallelism: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan walks every tier directory and builds the corpus.
//
// Description:
//
//	Collects matching files per tier, then hashes and feature-tags them
//	with bounded parallelism. Entries come back sorted by (tier, path)
//	and the corpus hash covers tier, path, and content hash of every
//	entry, so any content or membership change produces a new hash.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	tiers - Tier definitions. Directories must exist.
//
// Outputs:
//
//	*Corpus - The scanned corpus. Never nil on success.
//	error - Non-nil if a tier directory is missing or unreadable.
func (s *Scanner) Scan(ctx context.Context, tiers []Tier) (*Corpus, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("no tiers configured")
	}
	// Tier names flow into baseline paths and report keys downstream.
	for _, tier := range tiers {
		if err := validation.ValidateTierName(tier.Name); err != nil {
			return nil, fmt.Errorf("tier %q: %w", tier.Name, err)
		}
	}

	type fileRef struct {
		tier   Tier
		path   string
		size   int64
		result int // index into entries
	}

	var refs []fileRef
	for _, tier := range tiers {
		info, err := os.Stat(tier.Dir)
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", tier.Name, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("tier %q: %s is not a directory", tier.Name, tier.Dir)
		}

		err = filepath.WalkDir(tier.Dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !s.matchExt(path) {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			if fi.Size() > s.maxFileSize {
				return nil // skip oversized inputs
			}
			refs = append(refs, fileRef{tier: tier, path: path, size: fi.Size()})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk tier %q: %w", tier.Name, err)
		}
	}

	entries := make([]Entry, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, ref := range refs {
		g.Go(func() error {
			content, err := os.ReadFile(ref.path)
			if err != nil {
				return fmt.Errorf("read %s: %w", ref.path, err)
			}
			sum := sha256.Sum256(content)
			hash := hex.EncodeToString(sum[:])

			features, ok := s.cachedFeatures(ref.path, hash)
			if !ok {
				features = s.tagger.Tag(gctx, content)
				s.storeFeatures(ref.path, hash, features)
			}

			entries[i] = Entry{
				Path:        ref.path,
				Tier:        ref.tier.Name,
				Weight:      ref.tier.Weight,
				Features:    features,
				ContentHash: hash,
				Size:        ref.size,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Tier != entries[j].Tier {
			return entries[i].Tier < entries[j].Tier
		}
		return entries[i].Path < entries[j].Path
	})

	return &Corpus{Entries: entries, Hash: hashEntries(entries)}, nil
}

func (s *Scanner) matchExt(path string) bool {
	ext := filepath.Ext(path)
	for _, e := range s.exts {
		if ext == e {
			return true
		}
	}
	return false
}

func (s *Scanner) cachedFeatures(path, hash string) ([]string, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.Lookup(path, hash)
}

func (s *Scanner) storeFeatures(path, hash string, features []string) {
	if s.cache != nil {
		s.cache.Store(path, hash, features)
	}
}

// hashEntries computes the corpus fingerprint over sorted entries.
func hashEntries(entries []Entry) string {
	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s\x00%s\x00%s\n", e.Tier, e.Path, e.ContentHash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashSource fingerprints one source text the same way the scanner does.
func HashSource(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// RelPath renders an entry path relative to a root for display, falling
// back to the full path when the entry lives outside the root.
func RelPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
