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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
)

// ErrNonDeterminism is session-fatal: the same seed and corpus hash
// produced a different rate at some cycle, which invalidates every
// measurement the session has made.
var ErrNonDeterminism = errors.New("controller: non-determinism detected")

// Fingerprint identifies one deterministic run.
type Fingerprint struct {
	Seed       uint64    `json:"seed"`
	CorpusHash string    `json:"corpus_hash"`
	Rates      []float64 `json:"rates"`
}

// Digest returns a stable hex digest of the fingerprint.
func (f *Fingerprint) Digest() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\n%s\n", f.Seed, f.CorpusHash)
	for _, r := range f.Rates {
		// Bit-exact encoding; two rates are "the same" only when the
		// computation that produced them was.
		fmt.Fprintf(h, "%x\n", math.Float64bits(r))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Guard compares each cycle's rate against the recorded run for the
// same (seed, corpus hash) and extends the record as cycles complete.
//
// Thread Safety: Not safe for concurrent use; owned by the controller
// loop.
type Guard struct {
	path     string
	current  Fingerprint
	recorded []float64
	logger   *slog.Logger
}

// NewGuard opens or creates the fingerprint record under dir.
//
// Description:
//
//	The record file is keyed by seed and a corpus hash prefix, so
//	re-running the same session replays against its own history while
//	a changed corpus starts a fresh record. A dir of "" disables
//	persistence; the guard then only checks within the process.
func NewGuard(dir string, seed uint64, corpusHash string, logger *slog.Logger) (*Guard, error) {
	if corpusHash == "" {
		return nil, errors.New("controller: guard needs a corpus hash")
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		current: Fingerprint{Seed: seed, CorpusHash: corpusHash},
		logger:  logger.With("component", "determinism_guard"),
	}
	if dir == "" {
		return g, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("controller: creating guard dir: %w", err)
	}
	g.path = filepath.Join(dir, fmt.Sprintf("fingerprint-%d-%s.json", seed, shortHash(corpusHash)))

	data, err := os.ReadFile(g.path)
	if os.IsNotExist(err) {
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("controller: reading fingerprint: %w", err)
	}
	var recorded Fingerprint
	if err := json.Unmarshal(data, &recorded); err != nil {
		return nil, fmt.Errorf("controller: corrupt fingerprint %s: %w", g.path, err)
	}
	if recorded.Seed != seed || recorded.CorpusHash != corpusHash {
		// Hash prefix collision; treat as a fresh record.
		g.logger.Warn("fingerprint file does not match session, starting fresh",
			"path", g.path)
		return g, nil
	}
	g.recorded = recorded.Rates
	g.logger.Info("replaying against recorded fingerprint",
		"path", g.path, "recorded_cycles", len(g.recorded))
	return g, nil
}

// Observe checks cycle's rate against the record and extends it.
//
// Outputs: ErrNonDeterminism when a recorded cycle diverges. The
// comparison is bit-exact; a deterministic pipeline reproduces the
// identical float, not a nearby one.
func (g *Guard) Observe(cycle int, rate float64) error {
	if cycle < 1 {
		return fmt.Errorf("controller: guard observed cycle %d", cycle)
	}
	idx := cycle - 1
	if idx < len(g.recorded) {
		if math.Float64bits(g.recorded[idx]) != math.Float64bits(rate) {
			return fmt.Errorf("%w: cycle %d rate %v, recorded %v (seed %d)",
				ErrNonDeterminism, cycle, rate, g.recorded[idx], g.current.Seed)
		}
	}

	for len(g.current.Rates) < idx {
		// Resume gap: backfill from the record so the persisted vector
		// stays dense.
		j := len(g.current.Rates)
		if j >= len(g.recorded) {
			return fmt.Errorf("controller: fingerprint record ends at cycle %d, cannot observe cycle %d", j, cycle)
		}
		g.current.Rates = append(g.current.Rates, g.recorded[j])
	}
	if idx < len(g.current.Rates) {
		g.current.Rates[idx] = rate
	} else {
		g.current.Rates = append(g.current.Rates, rate)
	}
	if idx >= len(g.recorded) {
		g.recorded = append(g.recorded, rate)
	}
	return g.persist()
}

// Digest returns the digest of the rates observed so far.
func (g *Guard) Digest() string {
	return g.current.Digest()
}

func (g *Guard) persist() error {
	if g.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(&g.current, "", "  ")
	if err != nil {
		return fmt.Errorf("controller: encoding fingerprint: %w", err)
	}
	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("controller: writing fingerprint: %w", err)
	}
	if err := os.Rename(tmp, g.path); err != nil {
		return fmt.Errorf("controller: replacing fingerprint: %w", err)
	}
	return nil
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
