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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Phase is one stage of the PDCA loop.
type Phase string

const (
	PhasePlanning   Phase = "planning"
	PhaseIsolating  Phase = "isolating"
	PhaseRepairing  Phase = "repairing"
	PhaseVerifying  Phase = "verifying"
	PhaseCommitted  Phase = "committed"
	PhaseRolledBack Phase = "rolled_back"
)

// HaltReason names why a session stopped.
type HaltReason string

const (
	HaltNone             HaltReason = ""
	HaltTargetMet        HaltReason = "target_met"
	HaltPlateau          HaltReason = "plateau"
	HaltNonDeterminism   HaltReason = "non_determinism"
	HaltCrossTier        HaltReason = "cross_tier_regression"
	HaltEscapeCeiling    HaltReason = "escape_ceiling"
	HaltExhausted        HaltReason = "iterations_exhausted"
	HaltCancelled        HaltReason = "cancelled"
	HaltModelUnavailable HaltReason = "model_unavailable"
)

// ErrNoCheckpoint marks a resume attempt against an empty directory.
var ErrNoCheckpoint = errors.New("controller: no checkpoint found")

// State is the single mutable record of a session. The controller owns
// it exclusively; everything observable (andon, status server) reads
// copies.
type State struct {
	Phase                  Phase              `json:"phase"`
	Cycle                  int                `json:"cycle"`
	Seed                   uint64             `json:"seed"`
	CorpusHash             string             `json:"corpus_hash"`
	Rate                   float64            `json:"rate"`
	Rates                  map[string]float64 `json:"rates"`
	CyclesSinceImprovement int                `json:"cycles_since_improvement"`
	Halted                 bool               `json:"halted"`
	HaltReason             HaltReason         `json:"halt_reason,omitempty"`
	Queue                  []Item             `json:"queue,omitempty"`
	RateHistory            []float64          `json:"rate_history,omitempty"`
	Estimator              EstimatorState     `json:"estimator"`
	Overlay                map[string]string  `json:"overlay,omitempty"`
	Classified             int                `json:"classified"`
	Unknown                int                `json:"unknown"`
}

// Clone deep-copies the state for observers.
func (s *State) Clone() *State {
	c := *s
	c.Rates = make(map[string]float64, len(s.Rates))
	for k, v := range s.Rates {
		c.Rates[k] = v
	}
	c.Queue = append([]Item(nil), s.Queue...)
	c.RateHistory = append([]float64(nil), s.RateHistory...)
	if s.Overlay != nil {
		c.Overlay = make(map[string]string, len(s.Overlay))
		for k, v := range s.Overlay {
			c.Overlay[k] = v
		}
	}
	if s.Estimator.Deltas != nil {
		c.Estimator.Deltas = append([]float64(nil), s.Estimator.Deltas...)
	}
	return &c
}

// checkpointName formats like checkpoint-000042.json so lexicographic
// order is cycle order.
func checkpointName(cycle int) string {
	return fmt.Sprintf("checkpoint-%06d.json", cycle)
}

// SaveCheckpoint writes the state atomically under dir.
func SaveCheckpoint(dir string, s *State) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("controller: creating checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("controller: encoding checkpoint: %w", err)
	}
	path := filepath.Join(dir, checkpointName(s.Cycle))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("controller: writing checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("controller: replacing checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the newest checkpoint under dir.
func LoadCheckpoint(dir string) (*State, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("controller: reading checkpoint dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "checkpoint-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, ErrNoCheckpoint
	}
	sort.Strings(names)

	path := filepath.Join(dir, names[len(names)-1])
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("controller: reading checkpoint %s: %w", path, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("controller: corrupt checkpoint %s: %w", path, err)
	}
	if s.Rates == nil {
		s.Rates = make(map[string]float64)
	}
	return &s, nil
}
