// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// newSeededGate returns a gate whose store holds one committed baseline
// per entry of rates.
func newSeededGate(t *testing.T, rates map[string]float64, opts ...Option) *Gate {
	t.Helper()
	store := NewMemoryStore()
	for tier, rate := range rates {
		if _, err := store.Commit(context.Background(), testBaseline(tier, rate)); err != nil {
			t.Fatalf("seeding baseline: %v", err)
		}
	}
	g, err := New(store, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestCheckPassesWithinTolerance(t *testing.T) {
	g := newSeededGate(t, map[string]float64{"easy": 0.80})

	decision, err := g.Check(context.Background(), "easy", 0.795)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !decision.Pass {
		t.Errorf("drop within tolerance failed: %s", decision.Report)
	}
	if len(decision.Regressions) != 0 {
		t.Errorf("regressions = %v, want none", decision.Regressions)
	}
	if decision.Baseline == nil || decision.Baseline.Rate != 0.80 {
		t.Errorf("baseline = %+v", decision.Baseline)
	}
}

func TestCheckExactToleranceBoundaryPasses(t *testing.T) {
	// 0.75, 0.5 and 0.25 are exact in binary, so the drop equals the
	// tolerance with no rounding. Equal is allowed; only beyond fails.
	g := newSeededGate(t, map[string]float64{"easy": 0.75}, WithTolerance(0.25))

	decision, err := g.Check(context.Background(), "easy", 0.5)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !decision.Pass {
		t.Errorf("drop equal to tolerance failed: %s", decision.Report)
	}
}

func TestCheckFailsBeyondTolerance(t *testing.T) {
	g := newSeededGate(t, map[string]float64{"easy": 0.80})

	decision, err := g.Check(context.Background(), "easy", 0.75)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if decision.Pass {
		t.Fatal("regression passed the gate")
	}
	if len(decision.Regressions) != 1 {
		t.Fatalf("regressions = %v, want exactly one", decision.Regressions)
	}

	r := decision.Regressions[0]
	if r.Tier != "easy" || r.BaselineRate != 0.80 || r.CurrentRate != 0.75 {
		t.Errorf("regression = %+v", r)
	}
	if r.Drop < 0.049 || r.Drop > 0.051 {
		t.Errorf("drop = %v, want about 0.05", r.Drop)
	}
	if r.Tolerance != DefaultTolerance {
		t.Errorf("tolerance = %v, want %v", r.Tolerance, DefaultTolerance)
	}
	if !strings.Contains(r.Message, "0.7500") || !strings.Contains(r.Message, "0.8000") {
		t.Errorf("message does not name observed and baseline rates: %q", r.Message)
	}

	if !strings.Contains(decision.Report, "FAIL") || !strings.Contains(decision.Report, "Regressions") {
		t.Errorf("report:\n%s", decision.Report)
	}
}

func TestCheckImprovementPasses(t *testing.T) {
	g := newSeededGate(t, map[string]float64{"easy": 0.80})

	decision, err := g.Check(context.Background(), "easy", 0.90)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !decision.Pass {
		t.Errorf("improvement failed the gate: %s", decision.Report)
	}
	if !strings.Contains(decision.Report, "+0.1000") {
		t.Errorf("report does not show the positive change:\n%s", decision.Report)
	}
}

func TestCheckFirstRun(t *testing.T) {
	t.Run("passes by default", func(t *testing.T) {
		g := newSeededGate(t, nil)
		decision, err := g.Check(context.Background(), "easy", 0.40)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !decision.Pass {
			t.Error("first run failed the gate")
		}
		if decision.Baseline != nil {
			t.Errorf("baseline = %+v, want nil", decision.Baseline)
		}
		if !strings.Contains(decision.Report, "first run") {
			t.Errorf("report:\n%s", decision.Report)
		}
	})

	t.Run("fails when required", func(t *testing.T) {
		g := newSeededGate(t, nil, WithRequireBaseline(true))
		decision, err := g.Check(context.Background(), "easy", 0.40)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if decision.Pass {
			t.Error("missing baseline passed with RequireBaseline")
		}
		if !strings.Contains(decision.Report, "RequireBaseline") {
			t.Errorf("report:\n%s", decision.Report)
		}
	})
}

func TestCheckAll(t *testing.T) {
	g := newSeededGate(t, map[string]float64{
		"easy":   0.80,
		"medium": 0.60,
		"hard":   0.40,
	})

	decisions, err := g.CheckAll(context.Background(), map[string]float64{
		"easy":   0.81,
		"medium": 0.55,
		"hard":   0.40,
	})
	if err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	if len(decisions) != 3 {
		t.Fatalf("decisions = %d, want 3", len(decisions))
	}
	if !decisions["easy"].Pass || !decisions["hard"].Pass {
		t.Error("steady tiers failed")
	}
	if decisions["medium"].Pass {
		t.Error("regressing tier passed")
	}
}

func TestCheckAllCancellation(t *testing.T) {
	g := newSeededGate(t, map[string]float64{"easy": 0.80})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.CheckAll(ctx, map[string]float64{"easy": 0.80})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCommitSupersedesFloor(t *testing.T) {
	store := NewMemoryStore()
	g, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if _, err := g.Commit(ctx, "easy", 0.80, "c3b5d9a1f2e4"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	decision, err := g.Check(ctx, "easy", 0.85)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !decision.Pass {
		t.Fatal("improvement failed against first floor")
	}

	seq, err := g.Commit(ctx, "easy", 0.85, "c3b5d9a1f2e4")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if seq != 2 {
		t.Errorf("sequence = %d, want 2", seq)
	}

	// The old floor would have tolerated 0.80; the new one must not.
	decision, err = g.Check(ctx, "easy", 0.80)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if decision.Pass {
		t.Error("rate below the superseding floor passed")
	}

	history, err := store.History(ctx, "easy")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("history length = %d, want 2", len(history))
	}
}

func TestCheckRejectsInvalidInput(t *testing.T) {
	g := newSeededGate(t, map[string]float64{"easy": 0.80})
	ctx := context.Background()

	if _, err := g.Check(ctx, "", 0.5); err == nil {
		t.Error("empty tier accepted")
	}
	if _, err := g.Check(ctx, "easy", 1.5); err == nil {
		t.Error("rate above 1 accepted")
	}
	if _, err := g.Check(ctx, "easy", -0.1); err == nil {
		t.Error("negative rate accepted")
	}
}

func TestNewGateValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("nil store accepted")
	}
	if _, err := New(NewMemoryStore(), WithTolerance(-0.1)); err == nil {
		t.Error("negative tolerance accepted")
	}
	if _, err := New(NewMemoryStore(), WithTolerance(1.0)); err == nil {
		t.Error("tolerance of 1 accepted")
	}
}

func TestCommitRejectsInvalid(t *testing.T) {
	g := newSeededGate(t, nil)
	if _, err := g.Commit(context.Background(), "easy", 0.5, ""); !errors.Is(err, ErrInvalidBaseline) {
		t.Fatalf("err = %v, want ErrInvalidBaseline", err)
	}
}
