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
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testReport(cycle int) *CycleReport {
	return &CycleReport{
		Cycle:      cycle,
		Seed:       42,
		CorpusHash: "9f2c4b1a8d3e",
		Outcome:    OutcomeCommitted,
		Rate:       0.55,
		Delta:      0.05,
		TierRates:  map[string]float64{"easy": 0.80, "medium": 0.55, "hard": 0.30},
		Categories: map[string]int{"type_mismatch": 12, "borrow_checker": 7},
		Classified: 19,
		Unknown:    2,
		Falsifiers: []string{"tier_regression", "plateau"},
		Fixes: []AppliedFix{
			{PatternID: "p2", Entry: "corpus/easy/b.py", Strategy: "patch", Category: "type_mismatch"},
			{PatternID: "p1", Entry: "corpus/easy/a.py", Strategy: "override", Category: "borrow_checker"},
		},
		Counterexamples: []Counterexample{
			{Code: "E0502", Paths: []string{"corpus/hard/z.py", "corpus/hard/a.py"}},
			{Code: "E0308", Paths: []string{"corpus/easy/a.py"}},
		},
	}
}

func TestCycleReportValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CycleReport)
		ok     bool
	}{
		{"valid", func(r *CycleReport) {}, true},
		{"zero cycle", func(r *CycleReport) { r.Cycle = 0 }, false},
		{"empty hash", func(r *CycleReport) { r.CorpusHash = "" }, false},
		{"unknown outcome", func(r *CycleReport) { r.Outcome = "maybe" }, false},
		{"rate above one", func(r *CycleReport) { r.Rate = 1.5 }, false},
		{"tier rate negative", func(r *CycleReport) { r.TierRates["easy"] = -0.1 }, false},
		{"negative unknown", func(r *CycleReport) { r.Unknown = -1 }, false},
		{"rolled back ok", func(r *CycleReport) { r.Outcome = OutcomeRolledBack }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := testReport(1)
			tc.mutate(r)
			err := r.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

// Canonical bytes must depend only on logical content. The same cycle
// accumulated in a different order has to serialize identically, or
// replay comparison would flag honest runs as divergent.
func TestCanonicalByteIdentity(t *testing.T) {
	a := testReport(3)

	b := testReport(3)
	b.Falsifiers = []string{"plateau", "tier_regression"}
	b.Fixes = []AppliedFix{
		{PatternID: "p1", Entry: "corpus/easy/a.py", Strategy: "override", Category: "borrow_checker"},
		{PatternID: "p2", Entry: "corpus/easy/b.py", Strategy: "patch", Category: "type_mismatch"},
	}
	b.Counterexamples = []Counterexample{
		{Code: "E0308", Paths: []string{"corpus/easy/a.py"}},
		{Code: "E0502", Paths: []string{"corpus/hard/z.py", "corpus/hard/a.py"}},
	}
	b.TierRates = map[string]float64{"hard": 0.30, "easy": 0.80, "medium": 0.55}

	got, err := a.Canonical()
	if err != nil {
		t.Fatalf("Canonical() error: %v", err)
	}
	want, err := b.Canonical()
	if err != nil {
		t.Fatalf("Canonical() error: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("canonical bytes differ:\n%s\n%s", got, want)
	}
}

func TestCanonicalLeavesReportUnsorted(t *testing.T) {
	r := testReport(1)
	if _, err := r.Canonical(); err != nil {
		t.Fatalf("Canonical() error: %v", err)
	}
	if r.Falsifiers[0] != "tier_regression" {
		t.Fatal("Canonical() sorted the caller's slice")
	}
	if r.Fixes[0].PatternID != "p2" {
		t.Fatal("Canonical() sorted the caller's fixes")
	}
}

func TestCanonicalOmitsEmptyCollections(t *testing.T) {
	r := testReport(1)
	r.Falsifiers = nil
	r.Fixes = nil
	r.Counterexamples = nil
	r.Categories = nil

	data, err := r.Canonical()
	if err != nil {
		t.Fatalf("Canonical() error: %v", err)
	}
	for _, key := range []string{"falsifiers", "fixes", "counterexamples", "categories", "corrects"} {
		if strings.Contains(string(data), key) {
			t.Errorf("canonical form carries empty %q", key)
		}
	}
}

func TestCanonicalRejectsInvalid(t *testing.T) {
	r := testReport(1)
	r.Outcome = "shrug"
	if _, err := r.Canonical(); err == nil {
		t.Fatal("Canonical() accepted an invalid report")
	}
}

func TestParseReportRoundTrip(t *testing.T) {
	r := testReport(7)
	r.Corrects = 4
	data, err := r.Canonical()
	if err != nil {
		t.Fatalf("Canonical() error: %v", err)
	}

	back, err := ParseReport(data)
	if err != nil {
		t.Fatalf("ParseReport() error: %v", err)
	}
	if back.Cycle != 7 || back.Seed != 42 || back.Corrects != 4 {
		t.Fatalf("round trip lost fields: %+v", back)
	}
	if back.TierRates["medium"] != 0.55 {
		t.Fatalf("tier rates lost: %v", back.TierRates)
	}
	if len(back.Fixes) != 2 || len(back.Counterexamples) != 2 {
		t.Fatalf("collections lost: %+v", back)
	}
}

func TestParseReportRejects(t *testing.T) {
	if _, err := ParseReport([]byte("{not json")); err == nil {
		t.Fatal("ParseReport() accepted garbage")
	}
	if _, err := ParseReport([]byte(`{"cycle":0}`)); err == nil {
		t.Fatal("ParseReport() accepted an invalid report")
	}
}

func TestEscapeRate(t *testing.T) {
	r := &CycleReport{Classified: 7, Unknown: 3}
	if got := r.EscapeRate(); got != 0.3 {
		t.Fatalf("EscapeRate() = %f, want 0.3", got)
	}

	empty := &CycleReport{}
	if got := empty.EscapeRate(); got != 0 {
		t.Fatalf("EscapeRate() on empty = %f, want 0", got)
	}
}

func TestValidateErrorsAreDescriptive(t *testing.T) {
	r := testReport(1)
	r.TierRates["hard"] = 2.0
	err := r.Validate()
	if err == nil || !strings.Contains(err.Error(), "hard") {
		t.Fatalf("Validate() = %v, want error naming the tier", err)
	}
	if errors.Is(err, ErrNoReport) {
		t.Fatal("validation error must not alias store sentinels")
	}
}
