// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jinterlante1206/converge/services/converge/corpus"
	"github.com/jinterlante1206/converge/services/converge/diag"
	"github.com/jinterlante1206/converge/services/converge/taxonomy"
)

func seedDiagnostic(code string) diag.Diagnostic {
	return diag.Diagnostic{Code: code, Level: diag.LevelError, Message: seedMessages[code]}
}

func TestSeedModelMatchesTaxonomy(t *testing.T) {
	reg := taxonomy.NewRegistry()
	o, err := New(reg)
	if err != nil {
		t.Fatal(err)
	}

	for _, code := range reg.KnownCodes() {
		want, _ := reg.ForCode(code)
		cls, err := o.Classify(context.Background(), seedDiagnostic(code), "")
		if err != nil {
			t.Fatalf("%s: %v", code, err)
		}
		if cls.Category != want.Name {
			t.Errorf("%s classified as %s, want %s", code, cls.Category, want.Name)
		}
		if cls.Confidence < DefaultConfidenceFloor {
			t.Errorf("%s confidence %.3f below floor", code, cls.Confidence)
		}
		if cls.NeedsReview {
			t.Errorf("%s flagged for review at confidence %.3f", code, cls.Confidence)
		}
	}
}

func TestClassifyDeterministicUnderConcurrency(t *testing.T) {
	o, err := New(taxonomy.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	d := diag.Diagnostic{
		Code:    "E0308",
		Level:   diag.LevelError,
		Message: "mismatched types: expected i64, found String",
		Span:    diag.Span{File: "out.rs", LineStart: 3, ColStart: 9, LineEnd: 3, ColEnd: 12},
	}

	const goroutines = 32
	results := make([]Classification, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cls, err := o.Classify(context.Background(), d, "medium")
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = cls
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if results[i] != results[0] {
			t.Fatalf("classification %d differs: %+v vs %+v", i, results[i], results[0])
		}
	}
}

func TestAmbiguousDiagnosticRoutesToReview(t *testing.T) {
	o, err := New(taxonomy.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}

	cls, err := o.Classify(context.Background(), diag.Diagnostic{
		Code:    "E9999",
		Level:   diag.LevelError,
		Message: "something broke badly",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !cls.NeedsReview {
		t.Errorf("unknown code with generic message not flagged: confidence %.3f category %s",
			cls.Confidence, cls.Category)
	}
}

type failingModel struct{}

func (failingModel) Classify([]float64) (string, float64, error) {
	return "", 0, fmt.Errorf("weights corrupted")
}

func (failingModel) Categories() []string { return nil }

func TestInferenceFailureYieldsManualReview(t *testing.T) {
	o, err := New(taxonomy.NewRegistry(), WithModel(failingModel{}))
	if err != nil {
		t.Fatal(err)
	}

	d := diag.Diagnostic{Code: "E0308", Level: diag.LevelError, Message: "mismatched types"}
	_, err = o.Classify(context.Background(), d, "")
	if !errors.Is(err, ErrModelInference) {
		t.Fatalf("error = %v, want ErrModelInference", err)
	}

	cls := ManualReview(d)
	if !cls.NeedsReview {
		t.Error("manual review verdict not flagged")
	}
	if cls.Category != taxonomy.Unknown {
		t.Errorf("manual review category = %s, want %s", cls.Category, taxonomy.Unknown)
	}
}

func TestReloadSwapsModel(t *testing.T) {
	reg := taxonomy.NewRegistry()
	o, err := New(reg)
	if err != nil {
		t.Fatal(err)
	}

	ex := NewFeatureExtractor(reg)
	retrained, err := TrainCentroids(ex, []Example{
		{Diagnostic: seedDiagnostic("E0382"), Category: "borrow_check"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Reload(retrained, nil); err != nil {
		t.Fatal(err)
	}

	// A single-category model classifies everything into that category.
	cls, err := o.Classify(context.Background(), seedDiagnostic("E0308"), "")
	if err != nil {
		t.Fatal(err)
	}
	if cls.Category != "borrow_check" {
		t.Errorf("category = %s, want borrow_check after reload", cls.Category)
	}

	if err := o.Reload(nil, nil); err == nil {
		t.Error("reload with nil model should fail")
	}
}

type recordingSuggester struct {
	calls      int
	candidates []FixCandidate
}

func (s *recordingSuggester) Suggest(_ context.Context, _ diag.Diagnostic, category string, k int) ([]FixCandidate, error) {
	s.calls++
	out := s.candidates
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func TestSuggestFixes(t *testing.T) {
	sugg := &recordingSuggester{candidates: []FixCandidate{
		{PatternID: "p1", Category: "type_mismatch", Score: 0.9},
		{PatternID: "p2", Category: "type_mismatch", Score: 0.4},
	}}
	o, err := New(taxonomy.NewRegistry(), WithSuggester(sugg))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("confident classification suggests", func(t *testing.T) {
		cls, cands, err := o.SuggestFixes(context.Background(), seedDiagnostic("E0308"), "", 5)
		if err != nil {
			t.Fatal(err)
		}
		if cls.Category != "type_mismatch" {
			t.Errorf("category = %s", cls.Category)
		}
		if len(cands) != 2 {
			t.Errorf("candidates = %d, want 2", len(cands))
		}
	})

	t.Run("review verdict suppresses suggestions", func(t *testing.T) {
		before := sugg.calls
		cls, cands, err := o.SuggestFixes(context.Background(), diag.Diagnostic{
			Code: "E9999", Level: diag.LevelError, Message: "something broke badly",
		}, "", 5)
		if err != nil {
			t.Fatal(err)
		}
		if !cls.NeedsReview {
			t.Fatal("expected review verdict")
		}
		if len(cands) != 0 {
			t.Errorf("review verdict produced %d candidates", len(cands))
		}
		if sugg.calls != before {
			t.Error("suggester consulted for a review verdict")
		}
	})
}

func TestModelPersistenceRoundTrip(t *testing.T) {
	reg := taxonomy.NewRegistry()
	ex := NewFeatureExtractor(reg)
	trained, err := SeedModel(reg, ex)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "model", "oracle.json")
	if err := SaveModel(path, trained); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadModel(path, ex)
	if err != nil {
		t.Fatal(err)
	}

	for _, code := range reg.KnownCodes() {
		vec := ex.Extract(seedDiagnostic(code))
		c1, p1, err1 := trained.Classify(vec)
		c2, p2, err2 := loaded.Classify(vec)
		if err1 != nil || err2 != nil {
			t.Fatalf("%s: classify errors %v / %v", code, err1, err2)
		}
		if c1 != c2 || p1 != p2 {
			t.Errorf("%s: loaded model diverges: %s %.6f vs %s %.6f", code, c1, p1, c2, p2)
		}
	}
}

func TestLoadModelRejectsStaleLayout(t *testing.T) {
	reg := taxonomy.NewRegistry()
	ex := NewFeatureExtractor(reg)
	trained, err := SeedModel(reg, ex)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("width mismatch", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "oracle.json")
		if err := SaveModel(path, trained); err != nil {
			t.Fatal(err)
		}
		narrow := &FeatureExtractor{codes: []string{"E0308"}, codeIndex: map[string]int{"E0308": 0}}
		if _, err := LoadModel(path, narrow); err == nil {
			t.Error("width mismatch accepted")
		}
	})

	t.Run("taxonomy version mismatch", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "oracle.json")
		data, err := json.Marshal(modelFile{
			TaxonomyVersion: taxonomy.Version - 1,
			Width:           ex.Width(),
			Temperature:     defaultTemperature,
			Means:           trained.means,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadModel(path, ex); err == nil {
			t.Error("stale taxonomy version accepted")
		}
	})
}

func TestExamplesFromRecords(t *testing.T) {
	records := []corpus.Record{
		{File: "a.py", ErrorCode: "E0308", Message: "mismatched types", Category: "type_mismatch"},
		{File: "b.py", ErrorCode: "E0382", Message: "borrow of moved value", Category: ""},
		{File: "c.py", ErrorCode: "E0597", Message: "does not live long enough", Category: "lifetime"},
	}

	examples := ExamplesFromRecords(records)
	if len(examples) != 2 {
		t.Fatalf("examples = %d, want 2 (unlabeled skipped)", len(examples))
	}
	if examples[0].Category != "type_mismatch" || examples[1].Category != "lifetime" {
		t.Errorf("categories = %s, %s", examples[0].Category, examples[1].Category)
	}
}
