// Aleutian FW
// Copyright (C) 2025  Jason Interlante
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
// https://www.gnu.org/licenses/agpl-3.0.en.html

package retrieval

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/jinterlante1206/converge/services/converge/diag"
	"github.com/jinterlante1206/converge/services/converge/oracle/embed"
	"github.com/jinterlante1206/converge/services/converge/oracle/patterns"
	"github.com/jinterlante1206/converge/services/converge/storage/badger"
)

// ---------------------------------------------------------------------------
// Fusion
// ---------------------------------------------------------------------------

func TestFuseRewardsAgreement(t *testing.T) {
	lexical := []Hit{{ID: "aaa", Score: 9.1}, {ID: "bbb", Score: 4.2}}
	vector := []Hit{{ID: "ccc", Score: 0.99}, {ID: "bbb", Score: 0.70}}

	fused := fuse(lexical, vector)
	if len(fused) != 3 {
		t.Fatalf("fused = %d entries, want 3", len(fused))
	}

	// bbb appears in both lists at rank 2: 2/(60+2). aaa and ccc each
	// appear once at rank 1: 1/(60+1). Agreement wins.
	if fused[0].id != "bbb" {
		t.Fatalf("top = %s, want bbb", fused[0].id)
	}
	want := 2.0 / 62.0
	if math.Abs(fused[0].score-want) > 1e-12 {
		t.Fatalf("score = %.12f, want %.12f", fused[0].score, want)
	}
	if fused[0].source() != "hybrid" {
		t.Fatalf("source = %s, want hybrid", fused[0].source())
	}

	// aaa and ccc tie exactly; ID order decides.
	if fused[1].id != "aaa" || fused[2].id != "ccc" {
		t.Fatalf("tail = %s, %s; want aaa, ccc", fused[1].id, fused[2].id)
	}
	if fused[1].source() != "bm25" {
		t.Fatalf("aaa source = %s, want bm25", fused[1].source())
	}
	if fused[2].source() != "vector" {
		t.Fatalf("ccc source = %s, want vector", fused[2].source())
	}
}

func TestFuseIgnoresRawScores(t *testing.T) {
	// Wildly different raw scales must not matter; only rank does.
	lexical := []Hit{{ID: "aaa", Score: 1000}, {ID: "bbb", Score: 999}}
	vector := []Hit{{ID: "bbb", Score: 0.001}, {ID: "aaa", Score: 0.0005}}

	fused := fuse(lexical, vector)
	// aaa: 1/61 + 1/62, bbb: 1/62 + 1/61. Dead tie, aaa first by ID.
	if fused[0].id != "aaa" || fused[1].id != "bbb" {
		t.Fatalf("order = %s, %s; want aaa, bbb", fused[0].id, fused[1].id)
	}
	if fused[0].score != fused[1].score {
		t.Fatalf("scores differ: %v vs %v", fused[0].score, fused[1].score)
	}
}

func TestFuseEmptyLists(t *testing.T) {
	if got := fuse(nil, nil); len(got) != 0 {
		t.Fatalf("fuse(nil, nil) = %v", got)
	}
	fused := fuse([]Hit{{ID: "aaa", Score: 1}}, nil)
	if len(fused) != 1 || fused[0].source() != "bm25" {
		t.Fatalf("lexical-only fuse = %v", fused)
	}
}

// ---------------------------------------------------------------------------
// Retriever
// ---------------------------------------------------------------------------

func newTestRetriever(t *testing.T, opts ...RetrieverOption) (*Retriever, *patterns.Store) {
	t.Helper()
	db, err := badger.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store := patterns.NewStore(db)
	return NewRetriever(store, embed.NewHashingEmbedder(64), opts...), store
}

func libraryPattern(id, code, category, summary string, keywords ...string) patterns.Pattern {
	return patterns.Pattern{
		ID:         id,
		Category:   category,
		ErrorCode:  code,
		Summary:    summary,
		Patch:      "--- a/main.rs\n+++ b/main.rs\n",
		Keywords:   keywords,
		Source:     "test",
		SuccessEMA: 0.5,
	}
}

func seedLibrary(t *testing.T, r *Retriever, store *patterns.Store, ps ...patterns.Pattern) {
	t.Helper()
	ctx := context.Background()
	for _, p := range ps {
		if err := store.Put(ctx, p); err != nil {
			t.Fatal(err)
		}
		if err := r.Index(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSuggestRanksMatchingPatternFirst(t *testing.T) {
	r, store := newTestRetriever(t)
	seedLibrary(t, r, store,
		libraryPattern("aaa", "E0308", "type_mismatch",
			"coerce integer literal to expected width", "mismatched", "types", "expected"),
		libraryPattern("bbb", "E0502", "borrow_check",
			"split borrow into sequential scopes", "borrow", "mutable"),
		libraryPattern("ccc", "E0599", "method_resolution",
			"import trait providing the method", "method", "named"),
	)

	d := diag.Diagnostic{
		Code:    "E0308",
		Level:   diag.LevelError,
		Message: "mismatched types: expected i64, found String",
	}

	got, err := r.Suggest(context.Background(), d, "type_mismatch", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 {
		t.Fatal("no candidates")
	}
	if got[0].PatternID != "aaa" {
		t.Fatalf("top candidate = %s, want aaa", got[0].PatternID)
	}
	if got[0].Category != "type_mismatch" {
		t.Fatalf("category = %s", got[0].Category)
	}
	if got[0].Score <= 0 {
		t.Fatalf("score = %f", got[0].Score)
	}
	if got[0].Source == "" {
		t.Fatal("source not set")
	}
	if len(got) > 2 {
		t.Fatalf("k not honored: %d candidates", len(got))
	}
}

func TestSuggestDeterministic(t *testing.T) {
	r, store := newTestRetriever(t)
	seedLibrary(t, r, store,
		libraryPattern("aaa", "E0308", "type_mismatch", "coerce literal", "mismatched"),
		libraryPattern("bbb", "E0308", "type_mismatch", "coerce literal", "mismatched"),
		libraryPattern("ccc", "E0308", "type_mismatch", "coerce literal", "mismatched"),
	)

	d := diag.Diagnostic{Code: "E0308", Level: diag.LevelError, Message: "mismatched types"}

	first, err := r.Suggest(context.Background(), d, "type_mismatch", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 3 {
		t.Fatalf("candidates = %d, want 3", len(first))
	}
	// Identical patterns score identically; IDs must decide the order.
	if first[0].PatternID != "aaa" || first[1].PatternID != "bbb" || first[2].PatternID != "ccc" {
		t.Fatalf("order = %v", []string{first[0].PatternID, first[1].PatternID, first[2].PatternID})
	}
	for i := 0; i < 10; i++ {
		again, err := r.Suggest(context.Background(), d, "type_mismatch", 3)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differed", i)
		}
	}
}

func TestSuggestExcludesRetired(t *testing.T) {
	r, store := newTestRetriever(t)

	retired := libraryPattern("aaa", "E0308", "type_mismatch", "coerce literal", "mismatched")
	retired.Retired = true
	live := libraryPattern("bbb", "E0308", "type_mismatch", "coerce literal", "mismatched")
	seedLibrary(t, r, store, retired, live)

	d := diag.Diagnostic{Code: "E0308", Level: diag.LevelError, Message: "mismatched types"}
	got, err := r.Suggest(context.Background(), d, "type_mismatch", 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range got {
		if c.PatternID == "aaa" {
			t.Fatal("retired pattern suggested")
		}
	}
	if len(got) != 1 || got[0].PatternID != "bbb" {
		t.Fatalf("candidates = %v", got)
	}
}

func TestSuggestSkipsStaleIndexEntries(t *testing.T) {
	r, store := newTestRetriever(t)
	seedLibrary(t, r, store,
		libraryPattern("aaa", "E0308", "type_mismatch", "coerce literal", "mismatched"),
	)

	// Index a pattern that was never persisted. Resolution must drop it.
	ghost := libraryPattern("zzz", "E0308", "type_mismatch", "coerce literal", "mismatched")
	if err := r.Index(context.Background(), ghost); err != nil {
		t.Fatal(err)
	}

	d := diag.Diagnostic{Code: "E0308", Level: diag.LevelError, Message: "mismatched types"}
	got, err := r.Suggest(context.Background(), d, "type_mismatch", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].PatternID != "aaa" {
		t.Fatalf("candidates = %v", got)
	}
}

func TestRerankMultiplier(t *testing.T) {
	d := diag.Diagnostic{Code: "E0308", Message: "mismatched types expected i64"}

	tests := []struct {
		name    string
		pattern patterns.Pattern
		want    float64
	}{
		{
			name:    "exact code match doubles",
			pattern: libraryPattern("aaa", "E0308", "borrow_check", "s"),
			want:    2.0,
		},
		{
			name:    "category match alone adds half",
			pattern: libraryPattern("aaa", "E0599", "type_mismatch", "s"),
			want:    1.5,
		},
		{
			name:    "full keyword overlap adds one",
			pattern: libraryPattern("aaa", "", "borrow_check", "s", "mismatched", "types"),
			want:    2.0,
		},
		{
			name:    "partial keyword overlap is proportional",
			pattern: libraryPattern("aaa", "", "borrow_check", "s", "mismatched", "borrow"),
			want:    1.5,
		},
		{
			name:    "no signal leaves score alone",
			pattern: libraryPattern("aaa", "E0599", "borrow_check", "s"),
			want:    1.0,
		},
		{
			name:    "code and keywords stack",
			pattern: libraryPattern("aaa", "E0308", "type_mismatch", "s", "mismatched", "types"),
			want:    3.0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := rerankMultiplier(tc.pattern, d, "type_mismatch")
			if math.Abs(got-tc.want) > 1e-12 {
				t.Fatalf("multiplier = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRerankBreaksFusionTie(t *testing.T) {
	// Identical pattern texts, codeless, so fusion alone ranks them by
	// ID with aaa ahead. The reranker's category bonus must flip that.
	r, store := newTestRetriever(t)
	seedLibrary(t, r, store,
		libraryPattern("aaa", "", "borrow_check", "adjust the failing expression"),
		libraryPattern("zzz", "", "type_mismatch", "adjust the failing expression"),
	)

	d := diag.Diagnostic{Code: "E0308", Level: diag.LevelError, Message: "adjust the failing expression"}
	got, err := r.Suggest(context.Background(), d, "type_mismatch", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2", len(got))
	}
	if got[0].PatternID != "zzz" {
		t.Fatalf("top = %s, want zzz (category match)", got[0].PatternID)
	}

	plain, store2 := newTestRetriever(t, WithReranker(false))
	seedLibrary(t, plain, store2,
		libraryPattern("aaa", "", "borrow_check", "adjust the failing expression"),
		libraryPattern("zzz", "", "type_mismatch", "adjust the failing expression"),
	)
	got, err = plain.Suggest(context.Background(), d, "type_mismatch", 2)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].PatternID != "aaa" {
		t.Fatalf("unreranked top = %s, want aaa", got[0].PatternID)
	}
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding backend down")
}

func (failingEmbedder) Dim() int { return 8 }

func TestSuggestSurvivesEmbedderFailure(t *testing.T) {
	db, err := badger.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store := patterns.NewStore(db)

	r := NewRetriever(store, failingEmbedder{})
	p := libraryPattern("aaa", "E0308", "type_mismatch", "coerce literal", "mismatched")
	if err := store.Put(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	// Indexing needs the embedder and must fail loudly.
	if err := r.Index(context.Background(), p); err == nil {
		t.Fatal("Index succeeded with broken embedder")
	}
	// Lexical retrieval still works off whatever BM25 holds.
	r.bm25.Add(p.ID, patternText(p))

	d := diag.Diagnostic{Code: "E0308", Level: diag.LevelError, Message: "mismatched types"}
	got, err := r.Suggest(context.Background(), d, "type_mismatch", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Source != "bm25" {
		t.Fatalf("candidates = %v, want one bm25 hit", got)
	}
}

func TestRebuildReindexesActivePatterns(t *testing.T) {
	r, store := newTestRetriever(t)

	retired := libraryPattern("aaa", "E0308", "type_mismatch", "coerce literal", "mismatched")
	retired.Retired = true
	live := libraryPattern("bbb", "E0502", "borrow_check", "split borrow", "borrow")
	ctx := context.Background()
	for _, p := range []patterns.Pattern{retired, live} {
		if err := store.Put(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	n, err := r.Rebuild(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("rebuilt %d patterns, want 1", n)
	}
	if r.bm25.Len() != 1 || r.local.Len() != 1 {
		t.Fatalf("index sizes = %d, %d; want 1, 1", r.bm25.Len(), r.local.Len())
	}
}

func TestSuggestEmptyInputs(t *testing.T) {
	r, _ := newTestRetriever(t)

	got, err := r.Suggest(context.Background(), diag.Diagnostic{}, "", 3)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("empty diagnostic returned %v", got)
	}

	d := diag.Diagnostic{Code: "E0308", Message: "mismatched types"}
	got, err = r.Suggest(context.Background(), d, "type_mismatch", 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("k=0 returned %v", got)
	}
}
