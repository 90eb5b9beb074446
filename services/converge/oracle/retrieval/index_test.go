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
	"testing"
)

func TestMemoryIndexNearestFirst(t *testing.T) {
	ctx := context.Background()
	ix := NewMemoryIndex()

	if err := ix.Upsert(ctx, "aaa", []float32{1, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := ix.Upsert(ctx, "bbb", []float32{0.8, 0.6, 0}); err != nil {
		t.Fatal(err)
	}
	if err := ix.Upsert(ctx, "ccc", []float32{0, 1, 0}); err != nil {
		t.Fatal(err)
	}

	hits, err := ix.Search(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].ID != "aaa" || hits[1].ID != "bbb" {
		t.Fatalf("order = %s, %s; want aaa, bbb", hits[0].ID, hits[1].ID)
	}
	if hits[0].Score <= hits[1].Score {
		t.Fatalf("scores not descending: %f <= %f", hits[0].Score, hits[1].Score)
	}
}

func TestMemoryIndexOrthogonalExcluded(t *testing.T) {
	ctx := context.Background()
	ix := NewMemoryIndex()

	if err := ix.Upsert(ctx, "aaa", []float32{0, 1}); err != nil {
		t.Fatal(err)
	}
	hits, err := ix.Search(ctx, []float32{1, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Fatalf("orthogonal vector returned: %v", hits)
	}
}

func TestMemoryIndexUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	ix := NewMemoryIndex()

	if err := ix.Upsert(ctx, "aaa", []float32{0, 1}); err != nil {
		t.Fatal(err)
	}
	if err := ix.Upsert(ctx, "aaa", []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	if n := ix.Len(); n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}

	hits, err := ix.Search(ctx, []float32{1, 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Score < 0.99 {
		t.Fatalf("replacement vector not found: %v", hits)
	}
}

func TestMemoryIndexCopiesInput(t *testing.T) {
	ctx := context.Background()
	ix := NewMemoryIndex()

	vec := []float32{1, 0}
	if err := ix.Upsert(ctx, "aaa", vec); err != nil {
		t.Fatal(err)
	}
	vec[0] = 0
	vec[1] = 1

	hits, err := ix.Search(ctx, []float32{1, 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Score < 0.99 {
		t.Fatalf("stored vector aliased caller slice: %v", hits)
	}
}

func TestMemoryIndexRemove(t *testing.T) {
	ctx := context.Background()
	ix := NewMemoryIndex()

	if err := ix.Upsert(ctx, "aaa", []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	ix.Remove("aaa")
	ix.Remove("missing")

	if n := ix.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}
