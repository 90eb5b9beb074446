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
	"sync"

	"github.com/jinterlante1206/converge/services/converge/oracle/embed"
)

// Hit is one scored retrieval result. Score semantics depend on the
// producer (BM25 weight, cosine similarity, or fused rank score); within
// a single ranked list, higher is always better.
type Hit struct {
	ID    string
	Score float64
}

// VectorIndex is a nearest-neighbor index over pattern embeddings.
//
// Implementations must return hits in descending score order with ties
// broken by ascending ID.
type VectorIndex interface {
	// Upsert stores vec under id, replacing any previous vector.
	Upsert(ctx context.Context, id string, vec []float32) error

	// Search returns the k nearest stored vectors to vec.
	Search(ctx context.Context, vec []float32, k int) ([]Hit, error)
}

// ---------------------------------------------------------------------------
// In-memory backend
// ---------------------------------------------------------------------------

// MemoryIndex is a brute-force cosine-similarity index.
//
// Description:
//
//	The default vector backend. A linear scan is exact and, for a pattern
//	library in the hundreds, faster than any network round trip. It is
//	also the degradation target when the remote backend trips its
//	circuit breaker.
//
// Thread Safety:
//
//	Safe for concurrent use.
type MemoryIndex struct {
	mu   sync.RWMutex
	vecs map[string][]float32
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{vecs: make(map[string][]float32)}
}

// Upsert stores vec under id. The vector is copied, so callers may reuse
// the slice.
func (ix *MemoryIndex) Upsert(_ context.Context, id string, vec []float32) error {
	cp := make([]float32, len(vec))
	copy(cp, vec)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.vecs[id] = cp
	return nil
}

// Remove drops the vector stored under id, if any.
func (ix *MemoryIndex) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.vecs, id)
}

// Len reports the number of stored vectors.
func (ix *MemoryIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vecs)
}

// Search scans all stored vectors and returns the k most similar.
func (ix *MemoryIndex) Search(_ context.Context, vec []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	hits := make([]Hit, 0, len(ix.vecs))
	for id, stored := range ix.vecs {
		sim := embed.Cosine(vec, stored)
		if sim > 0 {
			hits = append(hits, Hit{ID: id, Score: sim})
		}
	}

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}
