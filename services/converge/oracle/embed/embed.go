// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embed turns diagnostic text and fix decision sequences into
// dense vectors for nearest-neighbor retrieval.
//
// The default embedder is a local feature-hashing model: deterministic,
// dependency-free at run time, and good enough to pull lexically
// related failures together. A remote embedder is available for
// installations that want semantic quality and accept the network
// dependency; retrieval treats both identically.
package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/tmc/langchaingo/textsplitter"
)

// DefaultDim is the hashing embedder's vector width.
const DefaultDim = 384

// chunkSize and chunkOverlap bound how much text one embedding call
// sees. Long decision sequences are split, embedded per chunk, and
// mean-pooled.
const (
	chunkSize    = 1000
	chunkOverlap = 100
)

// Embedder maps text onto a fixed-width vector.
type Embedder interface {
	// Embed returns the vector for one text. Implementations must be
	// deterministic for identical input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dim returns the vector width.
	Dim() int
}

// HashingEmbedder embeds text by feature hashing unigrams and bigrams
// into signed buckets, then L2-normalizing.
//
// No model weights, no network, no randomness: the same text embeds to
// the same vector on every machine, which keeps retrieval inside the
// deterministic replay boundary.
//
// Thread Safety: Safe for concurrent use (stateless).
type HashingEmbedder struct {
	dim      int
	splitter textsplitter.RecursiveCharacter
}

// NewHashingEmbedder creates the local embedder. A non-positive dim
// falls back to DefaultDim.
func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &HashingEmbedder{
		dim: dim,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		),
	}
}

// Dim implements Embedder.
func (e *HashingEmbedder) Dim() int { return e.dim }

// Embed implements Embedder. Texts longer than one chunk are split and
// mean-pooled so a long decision sequence is not dominated by its tail.
func (e *HashingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return make([]float32, e.dim), nil
	}

	chunks := []string{text}
	if len(text) > chunkSize {
		split, err := e.splitter.SplitText(text)
		if err != nil {
			return nil, fmt.Errorf("split text: %w", err)
		}
		if len(split) > 0 {
			chunks = split
		}
	}

	pooled := make([]float64, e.dim)
	for _, chunk := range chunks {
		vec := e.hashChunk(chunk)
		for i, v := range vec {
			pooled[i] += v
		}
	}
	n := float64(len(chunks))
	for i := range pooled {
		pooled[i] /= n
	}

	return normalize(pooled), nil
}

// hashChunk accumulates signed unigram and bigram buckets.
func (e *HashingEmbedder) hashChunk(chunk string) []float64 {
	vec := make([]float64, e.dim)
	tokens := tokenize(chunk)
	for i, tok := range tokens {
		bucket(vec, tok)
		if i+1 < len(tokens) {
			bucket(vec, tok+" "+tokens[i+1])
		}
	}
	return vec
}

func bucket(vec []float64, term string) {
	h := fnv.New64a()
	h.Write([]byte(term))
	sum := h.Sum64()
	idx := int(sum % uint64(len(vec)))
	if sum&(1<<63) != 0 {
		vec[idx] -= 1
	} else {
		vec[idx] += 1
	}
}

func normalize(vec []float64) []float32 {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, len(vec))
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Cosine returns the cosine similarity of two vectors of equal width.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
