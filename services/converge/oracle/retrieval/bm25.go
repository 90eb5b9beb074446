// Aleutian FW
// Copyright (C) 2025  Jason Interlante
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
// https://www.gnu.org/licenses/agpl-3.0.en.html

// Package retrieval finds candidate fix patterns for a diagnostic.
//
// Two signals feed every lookup: a lexical BM25 index over pattern error
// text and a nearest-neighbor search over embedded pattern text. The two
// ranked lists are merged with reciprocal-rank fusion, so a pattern that
// is merely decent on both signals outranks one that is excellent on one
// and absent from the other.
//
// All scoring is deterministic. Equal scores break ties by pattern ID, so
// a fixed corpus always yields the same ranking.
package retrieval

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// ---------------------------------------------------------------------------
// BM25 parameters
// ---------------------------------------------------------------------------

const (
	// bm25K1 controls term-frequency saturation. Repeating a term in a
	// pattern summary helps, but with quickly diminishing returns.
	bm25K1 = 1.5

	// bm25B controls document-length normalization. Pattern texts are
	// short and similar in length, so the standard value is fine.
	bm25B = 0.75
)

// ---------------------------------------------------------------------------
// Index
// ---------------------------------------------------------------------------

// bm25Doc is one indexed pattern text.
type bm25Doc struct {
	id     string
	terms  map[string]int
	length int
}

// BM25Index is an in-memory lexical index over pattern texts.
//
// Description:
//
//	Classic Okapi BM25 with IDF computed as ln(1 + (N-df+0.5)/(df+0.5)).
//	Documents are pattern texts (summary, keywords, error code); IDs are
//	pattern IDs. The index is rebuilt incrementally: Add replaces any
//	previous document with the same ID, Remove drops one.
//
// Thread Safety:
//
//	Safe for concurrent use. Reads take a shared lock, writes exclusive.
type BM25Index struct {
	mu   sync.RWMutex
	docs map[string]*bm25Doc
	// df counts, per term, how many documents contain the term.
	df       map[string]int
	totalLen int
}

// NewBM25Index returns an empty index.
func NewBM25Index() *BM25Index {
	return &BM25Index{
		docs: make(map[string]*bm25Doc),
		df:   make(map[string]int),
	}
}

// Add indexes text under id, replacing any existing document with that id.
func (ix *BM25Index) Add(id, text string) {
	terms := termCounts(text)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(id)

	length := 0
	for _, n := range terms {
		length += n
	}
	ix.docs[id] = &bm25Doc{id: id, terms: terms, length: length}
	ix.totalLen += length
	for term := range terms {
		ix.df[term]++
	}
}

// Remove drops the document with the given id, if present.
func (ix *BM25Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)
}

func (ix *BM25Index) removeLocked(id string) {
	doc, ok := ix.docs[id]
	if !ok {
		return
	}
	delete(ix.docs, id)
	ix.totalLen -= doc.length
	for term := range doc.terms {
		ix.df[term]--
		if ix.df[term] <= 0 {
			delete(ix.df, term)
		}
	}
}

// Len reports the number of indexed documents.
func (ix *BM25Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Search scores every document against query and returns the top k hits
// in descending score order. Ties break by ascending ID.
func (ix *BM25Index) Search(query string, k int) []Hit {
	if k <= 0 {
		return nil
	}
	queryTerms := termCounts(query)
	if len(queryTerms) == 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.docs)
	if n == 0 {
		return nil
	}
	avgLen := float64(ix.totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	hits := make([]Hit, 0, n)
	for id, doc := range ix.docs {
		score := 0.0
		for term := range queryTerms {
			tf, ok := doc.terms[term]
			if !ok {
				continue
			}
			df := ix.df[term]
			idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
			norm := 1 - bm25B + bm25B*float64(doc.length)/avgLen
			score += idf * float64(tf) * (bm25K1 + 1) / (float64(tf) + bm25K1*norm)
		}
		if score > 0 {
			hits = append(hits, Hit{ID: id, Score: score})
		}
	}

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// termCounts lowercases and tokenizes text on non-alphanumeric boundaries.
// The tokenizer must match the one used at index time, so both sides call
// this function.
func termCounts(text string) map[string]int {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	counts := make(map[string]int, len(fields))
	for _, f := range fields {
		counts[f]++
	}
	return counts
}

// sortHits orders by score descending, then ID ascending. Map iteration is
// randomized, so the tiebreak is what makes Search deterministic.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}
