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
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jinterlante1206/converge/services/converge/diag"
	"github.com/jinterlante1206/converge/services/converge/oracle"
	"github.com/jinterlante1206/converge/services/converge/oracle/embed"
	"github.com/jinterlante1206/converge/services/converge/oracle/patterns"
)

// rrfK is the reciprocal-rank fusion constant. Larger values flatten the
// difference between adjacent ranks; 60 is the value from the original
// RRF evaluation and works well when fusing exactly two lists.
const rrfK = 60

var (
	searchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converge_retrieval_searches_total",
		Help: "Fix pattern retrievals by vector backend used.",
	}, []string{"backend"})

	degradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "converge_retrieval_degraded_total",
		Help: "Searches that fell back from the remote to the local index.",
	})
)

// ---------------------------------------------------------------------------
// Retriever
// ---------------------------------------------------------------------------

// Retriever suggests fix patterns for a diagnostic.
//
// Description:
//
//	Maintains a lexical BM25 index and a vector index over the pattern
//	library and fuses their rankings per query. The vector side prefers
//	the remote backend when one is configured and healthy, and falls back
//	to the in-memory index when the remote fails or its breaker is open.
//	Hits are resolved against the pattern store, so retired patterns and
//	stale index entries never surface as candidates.
//
// Thread Safety:
//
//	Safe for concurrent use. Index and Suggest may interleave.
type Retriever struct {
	store    *patterns.Store
	embedder embed.Embedder
	bm25     *BM25Index
	local    *MemoryIndex
	remote   *RemoteIndex
	rerank   bool
	logger   *slog.Logger
	tracer   trace.Tracer
}

// RetrieverOption customizes a Retriever.
type RetrieverOption func(*Retriever)

// WithRemote adds a Weaviate-backed vector index. The local index is
// still maintained as the degradation target.
func WithRemote(remote *RemoteIndex) RetrieverOption {
	return func(r *Retriever) {
		r.remote = remote
	}
}

// WithReranker toggles the precision reranker on the fused list.
// Enabled by default.
func WithReranker(enabled bool) RetrieverOption {
	return func(r *Retriever) {
		r.rerank = enabled
	}
}

// WithRetrieverLogger sets the logger. Defaults to slog.Default().
func WithRetrieverLogger(logger *slog.Logger) RetrieverOption {
	return func(r *Retriever) {
		r.logger = logger
	}
}

// NewRetriever builds a Retriever over the given pattern store.
func NewRetriever(store *patterns.Store, embedder embed.Embedder, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		store:    store,
		embedder: embedder,
		bm25:     NewBM25Index(),
		local:    NewMemoryIndex(),
		rerank:   true,
		logger:   slog.Default(),
		tracer:   otel.Tracer("converge/retrieval"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// patternText is the indexed document for a pattern. Both indexes embed
// the same text, so lexical and semantic hits describe the same thing.
func patternText(p patterns.Pattern) string {
	parts := []string{p.ErrorCode, p.Summary}
	parts = append(parts, p.Keywords...)
	return strings.TrimSpace(strings.Join(parts, " "))
}

// Index adds or refreshes one pattern in both indexes. Remote failures
// are logged and swallowed; the local indexes are the source of truth
// for availability.
func (r *Retriever) Index(ctx context.Context, p patterns.Pattern) error {
	if err := p.Validate(); err != nil {
		return err
	}

	text := patternText(p)
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding pattern %s: %w", p.ID, err)
	}

	r.bm25.Add(p.ID, text)
	if err := r.local.Upsert(ctx, p.ID, vec); err != nil {
		return err
	}

	if r.remote != nil && r.remote.Available() {
		if err := r.remote.UpsertWithCategory(ctx, p.ID, p.Category, vec); err != nil {
			r.logger.Warn("remote pattern index update failed",
				slog.String("pattern_id", p.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// Remove drops a pattern from the local indexes. Remote entries are left
// in place; resolution against the store filters them out.
func (r *Retriever) Remove(id string) {
	r.bm25.Remove(id)
	r.local.Remove(id)
}

// Rebuild reindexes every active pattern in the store. Called on startup
// and on resume, when the in-memory indexes are empty.
func (r *Retriever) Rebuild(ctx context.Context) (int, error) {
	all, err := r.store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading patterns: %w", err)
	}

	indexed := 0
	for _, p := range all {
		if !p.Active() {
			continue
		}
		if err := r.Index(ctx, p); err != nil {
			return indexed, err
		}
		indexed++
	}

	r.logger.Info("pattern indexes rebuilt", slog.Int("patterns", indexed))
	return indexed, nil
}

// ---------------------------------------------------------------------------
// Suggestion
// ---------------------------------------------------------------------------

// Suggest returns up to k fix candidates for the diagnostic, ranked by
// fused retrieval score. Implements the oracle's Suggester contract.
func (r *Retriever) Suggest(ctx context.Context, d diag.Diagnostic, category string, k int) ([]oracle.FixCandidate, error) {
	ctx, span := r.tracer.Start(ctx, "retrieval.Suggest",
		trace.WithAttributes(
			attribute.String("diag.code", d.Code),
			attribute.String("oracle.category", category),
			attribute.Int("retrieval.k", k),
		))
	defer span.End()

	if k <= 0 {
		return nil, nil
	}

	query := strings.TrimSpace(d.Code + " " + d.Message)
	if query == "" {
		return nil, nil
	}

	// Fetch a wider pool than requested so fusion and reranking have
	// something to reorder.
	poolK := 4 * k
	if poolK < 20 {
		poolK = 20
	}

	lexHits := r.bm25.Search(query, poolK)
	vecHits, backend := r.vectorSearch(ctx, query, poolK)
	span.SetAttributes(attribute.String("retrieval.backend", backend))

	fusedHits := fuse(lexHits, vecHits)
	candidates, err := r.resolve(ctx, d, category, fusedHits, k)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("retrieval.candidates", len(candidates)))
	return candidates, nil
}

// vectorSearch embeds the query and runs nearest-neighbor search against
// the healthiest available backend. Never fails the suggestion: a broken
// vector path degrades to lexical-only retrieval.
func (r *Retriever) vectorSearch(ctx context.Context, query string, k int) ([]Hit, string) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("query embedding failed, lexical-only retrieval",
			slog.String("error", err.Error()))
		return nil, "none"
	}

	if r.remote != nil && r.remote.Available() {
		hits, err := r.remote.Search(ctx, vec, k)
		if err == nil {
			searchesTotal.WithLabelValues("remote").Inc()
			return hits, "remote"
		}
		if !errors.Is(err, context.Canceled) {
			degradedTotal.Inc()
			r.logger.Warn("remote vector search failed, using local index",
				slog.String("state", r.remote.State().String()),
				slog.String("error", err.Error()))
		}
	}

	hits, err := r.local.Search(ctx, vec, k)
	if err != nil {
		// The in-memory index cannot actually fail; keep the contract
		// honest anyway.
		return nil, "none"
	}
	searchesTotal.WithLabelValues("local").Inc()
	return hits, "local"
}

// resolve maps fused hits back to live patterns and builds candidates.
func (r *Retriever) resolve(ctx context.Context, d diag.Diagnostic, category string, hits []fusedHit, k int) ([]oracle.FixCandidate, error) {
	candidates := make([]oracle.FixCandidate, 0, k)
	for _, h := range hits {
		p, err := r.store.Get(ctx, h.id)
		if err != nil {
			if errors.Is(err, patterns.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !p.Active() {
			continue
		}

		score := h.score
		if r.rerank {
			score *= rerankMultiplier(p, d, category)
		}

		candidates = append(candidates, oracle.FixCandidate{
			PatternID: p.ID,
			Summary:   p.Summary,
			Patch:     p.Patch,
			Category:  p.Category,
			Score:     score,
			Source:    h.source(),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].PatternID < candidates[j].PatternID
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// rerankMultiplier boosts patterns that visibly match the diagnostic.
// An exact error-code match doubles the fused score; keyword overlap with
// the diagnostic message adds up to one more multiple. The multiplier is
// bounded in [1, 3], so fusion order still dominates for near ties.
func rerankMultiplier(p patterns.Pattern, d diag.Diagnostic, category string) float64 {
	mult := 1.0
	if p.ErrorCode != "" && p.ErrorCode == d.Code {
		mult += 1.0
	} else if category != "" && p.Category == category {
		mult += 0.5
	}

	if len(p.Keywords) > 0 {
		message := termCounts(d.Message)
		overlap := 0
		for _, kw := range p.Keywords {
			if _, ok := message[strings.ToLower(kw)]; ok {
				overlap++
			}
		}
		mult += float64(overlap) / float64(len(p.Keywords))
	}
	return mult
}

// ---------------------------------------------------------------------------
// Reciprocal-rank fusion
// ---------------------------------------------------------------------------

// fusedHit is a hit with its fused score and contributing signals.
type fusedHit struct {
	id      string
	score   float64
	lexical bool
	vector  bool
}

// source names the signals that produced the hit.
func (h fusedHit) source() string {
	switch {
	case h.lexical && h.vector:
		return "hybrid"
	case h.lexical:
		return "bm25"
	default:
		return "vector"
	}
}

// fuse merges two ranked lists with reciprocal-rank fusion. Each list
// contributes 1/(K + rank) per document, rank counted from 1. Raw scores
// are deliberately ignored: BM25 weights and cosine similarities are not
// on a common scale, ranks are.
func fuse(lexical, vector []Hit) []fusedHit {
	byID := make(map[string]*fusedHit, len(lexical)+len(vector))

	for rank, h := range lexical {
		f, ok := byID[h.ID]
		if !ok {
			f = &fusedHit{id: h.ID}
			byID[h.ID] = f
		}
		f.score += 1.0 / float64(rrfK+rank+1)
		f.lexical = true
	}
	for rank, h := range vector {
		f, ok := byID[h.ID]
		if !ok {
			f = &fusedHit{id: h.ID}
			byID[h.ID] = f
		}
		f.score += 1.0 / float64(rrfK+rank+1)
		f.vector = true
	}

	fusedHits := make([]fusedHit, 0, len(byID))
	for _, f := range byID {
		fusedHits = append(fusedHits, *f)
	}
	sort.Slice(fusedHits, func(i, j int) bool {
		if fusedHits[i].score != fusedHits[j].score {
			return fusedHits[i].score > fusedHits[j].score
		}
		return fusedHits[i].id < fusedHits[j].id
	})
	return fusedHits
}
