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
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// ClassName is the Weaviate class that mirrors the pattern library.
const ClassName = "ConvergeFixPattern"

var (
	// ErrRemoteUnavailable wraps transport failures talking to Weaviate.
	ErrRemoteUnavailable = errors.New("retrieval: remote index unavailable")

	// ErrCircuitOpen is returned while the breaker is open and the
	// cooldown has not yet expired. Callers should fall back to the
	// in-memory index rather than wait.
	ErrCircuitOpen = errors.New("retrieval: circuit breaker open")

	// ErrIndexClosed is returned after Close.
	ErrIndexClosed = errors.New("retrieval: index closed")
)

// ---------------------------------------------------------------------------
// Connection state
// ---------------------------------------------------------------------------

// ConnectionState tracks the health of the remote backend.
type ConnectionState int32

const (
	// StateConnected means requests are flowing normally.
	StateConnected ConnectionState = iota

	// StateDegraded means recent failures occurred but the breaker has
	// not tripped.
	StateDegraded

	// StateCircuitOpen means requests fail fast until the cooldown.
	StateCircuitOpen

	// StateHalfOpen means one probe request is testing recovery.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// RemoteConfig configures the Weaviate-backed vector index.
type RemoteConfig struct {
	// URL of the Weaviate instance, e.g. "http://localhost:8080".
	URL string

	// RetryAttempts is the number of retries after the first failure.
	RetryAttempts int

	// RetryBackoff is the initial backoff; it doubles per attempt.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential growth.
	MaxRetryBackoff time.Duration

	// RetryJitter is the jitter fraction in [0,1] applied to each backoff.
	RetryJitter float64

	// CircuitThreshold is the failure count within CircuitWindow that
	// opens the breaker.
	CircuitThreshold int

	// CircuitWindow is the sliding window for counting failures.
	CircuitWindow time.Duration

	// CircuitCooldown is how long the breaker stays open before a
	// half-open probe is allowed.
	CircuitCooldown time.Duration

	// Logger receives state transitions. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultRemoteConfig returns production defaults.
func DefaultRemoteConfig(url string) RemoteConfig {
	return RemoteConfig{
		URL:              url,
		RetryAttempts:    3,
		RetryBackoff:     100 * time.Millisecond,
		MaxRetryBackoff:  5 * time.Second,
		RetryJitter:      0.25,
		CircuitThreshold: 5,
		CircuitWindow:    30 * time.Second,
		CircuitCooldown:  30 * time.Second,
	}
}

// Validate checks the configuration for structural errors.
func (c *RemoteConfig) Validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return errors.New("retry_jitter must be between 0 and 1")
	}
	if c.CircuitThreshold < 1 {
		return errors.New("circuit_threshold must be at least 1")
	}
	return nil
}

func (c *RemoteConfig) applyDefaults() {
	def := DefaultRemoteConfig(c.URL)
	if c.RetryAttempts == 0 {
		c.RetryAttempts = def.RetryAttempts
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = def.MaxRetryBackoff
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = def.RetryJitter
	}
	if c.CircuitThreshold == 0 {
		c.CircuitThreshold = def.CircuitThreshold
	}
	if c.CircuitWindow == 0 {
		c.CircuitWindow = def.CircuitWindow
	}
	if c.CircuitCooldown == 0 {
		c.CircuitCooldown = def.CircuitCooldown
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ---------------------------------------------------------------------------
// Remote index
// ---------------------------------------------------------------------------

// RemoteIndex is a VectorIndex backed by a Weaviate class.
//
// Description:
//
//	Stores pattern vectors as objects of the ConvergeFixPattern class with
//	deterministic object IDs derived from the pattern ID, so re-indexing
//	the same pattern overwrites rather than duplicates. Searches use
//	GraphQL nearVector.
//
//	A circuit breaker wraps every request. After CircuitThreshold failures
//	inside CircuitWindow the breaker opens and requests fail fast with
//	ErrCircuitOpen; after CircuitCooldown a single probe is let through.
//	Callers are expected to degrade to a MemoryIndex while the breaker is
//	open.
//
// Thread Safety:
//
//	Safe for concurrent use.
type RemoteIndex struct {
	client *weaviate.Client
	config RemoteConfig
	logger *slog.Logger

	state           atomic.Int32
	circuitOpenTime atomic.Int64
	halfOpenTest    atomic.Bool
	closed          atomic.Bool

	failureMu  sync.Mutex
	failures   []time.Time
	failureIdx int
}

// NewRemoteIndex connects to Weaviate and returns the index. No network
// call is made here; the first request proves liveness.
func NewRemoteIndex(cfg RemoteConfig) (*RemoteIndex, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid remote config: %w", err)
	}

	scheme := "http"
	host := cfg.URL
	if strings.HasPrefix(host, "https://") {
		scheme = "https"
		host = strings.TrimPrefix(host, "https://")
	} else {
		host = strings.TrimPrefix(host, "http://")
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Scheme: scheme,
		Host:   host,
	})
	if err != nil {
		return nil, fmt.Errorf("creating weaviate client: %w", err)
	}

	ix := &RemoteIndex{
		client:   client,
		config:   cfg,
		logger:   cfg.Logger,
		failures: make([]time.Time, cfg.CircuitThreshold),
	}
	ix.state.Store(int32(StateConnected))
	return ix, nil
}

// State returns the current breaker state.
func (ix *RemoteIndex) State() ConnectionState {
	return ConnectionState(ix.state.Load())
}

// Available reports whether requests are currently being attempted.
func (ix *RemoteIndex) Available() bool {
	if ix.closed.Load() {
		return false
	}
	return ix.State() != StateCircuitOpen || ix.shouldTryHalfOpen()
}

// Close marks the index closed. Subsequent calls fail with ErrIndexClosed.
func (ix *RemoteIndex) Close() {
	ix.closed.Store(true)
}

// EnsureSchema creates the ConvergeFixPattern class if it does not exist.
// The operation is idempotent.
func (ix *RemoteIndex) EnsureSchema(ctx context.Context) error {
	return ix.execute(ctx, "EnsureSchema", func() error {
		_, err := ix.client.Schema().ClassGetter().WithClassName(ClassName).Do(ctx)
		if err == nil {
			return nil
		}

		ix.logger.Info("creating weaviate class", slog.String("class", ClassName))
		return ix.client.Schema().ClassCreator().WithClass(patternClass()).Do(ctx)
	})
}

// patternClass describes the stored object shape. Vectors are supplied by
// us, never by a Weaviate vectorizer module.
func patternClass() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       ClassName,
		Description: "An embedded fix pattern from the convergence pattern library.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "patternId",
				DataType:        []string{"text"},
				Description:     "Stable pattern identifier from the pattern store.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "category",
				DataType:        []string{"text"},
				Description:     "Taxonomy category the pattern belongs to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

// objectID maps a pattern ID onto a stable UUID so repeated upserts of the
// same pattern land on the same object.
func objectID(patternID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("converge://pattern/"+patternID)).String()
}

// Upsert stores vec under id, replacing any previous object.
func (ix *RemoteIndex) Upsert(ctx context.Context, id string, vec []float32) error {
	return ix.UpsertWithCategory(ctx, id, "", vec)
}

// UpsertWithCategory stores vec under id and records the pattern's
// category so future searches can filter on it server-side.
func (ix *RemoteIndex) UpsertWithCategory(ctx context.Context, id, category string, vec []float32) error {
	properties := map[string]interface{}{
		"patternId": id,
		"category":  category,
	}

	return ix.execute(ctx, "Upsert", func() error {
		_, err := ix.client.Data().Creator().
			WithClassName(ClassName).
			WithID(objectID(id)).
			WithProperties(properties).
			WithVector(vec).
			Do(ctx)
		if err == nil {
			return nil
		}

		// The deterministic ID collides on re-index. Replace in place.
		if strings.Contains(err.Error(), "already exists") ||
			strings.Contains(err.Error(), "422") {
			return ix.client.Data().Updater().
				WithClassName(ClassName).
				WithID(objectID(id)).
				WithProperties(properties).
				WithVector(vec).
				Do(ctx)
		}
		return err
	})
}

// Search returns the k stored vectors nearest to vec, scored by certainty.
// Certainty is requested instead of distance because it is always in [0,1]
// regardless of the configured distance metric.
func (ix *RemoteIndex) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	var hits []Hit
	err := ix.execute(ctx, "Search", func() error {
		nearVector := ix.client.GraphQL().NearVectorArgBuilder().
			WithVector(vec)

		fields := []graphql.Field{
			{Name: "patternId"},
			{Name: "_additional", Fields: []graphql.Field{
				{Name: "certainty"},
			}},
		}

		result, err := ix.client.GraphQL().Get().
			WithClassName(ClassName).
			WithFields(fields...).
			WithNearVector(nearVector).
			WithLimit(k).
			Do(ctx)
		if err != nil {
			return err
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("graphql: %s", result.Errors[0].Message)
		}

		hits = parseHits(result.Data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// parseHits walks the untyped GraphQL response. Malformed objects are
// skipped rather than failing the whole search.
func parseHits(data map[string]models.JSONObject) []Hit {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := get[ClassName].([]interface{})
	if !ok {
		return nil
	}

	hits := make([]Hit, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		id, ok := m["patternId"].(string)
		if !ok || id == "" {
			continue
		}
		score := 0.0
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				score = certainty
			}
		}
		hits = append(hits, Hit{ID: id, Score: score})
	}
	return hits
}

// ---------------------------------------------------------------------------
// Circuit breaker
// ---------------------------------------------------------------------------

// execute runs fn under the breaker with retry and backoff.
func (ix *RemoteIndex) execute(ctx context.Context, op string, fn func() error) error {
	if ix.closed.Load() {
		return ErrIndexClosed
	}

	state := ix.State()
	if state == StateCircuitOpen {
		if !ix.shouldTryHalfOpen() {
			return fmt.Errorf("%w: %s", ErrCircuitOpen, op)
		}
		// Only one request probes recovery; the rest keep failing fast.
		if !ix.halfOpenTest.CompareAndSwap(false, true) {
			return fmt.Errorf("%w: %s", ErrCircuitOpen, op)
		}
		defer ix.halfOpenTest.Store(false)
		ix.transition(StateHalfOpen)
	}

	var lastErr error
	for attempt := 0; attempt <= ix.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := ix.backoff(attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			ix.recordSuccess()
			return nil
		}
		if !retryable(lastErr) {
			break
		}
	}

	// A cancelled caller says nothing about backend health.
	if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
		return lastErr
	}

	ix.recordFailure()
	return fmt.Errorf("%w: %s: %v", ErrRemoteUnavailable, op, lastErr)
}

func (ix *RemoteIndex) transition(to ConnectionState) {
	from := ConnectionState(ix.state.Swap(int32(to)))
	if from != to {
		ix.logger.Info("remote index state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	}
}

func (ix *RemoteIndex) recordSuccess() {
	if ix.State() != StateConnected {
		ix.transition(StateConnected)
		ix.resetFailures()
	}
}

func (ix *RemoteIndex) recordFailure() {
	ix.failureMu.Lock()
	defer ix.failureMu.Unlock()

	now := time.Now()
	ix.failures[ix.failureIdx] = now
	ix.failureIdx = (ix.failureIdx + 1) % len(ix.failures)

	windowStart := now.Add(-ix.config.CircuitWindow)
	count := 0
	for _, t := range ix.failures {
		if !t.IsZero() && t.After(windowStart) {
			count++
		}
	}

	if count >= ix.config.CircuitThreshold {
		if ix.State() != StateCircuitOpen {
			ix.circuitOpenTime.Store(now.UnixNano())
			ix.transition(StateCircuitOpen)
			ix.logger.Warn("remote index circuit opened",
				slog.Int("failures", count),
				slog.Duration("window", ix.config.CircuitWindow))
		}
	} else if ix.State() == StateConnected {
		ix.transition(StateDegraded)
	}
}

func (ix *RemoteIndex) resetFailures() {
	ix.failureMu.Lock()
	defer ix.failureMu.Unlock()
	for i := range ix.failures {
		ix.failures[i] = time.Time{}
	}
	ix.failureIdx = 0
}

func (ix *RemoteIndex) shouldTryHalfOpen() bool {
	opened := time.Unix(0, ix.circuitOpenTime.Load())
	return time.Since(opened) >= ix.config.CircuitCooldown
}

// backoff returns the exponential delay for a retry attempt with jitter.
func (ix *RemoteIndex) backoff(attempt int) time.Duration {
	backoff := ix.config.RetryBackoff * time.Duration(1<<attempt)
	if backoff > ix.config.MaxRetryBackoff {
		backoff = ix.config.MaxRetryBackoff
	}

	jitterRange := float64(backoff) * ix.config.RetryJitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	backoff = time.Duration(float64(backoff) + jitter)
	if backoff < 0 {
		backoff = ix.config.RetryBackoff
	}
	return backoff
}

// retryable reports whether a failed request is worth repeating.
// Cancellation is the caller's decision, not a transport fault.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
