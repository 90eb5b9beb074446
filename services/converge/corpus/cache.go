// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package corpus

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/mod/semver"
)

// cacheEntry is one persisted feature-tag record.
type cacheEntry struct {
	ContentHash string   `json:"content_hash"`
	Features    []string `json:"features"`
}

// cacheFile is the on-disk cache layout.
type cacheFile struct {
	TranspilerVersion string                `json:"transpiler_version"`
	Entries           map[string]cacheEntry `json:"entries"`
}

// Cache persists feature tags across scans, keyed by path and content
// hash, and invalidated wholesale when the transpiler version changes.
//
// A version bump means codegen decisions changed, so previously derived
// tags may no longer describe how entries exercise the transpiler.
//
// Thread Safety: all methods are safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	path    string
	version string
	entries map[string]cacheEntry
}

// OpenCache loads the cache at path for the given transpiler version.
//
// A missing file, a corrupt file, or a version mismatch (compared as
// semver when both versions parse, exact string match otherwise) yields
// an empty cache rather than an error.
func OpenCache(path, transpilerVersion string) *Cache {
	c := &Cache{
		path:    path,
		version: transpilerVersion,
		entries: make(map[string]cacheEntry),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return c
	}

	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return c
	}
	if !sameVersion(f.TranspilerVersion, transpilerVersion) {
		return c
	}
	if f.Entries != nil {
		c.entries = f.Entries
	}
	return c
}

// Lookup returns the cached features for path when the content hash
// still matches.
func (c *Cache) Lookup(path, contentHash string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[path]
	if !ok || e.ContentHash != contentHash {
		return nil, false
	}
	return e.Features, true
}

// Store records features for a path at a content hash.
func (c *Cache) Store(path, contentHash string, features []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = cacheEntry{ContentHash: contentHash, Features: features}
}

// Invalidate drops the cached record for a path, if any. Watchers call
// this when a file changes on disk.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Save writes the cache to its path atomically (write temp, rename).
func (c *Cache) Save() error {
	c.mu.RLock()
	f := cacheFile{
		TranspilerVersion: c.version,
		Entries:           make(map[string]cacheEntry, len(c.entries)),
	}
	for k, v := range c.entries {
		f.Entries[k] = v
	}
	c.mu.RUnlock()

	if c.path == "" {
		return errors.New("cache has no backing path")
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rename cache: %w", err)
	}
	return nil
}

// sameVersion compares transpiler versions, using semver ordering when
// both sides parse as semver and exact match otherwise.
func sameVersion(a, b string) bool {
	av, bv := canonicalVersion(a), canonicalVersion(b)
	if semver.IsValid(av) && semver.IsValid(bv) {
		return semver.Compare(av, bv) == 0
	}
	return a == b
}

func canonicalVersion(v string) string {
	if v == "" {
		return v
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
