// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jinterlante1206/converge/services/converge/corpus"
)

// ScratchDirEnv overrides the scratch root. Sandboxed environments often
// forbid the default temp path; the variable must always win.
const ScratchDirEnv = "CONVERGE_SCRATCH_DIR"

// ResolveScratchRoot picks the scratch root: environment override first,
// then the configured value, then the OS temp directory.
func ResolveScratchRoot(configured string) string {
	if env := os.Getenv(ScratchDirEnv); env != "" {
		return env
	}
	if configured != "" {
		return configured
	}
	return os.TempDir()
}

// Scratch manages the isolated working directories for one session.
//
// Thread Safety: DirFor is safe for concurrent use; each entry maps to a
// distinct directory.
type Scratch struct {
	base string
}

// NewScratch creates the session scratch tree under root.
func NewScratch(root, sessionID string) (*Scratch, error) {
	base := filepath.Join(root, "converge-"+sessionID)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create scratch root: %v", ErrSandbox, err)
	}
	return &Scratch{base: base}, nil
}

// Base returns the session scratch root.
func (s *Scratch) Base() string { return s.base }

// DirFor creates and returns the scratch directory for one entry,
// named by the entry's content hash so reruns of identical content
// land in the same place.
func (s *Scratch) DirFor(entry corpus.Entry) (string, error) {
	hash := entry.ContentHash
	if len(hash) > 12 {
		hash = hash[:12]
	}
	dir := filepath.Join(s.base, entry.Tier+"-"+hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create scratch dir: %v", ErrSandbox, err)
	}
	return dir, nil
}

// WriteArtifact writes generated source into the entry's scratch dir and
// returns the artifact path.
func (s *Scratch) WriteArtifact(entry corpus.Entry, generated []byte) (string, string, error) {
	dir, err := s.DirFor(entry)
	if err != nil {
		return "", "", err
	}
	name := artifactName(entry.Path)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, generated, 0o644); err != nil {
		return "", "", fmt.Errorf("%w: write artifact: %v", ErrSandbox, err)
	}
	return dir, path, nil
}

// RemoveAll deletes the session scratch tree.
func (s *Scratch) RemoveAll() error {
	return os.RemoveAll(s.base)
}

func artifactName(sourcePath string) string {
	base := filepath.Base(sourcePath)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)] + ".rs"
}
