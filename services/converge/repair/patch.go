// Aleutian FW
// Copyright (C) 2025  Jason Interlante
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
// https://www.gnu.org/licenses/agpl-3.0.en.html

package repair

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// CanonicalArtifact is the file name a stored pattern patch may target
// regardless of which entry it is applied to. Patches mined from one
// entry's artifact are rewritten against this name so they stay reusable.
const CanonicalArtifact = "generated.rs"

// maxPatchLines bounds a candidate patch. A fix pattern that rewrites
// hundreds of lines is not a pattern, it is a different program.
const maxPatchLines = 500

var (
	// ErrMalformedPatch means the patch text is not a well-formed
	// unified diff, exceeds the size bound, or touches the wrong file.
	ErrMalformedPatch = errors.New("repair: malformed patch")

	// ErrPatchMismatch means the patch is well-formed but its context
	// or deleted lines do not match the source it was applied to.
	ErrPatchMismatch = errors.New("repair: patch does not match source")
)

// parsePatch validates structure: parseable unified diff, bounded size,
// exactly one file, and that file targeting either the concrete artifact
// or the canonical name.
func parsePatch(patch, target string) (*diff.FileDiff, error) {
	if strings.TrimSpace(patch) == "" {
		return nil, fmt.Errorf("%w: empty patch", ErrMalformedPatch)
	}
	if n := strings.Count(patch, "\n"); n > maxPatchLines {
		return nil, fmt.Errorf("%w: %d lines exceeds bound of %d", ErrMalformedPatch, n, maxPatchLines)
	}

	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPatch, err)
	}
	if len(fileDiffs) != 1 {
		return nil, fmt.Errorf("%w: %d file diffs, want exactly 1", ErrMalformedPatch, len(fileDiffs))
	}

	fd := fileDiffs[0]
	if len(fd.Hunks) == 0 {
		return nil, fmt.Errorf("%w: no hunks", ErrMalformedPatch)
	}

	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	if name != target && name != CanonicalArtifact {
		return nil, fmt.Errorf("%w: patch targets %q, artifact is %q", ErrMalformedPatch, name, target)
	}
	return fd, nil
}

// applyHunks applies a parsed file diff to the original source. Context
// and deleted lines are checked against the original; any mismatch fails
// the whole application, since a hunk landing on the wrong lines would
// silently produce garbage the compiler then blames on the fix.
func applyHunks(original string, fd *diff.FileDiff) (string, error) {
	origLines := strings.Split(original, "\n")
	patched := make([]string, 0, len(origLines))

	origIdx := 0
	for i, hunk := range fd.Hunks {
		hunkStart := int(hunk.OrigStartLine) - 1
		if hunkStart < origIdx || hunkStart > len(origLines) {
			return "", fmt.Errorf("%w: hunk %d starts at line %d out of range", ErrPatchMismatch, i+1, hunk.OrigStartLine)
		}
		for origIdx < hunkStart {
			patched = append(patched, origLines[origIdx])
			origIdx++
		}

		body := strings.TrimSuffix(string(hunk.Body), "\n")
		for _, line := range strings.Split(body, "\n") {
			switch {
			case strings.HasPrefix(line, "+"):
				patched = append(patched, line[1:])
			case strings.HasPrefix(line, "-"):
				want := line[1:]
				if origIdx >= len(origLines) || origLines[origIdx] != want {
					return "", fmt.Errorf("%w: hunk %d deletes %q, source has %q",
						ErrPatchMismatch, i+1, want, lineAt(origLines, origIdx))
				}
				origIdx++
			case strings.HasPrefix(line, `\`):
				// "\ No newline at end of file" marker.
			default:
				want := strings.TrimPrefix(line, " ")
				if origIdx >= len(origLines) || origLines[origIdx] != want {
					return "", fmt.Errorf("%w: hunk %d expects context %q, source has %q",
						ErrPatchMismatch, i+1, want, lineAt(origLines, origIdx))
				}
				patched = append(patched, origLines[origIdx])
				origIdx++
			}
		}
	}

	for origIdx < len(origLines) {
		patched = append(patched, origLines[origIdx])
		origIdx++
	}
	return strings.Join(patched, "\n"), nil
}

func lineAt(lines []string, idx int) string {
	if idx >= len(lines) {
		return "<end of file>"
	}
	return lines[idx]
}

// ApplyPatch validates a unified diff against the target artifact name
// and applies it to the original source. The original is never modified;
// a rejected patch has no side effects at all.
func ApplyPatch(original, target, patch string) (string, error) {
	fd, err := parsePatch(patch, target)
	if err != nil {
		return "", err
	}
	return applyHunks(original, fd)
}
