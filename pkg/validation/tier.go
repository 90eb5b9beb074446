// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up in
// file paths, storage keys, or subprocess arguments. Using these validators
// prevents injection attacks (path traversal, key smuggling, command
// injection).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// tierPattern matches valid corpus tier names.
// Allows: letters, digits, underscores, hyphens.
// Max length: 64 characters.
// Dots and separators are excluded so a tier name can never traverse
// out of a store directory or smuggle a storage key prefix.
var tierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,63}$`)

// ValidateTierName validates a corpus tier name before it is used as a
// path segment or storage key component.
//
// Valid tier names:
//   - 1-64 characters
//   - Letters A-Z, a-z
//   - Digits 0-9
//   - Underscores (_) and hyphens (-) after the first character
//
// Returns an error if the name is invalid.
//
// Example:
//
//	if err := validation.ValidateTierName(tier); err != nil {
//	    return nil, fmt.Errorf("invalid tier: %w", err)
//	}
//	// Safe to use in a file path
func ValidateTierName(name string) error {
	if name == "" {
		return fmt.Errorf("tier name cannot be empty")
	}

	if !tierPattern.MatchString(name) {
		return fmt.Errorf("invalid tier name: %q (must be 1-64 alphanumeric chars, underscores, or hyphens)", name)
	}

	return nil
}

// ValidateTierNames validates multiple tier names.
// Returns an error listing all invalid names if any fail validation.
func ValidateTierNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateTierName(n); err != nil {
			invalid = append(invalid, n)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid tier names: %v", invalid)
	}
	return nil
}

// SanitizeTierName trims and validates a tier name.
// Returns the trimmed name if valid, or an error if invalid.
//
// Use this on names read from configuration, where trailing whitespace
// is a typo rather than intent:
//
//	safeTier, err := validation.SanitizeTierName(userInput)
//	if err != nil {
//	    return err
//	}
//	// safeTier is trimmed and validated
func SanitizeTierName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if err := ValidateTierName(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
