// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taxonomy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Domain groups categories into expert specializations for the
// mixture-of-experts gating layer.
type Domain int

const (
	// DomainGeneral is the fallback expert with no specialization.
	DomainGeneral Domain = iota

	// DomainTypeSystem covers type mismatches and trait bounds.
	DomainTypeSystem

	// DomainScopeResolution covers unresolved names, paths, and imports.
	DomainScopeResolution

	// DomainMethodField covers missing methods and fields.
	DomainMethodField

	// DomainOwnership covers borrow-check and lifetime failures.
	DomainOwnership

	// DomainSyntax covers malformed generated source.
	DomainSyntax
)

// String returns the domain name used in logs and reports.
func (d Domain) String() string {
	switch d {
	case DomainTypeSystem:
		return "type_system"
	case DomainScopeResolution:
		return "scope_resolution"
	case DomainMethodField:
		return "method_field"
	case DomainOwnership:
		return "ownership"
	case DomainSyntax:
		return "syntax"
	default:
		return "general"
	}
}

// ParseDomain maps a domain name back to its value. Unrecognized names
// parse as DomainGeneral.
func ParseDomain(name string) Domain {
	switch name {
	case "type_system":
		return DomainTypeSystem
	case "scope_resolution":
		return DomainScopeResolution
	case "method_field":
		return DomainMethodField
	case "ownership":
		return DomainOwnership
	case "syntax":
		return DomainSyntax
	default:
		return DomainGeneral
	}
}

// MarshalJSON serializes the domain as a string (e.g., "ownership").
func (d Domain) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts both string and numeric domains.
func (d *Domain) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*d = ParseDomain(name)
		return nil
	}
	var i int
	if err := json.Unmarshal(data, &i); err != nil {
		return fmt.Errorf("domain must be string or int: %w", err)
	}
	*d = Domain(i)
	return nil
}

// DomainForCode maps a compiler error code to its expert domain.
func DomainForCode(code string) Domain {
	switch code {
	case "E0061", "E0271", "E0277", "E0308":
		return DomainTypeSystem
	case "E0412", "E0425", "E0432", "E0433":
		return DomainScopeResolution
	case "E0599", "E0609", "E0615":
		return DomainMethodField
	case "E0106", "E0382", "E0499", "E0502", "E0506", "E0507", "E0597", "E0621":
		return DomainOwnership
	}
	// Parse errors surface without an E-code.
	if code == "" || strings.HasPrefix(code, "SYNTAX") {
		return DomainSyntax
	}
	return DomainGeneral
}

// DomainForCategory maps a category name to its expert domain.
func DomainForCategory(category string) Domain {
	switch category {
	case "type_mismatch", "trait_bound", "types":
		return DomainTypeSystem
	case "scope_resolution", "import_resolution", "resolution":
		return DomainScopeResolution
	case "method_not_found":
		return DomainMethodField
	case "borrow_check", "lifetime", "ownership":
		return DomainOwnership
	case "syntax":
		return DomainSyntax
	default:
		return DomainGeneral
	}
}
