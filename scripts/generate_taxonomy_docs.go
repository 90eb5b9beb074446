// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// generate_taxonomy_docs generates a markdown reference for the diagnostic
// taxonomy from the in-code registry.
//
// Usage:
//
//	go run scripts/generate_taxonomy_docs.go > docs/taxonomy_reference.md
//
// The generated documentation includes:
//   - The category tree with severities and scheduling weights
//   - The closed rustc error-code mapping
//   - Expert domain assignments for the gating layer
//   - Summary statistics
package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jinterlante1206/converge/services/converge/taxonomy"
)

func main() {
	reg := taxonomy.NewRegistry()
	generateMarkdown(reg)
}

// generateMarkdown outputs the full markdown documentation.
func generateMarkdown(reg *taxonomy.Registry) {
	names := reg.Names()
	leaves := reg.Leaves()
	codes := reg.KnownCodes()

	fmt.Println("# Diagnostic Taxonomy Reference")
	fmt.Println()
	fmt.Println("## Overview")
	fmt.Println()
	fmt.Println("This document is the reference for the closed failure taxonomy used to")
	fmt.Println("classify compiler diagnostics. The registry is defined in")
	fmt.Println("`services/converge/taxonomy` and compiled into the binary; reports and")
	fmt.Println("stored records carry the taxonomy version so old data stays readable")
	fmt.Println("after the category set changes.")
	fmt.Println()
	fmt.Printf("**Taxonomy version:** %d\n", taxonomy.Version)
	fmt.Println()
	fmt.Printf("**Generated:** %s\n", time.Now().Format("2006-01-02 15:04:05 UTC"))
	fmt.Println()

	fmt.Println("## Summary Statistics")
	fmt.Println()
	fmt.Println("| Metric | Count |")
	fmt.Println("|--------|-------|")
	fmt.Printf("| Categories | %d |\n", len(names))
	fmt.Printf("| Leaf Categories | %d |\n", len(leaves))
	fmt.Printf("| Mapped Error Codes | %d |\n", len(codes))
	fmt.Printf("| Expert Domains | %d |\n", len(domainGroups(leaves)))
	fmt.Println()

	fmt.Println("---")
	fmt.Println()
	fmt.Println("## Category Tree")
	fmt.Println()
	fmt.Println("Leaf categories are the valid classification targets; parents exist")
	fmt.Println("for rollup reporting only. Severity weights order the repair queue.")
	fmt.Println()
	fmt.Println("| Category | Parent | Severity | Weight | Domain |")
	fmt.Println("|----------|--------|----------|--------|--------|")
	for _, name := range names {
		cat, _ := reg.Lookup(name)
		parent := cat.Parent
		if parent == "" {
			parent = "(root)"
		}
		fmt.Printf("| `%s` | %s | %s | %.1f | %s |\n",
			cat.Name, parent, cat.Severity, cat.Severity.Weight(),
			taxonomy.DomainForCategory(cat.Name))
	}
	fmt.Println()

	fmt.Println("## Error Code Mapping")
	fmt.Println()
	fmt.Println("Codes in this table classify by lookup before the model runs. First")
	fmt.Println("match wins; codes absent from the table classify through the oracle.")
	fmt.Println()
	fmt.Println("| Code | Category | Severity | Domain |")
	fmt.Println("|------|----------|----------|--------|")
	for _, code := range codes {
		cat, ok := reg.ForCode(code)
		if !ok {
			continue
		}
		fmt.Printf("| `%s` | `%s` | %s | %s |\n",
			code, cat.Name, cat.Severity, taxonomy.DomainForCode(code))
	}
	fmt.Println()

	fmt.Println("## Expert Domains")
	fmt.Println()
	fmt.Println("Domains group leaf categories into mixture-of-experts specializations.")
	fmt.Println("The gating layer routes each diagnostic to the expert for its domain.")
	fmt.Println()
	groups := domainGroups(leaves)
	var domains []string
	for d := range groups {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		fmt.Printf("### %s\n", d)
		fmt.Println()
		fmt.Print("`")
		fmt.Print(strings.Join(groups[d], "`, `"))
		fmt.Println("`")
		fmt.Println()
	}
}

// domainGroups maps each expert domain name to its leaf categories.
func domainGroups(leaves []string) map[string][]string {
	groups := make(map[string][]string)
	for _, name := range leaves {
		d := taxonomy.DomainForCategory(name).String()
		groups[d] = append(groups[d], name)
	}
	return groups
}
