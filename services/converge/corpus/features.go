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
	"context"
	"sort"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// featureForNode maps tree-sitter node types to semantic feature tags.
// Tags describe source constructs the transpiler handles differently;
// they drive structure-aware bisection splits and corpus reporting.
var featureForNode = map[string]string{
	"class_definition":         "class",
	"decorated_definition":     "decorator",
	"function_definition":      "function",
	"lambda":                   "lambda",
	"list_comprehension":       "comprehension",
	"set_comprehension":        "comprehension",
	"dictionary_comprehension": "comprehension",
	"generator_expression":     "generator",
	"yield":                    "generator",
	"with_statement":           "context_manager",
	"try_statement":            "exception",
	"raise_statement":          "exception",
	"global_statement":         "global",
	"import_statement":         "import",
	"import_from_statement":    "import",
	"match_statement":          "pattern_match",
	"async":                    "async",
	"await":                    "async",
}

// Tagger extracts semantic feature tags from source files.
//
// Thread Safety: Tag is safe for concurrent use; each call creates its
// own tree-sitter parser instance.
type Tagger struct{}

// NewTagger constructs a Tagger.
func NewTagger() *Tagger {
	return &Tagger{}
}

// Tag parses the source and returns sorted, deduplicated feature tags.
//
// Invalid UTF-8 or unparseable source yields the single tag
// "syntax_error"; feature tags are advisory, so parse trouble here is a
// tag, not a failure.
func (t *Tagger) Tag(ctx context.Context, content []byte) []string {
	if !utf8.Valid(content) {
		return []string{"syntax_error"}
	}

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil || tree == nil {
		return []string{"syntax_error"}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return []string{"syntax_error"}
	}

	tags := make(map[string]bool)
	if root.HasError() {
		tags["syntax_error"] = true
	}
	collectTags(root, tags)

	out := make([]string, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// collectTags walks the tree accumulating feature tags. The walk visits
// every named node; corpus entries are small so no pruning is needed.
func collectTags(node *sitter.Node, tags map[string]bool) {
	if tag, ok := featureForNode[node.Type()]; ok {
		tags[tag] = true
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		collectTags(node.NamedChild(i), tags)
	}
}
