// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jinterlante1206/converge/pkg/logging"
	"github.com/jinterlante1206/converge/services/converge/bisect"
	"github.com/jinterlante1206/converge/services/converge/compile"
	"github.com/jinterlante1206/converge/services/converge/corpus"
	"github.com/jinterlante1206/converge/services/converge/transpile"
)

// runReport compiles a corpus subset once and prints what failed,
// without attempting any fixes. It is the fast feedback path while
// iterating on the transpiler itself.
func runReport(cmd *cobra.Command, args []string) {
	os.Exit(reportRun(cmd))
}

func reportRun(cmd *cobra.Command) int {
	cfg, err := loadSession(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "converge-report",
		JSON:    cfg.Log.JSON,
	})
	defer logger.Close()
	log := logger.Slog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tiers, err := cfg.resolveTiers()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Corpus: %v\n", err)
		return 1
	}
	crp, err := corpus.NewScanner().Scan(ctx, tiers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Corpus scan failed: %v\n", err)
		return 1
	}

	entries := selectEntries(crp.Entries, flagReportFilter, flagReportSample, flagReportLimit, cfg.Session.Seed)
	if len(entries) == 0 {
		fmt.Println("no entries selected")
		return 0
	}

	transpiler := transpile.NewCommand(cfg.Transpiler.Bin, cfg.Transpiler.Version, cfg.Transpiler.Args...)
	compiler, err := compile.NewBatchCompiler(cfg.Compile, transpiler, uuid.NewString())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Compiler: %v\n", err)
		return 1
	}
	defer compiler.Close()

	res, err := compiler.CompileBatch(ctx, entries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Batch failed: %v\n", err)
		return 1
	}
	printBatchReport(res)

	if flagReportBisect {
		failing := failedEntries(res)
		if len(failing) == 0 {
			return 0
		}
		bisectCfg := bisect.DefaultConfig()
		bisectCfg.Logger = log
		bisector, berr := bisect.New(bisectCfg, func(ctx context.Context, subset []corpus.Entry) (bool, error) {
			sub, serr := compiler.CompileBatch(ctx, subset)
			if serr != nil {
				return false, serr
			}
			return sub.FailureCount > 0 || sub.TimeoutCount > 0, nil
		})
		if berr != nil {
			fmt.Fprintf(os.Stderr, "Bisector: %v\n", berr)
			return 1
		}
		min, berr := bisector.Minimize(ctx, failing)
		if berr != nil {
			fmt.Fprintf(os.Stderr, "Bisection failed: %v\n", berr)
			return 1
		}
		fmt.Printf("\nbisection: %d fault(s) in %d probes\n", len(min.Faults), min.Probes)
		for i, fault := range min.Faults {
			fmt.Printf("  fault %d:\n", i+1)
			for _, p := range fault.Paths() {
				fmt.Printf("    %s\n", p)
			}
		}
	}
	return 0
}

// selectEntries narrows the corpus to the requested subset. The filter
// matches as a glob against the base name first, then as a substring
// of the full path. Sampling shuffles with the session seed so the
// same command line picks the same subset.
func selectEntries(entries []corpus.Entry, filter string, sample, limit int, seed uint64) []corpus.Entry {
	selected := make([]corpus.Entry, 0, len(entries))
	for _, e := range entries {
		if filter != "" {
			if ok, _ := filepath.Match(filter, filepath.Base(e.Path)); !ok &&
				!strings.Contains(e.Path, filter) {
				continue
			}
		}
		selected = append(selected, e)
	}

	if sample > 0 && sample < len(selected) {
		rng := rand.New(rand.NewSource(int64(seed)))
		rng.Shuffle(len(selected), func(i, j int) {
			selected[i], selected[j] = selected[j], selected[i]
		})
		selected = selected[:sample]
		sort.Slice(selected, func(i, j int) bool { return selected[i].Path < selected[j].Path })
	}
	if limit > 0 && limit < len(selected) {
		selected = selected[:limit]
	}
	return selected
}

func failedEntries(res *compile.BatchResult) []corpus.Entry {
	var failing []corpus.Entry
	for _, a := range res.Attempts {
		if !a.Succeeded() {
			failing = append(failing, a.Entry)
		}
	}
	return failing
}

func printBatchReport(res *compile.BatchResult) {
	fmt.Printf("%d/%d compiled (%.1f%%) in %s\n",
		res.SuccessCount, len(res.Attempts), res.Rate*100, res.Duration.Round(time.Millisecond))

	// Failures grouped by diagnostic code, most frequent first.
	type group struct {
		code    string
		message string
		count   int
	}
	byCode := make(map[string]*group)
	for _, a := range res.Attempts {
		if a.Succeeded() {
			continue
		}
		for _, d := range a.Diagnostics {
			g, ok := byCode[d.Code]
			if !ok {
				g = &group{code: d.Code, message: d.Message}
				byCode[g.code] = g
			}
			g.count++
		}
	}
	groups := make([]*group, 0, len(byCode))
	for _, g := range byCode {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].count != groups[j].count {
			return groups[i].count > groups[j].count
		}
		return groups[i].code < groups[j].code
	})
	for _, g := range groups {
		msg := g.message
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		fmt.Printf("  %-8s %-60s %4d\n", g.code, msg, g.count)
	}
	if res.Cancelled {
		fmt.Println("  (batch cancelled before completion)")
	}
}
