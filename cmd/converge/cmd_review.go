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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jinterlante1206/converge/pkg/logging"
	"github.com/jinterlante1206/converge/services/converge/oracle/patterns"
	storage "github.com/jinterlante1206/converge/services/converge/storage/badger"
)

// Review verdicts.
const (
	verdictApply  = "apply"
	verdictDefer  = "defer"
	verdictReject = "reject"
)

// runReview walks the low-confidence pattern queue interactively.
// Applying counts as a verified success, rejecting retires the
// pattern permanently, deferring leaves it for the next review. Run
// it between sessions; the pattern store is single-writer.
func runReview(cmd *cobra.Command, args []string) {
	os.Exit(reviewRun(cmd))
}

func reviewRun(cmd *cobra.Command) int {
	cfg, err := loadSession(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "converge-review",
		JSON:    cfg.Log.JSON,
		Quiet:   true,
	})
	defer logger.Close()
	log := logger.Slog()

	ctx := context.Background()

	dbCfg := storage.DefaultConfig()
	dbCfg.Path = filepath.Join(cfg.DataDir, "db")
	db, err := storage.Open(dbCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Opening store (is a session running?): %v\n", err)
		return 1
	}
	defer db.Close()

	store := patterns.NewStore(db)
	all, err := store.All(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Listing patterns: %v\n", err)
		return 1
	}

	floor := cfg.Oracle.ConfidenceFloor
	if flagReviewFloor >= 0 {
		floor = flagReviewFloor
	}
	queue := reviewQueue(all, floor, flagReviewLimit)
	if len(queue) == 0 {
		fmt.Printf("no patterns below confidence %.2f\n", floor)
		return 0
	}

	indexer, err := patterns.NewIndexer(ctx, store, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Pattern index: %v\n", err)
		return 1
	}
	defer indexer.Close()

	applied, rejected, deferred := 0, 0, 0
	for i, p := range queue {
		verdict, ferr := reviewOne(p, i+1, len(queue))
		if errors.Is(ferr, huh.ErrUserAborted) {
			break
		}
		if ferr != nil {
			fmt.Fprintf(os.Stderr, "Review form: %v\n", ferr)
			return 1
		}
		switch verdict {
		case verdictApply:
			if rerr := indexer.RecordOutcome(ctx, p.ID, true); rerr != nil {
				fmt.Fprintf(os.Stderr, "Recording outcome for %s: %v\n", p.ID, rerr)
				return 1
			}
			applied++
		case verdictReject:
			if rerr := indexer.Retire(ctx, p.ID); rerr != nil {
				fmt.Fprintf(os.Stderr, "Retiring %s: %v\n", p.ID, rerr)
				return 1
			}
			rejected++
		default:
			deferred++
		}
	}

	fmt.Printf("reviewed %d pattern(s): %d applied, %d rejected, %d deferred\n",
		applied+rejected+deferred, applied, rejected, deferred)
	return 0
}

// reviewQueue filters to live patterns under the confidence floor,
// worst first.
func reviewQueue(all []patterns.Pattern, floor float64, limit int) []patterns.Pattern {
	var queue []patterns.Pattern
	for _, p := range all {
		if p.Retired || p.SuccessEMA >= floor {
			continue
		}
		queue = append(queue, p)
	}
	sort.Slice(queue, func(i, j int) bool {
		if queue[i].SuccessEMA != queue[j].SuccessEMA {
			return queue[i].SuccessEMA < queue[j].SuccessEMA
		}
		return queue[i].ID < queue[j].ID
	})
	if limit > 0 && limit < len(queue) {
		queue = queue[:limit]
	}
	return queue
}

func reviewOne(p patterns.Pattern, pos, total int) (string, error) {
	desc := fmt.Sprintf("%s  confidence %.2f  (%d applications, %d failed)\n\n%s",
		p.ErrorCode, p.SuccessEMA, p.Applications, p.Failures, indent(p.Patch))

	var verdict string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("[%d/%d] %s: %s", pos, total, p.Category, p.Summary)).
				Description(desc).
				Options(
					huh.NewOption("Apply (count as a verified success)", verdictApply),
					huh.NewOption("Defer (keep in the queue)", verdictDefer),
					huh.NewOption("Reject (retire permanently)", verdictReject),
				).
				Value(&verdict),
		),
	)
	if err := form.Run(); err != nil {
		return "", err
	}
	return verdict, nil
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}
