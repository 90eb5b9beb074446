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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jinterlante1206/converge/pkg/logging"
	"github.com/jinterlante1206/converge/services/converge/corpus"
	"github.com/jinterlante1206/converge/services/converge/gate"
)

// runBaselineCommit records a baseline by hand, outside a session.
// The usual path is the controller committing after a verified cycle;
// this exists for seeding a fresh environment or pinning a rate
// measured elsewhere.
func runBaselineCommit(cmd *cobra.Command, args []string) {
	os.Exit(baselineCommit(cmd))
}

func baselineCommit(cmd *cobra.Command) int {
	cfg, err := loadSession(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}
	if flagBaselineTier == "" {
		fmt.Fprintln(os.Stderr, "baseline commit requires --tier")
		return 1
	}
	if flagBaselineRate < 0 || flagBaselineRate > 1 {
		fmt.Fprintln(os.Stderr, "baseline commit requires --rate in [0,1]")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Without an explicit hash, fingerprint the configured corpus so
	// the baseline binds to what is actually on disk.
	hash := flagBaselineHash
	if hash == "" {
		tiers, terr := cfg.resolveTiers()
		if terr != nil {
			fmt.Fprintf(os.Stderr, "Corpus (needed to compute hash): %v\n", terr)
			return 1
		}
		crp, serr := corpus.NewScanner().Scan(ctx, tiers)
		if serr != nil {
			fmt.Fprintf(os.Stderr, "Corpus scan failed: %v\n", serr)
			return 1
		}
		hash = crp.Hash
	}

	store, err := gate.NewFileStore(cfg.Baseline.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Baseline store: %v\n", err)
		return 1
	}
	seq, err := store.Commit(ctx, gate.Baseline{
		Tier:       flagBaselineTier,
		Rate:       flagBaselineRate,
		CorpusHash: hash,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Commit failed: %v\n", err)
		return 1
	}
	fmt.Printf("baseline %s#%d committed: rate %.4f, corpus %s\n",
		flagBaselineTier, seq, flagBaselineRate, shortHash(hash))
	return 0
}

// runBaselineShow lists committed baselines, the latest per tier or
// the full history of one tier.
func runBaselineShow(cmd *cobra.Command, args []string) {
	os.Exit(baselineShow(cmd))
}

func baselineShow(cmd *cobra.Command) int {
	cfg, err := loadSession(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}
	store, err := gate.NewFileStore(cfg.Baseline.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Baseline store: %v\n", err)
		return 1
	}
	ctx := context.Background()

	if flagBaselineTier != "" {
		history, herr := store.History(ctx, flagBaselineTier)
		if herr != nil {
			fmt.Fprintf(os.Stderr, "History: %v\n", herr)
			return 1
		}
		if len(history) == 0 {
			fmt.Printf("no baselines for tier %s\n", flagBaselineTier)
			return 0
		}
		for i, b := range history {
			fmt.Printf("%s#%d  rate %.4f  corpus %s  %s\n",
				b.Tier, i+1, b.Rate, shortHash(b.CorpusHash),
				b.Timestamp.Format(time.RFC3339))
		}
		return 0
	}

	tiers, err := store.Tiers(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Listing tiers: %v\n", err)
		return 1
	}
	if len(tiers) == 0 {
		fmt.Printf("no baselines committed under %s\n", store.Dir())
		return 0
	}
	for _, tier := range tiers {
		b, berr := store.Latest(ctx, tier)
		if berr != nil {
			fmt.Fprintf(os.Stderr, "Reading %s: %v\n", tier, berr)
			return 1
		}
		fmt.Printf("%-16s rate %.4f  corpus %s  %s\n",
			b.Tier, b.Rate, shortHash(b.CorpusHash),
			b.Timestamp.Format(time.RFC3339))
	}
	return 0
}

// runBaselineArchive moves baseline snapshots between the local store
// and a GCS bucket.
func runBaselineArchive(cmd *cobra.Command, args []string) {
	os.Exit(baselineArchive(cmd))
}

func baselineArchive(cmd *cobra.Command) int {
	cfg, err := loadSession(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}
	bucket := flagArchiveBucket
	if bucket == "" {
		bucket = cfg.Baseline.Bucket
	}
	if bucket == "" {
		fmt.Fprintln(os.Stderr, "baseline archive requires --bucket or baseline.bucket in the config")
		return 1
	}
	prefix := flagArchivePrefix
	if prefix == "" {
		prefix = cfg.Baseline.Prefix
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "converge-baseline",
		JSON:    cfg.Log.JSON,
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []gate.ArchiveOption{gate.WithArchiveLogger(logger.Slog())}
	if flagArchiveCreds != "" {
		opts = append(opts, gate.WithCredentialsFile(flagArchiveCreds))
	}
	if flagArchiveAnon {
		opts = append(opts, gate.WithoutAuthentication())
	}
	archive, err := gate.NewArchive(ctx, bucket, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Archive: %v\n", err)
		return 1
	}

	if flagArchiveDownload {
		n, derr := archive.Download(ctx, prefix, cfg.Baseline.Dir)
		if derr != nil {
			fmt.Fprintf(os.Stderr, "Download failed: %v\n", derr)
			return 1
		}
		fmt.Printf("downloaded %d baseline(s) from gs://%s/%s to %s\n",
			n, bucket, prefix, cfg.Baseline.Dir)
		return 0
	}

	store, err := gate.NewFileStore(cfg.Baseline.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Baseline store: %v\n", err)
		return 1
	}
	n, uerr := archive.Upload(ctx, store, prefix)
	if uerr != nil {
		fmt.Fprintf(os.Stderr, "Upload failed: %v\n", uerr)
		return 1
	}
	fmt.Printf("uploaded %d baseline(s) from %s to gs://%s/%s\n",
		n, store.Dir(), bucket, prefix)
	return 0
}
