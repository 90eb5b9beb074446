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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	flagConfig   string
	flagCorpus   string
	flagDataDir  string
	flagLogLevel string
	flagLogDir   string
	flagLogJSON  bool

	// Session flags (root command)
	flagTargetRate    float64
	flagMaxIterations int
	flagSeed          uint64
	flagBaselineDir   string
	flagResume        bool
	flagDisplay       string
	flagServe         string
	flagDryRun        bool

	// Report flags
	flagReportFilter string
	flagReportLimit  int
	flagReportSample int
	flagReportBisect bool

	// Oracle flags
	flagClassifyTier string
	flagTrainCorpus  string
	flagTrainOut     string

	// Baseline flags
	flagBaselineTier    string
	flagBaselineRate    float64
	flagBaselineHash    string
	flagArchiveBucket   string
	flagArchivePrefix   string
	flagArchiveDownload bool
	flagArchiveCreds    string
	flagArchiveAnon     bool

	// Review flags
	flagReviewFloor float64
	flagReviewLimit int

	rootCmd = &cobra.Command{
		Use:   "converge",
		Short: "Drive a Python-to-Rust transpiler corpus to its target compile rate",
		Long: `Converge runs the measure-fix-verify loop over a tiered corpus:
compile everything, classify the failures, apply the best known fix
pattern, recompile, and keep or roll back the change under the
regression gate. The session halts when every tier meets its target,
when progress plateaus, or when a stop-the-line condition fires.

Exit codes: 0 target met, 1 plateau or budget exhausted,
2 cross-tier regression, 3 non-determinism or escape ceiling.`,
		Run: runConverge, // Defined in run.go
	}

	// --- Scoped subset runs ---
	reportCmd = &cobra.Command{
		Use:   "report",
		Short: "Compile a corpus subset and print its diagnostics",
		Run:   runReport, // Defined in cmd_report.go
	}

	// --- Oracle ---
	oracleCmd = &cobra.Command{
		Use:   "oracle",
		Short: "Inspect and retrain the diagnostic classifier",
	}
	oracleClassifyCmd = &cobra.Command{
		Use:   "classify [diagnostic-text]",
		Short: "Classify one diagnostic and print (category, confidence)",
		Args:  cobra.ExactArgs(1),
		Run:   runOracleClassify, // Defined in cmd_oracle.go
	}
	oracleTrainCmd = &cobra.Command{
		Use:   "train",
		Short: "Retrain the classifier from exported corpus records",
		Run:   runOracleTrain, // Defined in cmd_oracle.go
	}

	// --- Baselines ---
	baselineCmd = &cobra.Command{
		Use:   "baseline",
		Short: "Manage the per-tier regression baselines",
	}
	baselineCommitCmd = &cobra.Command{
		Use:   "commit",
		Short: "Commit a new immutable baseline for a tier",
		Run:   runBaselineCommit, // Defined in cmd_baseline.go
	}
	baselineShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Show the latest baseline for every tier",
		Run:   runBaselineShow, // Defined in cmd_baseline.go
	}
	baselineArchiveCmd = &cobra.Command{
		Use:   "archive",
		Short: "Upload baselines to GCS, or restore them with --download",
		Run:   runBaselineArchive, // Defined in cmd_baseline.go
	}

	// --- Manual review ---
	reviewCmd = &cobra.Command{
		Use:   "review",
		Short: "Walk the low-confidence pattern queue: apply, defer, or reject",
		Run:   runReview, // Defined in cmd_review.go
	}
)

// init wires flags and the command tree.
func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "",
		"Session config file (YAML); flags override file values")
	rootCmd.PersistentFlags().StringVar(&flagCorpus, "corpus", "",
		"Corpus root directory (each subdirectory is a tier)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "",
		"Session data directory (patterns, history, checkpoints)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogDir, "log-dir", "",
		"Also write JSON logs to this directory")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false,
		"JSON log format on stderr")

	rootCmd.Flags().Float64Var(&flagTargetRate, "target-rate", 0,
		"Default per-tier target compile rate (0,1]")
	rootCmd.Flags().IntVar(&flagMaxIterations, "max-iterations", 0,
		"Cycle budget for the session; 0 means unbounded")
	rootCmd.Flags().Uint64Var(&flagSeed, "seed", 0,
		"Session seed; identical seed and corpus must reproduce identical reports")
	rootCmd.Flags().StringVar(&flagBaselineDir, "regression-baseline", "",
		"Baseline store directory (immutable per-tier JSON files)")
	rootCmd.Flags().BoolVar(&flagResume, "resume", false,
		"Resume the session from the newest checkpoint")
	rootCmd.Flags().StringVar(&flagDisplay, "display", "",
		"Display mode: rich, minimal, json, silent, or tui (default: autodetect)")
	rootCmd.Flags().StringVar(&flagServe, "serve", "",
		"Serve session status and the event stream on this address")
	rootCmd.Flags().BoolVar(&flagDryRun, "dry-run", false,
		"Validate config, scan the corpus, print the plan, and exit")

	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().StringVar(&flagReportFilter, "filter", "",
		"Only entries whose path contains this substring (or matches the glob)")
	reportCmd.Flags().IntVar(&flagReportLimit, "limit", 0,
		"Cap the number of entries compiled; 0 means no cap")
	reportCmd.Flags().IntVar(&flagReportSample, "sample", 0,
		"Seeded random sample of this many entries after filtering")
	reportCmd.Flags().BoolVar(&flagReportBisect, "bisect", false,
		"Minimize the failing set and print the counterexamples")

	rootCmd.AddCommand(oracleCmd)
	oracleCmd.AddCommand(oracleClassifyCmd)
	oracleClassifyCmd.Flags().StringVar(&flagClassifyTier, "tier", "",
		"Tier context for mixture-of-experts routing")
	oracleCmd.AddCommand(oracleTrainCmd)
	oracleTrainCmd.Flags().StringVar(&flagTrainCorpus, "corpus", "",
		"NDJSON corpus records to train from (exported by the tagger)")
	oracleTrainCmd.Flags().StringVar(&flagTrainOut, "out", "",
		"Model snapshot output path (default: {data-dir}/model.json)")

	rootCmd.AddCommand(baselineCmd)
	baselineCmd.AddCommand(baselineCommitCmd)
	baselineCommitCmd.Flags().StringVar(&flagBaselineTier, "tier", "",
		"Tier to commit")
	baselineCommitCmd.Flags().Float64Var(&flagBaselineRate, "rate", -1,
		"Compile rate to record")
	baselineCommitCmd.Flags().StringVar(&flagBaselineHash, "hash", "",
		"Corpus hash the rate was measured against")
	baselineCmd.AddCommand(baselineShowCmd)
	baselineCmd.AddCommand(baselineArchiveCmd)
	baselineArchiveCmd.Flags().StringVar(&flagArchiveBucket, "bucket", "",
		"GCS bucket name")
	baselineArchiveCmd.Flags().StringVar(&flagArchivePrefix, "prefix", "",
		"Object prefix inside the bucket")
	baselineArchiveCmd.Flags().BoolVar(&flagArchiveDownload, "download", false,
		"Restore baselines from the archive instead of uploading")
	baselineArchiveCmd.Flags().StringVar(&flagArchiveCreds, "credentials", "",
		"Service account credentials file")
	baselineArchiveCmd.Flags().BoolVar(&flagArchiveAnon, "anonymous", false,
		"Access the bucket without authentication (public buckets, emulators)")

	rootCmd.AddCommand(reviewCmd)
	reviewCmd.Flags().Float64Var(&flagReviewFloor, "floor", -1,
		"Review patterns with success average below this (default: oracle.confidence_floor)")
	reviewCmd.Flags().IntVar(&flagReviewLimit, "limit", 0,
		"Cap the number of patterns reviewed this session; 0 means all")
}
