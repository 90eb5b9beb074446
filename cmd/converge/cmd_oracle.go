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
	"regexp"

	"github.com/spf13/cobra"

	"github.com/jinterlante1206/converge/services/converge/corpus"
	"github.com/jinterlante1206/converge/services/converge/diag"
	"github.com/jinterlante1206/converge/services/converge/oracle"
	"github.com/jinterlante1206/converge/services/converge/taxonomy"
)

// rustc error codes embedded in free-form diagnostic text.
var errorCodeRe = regexp.MustCompile(`\bE\d{4}\b`)

// runOracleClassify classifies a single diagnostic given as free text
// and prints the category with its confidence. Useful for checking
// what the oracle would do with a message before it shows up in a
// session.
func runOracleClassify(cmd *cobra.Command, args []string) {
	os.Exit(oracleClassify(cmd, args[0]))
}

func oracleClassify(cmd *cobra.Command, text string) int {
	cfg, err := loadSession(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	reg := taxonomy.NewRegistry()
	ex := oracle.NewFeatureExtractor(reg)
	model, err := oracle.LoadModel(cfg.Oracle.ModelPath, ex)
	if err != nil {
		if model, err = oracle.SeedModel(reg, ex); err != nil {
			fmt.Fprintf(os.Stderr, "Model: %v\n", err)
			return 1
		}
	}
	orc, err := oracle.New(reg,
		oracle.WithModel(model),
		oracle.WithConfidenceFloor(cfg.Oracle.ConfidenceFloor),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Oracle: %v\n", err)
		return 1
	}

	d := diag.Diagnostic{
		Code:    errorCodeRe.FindString(text),
		Level:   diag.LevelError,
		Message: text,
	}
	cl, err := orc.Classify(context.Background(), d, flagClassifyTier)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Classification failed: %v\n", err)
		return 1
	}
	fmt.Printf("(%s, %.2f)\n", cl.Category, cl.Confidence)
	if cl.NeedsReview {
		fmt.Fprintln(os.Stderr, "confidence below floor, would be queued for review")
	}
	return 0
}

// runOracleTrain retrains the centroid model from exported corpus
// records and writes the snapshot where sessions will load it.
func runOracleTrain(cmd *cobra.Command, args []string) {
	os.Exit(oracleTrain(cmd))
}

func oracleTrain(cmd *cobra.Command) int {
	cfg, err := loadSession(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}
	if flagTrainCorpus == "" {
		fmt.Fprintln(os.Stderr, "oracle train requires --corpus <ndjson>")
		return 1
	}

	f, err := os.Open(flagTrainCorpus)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Opening records: %v\n", err)
		return 1
	}
	defer f.Close()

	records, err := corpus.ReadRecords(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Reading records: %v\n", err)
		return 1
	}
	examples := oracle.ExamplesFromRecords(records)
	if len(examples) == 0 {
		fmt.Fprintln(os.Stderr, "no usable training examples in records")
		return 1
	}

	reg := taxonomy.NewRegistry()
	ex := oracle.NewFeatureExtractor(reg)
	model, err := oracle.TrainCentroids(ex, examples)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Training failed: %v\n", err)
		return 1
	}

	out := flagTrainOut
	if out == "" {
		out = cfg.Oracle.ModelPath
	}
	if err := oracle.SaveModel(out, model); err != nil {
		fmt.Fprintf(os.Stderr, "Saving model: %v\n", err)
		return 1
	}
	fmt.Printf("trained on %d examples from %d records, model written to %s\n",
		len(examples), len(records), out)
	return 0
}
