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
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jinterlante1206/converge/services/converge/compile"
	"github.com/jinterlante1206/converge/services/converge/corpus"
)

// maxConfigSize caps the config file read. A session config is a few
// kilobytes; anything near the cap is a mistake, not a config.
const maxConfigSize = 1 << 20

// configValidate is the shared validator for config structs.
var configValidate = validator.New()

// Config is the full session configuration. Every field has a working
// default; a missing config file yields a usable config, and CLI flags
// override whatever the file set.
type Config struct {
	Corpus     CorpusConfig     `yaml:"corpus"`
	Transpiler TranspilerConfig `yaml:"transpiler"`
	Compile    compile.Config   `yaml:"compile"`
	Session    SessionConfig    `yaml:"session"`
	Baseline   BaselineConfig   `yaml:"baseline"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Log        LogConfig        `yaml:"log"`

	// DataDir holds everything the session persists: the pattern and
	// history database, checkpoints, the model snapshot, the scan
	// cache, and (by default) baselines.
	DataDir string `yaml:"data_dir"`

	// Display selects the andon mode: rich, minimal, json, silent, or
	// tui. Empty autodetects from the terminal.
	Display string `yaml:"display"`

	// Serve is the status server listen address, empty to disable.
	Serve string `yaml:"serve"`

	// MetricsPort exposes a standalone /metrics endpoint when no
	// status server is running. Zero disables it.
	MetricsPort int `yaml:"metrics_port" validate:"gte=0,lte=65535"`
}

// CorpusConfig locates the input programs.
//
// Tiers may be listed explicitly; otherwise every immediate
// subdirectory of Root becomes a tier named after the directory, and a
// Root with no subdirectories becomes a single tier named "default".
type CorpusConfig struct {
	Root        string        `yaml:"root"`
	Tiers       []corpus.Tier `yaml:"tiers" validate:"dive"`
	MaxFileSize int64         `yaml:"max_file_size" validate:"gte=0"`
	Extensions  []string      `yaml:"extensions"`

	// Watch warns when corpus files change mid-session. A mutated
	// corpus invalidates the session's determinism contract.
	Watch bool `yaml:"watch"`
}

// TranspilerConfig is the argv of the external transpiler. The version
// string keys the scan cache; bump it when codegen changes.
type TranspilerConfig struct {
	Bin     string   `yaml:"bin"`
	Version string   `yaml:"version"`
	Args    []string `yaml:"args"`
}

// SessionConfig tunes the convergence loop.
type SessionConfig struct {
	TargetRate      float64 `yaml:"target_rate" validate:"gte=0,lte=1"`
	MaxIterations   int     `yaml:"max_iterations" validate:"gte=0"`
	Seed            uint64  `yaml:"seed"`
	MinDelta        float64 `yaml:"min_delta" validate:"gte=0"`
	Patience        int     `yaml:"patience" validate:"gte=0"`
	FullVerifyEvery int     `yaml:"full_verify_every" validate:"gte=0"`
	EscapeCeiling   float64 `yaml:"escape_ceiling" validate:"gte=0,lte=1"`
	EscapeMinDiags  int     `yaml:"escape_min_diags" validate:"gte=0"`
	SuggestK        int     `yaml:"suggest_k" validate:"gte=0"`
}

// BaselineConfig places the regression baseline store and its optional
// GCS archive.
type BaselineConfig struct {
	Dir             string  `yaml:"dir"`
	Tolerance       float64 `yaml:"tolerance" validate:"gte=0,lte=1"`
	RequireBaseline bool    `yaml:"require_baseline"`
	Bucket          string  `yaml:"bucket"`
	Prefix          string  `yaml:"prefix"`
}

// OracleConfig tunes classification and retrieval. An empty ModelPath
// resolves to {data_dir}/model.json; a missing snapshot there seeds a
// fresh model from the taxonomy.
type OracleConfig struct {
	ModelPath       string  `yaml:"model_path"`
	ConfidenceFloor float64 `yaml:"confidence_floor" validate:"gte=0,lte=1"`
	EmbedDim        int     `yaml:"embed_dim" validate:"gte=0"`
	RemoteIndex     string  `yaml:"remote_index"`
	Rerank          bool    `yaml:"rerank"`
}

// LogConfig shapes pkg/logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the session defaults. The loop tuning mirrors
// controller.DefaultConfig so a bare `converge --corpus dir` behaves
// like the documented production settings.
func DefaultConfig() Config {
	return Config{
		Transpiler: TranspilerConfig{Bin: "py2rs", Version: "dev"},
		Compile:    compile.DefaultConfig(),
		Session: SessionConfig{
			TargetRate:      0.80,
			MinDelta:        0.001,
			Patience:        5,
			FullVerifyEvery: 5,
			EscapeCeiling:   0.20,
			EscapeMinDiags:  50,
			SuggestK:        5,
		},
		Baseline: BaselineConfig{Tolerance: 0.005, Prefix: "baselines"},
		Oracle:   OracleConfig{ConfidenceFloor: 0.5},
		Log:      LogConfig{Level: "info"},
		DataDir:  ".converge",
	}
}

// LoadConfig reads a config file on top of the defaults. It does not
// validate: callers apply flag overrides first, then call Validate,
// so a flag can repair a file and derived paths follow the final
// values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if len(data) > maxConfigSize {
		return cfg, fmt.Errorf("config %s exceeds %d bytes", path, maxConfigSize)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate fills derived defaults, then checks ranges. Called after
// flag overrides have been applied.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		c.DataDir = ".converge"
	}
	if c.Baseline.Dir == "" {
		c.Baseline.Dir = filepath.Join(c.DataDir, "baselines")
	}
	if c.Oracle.ModelPath == "" {
		c.Oracle.ModelPath = filepath.Join(c.DataDir, "model.json")
	}
	if c.Transpiler.Bin == "" {
		return fmt.Errorf("transpiler.bin must be set")
	}
	if c.Transpiler.Version == "" {
		c.Transpiler.Version = "dev"
	}
	if c.Session.SuggestK == 0 {
		c.Session.SuggestK = 5
	}

	// Explicit tiers win; a root plus tiers would double-scan. Absence
	// is checked in resolveTiers, only commands that scan need one.
	if c.Corpus.Root != "" && len(c.Corpus.Tiers) > 0 {
		return fmt.Errorf("corpus.root and corpus.tiers are mutually exclusive")
	}

	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

// resolveTiers expands a corpus root into tiers: one per immediate
// subdirectory, or a single "default" tier when the root holds files
// directly. Explicitly configured tiers pass through with the session
// target filled in where unset.
func (c *Config) resolveTiers() ([]corpus.Tier, error) {
	if c.Corpus.Root == "" && len(c.Corpus.Tiers) == 0 {
		return nil, fmt.Errorf("no corpus: set corpus.root, corpus.tiers, or --corpus")
	}
	if len(c.Corpus.Tiers) > 0 {
		tiers := make([]corpus.Tier, len(c.Corpus.Tiers))
		copy(tiers, c.Corpus.Tiers)
		for i := range tiers {
			if tiers[i].Weight == 0 {
				tiers[i].Weight = 1
			}
			if tiers[i].TargetRate == 0 {
				tiers[i].TargetRate = c.Session.TargetRate
			}
		}
		return tiers, nil
	}

	entries, err := os.ReadDir(c.Corpus.Root)
	if err != nil {
		return nil, fmt.Errorf("reading corpus root: %w", err)
	}
	var tiers []corpus.Tier
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tiers = append(tiers, corpus.Tier{
			Name:       e.Name(),
			Dir:        filepath.Join(c.Corpus.Root, e.Name()),
			Weight:     1,
			TargetRate: c.Session.TargetRate,
		})
	}
	if len(tiers) == 0 {
		tiers = []corpus.Tier{{
			Name:       "default",
			Dir:        c.Corpus.Root,
			Weight:     1,
			TargetRate: c.Session.TargetRate,
		}}
	}
	return tiers, nil
}

// targets maps tier names to their goals, for the controller, the
// andon display, and the status server.
func targets(tiers []corpus.Tier) map[string]float64 {
	out := make(map[string]float64, len(tiers))
	for _, t := range tiers {
		out[t.Name] = t.TargetRate
	}
	return out
}
