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
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jinterlante1206/converge/pkg/logging"
	"github.com/jinterlante1206/converge/services/converge/andon"
	"github.com/jinterlante1206/converge/services/converge/bisect"
	"github.com/jinterlante1206/converge/services/converge/compile"
	"github.com/jinterlante1206/converge/services/converge/controller"
	"github.com/jinterlante1206/converge/services/converge/corpus"
	"github.com/jinterlante1206/converge/services/converge/gate"
	"github.com/jinterlante1206/converge/services/converge/oracle"
	"github.com/jinterlante1206/converge/services/converge/oracle/embed"
	"github.com/jinterlante1206/converge/services/converge/oracle/patterns"
	"github.com/jinterlante1206/converge/services/converge/oracle/retrieval"
	"github.com/jinterlante1206/converge/services/converge/repair"
	"github.com/jinterlante1206/converge/services/converge/report"
	storage "github.com/jinterlante1206/converge/services/converge/storage/badger"
	"github.com/jinterlante1206/converge/services/converge/taxonomy"
	"github.com/jinterlante1206/converge/services/converge/telemetry"
	"github.com/jinterlante1206/converge/services/converge/transpile"
)

// =============================================================================
// SESSION CONFIG
// =============================================================================

// loadSession merges the config file with command-line overrides and
// validates the result. Flags win over the file; numeric flags only
// override when set, so a file can carry a seed the command line does
// not repeat.
func loadSession(cmd *cobra.Command) (Config, error) {
	cfg, err := LoadConfig(flagConfig)
	if err != nil {
		return cfg, err
	}

	if flagCorpus != "" {
		cfg.Corpus.Root = flagCorpus
		cfg.Corpus.Tiers = nil
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if flagLogDir != "" {
		cfg.Log.Dir = flagLogDir
	}
	if flagLogJSON {
		cfg.Log.JSON = true
	}

	f := cmd.Flags()
	if f.Changed("target-rate") {
		cfg.Session.TargetRate = flagTargetRate
	}
	if f.Changed("max-iterations") {
		cfg.Session.MaxIterations = flagMaxIterations
	}
	if f.Changed("seed") {
		cfg.Session.Seed = flagSeed
	}
	if flagBaselineDir != "" {
		cfg.Baseline.Dir = flagBaselineDir
	}
	if flagDisplay != "" {
		cfg.Display = flagDisplay
	}
	if flagServe != "" {
		cfg.Serve = flagServe
	}

	return cfg, cfg.Validate()
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// runConverge drives a full convergence session. The inner function
// returns the exit code so deferred cleanup runs before os.Exit.
func runConverge(cmd *cobra.Command, args []string) {
	os.Exit(convergeSession(cmd))
}

func convergeSession(cmd *cobra.Command) int {
	cfg, err := loadSession(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	// The display mode decides who owns stderr. Machine-readable and
	// full-screen modes silence the human log stream.
	mode := andon.ParseMode(cfg.Display)
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "converge",
		JSON:    cfg.Log.JSON,
		Quiet:   mode == andon.ModeJSON || mode == andon.ModeTUI,
	})
	defer logger.Close()
	log := logger.Slog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		log.Warn("telemetry disabled", "error", err)
	} else {
		defer shutdown(context.Background())
	}

	tiers, err := cfg.resolveTiers()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Corpus: %v\n", err)
		return 1
	}
	tierTargets := targets(tiers)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "Data dir: %v\n", err)
		return 1
	}

	cache := corpus.OpenCache(filepath.Join(cfg.DataDir, "scan-cache.json"), cfg.Transpiler.Version)
	scanOpts := []corpus.ScannerOption{corpus.WithCache(cache)}
	if cfg.Corpus.MaxFileSize > 0 {
		scanOpts = append(scanOpts, corpus.WithMaxFileSize(cfg.Corpus.MaxFileSize))
	}
	if len(cfg.Corpus.Extensions) > 0 {
		scanOpts = append(scanOpts, corpus.WithExtensions(cfg.Corpus.Extensions...))
	}
	crp, err := corpus.NewScanner(scanOpts...).Scan(ctx, tiers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Corpus scan failed: %v\n", err)
		return 1
	}
	log.Info("corpus scanned",
		"entries", crp.Len(), "tiers", len(tiers), "hash", shortHash(crp.Hash))

	if flagDryRun {
		printPlan(cfg, crp, tiers)
		return 0
	}

	if cfg.Corpus.Watch {
		w, werr := corpus.WatchTiers(ctx, tiers, cache, func(paths []string) {
			log.Warn("corpus changed mid-session, reports are no longer reproducible",
				"files", len(paths))
		})
		if werr != nil {
			log.Warn("corpus watcher unavailable", "error", werr)
		} else {
			defer w.Close()
		}
	}

	dbCfg := storage.DefaultConfig()
	dbCfg.Path = filepath.Join(cfg.DataDir, "db")
	dbCfg.Logger = log
	db, err := storage.Open(dbCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Opening store: %v\n", err)
		return 1
	}
	defer db.Close()

	if gc, gerr := storage.NewGCRunner(db, dbCfg.GCInterval, dbCfg.GCDiscardRatio, log); gerr != nil {
		log.Warn("value log GC disabled", "error", gerr)
	} else {
		gc.Start()
		defer gc.Stop()
	}

	patternStore := patterns.NewStore(db)
	indexer, err := patterns.NewIndexer(ctx, patternStore, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Pattern index: %v\n", err)
		return 1
	}
	defer indexer.Close()

	reg := taxonomy.NewRegistry()

	orc, err := buildOracle(ctx, cfg, reg, patternStore, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Oracle: %v\n", err)
		return 1
	}

	// The controller stages fixes in the same overlay the compiler's
	// transpiler consults, so verification sees exactly the candidate
	// under trial.
	overlay := controller.NewOverlay()
	transpiler := transpile.NewCommand(cfg.Transpiler.Bin, cfg.Transpiler.Version, cfg.Transpiler.Args...)

	sessionID := uuid.NewString()
	compiler, err := compile.NewBatchCompiler(cfg.Compile, controller.WrapTranspiler(transpiler, overlay), sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Compiler: %v\n", err)
		return 1
	}
	defer compiler.Close()

	repairer, err := repair.New(repair.DefaultRegistry(), compiler, repair.Config{
		ConfidenceFloor: cfg.Oracle.ConfidenceFloor,
		Logger:          log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Repairer: %v\n", err)
		return 1
	}

	bisectCfg := bisect.DefaultConfig()
	bisectCfg.Logger = log
	bisector, err := bisect.New(bisectCfg, func(ctx context.Context, entries []corpus.Entry) (bool, error) {
		res, cerr := compiler.CompileBatch(ctx, entries)
		if cerr != nil {
			return false, cerr
		}
		return res.FailureCount > 0 || res.TimeoutCount > 0, nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bisector: %v\n", err)
		return 1
	}

	baselines, err := gate.NewFileStore(cfg.Baseline.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Baseline store: %v\n", err)
		return 1
	}
	regressionGate, err := gate.New(baselines,
		gate.WithTolerance(cfg.Baseline.Tolerance),
		gate.WithRequireBaseline(cfg.Baseline.RequireBaseline),
		gate.WithLogger(log),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Regression gate: %v\n", err)
		return 1
	}

	history := report.NewHistory(db)

	ctrl, err := controller.New(crp, controller.Deps{
		Compiler: compiler,
		Oracle:   orc,
		Repairer: repairer,
		Bisector: bisector,
		Gate:     regressionGate,
		Library:  controller.NewLibrary(patternStore, indexer),
		History:  history,
		Registry: reg,
		Overlay:  overlay,
	}, controller.Config{
		Targets:         tierTargets,
		DefaultTarget:   cfg.Session.TargetRate,
		MaxCycles:       cfg.Session.MaxIterations,
		MinDelta:        cfg.Session.MinDelta,
		Patience:        cfg.Session.Patience,
		FullVerifyEvery: cfg.Session.FullVerifyEvery,
		EscapeCeiling:   cfg.Session.EscapeCeiling,
		EscapeMinDiags:  cfg.Session.EscapeMinDiags,
		SuggestK:        cfg.Session.SuggestK,
		CheckpointDir:   filepath.Join(cfg.DataDir, "checkpoints"),
		Seed:            cfg.Session.Seed,
		Logger:          log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Controller: %v\n", err)
		return 1
	}

	var sinks []andon.Sink
	if mode != andon.ModeTUI {
		sinks = append(sinks, andon.NewConsole(mode,
			andon.WithStateFn(ctrl.State),
			andon.WithTargets(tierTargets),
		))
	}

	if cfg.Serve != "" {
		srv, serr := andon.NewServer(andon.ServerConfig{
			Addr:    cfg.Serve,
			StateFn: ctrl.State,
			History: history,
			Targets: tierTargets,
			Logger:  log,
		})
		if serr == nil {
			serr = srv.Start()
		}
		if serr != nil {
			fmt.Fprintf(os.Stderr, "Status server: %v\n", serr)
			return 1
		}
		defer srv.Shutdown(context.Background())
		sinks = append(sinks, srv)
		log.Info("status server listening", "addr", srv.Addr())
	} else if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.MetricsHandler())
		metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: mux}
		go func() {
			if merr := metricsSrv.ListenAndServe(); merr != nil && !errors.Is(merr, http.ErrServerClosed) {
				log.Warn("metrics endpoint failed", "error", merr)
			}
		}()
		defer metricsSrv.Shutdown(context.Background())
	}

	if influx, ok, ierr := report.NewInfluxSinkFromEnv(log); ierr != nil {
		log.Warn("influx sink misconfigured", "error", ierr)
	} else if ok {
		defer influx.Close()
		sinks = append(sinks, &influxRelay{
			ctx:     ctx,
			sink:    influx,
			history: history,
			session: sessionID,
			log:     log,
		})
	}

	var tuiEvents chan controller.Event
	if mode == andon.ModeTUI {
		tuiEvents = make(chan controller.Event, 256)
		sinks = append(sinks, eventRelay{ch: tuiEvents})
	}

	// The fan runs on its own context: the loop's events channel never
	// closes, so after Run returns we cancel the fan, wait it out, and
	// hand any still-buffered events to the sinks directly.
	fanCtx, fanCancel := context.WithCancel(context.Background())
	fanDone := make(chan struct{})
	go func() {
		defer close(fanDone)
		andon.Fan(fanCtx, ctrl.Events(), sinks...)
	}()

	if flagResume {
		rerr := ctrl.Resume(ctx)
		switch {
		case errors.Is(rerr, controller.ErrNoCheckpoint):
			log.Warn("no checkpoint to resume, starting fresh")
		case rerr != nil:
			fanCancel()
			<-fanDone
			fmt.Fprintf(os.Stderr, "Resume failed: %v\n", rerr)
			return 1
		}
	}

	var out *controller.Outcome
	var runErr error
	if mode == andon.ModeTUI {
		done := make(chan struct{})
		tuiCtx, tuiCancel := context.WithCancel(ctx)
		go func() {
			defer close(done)
			defer tuiCancel()
			out, runErr = ctrl.Run(ctx)
		}()
		if terr := andon.RunTUI(tuiCtx, andon.TUIConfig{
			Events:  tuiEvents,
			StateFn: ctrl.State,
			Targets: tierTargets,
		}); terr != nil {
			log.Warn("tui exited", "error", terr)
		}
		// Quitting the dashboard cancels the session like an interrupt.
		stop()
		<-done
	} else {
		out, runErr = ctrl.Run(ctx)
	}

	fanCancel()
	<-fanDone
	drainEvents(ctrl.Events(), sinks)

	if runErr != nil && out == nil {
		fmt.Fprintf(os.Stderr, "Session failed: %v\n", runErr)
		return 1
	}
	if runErr != nil {
		log.Error("session halted with error", "error", runErr)
	}
	log.Info("session finished",
		"halt", out.Halt, "cycles", out.Cycles, "rate", fmt.Sprintf("%.4f", out.Rate))
	return out.ExitCode()
}

// buildOracle assembles the classification and retrieval stack: a
// centroid model loaded from disk or seeded from the taxonomy, an
// embedder (remote when an API key is present), and the pattern
// retriever as suggester.
func buildOracle(ctx context.Context, cfg Config, reg *taxonomy.Registry, store *patterns.Store, log *slog.Logger) (*oracle.Oracle, error) {
	ex := oracle.NewFeatureExtractor(reg)
	model, err := oracle.LoadModel(cfg.Oracle.ModelPath, ex)
	if err != nil {
		log.Info("no model snapshot, seeding from taxonomy", "path", cfg.Oracle.ModelPath)
		if model, err = oracle.SeedModel(reg, ex); err != nil {
			return nil, fmt.Errorf("seeding model: %w", err)
		}
	}

	var embedder embed.Embedder
	if os.Getenv("CONVERGE_EMBED_API_KEY") != "" {
		remote, rerr := embed.NewOpenAIEmbedder()
		if rerr != nil {
			return nil, fmt.Errorf("remote embedder: %w", rerr)
		}
		embedder = remote
	} else {
		embedder = embed.NewHashingEmbedder(cfg.Oracle.EmbedDim)
	}

	ropts := []retrieval.RetrieverOption{
		retrieval.WithReranker(cfg.Oracle.Rerank),
		retrieval.WithRetrieverLogger(log),
	}
	if cfg.Oracle.RemoteIndex != "" {
		remote, rerr := retrieval.NewRemoteIndex(retrieval.DefaultRemoteConfig(cfg.Oracle.RemoteIndex))
		if rerr != nil {
			return nil, fmt.Errorf("remote index: %w", rerr)
		}
		ropts = append(ropts, retrieval.WithRemote(remote))
	}
	retriever := retrieval.NewRetriever(store, embedder, ropts...)
	if n, rerr := retriever.Rebuild(ctx); rerr != nil {
		log.Warn("retrieval index rebuild failed", "error", rerr)
	} else if n > 0 {
		log.Info("retrieval index rebuilt", "patterns", n)
	}

	return oracle.New(reg,
		oracle.WithModel(model),
		oracle.WithSuggester(retriever),
		oracle.WithConfidenceFloor(cfg.Oracle.ConfidenceFloor),
	)
}

func printPlan(cfg Config, crp *corpus.Corpus, tiers []corpus.Tier) {
	fmt.Printf("corpus %s: %d entries\n", shortHash(crp.Hash), crp.Len())
	for _, t := range tiers {
		fmt.Printf("  %-16s %5d entries  target %5.1f%%  %s\n",
			t.Name, len(crp.ByTier(t.Name)), t.TargetRate*100, t.Dir)
	}
	budget := "unbounded"
	if cfg.Session.MaxIterations > 0 {
		budget = fmt.Sprintf("%d cycles", cfg.Session.MaxIterations)
	}
	fmt.Printf("seed %d, budget %s, transpiler %s %s\n",
		cfg.Session.Seed, budget, cfg.Transpiler.Bin, cfg.Transpiler.Version)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// =============================================================================
// EVENT SINKS
// =============================================================================

// eventRelay forwards loop events into the channel the TUI reads. The
// fan must never stall the loop, so a full relay drops.
type eventRelay struct{ ch chan controller.Event }

func (r eventRelay) Observe(e controller.Event) {
	select {
	case r.ch <- e:
	default:
	}
}

// influxRelay records each closed cycle to InfluxDB. Outcome events
// are emitted after the cycle report lands in history, so the lookup
// by cycle number is reliable.
type influxRelay struct {
	ctx     context.Context
	sink    *report.InfluxSink
	history *report.History
	session string
	log     *slog.Logger
}

func (r *influxRelay) Observe(e controller.Event) {
	if e.Outcome == "" {
		return
	}
	rep, err := r.history.Get(r.ctx, e.Cycle)
	if err != nil {
		r.log.Debug("cycle report not in history", "cycle", e.Cycle, "error", err)
		return
	}
	if err := r.sink.Record(r.ctx, r.session, rep); err != nil {
		r.log.Debug("influx record failed", "cycle", e.Cycle, "error", err)
	}
}

// drainEvents empties whatever the loop buffered after the fan shut
// down, so late outcomes still reach the console and history sinks.
func drainEvents(events <-chan controller.Event, sinks []andon.Sink) {
	for {
		select {
		case e := <-events:
			for _, s := range sinks {
				s.Observe(e)
			}
		default:
			return
		}
	}
}
