//go:build ignore

// Smoke script to exercise the full convergence pipeline without rustc.
// Run with: go run scripts/smoke_session.go
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

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
	"github.com/jinterlante1206/converge/services/converge/taxonomy"
	"github.com/jinterlante1206/converge/services/converge/transpile"
	storage "github.com/jinterlante1206/converge/services/converge/storage/badger"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	fmt.Println("╔══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║            CONVERGENCE PIPELINE SMOKE TEST                        ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════════╝")

	// 1. Build a throwaway corpus
	fmt.Println("\n┌─────────────────────────────────────────────────────────────────┐")
	fmt.Println("│ Step 1: Building Throwaway Corpus                               │")
	fmt.Println("└─────────────────────────────────────────────────────────────────┘")
	root, err := os.MkdirTemp("", "converge-smoke-*")
	if err != nil {
		log.Fatalf("  ✗ temp dir: %v", err)
	}
	defer os.RemoveAll(root)

	tierDir := filepath.Join(root, "corpus", "smoke")
	if err := os.MkdirAll(tierDir, 0o750); err != nil {
		log.Fatalf("  ✗ corpus dir: %v", err)
	}
	sources := map[string]string{
		"add.py":   "def add(a, b):\n    return a + b\n",
		"loop.py":  "def total(xs):\n    s = 0\n    for x in xs:\n        s += x\n    return s\n",
		"greet.py": "def greet(name):\n    return f\"hello {name}\"\n",
		"cond.py":  "def sign(n):\n    if n < 0:\n        return -1\n    return 1\n",
	}
	for name, src := range sources {
		if err := os.WriteFile(filepath.Join(tierDir, name), []byte(src), 0o640); err != nil {
			log.Fatalf("  ✗ write %s: %v", name, err)
		}
	}
	fmt.Printf("  ✓ %d source files under %s\n", len(sources), tierDir)

	tiers := []corpus.Tier{{Name: "smoke", Dir: tierDir, Weight: 1.0, TargetRate: 1.0}}
	crp, err := corpus.NewScanner().Scan(ctx, tiers)
	if err != nil {
		log.Fatalf("  ✗ scan: %v", err)
	}
	fmt.Printf("  ✓ scanned %d entries, corpus hash %s\n", crp.Len(), crp.Hash[:12])

	// 2. Open the pattern store
	fmt.Println("\n┌─────────────────────────────────────────────────────────────────┐")
	fmt.Println("│ Step 2: Opening Pattern Store                                   │")
	fmt.Println("└─────────────────────────────────────────────────────────────────┘")
	dbCfg := storage.DefaultConfig()
	dbCfg.Path = filepath.Join(root, "db")
	dbCfg.Logger = logger
	db, err := storage.Open(dbCfg)
	if err != nil {
		log.Fatalf("  ✗ badger: %v", err)
	}
	defer db.Close()

	patternStore := patterns.NewStore(db)
	indexer, err := patterns.NewIndexer(ctx, patternStore, logger)
	if err != nil {
		log.Fatalf("  ✗ indexer: %v", err)
	}
	defer indexer.Close()
	fmt.Printf("  ✓ store open at %s\n", dbCfg.Path)

	// 3. Seed the oracle
	fmt.Println("\n┌─────────────────────────────────────────────────────────────────┐")
	fmt.Println("│ Step 3: Seeding Oracle (taxonomy centroids)                     │")
	fmt.Println("└─────────────────────────────────────────────────────────────────┘")
	reg := taxonomy.NewRegistry()
	ex := oracle.NewFeatureExtractor(reg)
	model, err := oracle.SeedModel(reg, ex)
	if err != nil {
		log.Fatalf("  ✗ seed model: %v", err)
	}
	retriever := retrieval.NewRetriever(patternStore, embed.NewHashingEmbedder(0),
		retrieval.WithRetrieverLogger(logger))
	orc, err := oracle.New(reg, oracle.WithModel(model), oracle.WithSuggester(retriever))
	if err != nil {
		log.Fatalf("  ✗ oracle: %v", err)
	}
	fmt.Printf("  ✓ oracle seeded, taxonomy version %d\n", taxonomy.Version)

	// 4. Wire the compile path with a stub toolchain
	fmt.Println("\n┌─────────────────────────────────────────────────────────────────┐")
	fmt.Println("│ Step 4: Wiring Compile Path (identity transpiler, true(1))     │")
	fmt.Println("└─────────────────────────────────────────────────────────────────┘")
	transpiler := transpile.Func{
		Fn: func(_ context.Context, source []byte, _ string) ([]byte, error) {
			return append([]byte("// generated\n"), source...), nil
		},
		Ver: "smoke",
	}
	overlay := controller.NewOverlay()

	compileCfg := compile.DefaultConfig()
	compileCfg.Compiler = []string{"true"}
	compileCfg.ScratchRoot = filepath.Join(root, "scratch")
	compiler, err := compile.NewBatchCompiler(compileCfg, controller.WrapTranspiler(transpiler, overlay), "smoke-session")
	if err != nil {
		log.Fatalf("  ✗ compiler: %v", err)
	}
	defer compiler.Close()
	fmt.Println("  ✓ batch compiler ready, every artifact will compile")

	// 5. Assemble the controller
	fmt.Println("\n┌─────────────────────────────────────────────────────────────────┐")
	fmt.Println("│ Step 5: Assembling Controller                                   │")
	fmt.Println("└─────────────────────────────────────────────────────────────────┘")
	repairer, err := repair.New(repair.DefaultRegistry(), compiler, repair.Config{Logger: logger})
	if err != nil {
		log.Fatalf("  ✗ repairer: %v", err)
	}

	bisectCfg := bisect.DefaultConfig()
	bisectCfg.Logger = logger
	bisector, err := bisect.New(bisectCfg, func(ctx context.Context, entries []corpus.Entry) (bool, error) {
		res, cerr := compiler.CompileBatch(ctx, entries)
		if cerr != nil {
			return false, cerr
		}
		return res.FailureCount > 0 || res.TimeoutCount > 0, nil
	})
	if err != nil {
		log.Fatalf("  ✗ bisector: %v", err)
	}

	baselines, err := gate.NewFileStore(filepath.Join(root, "baselines"))
	if err != nil {
		log.Fatalf("  ✗ baseline store: %v", err)
	}
	regressionGate, err := gate.New(baselines, gate.WithLogger(logger))
	if err != nil {
		log.Fatalf("  ✗ gate: %v", err)
	}

	ctrlCfg := controller.DefaultConfig()
	ctrlCfg.Targets = map[string]float64{"smoke": 1.0}
	ctrlCfg.DefaultTarget = 1.0
	ctrlCfg.MaxCycles = 3
	ctrlCfg.CheckpointDir = filepath.Join(root, "checkpoints")
	ctrlCfg.Seed = 42
	ctrlCfg.Logger = logger
	ctrl, err := controller.New(crp, controller.Deps{
		Compiler: compiler,
		Oracle:   orc,
		Repairer: repairer,
		Bisector: bisector,
		Gate:     regressionGate,
		Library:  controller.NewLibrary(patternStore, indexer),
		History:  report.NewHistory(db),
		Registry: reg,
		Overlay:  overlay,
	}, ctrlCfg)
	if err != nil {
		log.Fatalf("  ✗ controller: %v", err)
	}
	fmt.Println("  ✓ controller assembled")

	// 6. Run the session
	fmt.Println("\n┌─────────────────────────────────────────────────────────────────┐")
	fmt.Println("│ Step 6: Running Session                                         │")
	fmt.Println("└─────────────────────────────────────────────────────────────────┘")
	start := time.Now()
	out, err := ctrl.Run(ctx)
	if err != nil {
		log.Fatalf("  ✗ run: %v", err)
	}
	fmt.Printf("  ✓ halted after %d cycle(s) in %v\n", out.Cycles, time.Since(start).Round(time.Millisecond))
	fmt.Printf("  ✓ halt reason: %s (exit code %d)\n", out.Halt, out.ExitCode())
	fmt.Printf("  ✓ success rate: %.1f%%\n", out.Rate*100)
	for tier, rate := range out.TierRates {
		fmt.Printf("    - %s: %.1f%%\n", tier, rate*100)
	}

	if out.Halt != controller.HaltTargetMet {
		log.Fatalf("  ✗ expected target_met with a compiler that always succeeds, got %s", out.Halt)
	}

	fmt.Println("\n╔══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                  SMOKE TEST COMPLETE                              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════════╝")
}
