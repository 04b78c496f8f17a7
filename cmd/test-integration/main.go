package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"spritegate/internal/config"
	"spritegate/internal/generator"
	"spritegate/internal/logging"
	"spritegate/internal/runner"
	"spritegate/internal/storage"
)

// Sends one frame-0 request to the configured generator backend, audits the
// result against the manifest anchor and records it in a scratch ledger.
func main() {
	manifestPath := flag.String("manifest", "", "move manifest to probe with")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	flag.Parse()
	if *manifestPath == "" {
		log.Fatal("usage: test-integration -manifest move.yaml")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	m, err := config.LoadManifest(*manifestPath)
	if err != nil {
		log.Fatal("Failed to load manifest:", err)
	}
	anchor, err := os.ReadFile(m.AnchorPath())
	if err != nil {
		log.Fatal("Failed to read anchor:", err)
	}

	scratch, err := os.MkdirTemp("", "spritegate-integration-")
	if err != nil {
		log.Fatal("Failed to create scratch dir:", err)
	}
	defer os.RemoveAll(scratch)
	store, err := storage.New(cfg.Paths.DatabaseDriver, filepath.Join(scratch, "ledger.db"))
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	gen, err := generator.New(cfg.Generator, logger)
	if err != nil {
		log.Fatal("Failed to create generator:", err)
	}
	defer gen.Close()
	fmt.Printf("Generator: %s (%s%s)\n", cfg.Generator.Kind, cfg.Generator.Address, cfg.Generator.Dir)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	req := generator.Request{
		RunID:          "integration",
		Anchor:         anchor,
		Prompt:         m.Prompts.Base,
		NegativePrompt: m.Prompts.Negative,
		Resolution:     cfg.Canvas.GenerationSize,
		Seed:           1,
		Strategy:       "initial",
	}
	start := time.Now()
	res, err := gen.Generate(ctx, req)
	if err != nil {
		log.Fatalf("Generate failed (%s): %v", generator.ClassOf(err), err)
	}
	fmt.Printf("Received %d bytes in %s\n", len(res.Image), time.Since(start).Round(time.Millisecond))

	run, err := runner.New(cfg, m, runner.Deps{Logger: logger})
	if err != nil {
		log.Fatal("Failed to prepare auditor:", err)
	}
	insp, err := run.Inspect(res.Image, nil)
	if err != nil {
		log.Fatal("Audit failed:", err)
	}
	att := insp.Attempt

	codes := make([]string, len(att.Codes))
	for i, c := range att.Codes {
		codes[i] = string(c)
	}
	result := "approved"
	if len(codes) > 0 {
		result = "retry"
	}
	if err := store.RecordAttempt(storage.AttemptRecord{
		RunID:     req.RunID,
		Seed:      req.Seed,
		Strategy:  req.Strategy,
		Score:     att.Composite,
		Result:    result,
		Codes:     codes,
		CreatedAt: time.Now(),
	}); err != nil {
		log.Fatal("Failed to record attempt:", err)
	}
	counts, err := store.CodeFrequency(req.RunID)
	if err != nil {
		log.Fatal("Failed to read ledger:", err)
	}

	fmt.Printf("Composite %.3f (%s), %d code(s) recorded\n", att.Composite, att.Rank, len(counts))
	for _, c := range counts {
		fmt.Printf("   %s x%d\n", c.Code, c.Count)
	}
}
