// Crystalline Trainer: hierarchical transformer training engine
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lab/crystalline/internal/config"
	"github.com/lab/crystalline/internal/logging"
	"github.com/lab/crystalline/internal/model"
	"github.com/lab/crystalline/internal/progress"
	"github.com/lab/crystalline/internal/runtime"
	"github.com/lab/crystalline/internal/training"
)

var (
	maxSteps       = flag.Int("max-steps", 10000, "stop training after this many batches")
	checkpointStep = flag.Int("checkpoint-every", 500, "emit a checkpoint every N steps")
	checkpointFile = flag.String("checkpoint-file", "checkpoint.bin", "path to the checkpoint output file")
	ledgerFile     = flag.String("ledger-file", "runs.bolt", "path to the run ledger database")
	seedFlag       = flag.Int64("seed", 0, "override the deterministic parameter seed (0 = use config)")
	quiet          = flag.Bool("quiet", false, "disable the console progress bar")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "crystalline: config error:", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Logging.Level)

	seed := cfg.Training.Seed
	if *seedFlag != 0 {
		seed = *seedFlag
	}

	shape := model.Shape{
		VocabSize:    cfg.Model.VocabSize,
		EmbedDim:     cfg.Model.EmbedDim,
		NumLayers:    cfg.Model.NumLayers,
		NumHeads:     cfg.Model.NumHeads,
		FFNHiddenDim: cfg.Model.FFNHiddenDim,
		ContextLen:   cfg.Model.ContextLen,
	}
	params, err := model.NewParams(shape, seed)
	if err != nil {
		log.Fatal("invalid model configuration: %v", err)
	}
	opt := model.NewOptimizer(model.LRSchedule{
		PeakLR:     cfg.Training.BaseLR,
		FloorLR:    cfg.Training.MinLR,
		WarmupStep: cfg.Training.WarmupSteps,
		TotalSteps: *maxSteps,
	}, len(params.Embedding))

	hierarchy := runtime.NewHierarchy(shape, params, opt, log)

	ledger, err := training.OpenRunLedger(*ledgerFile)
	if err != nil {
		log.Fatal("could not open run ledger: %v", err)
	}
	defer ledger.Close()

	sinkFile, err := os.Create(*checkpointFile)
	if err != nil {
		log.Fatal("could not open checkpoint file: %v", err)
	}
	defer sinkFile.Close()

	var sink training.ProgressSink = progress.Noop{}
	var closer interface{ Close() }
	if !*quiet {
		reporter := progress.NewConsoleReporter(os.Stderr, *maxSteps)
		sink = reporter
		closer = reporter
	}

	driver := training.NewDriver(hierarchy, sinkFile, sink, ledger, *checkpointStep, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	source := stdinBatchSource(shape.ContextLen)
	if err := driver.Fit(ctx, source, *maxSteps); err != nil {
		if closer != nil {
			closer.Close()
		}
		log.Fatal("training stopped: %v", err)
	}
	if closer != nil {
		closer.Close()
	}
	log.Info("training finished after %d steps", driver.Step())
}
