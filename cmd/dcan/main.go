// Package main provides the DCAN training CLI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/born-ml/born/backend/cpu"
	log "github.com/sirupsen/logrus"

	"github.com/born-ml/dcan/internal/config"
	"github.com/born-ml/dcan/internal/dcan"
)

const version = "v0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("dcan %s\n", version)
	case "train":
		if err := train(os.Args[2:]); err != nil {
			log.Fatalf("train: %v", err)
		}
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("DCAN - contour-aware nucleus segmentation")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  train      Train the network, optionally evaluating it afterwards")
	fmt.Println("  version    Show version")
}

func train(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to YAML config")
	dataDir := fs.String("data-dir", "", "Override data directory")
	maxSteps := fs.Int("max-steps", 0, "Number of training steps")
	batchSize := fs.Int("batch-size", 0, "Batch size")
	seed := fs.Uint64("seed", 0, "PRNG seed (0 picks one from the clock)")
	logEvery := fs.Int("log-every", 0, "Log every N steps")
	logLevel := fs.String("log-level", "", "Log level")
	evaluate := fs.Bool("eval", false, "Evaluate with averaged parameters after training")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyOverrides(config.Overrides{
		BatchSize: *batchSize,
		DataDir:   *dataDir,
		MaxSteps:  *maxSteps,
		LogEvery:  *logEvery,
		Seed:      *seed,
		LogLevel:  *logLevel,
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}

	initLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := cpu.New()
	opts := dcan.DefaultOptions(cfg.ImageHeight, cfg.ImageWidth)
	opts.Seed = cfg.Seed
	if err := opts.Validate(); err != nil {
		return err
	}
	net := dcan.NewNetwork(opts, backend)

	batches, err := dcan.DistortedInputs(cfg, backend)
	if err != nil {
		return err
	}
	trainer := dcan.NewTrainer(net, dcan.TrainerConfig{
		ExamplesPerEpoch: cfg.ExamplesPerEpochTrain,
		BatchSize:        cfg.BatchSize,
		MaxSteps:         cfg.MaxSteps,
		LogEvery:         cfg.LogEvery,
		SummaryEvery:     cfg.SummaryEvery,
	}, backend)

	log.WithFields(log.Fields{
		"run_id":   trainer.RunID(),
		"data_dir": cfg.DataDir,
		"image":    fmt.Sprintf("%dx%d", cfg.ImageHeight, cfg.ImageWidth),
		"seed":     cfg.Seed,
	}).Info("starting")

	if err := trainer.Run(ctx, batches); err != nil {
		if errors.Is(err, context.Canceled) {
			log.WithField("step", trainer.GlobalStep()).Warn("training interrupted")
			return nil
		}
		return err
	}

	if !*evaluate {
		return nil
	}
	evalBatches, err := dcan.Inputs(cfg, true, backend)
	if err != nil {
		return err
	}
	res, err := dcan.Evaluate(ctx, net, trainer.Averages(), evalBatches, cfg.ExamplesPerEpochEval, backend)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	log.WithFields(log.Fields{
		"run_id":           trainer.RunID(),
		"examples":         res.Examples,
		"loss":             res.Loss,
		"cross_entropy":    res.CrossEntropy,
		"contour_accuracy": res.ContourAccuracy,
		"segment_accuracy": res.SegmentAccuracy,
	}).Info("evaluation")
	return nil
}

func initLogger(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Logger.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Logger.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
