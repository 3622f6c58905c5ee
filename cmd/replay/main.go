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

	"github.com/yuguogang/mock-exchange/internal/app"
	"github.com/yuguogang/mock-exchange/internal/config"
	"github.com/yuguogang/mock-exchange/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/replay.yaml", "path to config file")
	dataDir := flag.String("data-dir", "", "override the raw series directory")
	lookbackMinutes := flag.Int("lookback", 0, "spread lookback window in minutes (0 keeps the config value)")
	skipBefore := flag.Int64("skip-before", 0, "suppress side effects before this epoch-ms timestamp")
	reset := flag.Bool("reset", false, "discard history, checkpoint and delivery keys before starting")
	fullReplay := flag.Bool("full-replay", false, "replay from the start of the data instead of boot time")
	once := flag.Bool("once", false, "run a single cycle and exit")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Data.RawDir = *dataDir
	}
	if *lookbackMinutes > 0 {
		cfg.Runner.Lookback = time.Duration(*lookbackMinutes) * time.Minute
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded",
		zap.String("path", *configPath),
		zap.String("hedge", cfg.Hedge.Name),
		zap.String("raw_dir", cfg.Data.RawDir),
		zap.Duration("lookback", cfg.Runner.Lookback),
	)

	application, err := app.New(cfg, app.Options{
		Once:       *once,
		FullReplay: *fullReplay || cfg.Runner.FullReplay,
		Reset:      *reset,
		SkipBefore: *skipBefore,
	}, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}
	log.Info("app initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("replay terminated", zap.Error(err))
		os.Exit(1)
	}
}
