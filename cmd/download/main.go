package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yuguogang/mock-exchange/internal/config"
	"github.com/yuguogang/mock-exchange/internal/logging"
	"github.com/yuguogang/mock-exchange/internal/market"
	"github.com/yuguogang/mock-exchange/internal/series"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/replay.yaml", "path to config file")
	dataDir := flag.String("data-dir", "", "override the raw series directory")
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
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	var legs []market.Leg
	for _, leg := range []config.LegConfig{cfg.Hedge.LegA(), cfg.Hedge.LegB()} {
		src, err := market.SourceFor(leg.Exchange, cfg.Download)
		if err != nil {
			log.Error("no source for leg", zap.String("exchange", leg.Exchange), zap.Error(err))
			os.Exit(1)
		}
		legs = append(legs, market.Leg{Exchange: leg.Exchange, Symbol: leg.Symbol, Source: src})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reports, err := market.NewDownloader(series.NewStore(cfg.Data.RawDir), legs, log).Run(ctx)
	if err != nil {
		log.Error("download failed", zap.Error(err))
		os.Exit(1)
	}
	failed := 0
	for _, r := range reports {
		fields := []zap.Field{
			zap.String("exchange", r.Exchange),
			zap.String("symbol", r.Symbol),
			zap.Int("new_prices", r.NewPrices),
			zap.Int("new_funding", r.NewFunding),
		}
		if r.Err != nil {
			failed++
			log.Warn("leg download incomplete", append(fields, zap.Error(r.Err))...)
			continue
		}
		log.Info("leg downloaded", fields...)
	}
	if failed == len(reports) && failed > 0 {
		os.Exit(1)
	}
}
