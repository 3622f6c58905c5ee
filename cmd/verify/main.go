package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/yuguogang/mock-exchange/internal/account"
	"github.com/yuguogang/mock-exchange/internal/config"
	"github.com/yuguogang/mock-exchange/internal/logging"
	"github.com/yuguogang/mock-exchange/internal/strategy"

	"go.uber.org/zap"
)

const (
	defaultVerifyTimeout = 10 * time.Second
	defaultVerifyEnvFile = ".env"
)

func main() {
	configPath := flag.String("config", "config/replay.yaml", "path to config file")
	baseURL := flag.String("base-url", "", "mock exchange URL (overrides sink.base_url)")
	tolerance := flag.Float64("tolerance", 1e-6, "allowed difference between ledger and checkpoint income")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	url := cfg.Sink.BaseURL
	if *baseURL != "" {
		url = *baseURL
	}
	timeout := cfg.Sink.Timeout
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	client := account.New(url, timeout, log)
	ctx := context.Background()

	positions, err := client.Positions(ctx)
	if err != nil {
		fatal(fmt.Errorf("positions: %w", err))
	}
	income, err := client.Income(ctx)
	if err != nil {
		fatal(fmt.Errorf("income: %w", err))
	}
	summary := account.SummarizeFunding(income)
	ledger := account.TotalFunding(summary)

	cp, err := strategy.LoadCheckpoint(strategy.CheckpointPath(cfg.Data.SignalsDir, cfg.Hedge.LegA().Symbol))
	if err != nil {
		fatal(err)
	}

	fmt.Printf("mock exchange: %s\n", url)
	fmt.Println("positions:")
	for _, p := range positions {
		fmt.Printf("  %-16s %-5s size=%.6f entry=%.6f upnl=%.6f\n", p.Symbol, p.Side, p.Size, p.EntryPrice, p.UnrealizedProfit)
	}
	fmt.Println("funding income:")
	for _, s := range summary {
		fmt.Printf("  %-16s %12.8f (%d records)\n", s.Symbol, s.Total, s.Count)
	}
	diff := ledger - cp.TotalIncome
	fmt.Printf("ledger total:     %.8f\n", ledger)
	fmt.Printf("checkpoint total: %.8f\n", cp.TotalIncome)
	fmt.Printf("difference:       %.8f\n", diff)

	if math.Abs(diff) > *tolerance {
		log.Warn("funding income mismatch",
			zap.Float64("ledger", ledger),
			zap.Float64("checkpoint", cp.TotalIncome),
			zap.Float64("difference", diff),
		)
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
