package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/yuguogang/mock-exchange/internal/config"
	"github.com/yuguogang/mock-exchange/internal/exec"
	"github.com/yuguogang/mock-exchange/internal/logging"
	"github.com/yuguogang/mock-exchange/internal/series"
	sig "github.com/yuguogang/mock-exchange/internal/signal"
	"github.com/yuguogang/mock-exchange/internal/sink"
	"github.com/yuguogang/mock-exchange/internal/state"
	"github.com/yuguogang/mock-exchange/internal/state/sqlite"
	"github.com/yuguogang/mock-exchange/internal/translate"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/replay.yaml", "path to config file")
	historyPath := flag.String("history", "", "signal history file (defaults to the hedge outputs)")
	skipBefore := flag.Int64("skip-before", 0, "ignore signals before this epoch-ms timestamp")
	dryRun := flag.Bool("dry-run", false, "print the calls instead of sending them")
	seedPrices := flag.Bool("seed-prices", false, "set the mock mark price to the signal price before each order")
	flatten := flag.Bool("flatten", false, "clear both leg positions on the mock exchange before replaying")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	path := *historyPath
	if path == "" {
		path = filepath.Join(cfg.Data.SignalsDir, cfg.Hedge.Outputs.History)
	}
	history, err := sig.NewStore(path, "").Load()
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := sink.New(cfg.Sink.BaseURL, cfg.Sink.Timeout, log)
	var store state.Store = state.NewMemory()
	if !*dryRun {
		if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
			fatal(err)
		}
		db, err := sqlite.New(cfg.State.SQLitePath)
		if err != nil {
			fatal(err)
		}
		defer db.Close()
		store = db
	}

	translator, err := translate.New(translate.ConfigFrom(cfg), translate.EngineContext{
		Rates: translate.NewSeriesCache(series.NewStore(cfg.Data.MixedDir), series.NewStore(cfg.Data.RawDir)),
	}, log)
	if err != nil {
		fatal(err)
	}

	var items []sink.Item
	for _, s := range history {
		if s.Strategy != sig.StrategyHedge || s.TS < *skipBefore {
			continue
		}
		out, err := translator.Translate(s)
		if err != nil {
			fatal(fmt.Errorf("translate %s: %w", s.Key(), err))
		}
		items = append(items, out...)
	}
	log.Info("history translated",
		zap.String("path", path),
		zap.Int("signals", len(history)),
		zap.Int("items", len(items)),
		zap.Int("open_sessions", translator.Sessions().Len()),
	)

	if *dryRun {
		for _, item := range items {
			printItem(item)
		}
		return
	}

	if *flatten {
		for _, leg := range []config.LegConfig{cfg.Hedge.LegA(), cfg.Hedge.LegB()} {
			adapter, err := translate.AdapterFor(leg.Exchange)
			if err != nil {
				fatal(err)
			}
			symbol := adapter.MapSymbol(leg.Symbol)
			if res := client.SetPosition(ctx, sink.Position{Symbol: symbol}); !res.OK {
				log.Warn("flatten failed", zap.String("symbol", symbol), zap.Error(res.Err))
			}
		}
	}

	dispatcher := exec.New(client, store, nil, log).WithRetry(cfg.Sink.Retries+1, 0)
	var report exec.Report
	for _, item := range items {
		if *seedPrices && item.Order != nil && item.Order.Price > 0 {
			if res := client.SetPrice(ctx, item.Order.Symbol, item.Order.Price); !res.OK {
				log.Warn("price seed failed", zap.String("symbol", item.Order.Symbol), zap.Error(res.Err))
			}
		}
		r, err := dispatcher.Deliver(ctx, []sink.Item{item})
		report.Delivered += r.Delivered
		report.Skipped += r.Skipped
		report.Failed += r.Failed
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			fatal(err)
		}
	}
	log.Info("translation delivered",
		zap.Int("delivered", report.Delivered),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	if report.Failed > 0 {
		os.Exit(1)
	}
}

func printItem(item sink.Item) {
	switch item.Kind {
	case sink.KindOrder:
		o := item.Order
		fmt.Printf("ORDER  %-8s %-14s %-4s qty=%.6f price=%.6f id=%s\n", item.Exchange, o.Symbol, o.Side, o.Quantity, o.Price, o.ClientOrderID)
	case sink.KindIncome:
		in := item.Income
		fmt.Printf("INCOME %-8s %-14s %s amount=%s time=%d key=%s\n", item.Exchange, in.Symbol, in.IncomeType, sink.FormatAmount(in.Amount), in.Time, item.Key)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
