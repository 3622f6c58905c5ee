package market

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/yuguogang/mock-exchange/internal/series"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Leg struct {
	Exchange string
	Symbol   string
	Source   Source
}

type LegReport struct {
	Exchange   string
	Symbol     string
	NewPrices  int
	NewFunding int
	Err        error
}

// Downloader appends fresh klines and funding rates of every leg into the
// raw series store. Legs are fetched concurrently; each writes only its own
// files.
type Downloader struct {
	store *series.Store
	legs  []Leg
	log   *zap.Logger
}

func NewDownloader(store *series.Store, legs []Leg, log *zap.Logger) *Downloader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Downloader{store: store, legs: legs, log: log}
}

// Run fetches all legs. A failed fetch is logged and leaves that file
// unchanged; only storage errors are returned.
func (d *Downloader) Run(ctx context.Context) ([]LegReport, error) {
	reports := make([]LegReport, len(d.legs))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, leg := range d.legs {
		i, leg := i, leg
		g.Go(func() error {
			report, err := d.downloadLeg(gctx, leg)
			mu.Lock()
			reports[i] = report
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return reports, err
}

func (d *Downloader) downloadLeg(ctx context.Context, leg Leg) (LegReport, error) {
	report := LegReport{Exchange: leg.Exchange, Symbol: leg.Symbol}
	if leg.Source == nil {
		return report, fmt.Errorf("no source for %s %s", leg.Exchange, leg.Symbol)
	}

	prices, err := d.store.LoadPrices(leg.Exchange, leg.Symbol)
	if err != nil && !errors.Is(err, series.ErrDataGap) {
		return report, err
	}
	fresh, err := leg.Source.Klines(ctx, leg.Symbol, series.Latest(prices))
	if err != nil {
		report.Err = err
		d.log.Warn("kline download failed", zap.String("exchange", leg.Exchange), zap.String("symbol", leg.Symbol), zap.Error(err))
	} else if len(fresh) > 0 {
		added, err := d.store.AppendPrices(leg.Exchange, leg.Symbol, fresh)
		if err != nil {
			return report, fmt.Errorf("append prices %s: %w", d.store.PricePath(leg.Exchange, leg.Symbol), err)
		}
		report.NewPrices = added
	}

	funding, err := d.store.LoadFunding(leg.Exchange, leg.Symbol)
	if err != nil && !errors.Is(err, series.ErrDataGap) {
		return report, err
	}
	freshFunding, err := leg.Source.FundingRates(ctx, leg.Symbol, series.Latest(funding))
	if err != nil {
		report.Err = errors.Join(report.Err, err)
		d.log.Warn("funding download failed", zap.String("exchange", leg.Exchange), zap.String("symbol", leg.Symbol), zap.Error(err))
	} else if len(freshFunding) > 0 {
		added, err := d.store.AppendFunding(leg.Exchange, leg.Symbol, freshFunding)
		if err != nil {
			return report, fmt.Errorf("append funding %s: %w", d.store.FundingPath(leg.Exchange, leg.Symbol), err)
		}
		report.NewFunding = added
	}

	d.log.Info("leg downloaded",
		zap.String("exchange", leg.Exchange),
		zap.String("symbol", leg.Symbol),
		zap.Int("new_prices", report.NewPrices),
		zap.Int("new_funding", report.NewFunding),
	)
	return report, nil
}
