package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/yuguogang/mock-exchange/internal/config"
	"github.com/yuguogang/mock-exchange/internal/exec"
	"github.com/yuguogang/mock-exchange/internal/market"
	"github.com/yuguogang/mock-exchange/internal/metrics"
	"github.com/yuguogang/mock-exchange/internal/mixer"
	"github.com/yuguogang/mock-exchange/internal/rules"
	"github.com/yuguogang/mock-exchange/internal/series"
	"github.com/yuguogang/mock-exchange/internal/signal"
	"github.com/yuguogang/mock-exchange/internal/sink"
	"github.com/yuguogang/mock-exchange/internal/state"
	"github.com/yuguogang/mock-exchange/internal/strategy"
	"github.com/yuguogang/mock-exchange/internal/translate"

	"go.uber.org/zap"
)

// CycleReport is what one pass of the pipeline did.
type CycleReport struct {
	StartedAt   time.Time
	Duration    time.Duration
	Rule        string
	RuleChanged bool
	Veracity    string
	Downloads   []market.LegReport
	Mix         *mixer.Report
	Spread      strategy.SpreadResult
	Funding     strategy.FundingResult
	Added       []signal.Signal
	Items       int
	Delivery    exec.Report
}

// Pipeline runs download, mix, schedule, settle and translate once per call.
// It owns no goroutines; the live loop serializes calls.
type Pipeline struct {
	cfg        *config.Config
	raw        *series.Store
	mixed      *series.Store
	controller *rules.Controller
	downloader *market.Downloader
	history    *signal.Store
	checkpoint string
	kv         state.Store
	dispatcher *exec.Dispatcher
	metrics    *metrics.Metrics
	log        *zap.Logger

	// SkipBefore suppresses side effects for events older than it. Signals
	// and checkpoint still advance over the whole range.
	SkipBefore int64
}

// Deps are the collaborators a pipeline writes to.
type Deps struct {
	Store      state.Store
	Sink       sink.Sink
	Metrics    *metrics.Metrics
	Controller *rules.Controller
}

func NewPipeline(cfg *config.Config, deps Deps, log *zap.Logger) (*Pipeline, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Sink == nil {
		return nil, fmt.Errorf("%w: sink is required", config.ErrConfig)
	}
	p := &Pipeline{
		cfg:        cfg,
		raw:        series.NewStore(cfg.Data.RawDir),
		mixed:      series.NewStore(cfg.Data.MixedDir),
		controller: deps.Controller,
		history: signal.NewStore(
			filepath.Join(cfg.Data.SignalsDir, cfg.Hedge.Outputs.History),
			filepath.Join(cfg.Data.SignalsDir, cfg.Hedge.Outputs.Signals),
		),
		checkpoint: strategy.CheckpointPath(cfg.Data.SignalsDir, cfg.Hedge.LegA().Symbol),
		kv:         deps.Store,
		dispatcher: exec.New(deps.Sink, deps.Store, deps.Metrics, log).WithRetry(cfg.Sink.Retries+1, 0),
		metrics:    deps.Metrics,
		log:        log,
	}
	if cfg.Download.Enabled {
		var legs []market.Leg
		for _, leg := range []config.LegConfig{cfg.Hedge.LegA(), cfg.Hedge.LegB()} {
			src, err := market.SourceFor(leg.Exchange, cfg.Download)
			if err != nil {
				return nil, err
			}
			legs = append(legs, market.Leg{Exchange: leg.Exchange, Symbol: leg.Symbol, Source: src})
		}
		p.downloader = market.NewDownloader(p.raw, legs, log)
	}
	return p, nil
}

func (p *Pipeline) CheckpointPath() string {
	return p.checkpoint
}

func (p *Pipeline) History() *signal.Store {
	return p.history
}

// RunCycle executes one incremental step. Nothing is persisted unless every
// stage succeeded; sink failures are counted, not returned.
func (p *Pipeline) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{StartedAt: time.Now().UTC(), Veracity: signal.VeracityReal}
	legA, legB := p.cfg.Hedge.LegA(), p.cfg.Hedge.LegB()

	if p.downloader != nil {
		downloads, err := p.downloader.Run(ctx)
		report.Downloads = downloads
		if err != nil {
			return report, fmt.Errorf("download: %w", err)
		}
	}

	data := p.raw
	if p.controller != nil {
		// Mixing rewrites mixed_dir, so a missing input must abort first.
		if err := requireSeries(p.raw, legA.Exchange, legA.Symbol, legB.Exchange, legB.Symbol); err != nil {
			return report, err
		}
		if err := p.controller.Reload(); err != nil {
			return report, fmt.Errorf("reload rule set: %w", err)
		}
		rule, changed := p.controller.Refresh()
		if rule != nil {
			report.Rule = rule.ID
		}
		if changed {
			report.RuleChanged = true
			p.metrics.RuleSwitches.Inc()
			if err := p.controller.SaveHistory(); err != nil {
				p.log.Warn("rule history write failed", zap.String("path", p.controller.HistoryPath()), zap.Error(err))
			}
		}
		mix, err := mixer.New(p.controller.Snapshot(), p.log).Run(p.raw, p.mixed,
			[]mixer.Leg{{Exchange: legA.Exchange, Symbol: legA.Symbol}, {Exchange: legB.Exchange, Symbol: legB.Symbol}},
			mixer.Leg{Exchange: legA.Exchange, Symbol: legA.Symbol},
		)
		if err != nil {
			return report, fmt.Errorf("mix: %w", err)
		}
		report.Mix = &mix
		data = p.mixed
		report.Veracity = signal.VeracityFake
	}

	pricesA, err := data.LoadPrices(legA.Exchange, legA.Symbol)
	if err != nil {
		return report, err
	}
	pricesB, err := data.LoadPrices(legB.Exchange, legB.Symbol)
	if err != nil {
		return report, err
	}
	fundingA, err := data.LoadFunding(legA.Exchange, legA.Symbol)
	if err != nil {
		return report, err
	}
	fundingB, err := data.LoadFunding(legB.Exchange, legB.Symbol)
	if err != nil {
		return report, err
	}

	history, err := p.history.Load()
	if err != nil {
		return report, err
	}
	cp, err := strategy.LoadCheckpoint(p.checkpoint)
	if err != nil {
		return report, err
	}

	report.Spread = strategy.NewSpreadScheduler(p.spreadConfig(), p.log).Run(pricesA, pricesB, history)
	p.metrics.AlignmentMisses.Add(float64(report.Spread.Misses))
	report.Funding = strategy.NewFundingEngine(p.fundingConfig(report.Veracity), p.log).Run(fundingA, fundingB, cp)

	fresh := append(append([]signal.Signal{}, report.Spread.Signals...), report.Funding.Signals...)
	merged, added := signal.Merge(history, fresh)
	report.Added = added

	rates := translate.NewSeriesCache(data)
	rates.Put(legA.Exchange, legA.Symbol, fundingA)
	rates.Put(legB.Exchange, legB.Symbol, fundingB)
	sessions, err := translate.LoadSessionTable(ctx, p.kv)
	if err != nil {
		p.log.Warn("session snapshot unreadable, starting empty", zap.Error(err))
	}
	translator, err := translate.New(translate.ConfigFrom(p.cfg), translate.EngineContext{Rates: rates, Sessions: sessions}, p.log)
	if err != nil {
		return report, err
	}
	var items []sink.Item
	for _, sig := range added {
		if sig.Strategy != signal.StrategyHedge || sig.TS < p.SkipBefore {
			continue
		}
		out, err := translator.Translate(sig)
		if err != nil {
			return report, fmt.Errorf("translate %s: %w", sig.Key(), err)
		}
		items = append(items, out...)
	}
	items = append(items, report.Funding.Effects...)
	report.Items = len(items)

	delivery, err := p.dispatcher.Deliver(ctx, items)
	report.Delivery = delivery
	if err != nil {
		return report, err
	}

	if err := p.history.Write(merged); err != nil {
		return report, err
	}
	if err := strategy.SaveCheckpoint(p.checkpoint, report.Funding.Checkpoint); err != nil {
		return report, err
	}
	if err := translator.Sessions().Save(ctx, p.kv); err != nil {
		p.log.Warn("session snapshot write failed", zap.Error(err))
	}

	for _, sig := range added {
		switch sig.Type {
		case signal.TypeOpen:
			p.metrics.SignalsOpened.Inc()
		case signal.TypeClose:
			p.metrics.SignalsClosed.Inc()
		}
	}
	report.Duration = time.Since(report.StartedAt)
	return report, nil
}

func (p *Pipeline) spreadConfig() strategy.SpreadConfig {
	legA, legB := p.cfg.Hedge.LegA(), p.cfg.Hedge.LegB()
	th := p.cfg.SpreadThresholds()
	return strategy.SpreadConfig{
		LegA:        strategy.Leg{Exchange: legA.Exchange, Symbol: legA.Symbol},
		LegB:        strategy.Leg{Exchange: legB.Exchange, Symbol: legB.Symbol},
		TimeSource:  p.cfg.Hedge.Alignment.TimeSource,
		ToleranceMS: p.cfg.Hedge.Alignment.ToleranceMS,
		Open:        th.Open,
		Close:       th.Close,
		CooldownMS:  p.cfg.SpreadCooldownMS(),
		SkipBefore:  p.SkipBefore,
		Lookback:    p.cfg.Runner.Lookback,
	}
}

func (p *Pipeline) fundingConfig(veracity string) strategy.FundingConfig {
	legA, legB := p.cfg.Hedge.LegA(), p.cfg.Hedge.LegB()
	f := p.cfg.Strategy.Funding
	return strategy.FundingConfig{
		LegA:         strategy.Leg{Exchange: legA.Exchange, Symbol: legA.Symbol, ContractSize: p.cfg.ContractSize(legA)},
		LegB:         strategy.Leg{Exchange: legB.Exchange, Symbol: legB.Symbol, ContractSize: p.cfg.ContractSize(legB)},
		Open:         f.OpenThresholdAnnualizedPct,
		Close:        f.CloseThresholdAnnualizedPct,
		PositionSize: f.PositionSizeUSDT,
		ApproxPrice:  f.ApproxPrice,
		SkipBefore:   p.SkipBefore,
		Veracity:     veracity,
	}
}

// ResetFunding drops the funding checkpoint and every FUNDING record so the
// engine replays from the start of the series.
func (p *Pipeline) ResetFunding() error {
	history, err := p.history.Load()
	if err != nil {
		return err
	}
	if err := p.history.Write(signal.Without(history, signal.StrategyFunding)); err != nil {
		return err
	}
	return strategy.ResetCheckpoint(p.checkpoint)
}

// Reset forgets everything the pipeline persisted: history, active view,
// checkpoint, open translator sessions and delivery keys.
func (p *Pipeline) Reset(ctx context.Context) error {
	var errs []error
	for _, path := range []string{p.history.HistoryPath, p.history.ActivePath, p.checkpoint} {
		if err := state.RemoveFile(path); err != nil {
			errs = append(errs, err)
		}
	}
	if err := translate.ClearSessions(ctx, p.kv); err != nil {
		errs = append(errs, err)
	}
	if err := p.dispatcher.Forget(ctx); err != nil {
		errs = append(errs, err)
	}
	p.log.Info("pipeline state reset",
		zap.String("history", p.history.HistoryPath),
		zap.String("checkpoint", p.checkpoint),
	)
	return errors.Join(errs...)
}

func requireSeries(store *series.Store, exchangeA, symbolA, exchangeB, symbolB string) error {
	for _, leg := range [][2]string{{exchangeA, symbolA}, {exchangeB, symbolB}} {
		if _, err := store.LoadPrices(leg[0], leg[1]); err != nil {
			return err
		}
		if _, err := store.LoadFunding(leg[0], leg[1]); err != nil {
			return err
		}
	}
	return nil
}
