package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yuguogang/mock-exchange/internal/alerts"
	"github.com/yuguogang/mock-exchange/internal/bus"
	"github.com/yuguogang/mock-exchange/internal/config"
	"github.com/yuguogang/mock-exchange/internal/metrics"
	"github.com/yuguogang/mock-exchange/internal/mixer"
	"github.com/yuguogang/mock-exchange/internal/rules"
	"github.com/yuguogang/mock-exchange/internal/sink"
	"github.com/yuguogang/mock-exchange/internal/state"
	"github.com/yuguogang/mock-exchange/internal/state/sqlite"
	"github.com/yuguogang/mock-exchange/internal/strategy"
	"github.com/yuguogang/mock-exchange/internal/timescale"

	"go.uber.org/zap"
)

// Options are the per-run switches of the replay driver.
type Options struct {
	// Once runs a single cycle and returns.
	Once bool
	// FullReplay replays from the start of the data instead of from boot
	// time; the first cycle resets the funding engine.
	FullReplay bool
	// Reset wipes history, checkpoint and delivery keys before starting.
	Reset bool
	// SkipBefore overrides the boot-time cut-off when non-zero.
	SkipBefore int64
}

type App struct {
	cfg       *config.Config
	opts      Options
	log       *zap.Logger
	store     state.Store
	pipeline  *Pipeline
	rules     *rules.Controller
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram
	timescale *timescale.Writer
	redis     *redis.Client
	publisher *bus.Publisher

	runID string
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool
	cycle          int
	lastReport     *CycleReport
	lastErr        error
}

func New(cfg *config.Config, opts Options, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a, err := newApp(cfg, opts, store, sink.New(cfg.Sink.BaseURL, cfg.Sink.Timeout, log), log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if cfg.Timescale.Enabled {
		writer, err := timescale.New(cfg.Timescale, log)
		if err != nil {
			log.Warn("timescale disabled", zap.Error(err))
		} else {
			a.timescale = writer
		}
	}
	if cfg.Redis.Enabled {
		client, err := bus.NewClient(context.Background(), cfg.Redis)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.redis = client
		a.publisher = bus.NewPublisher(client, cfg.Redis.Channel, cfg.Redis.Stream, log)
	}
	return a, nil
}

func newApp(cfg *config.Config, opts Options, store state.Store, s sink.Sink, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{
		cfg:     cfg,
		opts:    opts,
		log:     log,
		store:   store,
		metrics: metrics.NewNoop(),
		alerts:  alerts.NewTelegram(cfg.Telegram, log),
		runID:   uuid.NewString(),
		now:     time.Now,
		sleep:   sleepContext,
	}
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	}
	if cfg.Mixer.EnabledValue() {
		controller, err := rules.NewController(cfg.Mixer.RuleSet, log)
		if err != nil {
			return nil, err
		}
		controller.SetTarget(mixerTarget(cfg.Hedge.LegB()))
		a.rules = controller
	}
	pipeline, err := NewPipeline(cfg, Deps{
		Store:      store,
		Sink:       s,
		Metrics:    a.metrics,
		Controller: a.rules,
	}, log)
	if err != nil {
		return nil, err
	}
	a.pipeline = pipeline
	return a, nil
}

func (a *App) Close() error {
	var errs []error
	if a.timescale != nil {
		errs = append(errs, a.timescale.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// Run drives the pipeline every runner interval until ctx ends. A cycle that
// keeps failing after its retries is recorded and skipped; the loop goes on.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	if a.redis != nil {
		lock, err := bus.NewLocker(a.redis).Acquire(ctx, a.cfg.Redis.LockKey, a.cfg.Redis.LockTTL)
		if err != nil {
			return fmt.Errorf("pipeline lock: %w", err)
		}
		defer lock.Release()
		lockCtx, stop := context.WithCancelCause(ctx)
		defer stop(nil)
		go a.holdLock(lockCtx, lock, lock.TTL(), stop)
		ctx = lockCtx
	}
	if a.opts.Reset {
		if err := a.pipeline.Reset(ctx); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}

	bootTime := a.now().UnixMilli()
	skipBefore := bootTime
	switch {
	case a.opts.SkipBefore > 0:
		skipBefore = a.opts.SkipBefore
	case a.opts.FullReplay:
		skipBefore = 0
	}
	a.pipeline.SkipBefore = skipBefore
	a.log.Info("replay starting",
		zap.String("run_id", a.runID),
		zap.Int64("skip_before", skipBefore),
		zap.Bool("full_replay", a.opts.FullReplay),
		zap.Duration("interval", a.cfg.Runner.Interval),
		zap.String("sink", a.cfg.Sink.BaseURL),
	)

	a.startMetricsServer(ctx)
	a.timescale.Start(ctx)
	a.startOperator(ctx)

	for {
		a.opsMu.Lock()
		a.cycle++
		a.opsMu.Unlock()
		if a.cycle == 1 && a.opts.FullReplay && !a.opts.Reset {
			if err := a.pipeline.ResetFunding(); err != nil {
				return fmt.Errorf("reset funding engine: %w", err)
			}
		}
		started := a.now()
		if a.isPaused() {
			a.log.Info("cycle skipped while paused", zap.Int("cycle", a.cycle))
		} else {
			a.runWithRetry(ctx)
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if a.opts.Once {
			return a.lastErr
		}
		wait := a.cfg.Runner.Interval - a.now().Sub(started)
		if wait < 0 {
			wait = 0
		}
		if err := a.sleep(ctx, wait); err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return cause
			}
			return err
		}
	}
}

type lockExtender interface {
	Extend(ctx context.Context) error
}

// holdLock renews the pipeline lock every third of its TTL. Losing the key to
// another holder stops the run; transient renewal errors are retried on the
// next tick.
func (a *App) holdLock(ctx context.Context, lock lockExtender, ttl time.Duration, stop context.CancelCauseFunc) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := lock.Extend(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, bus.ErrLockLost) {
			a.log.Error("pipeline lock lost", zap.String("key", a.cfg.Redis.LockKey), zap.Error(err))
			stop(fmt.Errorf("pipeline lock: %w", err))
			return
		}
		a.log.Warn("pipeline lock renewal failed", zap.String("key", a.cfg.Redis.LockKey), zap.Error(err))
	}
}

func (a *App) runWithRetry(ctx context.Context) {
	attempts := a.cfg.Runner.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var report CycleReport
		report, err = a.pipeline.RunCycle(ctx)
		if err == nil {
			a.afterCycle(ctx, report)
			return
		}
		if ctx.Err() != nil {
			return
		}
		a.log.Warn("cycle failed",
			zap.Int("cycle", a.cycle),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
		if attempt < attempts {
			if sleepErr := a.sleep(ctx, a.cfg.Runner.RetryDelay); sleepErr != nil {
				return
			}
		}
	}
	a.failCycle(ctx, err)
}

func (a *App) afterCycle(ctx context.Context, report CycleReport) {
	a.metrics.Cycles.Inc()
	a.opsMu.Lock()
	a.lastReport = &report
	a.lastErr = nil
	a.opsMu.Unlock()

	a.log.Info("cycle complete",
		zap.Int("cycle", a.cycle),
		zap.String("rule", report.Rule),
		zap.String("spread_state", string(report.Spread.State)),
		zap.Int("aligned", report.Spread.Aligned),
		zap.Int("funding_events", report.Funding.Processed),
		zap.Int("new_signals", len(report.Added)),
		zap.Int("delivered", report.Delivery.Delivered),
		zap.Int("skipped", report.Delivery.Skipped),
		zap.Int("failed", report.Delivery.Failed),
		zap.Duration("duration", report.Duration),
	)
	if len(report.Added) > 0 {
		if _, err := a.publisher.PublishSignals(ctx, report.Added); err != nil {
			a.log.Warn("signal publish failed", zap.Error(err))
		}
		a.alerts.NotifySignals(ctx, report.Added)
	}
	a.recordTimescale(report)
	if err := state.SaveRunSnapshot(ctx, a.store, a.runSnapshot(report, nil)); err != nil {
		a.log.Warn("run snapshot write failed", zap.Error(err))
	}
}

func (a *App) failCycle(ctx context.Context, cause error) {
	a.metrics.CycleFailures.Inc()
	a.opsMu.Lock()
	a.lastErr = cause
	a.opsMu.Unlock()
	path, err := a.writeErrorRecord(cause)
	if err != nil {
		a.log.Error("error record write failed", zap.Error(err))
	}
	a.log.Error("cycle skipped after retries",
		zap.Int("cycle", a.cycle),
		zap.String("record", path),
		zap.Error(cause),
	)
	a.alerts.NotifyFailure(ctx, int64(a.cycle), cause)
	if err := state.SaveRunSnapshot(ctx, a.store, a.runSnapshot(CycleReport{StartedAt: a.now().UTC()}, cause)); err != nil {
		a.log.Warn("run snapshot write failed", zap.Error(err))
	}
}

type errorRecord struct {
	RunID     string `json:"runId"`
	Cycle     int    `json:"cycle"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error"`
}

func (a *App) writeErrorRecord(cause error) (string, error) {
	now := a.now()
	path := filepath.Join(a.cfg.Data.LogsDir, fmt.Sprintf("error_%d.json", now.UnixMilli()))
	record := errorRecord{
		RunID:     a.runID,
		Cycle:     a.cycle,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Error:     cause.Error(),
	}
	return path, state.WriteJSONAtomic(path, record)
}

func (a *App) runSnapshot(report CycleReport, cause error) state.RunSnapshot {
	snap := state.RunSnapshot{
		RunID:         a.runID,
		Cycle:         a.cycle,
		StartedAtMS:   report.StartedAt.UnixMilli(),
		FinishedAtMS:  a.now().UnixMilli(),
		Rule:          report.Rule,
		SpreadState:   string(report.Spread.State),
		SpreadSession: report.Spread.SessionID,
		TotalIncome:   report.Funding.Checkpoint.TotalIncome,
		NewSignals:    len(report.Added),
		Delivered:     report.Delivery.Delivered,
		SinkFailures:  report.Delivery.Failed,
		Paused:        a.isPaused(),
	}
	if pos := report.Funding.Checkpoint.ActivePosition; pos != nil {
		snap.FundingSession = pos.SessionID
	}
	if cause != nil {
		snap.LastError = cause.Error()
	}
	return snap
}

func (a *App) startMetricsServer(ctx context.Context) {
	if a.prom == nil || a.cfg.Metrics.Address == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics listening", zap.String("address", a.cfg.Metrics.Address), zap.String("path", a.cfg.Metrics.Path))
}

// LoadCheckpoint exposes the funding checkpoint for status and verification.
func (a *App) LoadCheckpoint() (strategy.Checkpoint, error) {
	return strategy.LoadCheckpoint(a.pipeline.CheckpointPath())
}

// mixerTarget aims switched rules at the non-reference leg.
func mixerTarget(leg config.LegConfig) mixer.Target {
	return mixer.Target{
		Exchange: leg.Exchange,
		Symbol:   leg.Symbol,
		Metrics:  []string{mixer.MetricFunding, mixer.MetricPrice},
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
