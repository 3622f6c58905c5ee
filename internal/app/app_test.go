package app

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yuguogang/mock-exchange/internal/config"
	"github.com/yuguogang/mock-exchange/internal/rules"
	"github.com/yuguogang/mock-exchange/internal/series"
	"github.com/yuguogang/mock-exchange/internal/signal"
	"github.com/yuguogang/mock-exchange/internal/sink"
	"github.com/yuguogang/mock-exchange/internal/state"
	"github.com/yuguogang/mock-exchange/internal/strategy"

	"go.uber.org/zap"
)

const baseTS int64 = 1_700_000_000_000

type recordingSink struct {
	mu      sync.Mutex
	orders  []sink.Order
	incomes []sink.Income
}

func (s *recordingSink) InjectOrder(ctx context.Context, order sink.Order) sink.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, order)
	return sink.Result{OK: true, OrderID: order.ClientOrderID}
}

func (s *recordingSink) InjectIncome(ctx context.Context, income sink.Income) sink.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incomes = append(s.incomes, income)
	return sink.Result{OK: true}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		Data: config.DataConfig{
			RawDir:     filepath.Join(root, "data"),
			MixedDir:   filepath.Join(root, "data_mixed"),
			SignalsDir: filepath.Join(root, "signals"),
			LogsDir:    filepath.Join(root, "logs"),
		},
		Hedge: config.HedgeConfig{
			Name: "TRX_BINANCE_OKX",
			Legs: []config.LegConfig{
				{Role: config.RoleLegA, Exchange: "binance", Symbol: "TRXUSDT", Funding: config.FundingTimeline{IntervalHours: 8}},
				{
					Role: config.RoleLegB, Exchange: "okx", Symbol: "TRX-USDT-SWAP",
					ContractProfile: config.ContractProfile{ContractSize: 100},
					Funding:         config.FundingTimeline{IntervalHours: 8},
				},
			},
			Alignment: config.AlignmentConfig{TimeSource: config.RoleLegA, ToleranceMS: 1000},
			Signal: config.SignalConfig{
				Thresholds: config.SpreadThresholds{Open: 0.005, Close: 0.001},
				CooldownMS: 60_000,
			},
			Outputs: config.OutputsConfig{History: "history_TRX.json", Signals: "signals_TRX.json"},
		},
		Strategy: config.StrategyConfig{
			Funding: config.FundingParams{
				OpenThresholdAnnualizedPct:  10,
				CloseThresholdAnnualizedPct: 2,
				PositionSizeUSDT:            100,
				ApproxPrice:                 0.125,
			},
		},
		Runner: config.RunnerConfig{Interval: time.Second, MaxRetries: 3, RetryDelay: 10 * time.Millisecond},
		Sink:   config.SinkConfig{BaseURL: "http://127.0.0.1:3000"},
	}
}

// writeSeries lays down a price path that opens a hedge at minute 2 and
// closes it at minute 4, with flat funding on both legs.
func writeSeries(t *testing.T, cfg *config.Config) {
	t.Helper()
	raw := series.NewStore(cfg.Data.RawDir)
	pricesA := []float64{0.125, 0.125, 0.126, 0.1258, 0.12505, 0.125, 0.125, 0.125}
	var a, b []series.PricePoint
	for i, p := range pricesA {
		ts := baseTS + int64(i)*60_000
		a = append(a, series.PricePoint{TS: ts, Price: p})
		b = append(b, series.PricePoint{TS: ts + 200, Price: 0.125})
	}
	funding := []series.FundingPoint{
		{TS: baseTS - 8*3600*1000, Rate: 0.0001},
		{TS: baseTS, Rate: 0.0001},
	}
	if err := raw.SavePrices("binance", "TRXUSDT", a); err != nil {
		t.Fatalf("save prices A: %v", err)
	}
	if err := raw.SavePrices("okx", "TRX-USDT-SWAP", b); err != nil {
		t.Fatalf("save prices B: %v", err)
	}
	if err := raw.SaveFunding("binance", "TRXUSDT", funding); err != nil {
		t.Fatalf("save funding A: %v", err)
	}
	if err := raw.SaveFunding("okx", "TRX-USDT-SWAP", funding); err != nil {
		t.Fatalf("save funding B: %v", err)
	}
}

func TestPipelineRunCycleOpensClosesAndDelivers(t *testing.T) {
	cfg := testConfig(t)
	writeSeries(t, cfg)
	out := &recordingSink{}
	p, err := NewPipeline(cfg, Deps{Store: state.NewMemory(), Sink: out}, zap.NewNop())
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	report, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if len(report.Added) != 2 {
		t.Fatalf("expected OPEN and CLOSE, got %d signals", len(report.Added))
	}
	open, closing := report.Added[0], report.Added[1]
	if open.Type != signal.TypeOpen || open.TS != baseTS+2*60_000 {
		t.Fatalf("unexpected open signal: %+v", open)
	}
	if closing.Type != signal.TypeClose || closing.TS != baseTS+4*60_000 || closing.SessionID != open.SessionID {
		t.Fatalf("unexpected close signal: %+v", closing)
	}
	if report.Spread.State != strategy.StateIdle {
		t.Fatalf("expected idle after close, got %s", report.Spread.State)
	}

	if len(out.orders) != 4 {
		t.Fatalf("expected 4 orders, got %d", len(out.orders))
	}
	if len(out.incomes) != 0 {
		t.Fatalf("expected no settlements inside one funding interval, got %d", len(out.incomes))
	}
	openA, openB := out.orders[0], out.orders[1]
	if openA.Symbol != "TRXUSDT" || openA.Side != "SELL" {
		t.Fatalf("unexpected leg A open order: %+v", openA)
	}
	if math.Abs(openA.Quantity-100/0.126) > 1e-9 {
		t.Fatalf("unexpected leg A quantity: %f", openA.Quantity)
	}
	if openB.Symbol != "TRX-USDT-SWAP" || openB.Side != "BUY" || openB.Quantity != 8 {
		t.Fatalf("unexpected leg B open order: %+v", openB)
	}
	closeA, closeB := out.orders[2], out.orders[3]
	if closeA.Side != "BUY" || closeB.Side != "SELL" {
		t.Fatalf("closing orders must reverse entry sides: %s %s", closeA.Side, closeB.Side)
	}
	if closeA.Quantity != openA.Quantity || closeB.Quantity != openB.Quantity {
		t.Fatalf("closing quantities must match the session: %f %f", closeA.Quantity, closeB.Quantity)
	}
	if !strings.HasSuffix(openA.ClientOrderID, "_A") || !strings.HasSuffix(openB.ClientOrderID, "_B") {
		t.Fatalf("unexpected client order ids: %s %s", openA.ClientOrderID, openB.ClientOrderID)
	}

	history, err := p.History().Load()
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(history))
	}
	cp, err := strategy.LoadCheckpoint(p.CheckpointPath())
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.LastProcessedTS != baseTS {
		t.Fatalf("expected checkpoint at last funding tick, got %d", cp.LastProcessedTS)
	}
}

func TestPipelineRerunIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	writeSeries(t, cfg)
	out := &recordingSink{}
	p, err := NewPipeline(cfg, Deps{Store: state.NewMemory(), Sink: out}, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	if _, err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	delivered := len(out.orders)

	report, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if len(report.Added) != 0 {
		t.Fatalf("expected no new signals, got %d", len(report.Added))
	}
	if report.Delivery.Total() != 0 {
		t.Fatalf("expected nothing delivered, got %+v", report.Delivery)
	}
	if len(out.orders) != delivered {
		t.Fatalf("expected no extra orders, got %d", len(out.orders)-delivered)
	}
	history, err := p.History().Load()
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history must not grow on rerun, got %d", len(history))
	}
}

func TestPipelineSkipBeforeSuppressesOrders(t *testing.T) {
	cfg := testConfig(t)
	writeSeries(t, cfg)
	out := &recordingSink{}
	p, err := NewPipeline(cfg, Deps{Store: state.NewMemory(), Sink: out}, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.SkipBefore = baseTS + 10*60_000

	report, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if len(report.Added) != 0 || len(out.orders) != 0 {
		t.Fatalf("expected no signals or orders before the cut-off, got %d signals %d orders", len(report.Added), len(out.orders))
	}
}

func TestPipelineDataGapAbortsBeforeWrites(t *testing.T) {
	cfg := testConfig(t)
	p, err := NewPipeline(cfg, Deps{Store: state.NewMemory(), Sink: &recordingSink{}}, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	_, err = p.RunCycle(context.Background())
	if !errors.Is(err, series.ErrDataGap) {
		t.Fatalf("expected data gap, got %v", err)
	}
	if _, statErr := os.Stat(p.History().HistoryPath); !os.IsNotExist(statErr) {
		t.Fatalf("history must not be written on a failed cycle")
	}
}

func TestPipelineResetForgetsState(t *testing.T) {
	cfg := testConfig(t)
	writeSeries(t, cfg)
	out := &recordingSink{}
	store := state.NewMemory()
	p, err := NewPipeline(cfg, Deps{Store: store, Sink: out}, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	if _, err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if err := p.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, statErr := os.Stat(p.CheckpointPath()); !os.IsNotExist(statErr) {
		t.Fatalf("checkpoint must be removed on reset")
	}
	report, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle after reset: %v", err)
	}
	if len(report.Added) != 2 || report.Delivery.Delivered != 4 {
		t.Fatalf("expected a full replay after reset, got %d signals %+v", len(report.Added), report.Delivery)
	}
}

func TestRunOnceWritesErrorRecordAfterRetries(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(cfg, Options{Once: true}, state.NewMemory(), &recordingSink{}, zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	fixed := time.UnixMilli(baseTS).UTC()
	a.now = func() time.Time { return fixed }
	var sleeps int
	a.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		return nil
	}

	err = a.Run(context.Background())
	if !errors.Is(err, series.ErrDataGap) {
		t.Fatalf("expected data gap from failed cycle, got %v", err)
	}
	if sleeps != cfg.Runner.MaxRetries-1 {
		t.Fatalf("expected %d retry sleeps, got %d", cfg.Runner.MaxRetries-1, sleeps)
	}
	data, err := os.ReadFile(filepath.Join(cfg.Data.LogsDir, "error_1700000000000.json"))
	if err != nil {
		t.Fatalf("read error record: %v", err)
	}
	var record errorRecord
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("decode error record: %v", err)
	}
	if record.Cycle != 1 || record.RunID != a.runID || !strings.Contains(record.Error, "data gap") {
		t.Fatalf("unexpected error record: %+v", record)
	}
}

func TestRunOnceFullReplayDelivers(t *testing.T) {
	cfg := testConfig(t)
	writeSeries(t, cfg)
	out := &recordingSink{}
	store := state.NewMemory()
	a, err := newApp(cfg, Options{Once: true, FullReplay: true}, store, out, zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out.orders) != 4 {
		t.Fatalf("expected 4 orders, got %d", len(out.orders))
	}
	snap, ok, err := state.LoadRunSnapshot(context.Background(), store)
	if err != nil || !ok {
		t.Fatalf("expected run snapshot, ok=%v err=%v", ok, err)
	}
	if snap.NewSignals != 2 || snap.Delivered != 4 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRunSkipsPausedCycles(t *testing.T) {
	cfg := testConfig(t)
	writeSeries(t, cfg)
	out := &recordingSink{}
	a, err := newApp(cfg, Options{Once: true, FullReplay: true}, state.NewMemory(), out, nil)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	a.setPaused(true)
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out.orders) != 0 {
		t.Fatalf("paused run must not deliver, got %d orders", len(out.orders))
	}
}

const testRuleSet = `{
  "mix_name": "trx_test",
  "timezone": "UTC",
  "legs": [
    {"exchange": "binance", "symbol": "TRXUSDT"},
    {"exchange": "okx", "symbol": "TRX-USDT-SWAP"}
  ],
  "segments": [
    {
      "id": "seg_A",
      "start_local": "2023-11-14 00:00",
      "end_local": "2023-11-15 00:00",
      "priority": 100,
      "target": {"exchange": "okx", "symbol": "TRX-USDT-SWAP", "metrics": ["funding", "price"]},
      "ops": {"funding": [{"type": "scale", "value": 1.3}]}
    }
  ]
}`

func TestPipelineDataGapAbortsBeforeMixing(t *testing.T) {
	cfg := testConfig(t)
	writeSeries(t, cfg)
	raw := series.NewStore(cfg.Data.RawDir)
	if err := os.Remove(raw.FundingPath("okx", "TRX-USDT-SWAP")); err != nil {
		t.Fatalf("remove funding: %v", err)
	}
	rulePath := filepath.Join(t.TempDir(), "mix_TRX.json")
	if err := os.WriteFile(rulePath, []byte(testRuleSet), 0o644); err != nil {
		t.Fatalf("write rule set: %v", err)
	}
	controller, err := rules.NewController(rulePath, nil)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	p, err := NewPipeline(cfg, Deps{Store: state.NewMemory(), Sink: &recordingSink{}, Controller: controller}, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	_, err = p.RunCycle(context.Background())
	if !errors.Is(err, series.ErrDataGap) {
		t.Fatalf("expected data gap, got %v", err)
	}
	if _, statErr := os.Stat(cfg.Data.MixedDir); !os.IsNotExist(statErr) {
		t.Fatalf("mixed dir must not be written on an aborted cycle: %v", statErr)
	}
	if _, statErr := os.Stat(controller.HistoryPath()); !os.IsNotExist(statErr) {
		t.Fatalf("rule history must not be written on an aborted cycle")
	}
}
