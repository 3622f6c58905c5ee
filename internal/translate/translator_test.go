package translate

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/yuguogang/mock-exchange/internal/config"
	"github.com/yuguogang/mock-exchange/internal/series"
	"github.com/yuguogang/mock-exchange/internal/signal"
	"github.com/yuguogang/mock-exchange/internal/sink"
	"github.com/yuguogang/mock-exchange/internal/state"
)

const eightHours = int64(8 * 3600 * 1000)

type staticRates map[string][]series.FundingPoint

func (r staticRates) FundingRates(exchange, symbol string) ([]series.FundingPoint, error) {
	return r[exchange+"_"+symbol], nil
}

func testConfig() Config {
	return Config{
		LegA: LegSpec{
			Role: config.RoleLegA, Exchange: "binance", Symbol: "TRXUSDT", ContractSize: 1,
			Timeline: Timeline{IntervalMS: eightHours},
		},
		LegB: LegSpec{
			Role: config.RoleLegB, Exchange: "okx", Symbol: "TRXUSDT", ContractSize: 1000,
			Timeline: Timeline{IntervalMS: eightHours},
		},
		PositionSize: 10000,
		ApproxPrice:  0.3,
	}
}

func newTestTranslator(t *testing.T, rates RateSource) *Translator {
	t.Helper()
	tr, err := New(testConfig(), EngineContext{Rates: rates}, nil)
	if err != nil {
		t.Fatalf("new translator: %v", err)
	}
	return tr
}

func openSignal(ts int64, priceA, priceB float64) signal.Signal {
	return signal.Signal{
		Strategy:  signal.StrategyHedge,
		ID:        "sig_open",
		TS:        ts,
		Type:      signal.TypeOpen,
		SessionID: "HEDGE_1",
		Action:    "SELL_BINANCE_BUY_OKX",
		Legs:      []signal.Leg{{Exchange: "binance", Price: priceA}, {Exchange: "okx", Price: priceB}},
	}
}

func closeSignal(ts int64, priceA, priceB float64) signal.Signal {
	return signal.Signal{
		Strategy:  signal.StrategyHedge,
		ID:        "sig_close",
		TS:        ts,
		Type:      signal.TypeClose,
		SessionID: "HEDGE_1",
		Legs:      []signal.Leg{{Exchange: "binance", Price: priceA}, {Exchange: "okx", Price: priceB}},
	}
}

func ordersOf(items []sink.Item) []sink.Order {
	var out []sink.Order
	for _, item := range items {
		if item.Kind == sink.KindOrder {
			out = append(out, *item.Order)
		}
	}
	return out
}

func incomesOf(items []sink.Item) []sink.Income {
	var out []sink.Income
	for _, item := range items {
		if item.Kind == sink.KindIncome {
			out = append(out, *item.Income)
		}
	}
	return out
}

func TestQuantityRoundTripUsesEntryQuantity(t *testing.T) {
	tr := newTestTranslator(t, nil)

	items, err := tr.Translate(openSignal(0, 0.1, 0.1))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	open := ordersOf(items)
	if len(open) != 2 {
		t.Fatalf("expected two orders, got %+v", open)
	}
	if open[1].Quantity != 100 || open[1].Symbol != "TRX-USDT-SWAP" || open[1].Side != "BUY" {
		t.Fatalf("unexpected okx open order %+v", open[1])
	}
	if open[0].Quantity != 100000 || open[0].Side != "SELL" || open[0].ClientOrderID != "sig_open_A" {
		t.Fatalf("unexpected binance open order %+v", open[0])
	}

	// The close arrives at a different price; quantities must not change.
	items, err = tr.Translate(closeSignal(1000, 0.2, 0.2))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	closing := ordersOf(items)
	if len(closing) != 2 {
		t.Fatalf("expected two closing orders, got %+v", closing)
	}
	if closing[1].Quantity != 100 || closing[1].Side != "SELL" || closing[1].ClientOrderID != "sig_close_B" {
		t.Fatalf("unexpected okx close order %+v", closing[1])
	}
	if closing[0].Quantity != 100000 || closing[0].Side != "BUY" {
		t.Fatalf("unexpected binance close order %+v", closing[0])
	}
	if tr.Sessions().Len() != 0 {
		t.Fatalf("session should be discarded after close")
	}
}

func TestSettlementBoundaryOneIntervalPlusOneSecond(t *testing.T) {
	rates := staticRates{
		"binance_TRXUSDT": {{TS: 0, Rate: 0.0001}, {TS: eightHours, Rate: 0.0002}},
		"okx_TRXUSDT":     {{TS: 0, Rate: 0.0003}},
	}
	tr := newTestTranslator(t, rates)
	if _, err := tr.Translate(openSignal(0, 0.1, 0.1)); err != nil {
		t.Fatalf("open: %v", err)
	}
	items, err := tr.Translate(closeSignal(eightHours+1000, 0.1, 0.1))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if items[0].Kind != sink.KindIncome || items[1].Kind != sink.KindIncome {
		t.Fatalf("settlements must precede closing orders: %+v", items)
	}
	incomes := incomesOf(items)
	if len(incomes) != 2 {
		t.Fatalf("expected one settlement per leg, got %+v", incomes)
	}
	for _, inc := range incomes {
		if inc.Time != eightHours {
			t.Fatalf("settlement at %d, want %d", inc.Time, eightHours)
		}
		if inc.IncomeType != sink.IncomeFundingFee || inc.Info != "Funding Fee | Session: HEDGE_1" {
			t.Fatalf("unexpected income metadata %+v", inc)
		}
	}
	// Leg A is short 10000 notional at 0.0002: receives 2. Leg B is long at 0.0003: pays 3.
	if math.Abs(incomes[0].Amount-2) > 1e-9 || math.Abs(incomes[1].Amount+3) > 1e-9 {
		t.Fatalf("unexpected amounts %v %v", incomes[0].Amount, incomes[1].Amount)
	}
	if items[0].Key != "HEDGE_1_A_28800000" {
		t.Fatalf("unexpected income key %q", items[0].Key)
	}
}

func TestSettleSignalsAreIgnored(t *testing.T) {
	tr := newTestTranslator(t, nil)
	items, err := tr.Translate(signal.Signal{Strategy: signal.StrategyFunding, Type: signal.TypeSettle, SessionID: "ARB_REAL_1"})
	if err != nil || len(items) != 0 {
		t.Fatalf("expected nothing for SETTLE, got %+v err=%v", items, err)
	}
}

func TestCloseWithoutSessionFallsBack(t *testing.T) {
	tr := newTestTranslator(t, staticRates{})
	sig := closeSignal(eightHours*3, 0, 0)
	sig.Action = "BUY_A_SELL_B"
	items, err := tr.Translate(sig)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(incomesOf(items)) != 0 {
		t.Fatalf("no settlements without a session")
	}
	orders := ordersOf(items)
	if len(orders) != 2 {
		t.Fatalf("expected fallback orders, got %+v", orders)
	}
	// 10000 / 0.3 base, floored into 1000-unit contracts on okx.
	if orders[1].Quantity != 33 || orders[0].Side != "BUY" || orders[1].Side != "SELL" {
		t.Fatalf("unexpected fallback orders %+v", orders)
	}
}

func TestCloseUsesStructuredSidesReversed(t *testing.T) {
	tr := newTestTranslator(t, nil)
	sig := closeSignal(1, 0.1, 0.1)
	sig.LegASide, sig.LegBSide = signal.SideBuy, signal.SideSell
	orders := ordersOf(mustTranslate(t, tr, sig))
	if orders[0].Side != "SELL" || orders[1].Side != "BUY" {
		t.Fatalf("unexpected sides %+v", orders)
	}
}

func mustTranslate(t *testing.T, tr *Translator, sig signal.Signal) []sink.Item {
	t.Helper()
	items, err := tr.Translate(sig)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	return items
}

func TestUnknownExchangeIsConfigError(t *testing.T) {
	cfg := testConfig()
	cfg.LegB.Exchange = "kraken"
	_, err := New(cfg, EngineContext{}, nil)
	if !errors.Is(err, ErrUnknownExchange) || !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestParseAction(t *testing.T) {
	cases := []struct {
		action string
		a, b   signal.Side
		ok     bool
	}{
		{"SELL_BINANCE_BUY_OKX", signal.SideSell, signal.SideBuy, true},
		{"BUY_BINANCE_SELL_OKX", signal.SideBuy, signal.SideSell, true},
		{"SELL_A_BUY_B", signal.SideSell, signal.SideBuy, true},
		{"BUY_OKX_SELL_BINANCE", signal.SideSell, signal.SideBuy, true},
		{"HOLD", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		a, b, ok := ParseAction(tc.action, "binance", "okx")
		if ok != tc.ok || a != tc.a || b != tc.b {
			t.Fatalf("%q: got %s %s %v", tc.action, a, b, ok)
		}
	}
}

func TestBoundaries(t *testing.T) {
	tl := Timeline{IntervalMS: eightHours}
	if got := tl.Boundaries(0, eightHours+1000); len(got) != 1 || got[0] != eightHours {
		t.Fatalf("unexpected boundaries %v", got)
	}
	if got := tl.Boundaries(1, 2*eightHours); len(got) != 2 || got[0] != eightHours {
		t.Fatalf("unexpected boundaries %v", got)
	}
	if got := tl.Boundaries(eightHours, eightHours); len(got) != 0 {
		t.Fatalf("close at open yields nothing, got %v", got)
	}
	shifted := Timeline{IntervalMS: eightHours, StartMS: 3600_000}
	if got := shifted.Boundaries(-5, 3600_000); len(got) != 1 || got[0] != 3600_000 {
		t.Fatalf("unexpected shifted boundaries %v", got)
	}
}

func TestRateAt(t *testing.T) {
	points := []series.FundingPoint{{TS: 100, Rate: 0.1}, {TS: 200, Rate: 0.2}, {TS: 300, Rate: 0.3}}
	cases := map[int64]float64{50: 0.1, 100: 0.1, 199: 0.1, 200: 0.2, 299: 0.2, 1000: 0.3}
	for ts, want := range cases {
		if got := RateAt(points, ts); got != want {
			t.Fatalf("RateAt(%d) = %v, want %v", ts, got, want)
		}
	}
	if RateAt(nil, 10) != 0 {
		t.Fatalf("empty series should yield 0")
	}
}

func TestSessionTableSnapshotSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()

	tr := newTestTranslator(t, nil)
	mustTranslate(t, tr, openSignal(0, 0.1, 0.1))
	if err := tr.Sessions().Save(ctx, store); err != nil {
		t.Fatalf("save sessions: %v", err)
	}

	restored, err := LoadSessionTable(ctx, store)
	if err != nil {
		t.Fatalf("load sessions: %v", err)
	}
	restarted, err := New(testConfig(), EngineContext{Sessions: restored}, nil)
	if err != nil {
		t.Fatalf("new translator: %v", err)
	}
	orders := ordersOf(mustTranslate(t, restarted, closeSignal(1000, 0.5, 0.5)))
	if orders[1].Quantity != 100 {
		t.Fatalf("restored session lost entry quantity: %+v", orders[1])
	}

	if err := ClearSessions(ctx, store); err != nil {
		t.Fatalf("clear: %v", err)
	}
	empty, err := LoadSessionTable(ctx, store)
	if err != nil || empty.Len() != 0 {
		t.Fatalf("expected empty table, got %d err=%v", empty.Len(), err)
	}
}

func TestAdapters(t *testing.T) {
	if (OKX{}).MapSymbol("TRXUSDT") != "TRX-USDT-SWAP" || (OKX{}).MapSymbol("TRX-USDT-SWAP") != "TRX-USDT-SWAP" {
		t.Fatalf("okx symbol mapping")
	}
	if (Binance{}).MapSymbol("TRXUSDT") != "TRXUSDT" || (Binance{}).ConvertQuantity(12.5, 1000) != 12.5 {
		t.Fatalf("binance adapter should be identity")
	}
	if (OKX{}).ConvertQuantity(33333.3, 1000) != 33 || (OKX{}).ConvertQuantity(5.5, 0) != 5 {
		t.Fatalf("okx quantity conversion")
	}
	order := (OKX{}).BuildOrder(OrderParams{Symbol: "X", Side: "buy", Quantity: 1})
	if order.Side != "BUY" || order.Type != sink.OrderTypeMarket {
		t.Fatalf("unexpected order %+v", order)
	}
}
