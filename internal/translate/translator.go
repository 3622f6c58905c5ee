package translate

import (
	"fmt"
	"strings"

	"github.com/yuguogang/mock-exchange/internal/config"
	"github.com/yuguogang/mock-exchange/internal/series"
	"github.com/yuguogang/mock-exchange/internal/signal"
	"github.com/yuguogang/mock-exchange/internal/sink"

	"go.uber.org/zap"
)

const (
	defaultPositionSize = 10000
	defaultApproxPrice  = 0.3
)

type LegSpec struct {
	Role         string
	Exchange     string
	Symbol       string
	ContractSize float64
	Timeline     Timeline
}

type Config struct {
	LegA         LegSpec
	LegB         LegSpec
	PositionSize float64
	ApproxPrice  float64
}

// ConfigFrom derives translator settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	leg := func(l config.LegConfig) LegSpec {
		return LegSpec{
			Role:         l.Role,
			Exchange:     l.Exchange,
			Symbol:       l.Symbol,
			ContractSize: cfg.ContractSize(l),
			Timeline: Timeline{
				IntervalMS: l.Funding.IntervalMS(),
				StartMS:    l.Funding.StartTime,
			},
		}
	}
	return Config{
		LegA:         leg(cfg.Hedge.LegA()),
		LegB:         leg(cfg.Hedge.LegB()),
		PositionSize: cfg.Strategy.Funding.PositionSizeUSDT,
		ApproxPrice:  cfg.Strategy.Funding.ApproxPrice,
	}
}

// EngineContext is the state one translation run owns.
type EngineContext struct {
	Rates    RateSource
	Sessions *SessionTable
}

// Translator turns signals into orders and funding income for the mock
// exchange.
type Translator struct {
	cfg      Config
	adapterA ExchangeAdapter
	adapterB ExchangeAdapter
	rates    RateSource
	sessions *SessionTable
	log      *zap.Logger
}

func New(cfg Config, ectx EngineContext, log *zap.Logger) (*Translator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	adapterA, err := AdapterFor(cfg.LegA.Exchange)
	if err != nil {
		return nil, fmt.Errorf("leg A: %w", err)
	}
	adapterB, err := AdapterFor(cfg.LegB.Exchange)
	if err != nil {
		return nil, fmt.Errorf("leg B: %w", err)
	}
	if cfg.PositionSize <= 0 {
		cfg.PositionSize = defaultPositionSize
	}
	if cfg.ApproxPrice <= 0 {
		cfg.ApproxPrice = defaultApproxPrice
	}
	if ectx.Sessions == nil {
		ectx.Sessions = NewSessionTable()
	}
	return &Translator{
		cfg:      cfg,
		adapterA: adapterA,
		adapterB: adapterB,
		rates:    ectx.Rates,
		sessions: ectx.Sessions,
		log:      log,
	}, nil
}

func (t *Translator) Sessions() *SessionTable {
	return t.sessions
}

// Translate returns the items for one signal: nothing for SETTLE, two orders
// for OPEN, and settlements followed by two closing orders for CLOSE.
func (t *Translator) Translate(sig signal.Signal) ([]sink.Item, error) {
	switch sig.Type {
	case signal.TypeOpen:
		return t.translateOpen(sig), nil
	case signal.TypeClose:
		return t.translateClose(sig)
	default:
		return nil, nil
	}
}

func (t *Translator) translateOpen(sig signal.Signal) []sink.Item {
	sideA, sideB, ok := entrySides(sig, t.cfg)
	if !ok {
		t.log.Warn("open signal without sides", zap.String("session_id", sig.SessionID))
		return nil
	}
	priceA := t.legPrice(sig, 0, t.cfg.LegA.Exchange)
	priceB := t.legPrice(sig, 1, t.cfg.LegB.Exchange)
	session := Session{
		ID:      sig.SessionID,
		EntryTS: sig.TS,
		QtyA:    t.cfg.PositionSize / priceA,
		QtyB:    t.cfg.PositionSize / priceB,
		PriceA:  priceA,
		PriceB:  priceB,
		SideA:   sideA,
		SideB:   sideB,
	}
	t.sessions.Put(session)
	return t.orders(sig, sideA, sideB, session.QtyA, session.QtyB, priceA, priceB)
}

func (t *Translator) translateClose(sig signal.Signal) ([]sink.Item, error) {
	session, found := t.sessions.Get(sig.SessionID)
	var items []sink.Item
	var qtyA, qtyB float64
	if found {
		settlements, err := t.settlements(session, sig.TS)
		if err != nil {
			return nil, err
		}
		items = append(items, settlements...)
		qtyA, qtyB = session.QtyA, session.QtyB
		t.sessions.Delete(sig.SessionID)
	} else {
		t.log.Warn("close without open session, approximating quantities",
			zap.String("session_id", sig.SessionID),
			zap.Int64("ts", sig.TS),
		)
		qtyA = t.cfg.PositionSize / t.legPrice(sig, 0, t.cfg.LegA.Exchange)
		qtyB = t.cfg.PositionSize / t.legPrice(sig, 1, t.cfg.LegB.Exchange)
	}

	sideA, sideB, ok := closingSides(sig, session, found, t.cfg)
	if !ok {
		t.log.Warn("close signal without sides", zap.String("session_id", sig.SessionID))
		return items, nil
	}
	priceA, priceB := session.PriceA, session.PriceB
	if p, ok := legPriceFromSignal(sig, 0, t.cfg.LegA.Exchange); ok || !found {
		priceA = orPrice(p, t.cfg.ApproxPrice)
	}
	if p, ok := legPriceFromSignal(sig, 1, t.cfg.LegB.Exchange); ok || !found {
		priceB = orPrice(p, t.cfg.ApproxPrice)
	}
	return append(items, t.orders(sig, sideA, sideB, qtyA, qtyB, priceA, priceB)...), nil
}

func (t *Translator) orders(sig signal.Signal, sideA, sideB signal.Side, baseA, baseB, priceA, priceB float64) []sink.Item {
	ref := sig.ID
	if ref == "" {
		ref = sig.SessionID
	}
	build := func(adapter ExchangeAdapter, leg LegSpec, side signal.Side, base, price float64, suffix string) sink.Item {
		order := adapter.BuildOrder(OrderParams{
			Symbol:        adapter.MapSymbol(leg.Symbol),
			Side:          string(side),
			Quantity:      adapter.ConvertQuantity(base, leg.ContractSize),
			Price:         price,
			ClientOrderID: ref + suffix,
		})
		return sink.OrderItem(leg.Exchange, order)
	}
	return []sink.Item{
		build(t.adapterA, t.cfg.LegA, sideA, baseA, priceA, "_A"),
		build(t.adapterB, t.cfg.LegB, sideB, baseB, priceB, "_B"),
	}
}

func (t *Translator) settlements(session Session, closeTS int64) ([]sink.Item, error) {
	var items []sink.Item
	legs := []struct {
		spec     LegSpec
		adapter  ExchangeAdapter
		tag      string
		side     signal.Side
		notional float64
	}{
		{t.cfg.LegA, t.adapterA, "A", session.SideA, session.NotionalA()},
		{t.cfg.LegB, t.adapterB, "B", session.SideB, session.NotionalB()},
	}
	for _, leg := range legs {
		boundaries := leg.spec.Timeline.Boundaries(session.EntryTS, closeTS)
		if len(boundaries) == 0 {
			continue
		}
		var rates []series.FundingPoint
		if t.rates != nil {
			points, err := t.rates.FundingRates(leg.spec.Exchange, leg.spec.Symbol)
			if err != nil {
				return nil, fmt.Errorf("funding rates %s %s: %w", leg.spec.Exchange, leg.spec.Symbol, err)
			}
			rates = points
		}
		for _, ts := range boundaries {
			amount := Fee(leg.notional, RateAt(rates, ts), leg.side)
			items = append(items, sink.IncomeItem(leg.spec.Exchange,
				fmt.Sprintf("%s_%s_%d", session.ID, leg.tag, ts),
				sink.Income{
					Symbol:     leg.adapter.MapSymbol(leg.spec.Symbol),
					IncomeType: sink.IncomeFundingFee,
					Amount:     amount,
					Asset:      sink.AssetUSDT,
					Time:       ts,
					Info:       "Funding Fee | Session: " + session.ID,
				}))
		}
	}
	return items, nil
}

func (t *Translator) legPrice(sig signal.Signal, idx int, exchange string) float64 {
	p, _ := legPriceFromSignal(sig, idx, exchange)
	return orPrice(p, t.cfg.ApproxPrice)
}

func legPriceFromSignal(sig signal.Signal, idx int, exchange string) (float64, bool) {
	if idx < len(sig.Legs) && strings.EqualFold(sig.Legs[idx].Exchange, exchange) && sig.Legs[idx].Price > 0 {
		return sig.Legs[idx].Price, true
	}
	for _, leg := range sig.Legs {
		if strings.EqualFold(leg.Exchange, exchange) && leg.Price > 0 {
			return leg.Price, true
		}
	}
	return 0, false
}

func orPrice(p, def float64) float64 {
	if p > 0 {
		return p
	}
	return def
}

func entrySides(sig signal.Signal, cfg Config) (signal.Side, signal.Side, bool) {
	if sig.LegASide != "" && sig.LegBSide != "" {
		return sig.LegASide, sig.LegBSide, true
	}
	return ParseAction(sig.Action, cfg.LegA.Exchange, cfg.LegB.Exchange)
}

// closingSides prefers the structured entry sides (reversed), then an
// explicit action, then the reverse of what the session opened with.
func closingSides(sig signal.Signal, session Session, found bool, cfg Config) (signal.Side, signal.Side, bool) {
	if sig.LegASide != "" && sig.LegBSide != "" {
		return sig.LegASide.Reverse(), sig.LegBSide.Reverse(), true
	}
	if a, b, ok := ParseAction(sig.Action, cfg.LegA.Exchange, cfg.LegB.Exchange); ok {
		return a, b, true
	}
	if found && session.SideA != "" && session.SideB != "" {
		return session.SideA.Reverse(), session.SideB.Reverse(), true
	}
	return "", "", false
}

// ParseAction reads an action such as SELL_BINANCE_BUY_OKX or SELL_A_BUY_B.
// Each SIDE_TOKEN pair names a leg either by letter or by exchange.
func ParseAction(action, exchangeA, exchangeB string) (signal.Side, signal.Side, bool) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(action)), "_")
	if len(parts) != 4 {
		return "", "", false
	}
	exA, exB := strings.ToUpper(exchangeA), strings.ToUpper(exchangeB)
	var sideA, sideB signal.Side
	for i := 0; i < 4; i += 2 {
		side := signal.Side(parts[i])
		if side != signal.SideBuy && side != signal.SideSell {
			return "", "", false
		}
		token := parts[i+1]
		isA := token == "A" || token == exA
		isB := token == "B" || token == exB
		switch {
		case isA && isB:
			// Both legs on one venue: position decides.
			if i == 0 {
				sideA = side
			} else {
				sideB = side
			}
		case isA:
			sideA = side
		case isB:
			sideB = side
		default:
			return "", "", false
		}
	}
	if sideA == "" || sideB == "" {
		return "", "", false
	}
	return sideA, sideB, true
}
