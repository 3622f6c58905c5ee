package strategy

import (
	"fmt"
	"math"
	"sort"

	"github.com/yuguogang/mock-exchange/internal/series"
	"github.com/yuguogang/mock-exchange/internal/signal"
	"github.com/yuguogang/mock-exchange/internal/sink"

	"go.uber.org/zap"
)

type FundingConfig struct {
	LegA Leg
	LegB Leg
	// Open and Close are annualized spread thresholds, Close < Open.
	Open         float64
	Close        float64
	PositionSize float64
	ApproxPrice  float64
	SkipBefore   int64
	// Veracity tags sessions and signals: FAKE when reading mixed data.
	Veracity string
}

type FundingResult struct {
	Checkpoint Checkpoint
	Signals    []signal.Signal
	Effects    []sink.Item
	IntervalA  float64
	IntervalB  float64
	Processed  int
}

// FundingEngine accrues funding income on a two-leg position and opens or
// closes it on the annualized rate spread. Run is pure: the caller persists
// the returned checkpoint and delivers the effects.
type FundingEngine struct {
	cfg  FundingConfig
	qtyA float64
	qtyB float64
	log  *zap.Logger
}

func NewFundingEngine(cfg FundingConfig, log *zap.Logger) *FundingEngine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Veracity == "" {
		cfg.Veracity = signal.VeracityReal
	}
	if cfg.LegA.ContractSize <= 0 {
		cfg.LegA.ContractSize = 1
	}
	if cfg.LegB.ContractSize <= 0 {
		cfg.LegB.ContractSize = 1
	}
	return &FundingEngine{
		cfg:  cfg,
		qtyA: contractQuantity(cfg.PositionSize, cfg.ApproxPrice, cfg.LegA.ContractSize),
		qtyB: contractQuantity(cfg.PositionSize, cfg.ApproxPrice, cfg.LegB.ContractSize),
		log:  log,
	}
}

func contractQuantity(size, price, contractSize float64) float64 {
	if price <= 0 || contractSize <= 0 {
		return 0
	}
	return math.Floor((size / price) / contractSize)
}

// Quantities returns the contract counts traded on each leg.
func (e *FundingEngine) Quantities() (float64, float64) {
	return e.qtyA, e.qtyB
}

type fundingTick struct {
	rateA, rateB float64
	hasA, hasB   bool
}

// Run processes every point of fullA and fullB strictly after the checkpoint.
// Rates at or before the checkpoint only seed the carried-forward values, so
// one call over a range and several calls over consecutive pieces of it end
// in the same checkpoint and emit the same records.
func (e *FundingEngine) Run(fullA, fullB []series.FundingPoint, cp Checkpoint) FundingResult {
	cfg := e.cfg
	cp = cp.clone()
	res := FundingResult{
		IntervalA: DetectIntervalHours(fullA),
		IntervalB: DetectIntervalHours(fullB),
	}

	var rateA, rateB float64
	var knownA, knownB bool
	for _, p := range fullA {
		if p.TS > cp.LastProcessedTS {
			break
		}
		rateA, knownA = p.Rate, true
	}
	for _, p := range fullB {
		if p.TS > cp.LastProcessedTS {
			break
		}
		rateB, knownB = p.Rate, true
	}

	timeline := make(map[int64]*fundingTick)
	for _, p := range series.After(fullA, cp.LastProcessedTS) {
		tick := timelineAt(timeline, p.TS)
		tick.rateA, tick.hasA = p.Rate, true
	}
	for _, p := range series.After(fullB, cp.LastProcessedTS) {
		tick := timelineAt(timeline, p.TS)
		tick.rateB, tick.hasB = p.Rate, true
	}
	stamps := make([]int64, 0, len(timeline))
	for ts := range timeline {
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	for _, ts := range stamps {
		tick := timeline[ts]
		res.Processed++
		if tick.hasA {
			rateA, knownA = tick.rateA, true
		}
		if tick.hasB {
			rateB, knownB = tick.rateB, true
		}
		if !knownA || !knownB {
			cp.LastProcessedTS = ts
			continue
		}

		annA := Annualize(rateA, res.IntervalA)
		annB := Annualize(rateB, res.IntervalB)
		spread := annA - annB
		live := ts >= cfg.SkipBefore

		var incomeRound float64
		pos := cp.ActivePosition
		if pos != nil {
			if tick.hasA {
				inc := e.qtyA * cfg.LegA.ContractSize * cfg.ApproxPrice * rateA * receiveSign(pos.SideA)
				incomeRound += inc
				if live {
					res.Effects = append(res.Effects, e.incomeItem(cfg.LegA, "A", pos.SessionID, ts, inc))
				}
			}
			if tick.hasB {
				inc := e.qtyB * cfg.LegB.ContractSize * cfg.ApproxPrice * rateB * receiveSign(pos.SideB)
				incomeRound += inc
				if live {
					res.Effects = append(res.Effects, e.incomeItem(cfg.LegB, "B", pos.SessionID, ts, inc))
				}
			}
			pos.AccumulatedIncome += incomeRound
			cp.TotalIncome += incomeRound
		}

		switch {
		case pos == nil && math.Abs(spread) >= cfg.Open:
			sideA, sideB := signal.SideBuy, signal.SideSell
			action := "BUY_A_SELL_B"
			if annA > annB {
				sideA, sideB = signal.SideSell, signal.SideBuy
				action = "SELL_A_BUY_B"
			}
			pos = &Position{
				SessionID: fmt.Sprintf("ARB_%s_%d", cfg.Veracity, ts),
				EntryTS:   ts,
				SideA:     sideA,
				SideB:     sideB,
			}
			cp.ActivePosition = pos
			sig := e.signal(ts, signal.TypeOpen, pos)
			sig.Action = action
			sig.SpreadAnnualizedPct = signal.Float(spread)
			res.Signals = append(res.Signals, sig)
			if live {
				e.log.Info("funding open",
					zap.String("session_id", pos.SessionID),
					zap.String("action", action),
					zap.Float64("spread_annualized", spread),
				)
				res.Effects = append(res.Effects,
					e.orderItem(cfg.LegA, pos.SessionID+"_open_A", sideA, e.qtyA),
					e.orderItem(cfg.LegB, pos.SessionID+"_open_B", sideB, e.qtyB),
				)
			}
		case pos != nil && math.Abs(spread) < cfg.Close:
			sig := e.signal(ts, signal.TypeClose, pos)
			sig.SpreadAnnualizedPct = signal.Float(spread)
			sig.PnL = signal.Float(pos.AccumulatedIncome)
			res.Signals = append(res.Signals, sig)
			if live {
				e.log.Info("funding close",
					zap.String("session_id", pos.SessionID),
					zap.Float64("pnl", pos.AccumulatedIncome),
				)
				res.Effects = append(res.Effects,
					e.orderItem(cfg.LegA, pos.SessionID+"_close_A", pos.SideA.Reverse(), e.qtyA),
					e.orderItem(cfg.LegB, pos.SessionID+"_close_B", pos.SideB.Reverse(), e.qtyB),
				)
			}
			cp.ActivePosition = nil
		case pos != nil && incomeRound != 0:
			sig := e.signal(ts, signal.TypeSettle, pos)
			sig.Income = signal.Float(incomeRound)
			res.Signals = append(res.Signals, sig)
		}
		cp.LastProcessedTS = ts
	}

	res.Checkpoint = cp
	return res
}

func timelineAt(timeline map[int64]*fundingTick, ts int64) *fundingTick {
	tick, ok := timeline[ts]
	if !ok {
		tick = &fundingTick{}
		timeline[ts] = tick
	}
	return tick
}

// receiveSign is +1 for the short side, which receives a positive rate.
func receiveSign(side signal.Side) float64 {
	if side == signal.SideSell {
		return 1
	}
	return -1
}

func (e *FundingEngine) signal(ts int64, typ signal.Type, pos *Position) signal.Signal {
	return signal.Signal{
		Strategy:  signal.StrategyFunding,
		TS:        ts,
		TimeStr:   signal.MinuteTime(ts),
		Type:      typ,
		SessionID: pos.SessionID,
		LegASide:  pos.SideA,
		LegBSide:  pos.SideB,
		Legs: []signal.Leg{
			{Exchange: e.cfg.LegA.Exchange, Price: e.cfg.ApproxPrice},
			{Exchange: e.cfg.LegB.Exchange, Price: e.cfg.ApproxPrice},
		},
		Veracity: e.cfg.Veracity,
	}
}

func (e *FundingEngine) orderItem(leg Leg, clientOrderID string, side signal.Side, qty float64) sink.Item {
	return sink.OrderItem(leg.Exchange, sink.Order{
		Symbol:        leg.Symbol,
		Side:          string(side),
		Type:          sink.OrderTypeMarket,
		Quantity:      qty,
		Price:         e.cfg.ApproxPrice,
		ClientOrderID: clientOrderID,
	})
}

func (e *FundingEngine) incomeItem(leg Leg, role, sessionID string, ts int64, amount float64) sink.Item {
	return sink.IncomeItem(leg.Exchange, fmt.Sprintf("%s_%s_%d", sessionID, role, ts), sink.Income{
		Symbol:     leg.Symbol,
		IncomeType: sink.IncomeFundingFee,
		Amount:     amount,
		Asset:      sink.AssetUSDT,
		Time:       ts,
		Info:       "Funding Fee | Session: " + sessionID,
	})
}
