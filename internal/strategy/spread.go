package strategy

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/yuguogang/mock-exchange/internal/config"
	"github.com/yuguogang/mock-exchange/internal/series"
	"github.com/yuguogang/mock-exchange/internal/signal"

	"go.uber.org/zap"
)

const recentSpreadWindowMS = 3 * 60 * 1000

type SpreadConfig struct {
	LegA        Leg
	LegB        Leg
	TimeSource  string
	ToleranceMS int64
	Open        float64
	Close       float64
	CooldownMS  int64
	SkipBefore  int64
	Lookback    time.Duration
}

// TickState is the machine state after an aligned tick was evaluated.
type TickState struct {
	TS        int64
	SpreadPct float64
	State     State
}

type SpreadResult struct {
	Signals     []signal.Signal
	Trace       []TickState
	Processed   int
	Aligned     int
	Misses      int
	WindowStart int64
	State       State
	SessionID   string
}

// SpreadScheduler turns two price series into HEDGE OPEN/CLOSE signals using
// hysteresis thresholds on the relative spread (A-B)/B.
type SpreadScheduler struct {
	cfg SpreadConfig
	log *zap.Logger
}

func NewSpreadScheduler(cfg SpreadConfig, log *zap.Logger) *SpreadScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TimeSource == "" {
		cfg.TimeSource = config.RoleLegA
	}
	return &SpreadScheduler{cfg: cfg, log: log}
}

type hedgeSession struct {
	id    string
	sideA signal.Side
	sideB signal.Side
}

// Run iterates the time-source leg inside the lookback window. Each tick is
// paired with the nearest tick of the other leg within tolerance; ticks with
// no counterpart are skipped. history seeds the state at the first processed
// tick, and stored events inside the window are replayed at their own ticks,
// so a revisited window never opens a session history already holds.
func (s *SpreadScheduler) Run(dataA, dataB []series.PricePoint, history []signal.Signal) SpreadResult {
	cfg := s.cfg
	latest := series.Latest(dataA)
	if lb := series.Latest(dataB); lb > latest {
		latest = lb
	}
	filteredA, filteredB := dataA, dataB
	if cfg.Lookback > 0 {
		from := latest - cfg.Lookback.Milliseconds()
		filteredA = series.Since(dataA, from)
		filteredB = series.Since(dataB, from)
	}
	sourceIsA := cfg.TimeSource != config.RoleLegB
	source, target := filteredA, dataB
	if !sourceIsA {
		source, target = filteredB, dataA
	}
	source = series.Since(source, cfg.SkipBefore)

	res := SpreadResult{State: StateIdle}
	if len(source) == 0 {
		return res
	}
	res.WindowStart = source[0].TS

	sm := NewStateMachine()
	var session *hedgeSession
	open, lastClose := signal.StateBefore(history, signal.StrategyHedge, res.WindowStart)
	if open != nil {
		sideA, sideB := hedgeSides(*open)
		session = &hedgeSession{id: open.SessionID, sideA: sideA, sideB: sideB}
		sm.SetState(StateHolding)
	}
	hasClose := lastClose > 0

	stored := storedEvents(history, res.WindowStart)
	replay := func(upTo int64) bool {
		applied := false
		for len(stored) > 0 && stored[0].TS <= upTo {
			ev := stored[0]
			stored = stored[1:]
			switch {
			case ev.Type == signal.TypeOpen && sm.Current() == StateIdle:
				sideA, sideB := hedgeSides(ev)
				session = &hedgeSession{id: ev.SessionID, sideA: sideA, sideB: sideB}
				sm.Apply(EventOpen)
				applied = true
			case ev.Type == signal.TypeClose && session != nil && session.id == ev.SessionID:
				sm.Apply(EventClose)
				session = nil
				lastClose, hasClose = ev.TS, true
				applied = true
			}
		}
		return applied
	}

	targetIdx := 0
	tol := cfg.ToleranceMS
	for _, tick := range source {
		ts := tick.TS
		res.Processed++
		if replay(ts) {
			res.Trace = append(res.Trace, TickState{TS: ts, State: sm.Current()})
			continue
		}

		for targetIdx < len(target)-1 && target[targetIdx].TS < ts-tol {
			targetIdx++
		}
		var match *series.PricePoint
		minDiff := int64(math.MaxInt64)
		for i := targetIdx; i < len(target); i++ {
			diff := target[i].TS - ts
			if diff < 0 {
				diff = -diff
			}
			if diff <= tol {
				if diff < minDiff {
					minDiff = diff
					match = &target[i]
				}
			} else if target[i].TS > ts+tol {
				break
			}
		}
		if match == nil {
			res.Misses++
			continue
		}
		res.Aligned++

		priceA, priceB := tick.Price, match.Price
		if !sourceIsA {
			priceA, priceB = match.Price, tick.Price
		}
		if priceB == 0 {
			res.Misses++
			continue
		}
		spreadPct := (priceA - priceB) / priceB
		absSpread := math.Abs(spreadPct)
		if ts >= latest-recentSpreadWindowMS {
			s.log.Debug("spread",
				zap.Int64("ts", ts),
				zap.Float64("price_a", priceA),
				zap.Float64("price_b", priceB),
				zap.Float64("spread_pct", spreadPct),
				zap.Float64("open_threshold", cfg.Open),
			)
		}
		legs := []signal.Leg{
			{Exchange: cfg.LegA.Exchange, Price: priceA},
			{Exchange: cfg.LegB.Exchange, Price: priceB},
		}

		switch sm.Current() {
		case StateIdle:
			cooling := hasClose && ts-lastClose < cfg.CooldownMS
			// A later stored OPEN already owns the next session in this window.
			pending := len(stored) > 0 && stored[0].Type == signal.TypeOpen
			if absSpread >= cfg.Open && !cooling && !pending {
				sideA, sideB := signal.SideBuy, signal.SideSell
				if spreadPct > 0 {
					sideA, sideB = signal.SideSell, signal.SideBuy
				}
				session = &hedgeSession{id: fmt.Sprintf("HEDGE_%d", ts), sideA: sideA, sideB: sideB}
				sm.Apply(EventOpen)
				res.Signals = append(res.Signals, signal.Signal{
					Strategy:  signal.StrategyHedge,
					ID:        fmt.Sprintf("sig_%d_open", ts),
					TS:        ts,
					TimeStr:   signal.ISOTime(ts),
					Type:      signal.TypeOpen,
					SessionID: session.id,
					Action:    hedgeAction(sideA, cfg.LegA.Exchange, sideB, cfg.LegB.Exchange),
					LegASide:  sideA,
					LegBSide:  sideB,
					Legs:      legs,
					Metrics:   &signal.Metrics{SpreadPct: spreadPct},
					Status:    signal.StatusPaper,
					Veracity:  signal.VeracityFake,
				})
			}
		case StateHolding:
			owned := len(stored) > 0 && stored[0].Type == signal.TypeClose && stored[0].SessionID == session.id
			if absSpread < cfg.Close && !owned {
				res.Signals = append(res.Signals, signal.Signal{
					Strategy:  signal.StrategyHedge,
					ID:        fmt.Sprintf("sig_%d_close", ts),
					TS:        ts,
					TimeStr:   signal.ISOTime(ts),
					Type:      signal.TypeClose,
					SessionID: session.id,
					LegASide:  session.sideA,
					LegBSide:  session.sideB,
					Legs:      legs,
					Metrics:   &signal.Metrics{SpreadPct: spreadPct},
					Status:    signal.StatusPaper,
					Veracity:  signal.VeracityFake,
				})
				sm.Apply(EventClose)
				session = nil
				lastClose, hasClose = ts, true
			}
		}
		res.Trace = append(res.Trace, TickState{TS: ts, SpreadPct: spreadPct, State: sm.Current()})
	}

	replay(math.MaxInt64)
	res.State = sm.Current()
	if session != nil {
		res.SessionID = session.id
	}
	return res
}

// storedEvents returns the HEDGE OPEN/CLOSE records at or after from, oldest
// first.
func storedEvents(history []signal.Signal, from int64) []signal.Signal {
	var out []signal.Signal
	for _, s := range history {
		if s.Strategy != signal.StrategyHedge || s.TS < from {
			continue
		}
		if s.Type == signal.TypeOpen || s.Type == signal.TypeClose {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out
}

func hedgeAction(sideA signal.Side, exchangeA string, sideB signal.Side, exchangeB string) string {
	return fmt.Sprintf("%s_%s_%s_%s", sideA, strings.ToUpper(exchangeA), sideB, strings.ToUpper(exchangeB))
}

// hedgeSides recovers the entry sides of a stored OPEN; records written
// before sides were structured only carry the action string.
func hedgeSides(open signal.Signal) (signal.Side, signal.Side) {
	if open.LegASide != "" && open.LegBSide != "" {
		return open.LegASide, open.LegBSide
	}
	if strings.HasPrefix(open.Action, string(signal.SideSell)+"_") {
		return signal.SideSell, signal.SideBuy
	}
	return signal.SideBuy, signal.SideSell
}
