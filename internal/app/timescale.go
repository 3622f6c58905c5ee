package app

import (
	"github.com/yuguogang/mock-exchange/internal/timescale"
)

func (a *App) recordTimescale(report CycleReport) {
	if a.timescale == nil {
		return
	}
	for _, sig := range report.Added {
		row := timescale.SignalRow{
			Time:      sig.Time(),
			Strategy:  string(sig.Strategy),
			Type:      string(sig.Type),
			SessionID: sig.SessionID,
			Action:    sig.Action,
			Veracity:  sig.Veracity,
		}
		if sig.Metrics != nil {
			row.SpreadPct = sig.Metrics.SpreadPct
		}
		if sig.Income != nil {
			row.Income = *sig.Income
		}
		if sig.PnL != nil {
			row.PnL = *sig.PnL
		}
		a.timescale.EnqueueSignal(row)
	}
	a.timescale.EnqueueCycle(timescale.CycleRow{
		Time:         report.StartedAt,
		Cycle:        int64(a.cycle),
		Rule:         report.Rule,
		SpreadState:  string(report.Spread.State),
		NewSignals:   len(report.Added),
		Delivered:    report.Delivery.Delivered,
		SinkFailures: report.Delivery.Failed,
		TotalIncome:  report.Funding.Checkpoint.TotalIncome,
		DurationMS:   report.Duration.Milliseconds(),
	})
}
