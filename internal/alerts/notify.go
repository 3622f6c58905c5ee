package alerts

import (
	"context"
	"fmt"
	"strings"

	"github.com/yuguogang/mock-exchange/internal/signal"

	"go.uber.org/zap"
)

// NotifySignals sends one message summarizing newly committed signals.
// Delivery errors are logged; alerts never fail a cycle.
func (t *Telegram) NotifySignals(ctx context.Context, signals []signal.Signal) {
	if !t.Enabled() || len(signals) == 0 {
		return
	}
	if err := t.Send(ctx, FormatSignals(signals)); err != nil {
		t.log.Warn("telegram signal alert failed", zap.Error(err))
	}
}

func (t *Telegram) NotifyFailure(ctx context.Context, cycle int64, cause error) {
	if !t.Enabled() || cause == nil {
		return
	}
	msg := fmt.Sprintf("replay cycle %d failed after retries: %v", cycle, cause)
	if err := t.Send(ctx, msg); err != nil {
		t.log.Warn("telegram failure alert failed", zap.Error(err))
	}
}

func FormatSignals(signals []signal.Signal) string {
	lines := make([]string, 0, len(signals))
	for _, sig := range signals {
		line := fmt.Sprintf("%s %s %s @ %s", sig.Strategy, sig.Type, sig.SessionID, signal.ISOTime(sig.TS))
		switch {
		case sig.Action != "":
			line += " " + sig.Action
		case sig.PnL != nil:
			line += fmt.Sprintf(" pnl=%.4f", *sig.PnL)
		case sig.Income != nil:
			line += fmt.Sprintf(" income=%.4f", *sig.Income)
		}
		if sig.Metrics != nil {
			line += fmt.Sprintf(" spread=%.4f%%", sig.Metrics.SpreadPct*100)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
