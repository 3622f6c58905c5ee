package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yuguogang/mock-exchange/internal/alerts"
	"github.com/yuguogang/mock-exchange/internal/signal"
	"github.com/yuguogang/mock-exchange/internal/state"

	"go.uber.org/zap"
)

const (
	operatorOffsetKey     = "telegram:operator:last_update_id"
	defaultSwitchDuration = time.Hour
)

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
	RuleBefore   string    `json:"rule_before,omitempty"`
	RuleAfter    string    `json:"rule_after,omitempty"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled || !a.alerts.Enabled() {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", nil, false
	}
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Commands addressed in groups arrive as /status@botname.
	if head, _, found := strings.Cut(cmd, "@"); found {
		cmd = head
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(ctx), nil
	case "pause":
		before := a.isPaused()
		after := a.setPaused(true)
		a.auditOperatorEvent(ctx, a.auditEvent("pause", meta, before, after))
		if before {
			return "replay already paused", nil
		}
		return "replay paused", nil
	case "resume":
		before := a.isPaused()
		after := a.setPaused(false)
		a.auditOperatorEvent(ctx, a.auditEvent("resume", meta, before, after))
		if !before {
			return "replay already running", nil
		}
		return "replay resumed", nil
	case "switch":
		return a.handleSwitchCommand(ctx, args, meta)
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) handleSwitchCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if a.rules == nil {
		return "", errors.New("mixer is disabled")
	}
	if len(args) == 0 {
		return "", errors.New("usage: /switch <rule> [minutes]")
	}
	duration := defaultSwitchDuration
	if len(args) > 1 {
		minutes, err := strconv.Atoi(args[1])
		if err != nil || minutes <= 0 {
			return "", fmt.Errorf("invalid minutes: %s", args[1])
		}
		duration = time.Duration(minutes) * time.Minute
	}
	before := ""
	if cur := a.rules.Current(); cur != nil {
		before = cur.ID
	}
	rule, err := a.rules.Switch(args[0], duration)
	if err != nil {
		return "", err
	}
	a.metrics.RuleSwitches.Inc()
	event := a.auditEvent("switch", meta, a.isPaused(), a.isPaused())
	event.RuleBefore, event.RuleAfter = before, rule.ID
	a.auditOperatorEvent(ctx, event)
	return fmt.Sprintf("switched to %s until %s (takes effect next cycle)", rule.ID, rule.EndLocal), nil
}

func (a *App) auditEvent(action string, meta operatorMeta, pausedBefore, pausedAfter bool) operatorAuditEvent {
	return operatorAuditEvent{
		UpdateID:     meta.UpdateID,
		Time:         time.Now().UTC(),
		Action:       action,
		Command:      meta.Raw,
		UserID:       meta.UserID,
		Username:     meta.Username,
		ChatID:       meta.ChatID,
		PausedBefore: pausedBefore,
		PausedAfter:  pausedAfter,
	}
}

func (a *App) operatorStatus(ctx context.Context) string {
	if a.cfg == nil {
		return "status unavailable"
	}
	a.opsMu.RLock()
	cycle := a.cycle
	report := a.lastReport
	lastErr := a.lastErr
	a.opsMu.RUnlock()

	rule := "none"
	if a.rules != nil {
		if cur := a.rules.Current(); cur != nil {
			rule = cur.ID
		}
	}
	lines := []string{
		fmt.Sprintf("hedge: %s", a.cfg.Hedge.Name),
		fmt.Sprintf("paused: %t", a.isPaused()),
		fmt.Sprintf("cycle: %d", cycle),
		fmt.Sprintf("rule: %s", rule),
	}
	if report != nil {
		lines = append(lines,
			fmt.Sprintf("spread_state: %s %s", report.Spread.State, report.Spread.SessionID),
			fmt.Sprintf("last_cycle: %s (%d new signals, %d delivered, %d failed)",
				report.StartedAt.Format(time.RFC3339), len(report.Added), report.Delivery.Delivered, report.Delivery.Failed),
		)
	}
	if cp, err := a.LoadCheckpoint(); err == nil {
		funding := "flat"
		if cp.ActivePosition != nil {
			funding = cp.ActivePosition.SessionID
		}
		lines = append(lines,
			fmt.Sprintf("funding_session: %s", funding),
			fmt.Sprintf("total_income: %.4f", cp.TotalIncome),
			fmt.Sprintf("checkpoint: %s", signal.ISOTime(cp.LastProcessedTS)),
		)
	}
	if snap, ok, err := state.LoadRunSnapshot(ctx, a.store); err == nil && ok && snap.LastError != "" {
		lines = append(lines, fmt.Sprintf("last_snapshot_error: %s", snap.LastError))
	}
	if lastErr != nil {
		lines = append(lines, fmt.Sprintf("last_error: %v", lastErr))
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - pipeline status",
		"/switch <rule> [minutes] - activate a scenario template (seg_A, seg_B, seg_C, seg_funding_only, default)",
		"/pause - skip cycles until resumed",
		"/resume - run cycles again",
	}, "\n")
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
	return a.paused
}

func (a *App) logOperatorError(err error) {
	if a.log == nil {
		return
	}
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	if val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
