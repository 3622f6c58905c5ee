package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/yuguogang/mock-exchange/internal/alerts"
	"github.com/yuguogang/mock-exchange/internal/state"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("/switch seg_A 30")
	if !ok {
		t.Fatalf("expected ok")
	}
	if cmd != "switch" {
		t.Fatalf("unexpected cmd: %s", cmd)
	}
	if len(args) != 2 || args[0] != "seg_A" || args[1] != "30" {
		t.Fatalf("unexpected args: %v", args)
	}
	cmd, _, ok = parseOperatorCommand("/Status@replay_bot")
	if !ok || cmd != "status" {
		t.Fatalf("expected status addressed to bot, got %q ok=%v", cmd, ok)
	}
	if _, _, ok := parseOperatorCommand("status"); ok {
		t.Fatalf("expected plain text to be ignored")
	}
	if _, _, ok := parseOperatorCommand("   "); ok {
		t.Fatalf("expected blank text to be ignored")
	}
}

func TestOperatorPauseResumeAudit(t *testing.T) {
	store := &memoryStore{data: make(map[string]string)}
	app := &App{store: store}
	meta := operatorMeta{UserID: 1, ChatID: 2, Raw: "/pause"}

	resp, err := app.handleOperatorCommand(context.Background(), "pause", nil, meta)
	if err != nil {
		t.Fatalf("pause error: %v", err)
	}
	if resp != "replay paused" {
		t.Fatalf("unexpected pause response: %s", resp)
	}
	if !app.isPaused() {
		t.Fatalf("expected paused")
	}
	resp, _ = app.handleOperatorCommand(context.Background(), "pause", nil, meta)
	if resp != "replay already paused" {
		t.Fatalf("unexpected repeated pause response: %s", resp)
	}

	meta.Raw = "/resume"
	resp, err = app.handleOperatorCommand(context.Background(), "resume", nil, meta)
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	if resp != "replay resumed" {
		t.Fatalf("unexpected resume response: %s", resp)
	}
	if app.isPaused() {
		t.Fatalf("expected resumed")
	}
	var audits []operatorAuditEvent
	for key, val := range store.data {
		if !strings.HasPrefix(key, "ops:audit:") {
			continue
		}
		var event operatorAuditEvent
		if err := json.Unmarshal([]byte(val), &event); err != nil {
			t.Fatalf("decode audit: %v", err)
		}
		audits = append(audits, event)
	}
	if len(audits) == 0 {
		t.Fatalf("expected audit entries")
	}
}

func TestOperatorSwitchRequiresMixer(t *testing.T) {
	app := &App{store: &memoryStore{}}
	_, err := app.handleOperatorCommand(context.Background(), "switch", []string{"seg_A"}, operatorMeta{})
	if err == nil || !strings.Contains(err.Error(), "mixer is disabled") {
		t.Fatalf("expected mixer disabled error, got %v", err)
	}
}

func TestOperatorUnknownCommandReturnsHelp(t *testing.T) {
	app := &App{}
	resp, err := app.handleOperatorCommand(context.Background(), "nope", nil, operatorMeta{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(resp, "/switch <rule> [minutes]") {
		t.Fatalf("expected help text, got %q", resp)
	}
}

func TestOperatorStatusReportsCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	writeSeries(t, cfg)
	a, err := newApp(cfg, Options{}, state.NewMemory(), &recordingSink{}, zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	report, err := a.pipeline.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	a.cycle = 1
	a.afterCycle(context.Background(), report)
	a.setPaused(true)

	status := a.operatorStatus(context.Background())
	for _, want := range []string{"hedge: TRX_BINANCE_OKX", "paused: true", "cycle: 1", "rule: none", "funding_session: flat", "total_income: 0.0000"} {
		if !strings.Contains(status, want) {
			t.Fatalf("status missing %q:\n%s", want, status)
		}
	}
}

func TestOperatorOffsetRoundTrip(t *testing.T) {
	store := &memoryStore{}
	app := &App{store: store}
	if got := app.loadOperatorOffset(context.Background()); got != 0 {
		t.Fatalf("expected zero offset, got %d", got)
	}
	app.saveOperatorOffset(context.Background(), 42)
	if got := app.loadOperatorOffset(context.Background()); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	_ = store.Set(context.Background(), operatorOffsetKey, "garbage")
	if got := app.loadOperatorOffset(context.Background()); got != 0 {
		t.Fatalf("expected garbage offset to reset, got %d", got)
	}
}

func TestOperatorUpdateRespondsInConfiguredChat(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		sent = append(sent, string(body))
		mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := testConfig(t)
	cfg.Telegram.Enabled = true
	cfg.Telegram.Token = "token"
	cfg.Telegram.ChatID = "77"
	tg := alerts.NewTelegramWithBaseURL(cfg.Telegram, zap.NewNop(), server.URL, server.Client())
	app := &App{cfg: cfg, store: &memoryStore{}, alerts: tg, log: zap.NewNop()}

	allowed := map[int64]struct{}{5: {}}
	app.handleOperatorUpdate(context.Background(), alerts.Update{
		UpdateID: 1,
		Message:  &alerts.Message{From: &alerts.User{ID: 5}, Chat: &alerts.Chat{ID: 99}, Text: "/pause"},
	}, 77, allowed)
	app.handleOperatorUpdate(context.Background(), alerts.Update{
		UpdateID: 2,
		Message:  &alerts.Message{From: &alerts.User{ID: 6}, Chat: &alerts.Chat{ID: 77}, Text: "/pause"},
	}, 77, allowed)
	if app.isPaused() {
		t.Fatalf("updates from other chats or users must be ignored")
	}

	app.handleOperatorUpdate(context.Background(), alerts.Update{
		UpdateID: 3,
		Message:  &alerts.Message{From: &alerts.User{ID: 5}, Chat: &alerts.Chat{ID: 77}, Text: "/pause"},
	}, 77, allowed)
	if !app.isPaused() {
		t.Fatalf("expected paused")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 || !strings.Contains(sent[0], "replay paused") {
		t.Fatalf("expected one pause reply, got %v", sent)
	}
}
