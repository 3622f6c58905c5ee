package state

import (
	"context"
	"encoding/json"
	"strings"
)

const RunSnapshotKey = "runner:last_snapshot"

// RunSnapshot summarizes the last pipeline cycle for operators.
type RunSnapshot struct {
	RunID          string  `json:"run_id"`
	Cycle          int     `json:"cycle"`
	StartedAtMS    int64   `json:"started_at_ms"`
	FinishedAtMS   int64   `json:"finished_at_ms"`
	Rule           string  `json:"rule"`
	SpreadState    string  `json:"spread_state"`
	SpreadSession  string  `json:"spread_session"`
	FundingSession string  `json:"funding_session"`
	TotalIncome    float64 `json:"total_income"`
	NewSignals     int     `json:"new_signals"`
	Delivered      int     `json:"delivered"`
	SinkFailures   int     `json:"sink_failures"`
	LastError      string  `json:"last_error,omitempty"`
	Paused         bool    `json:"paused"`
}

func LoadRunSnapshot(ctx context.Context, store Store) (RunSnapshot, bool, error) {
	if store == nil {
		return RunSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, RunSnapshotKey)
	if err != nil {
		return RunSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return RunSnapshot{}, false, nil
	}
	var snapshot RunSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return RunSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveRunSnapshot(ctx context.Context, store Store, snapshot RunSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, RunSnapshotKey, string(payload))
}
