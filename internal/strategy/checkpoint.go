package strategy

import (
	"fmt"
	"path/filepath"

	"github.com/yuguogang/mock-exchange/internal/signal"
	"github.com/yuguogang/mock-exchange/internal/state"
)

// Position is the funding session currently held.
type Position struct {
	SessionID         string      `json:"sessionId"`
	EntryTS           int64       `json:"entryTs"`
	AccumulatedIncome float64     `json:"accumulatedIncome"`
	SideA             signal.Side `json:"sideA"`
	SideB             signal.Side `json:"sideB"`
}

// Checkpoint is everything the funding engine needs to resume.
type Checkpoint struct {
	LastProcessedTS int64     `json:"lastProcessedTs"`
	ActivePosition  *Position `json:"activePosition"`
	TotalIncome     float64   `json:"totalIncome"`
}

func (c Checkpoint) clone() Checkpoint {
	out := c
	if c.ActivePosition != nil {
		pos := *c.ActivePosition
		out.ActivePosition = &pos
	}
	return out
}

func CheckpointPath(dir, symbol string) string {
	return filepath.Join(dir, fmt.Sprintf("strategy_checkpoint_%s.json", symbol))
}

// LoadCheckpoint returns the zero checkpoint when path does not exist yet.
func LoadCheckpoint(path string) (Checkpoint, error) {
	var cp Checkpoint
	if _, err := state.ReadJSON(path, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

func SaveCheckpoint(path string, cp Checkpoint) error {
	if err := state.WriteJSONAtomic(path, cp); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", path, err)
	}
	return nil
}

func ResetCheckpoint(path string) error {
	return state.RemoveFile(path)
}
