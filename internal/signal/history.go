package signal

import (
	"sort"

	"github.com/yuguogang/mock-exchange/internal/state"
)

// Merge appends fresh records to history. A record whose key is already
// present is dropped, and so is a CLOSE for a session that history already
// closed. The result is sorted by timestamp; added lists what was kept.
func Merge(history, fresh []Signal) (merged, added []Signal) {
	keys := make(map[string]struct{}, len(history))
	closed := make(map[string]struct{})
	for _, s := range history {
		keys[s.Key()] = struct{}{}
		if s.Type == TypeClose {
			closed[s.SessionID] = struct{}{}
		}
	}
	merged = append(make([]Signal, 0, len(history)+len(fresh)), history...)
	for _, s := range fresh {
		if s.Type == TypeClose {
			if _, ok := closed[s.SessionID]; ok {
				continue
			}
		}
		key := s.Key()
		if _, ok := keys[key]; ok {
			continue
		}
		keys[key] = struct{}{}
		if s.Type == TypeClose {
			closed[s.SessionID] = struct{}{}
		}
		merged = append(merged, s)
		added = append(added, s)
	}
	sortByTime(merged)
	return merged, added
}

// Active is history minus every record of a session that has a CLOSE.
func Active(history []Signal) []Signal {
	closed := make(map[string]struct{})
	for _, s := range history {
		if s.Type == TypeClose {
			closed[s.SessionID] = struct{}{}
		}
	}
	out := make([]Signal, 0, len(history))
	for _, s := range history {
		if _, ok := closed[s.SessionID]; ok {
			continue
		}
		out = append(out, s)
	}
	sortByTime(out)
	return out
}

// OpenSession returns the most recent OPEN of strategy that has no CLOSE.
func OpenSession(history []Signal, strategy Strategy) (Signal, bool) {
	active := Active(history)
	for i := len(active) - 1; i >= 0; i-- {
		if active[i].Strategy == strategy && active[i].Type == TypeOpen {
			return active[i], true
		}
	}
	return Signal{}, false
}

// StateBefore replays the history of one strategy up to (not including) ts.
// It returns the session still open at ts, if any, and the time of the last
// CLOSE before ts (0 when there is none).
func StateBefore(history []Signal, strategy Strategy, ts int64) (open *Signal, lastClose int64) {
	for i := range history {
		s := history[i]
		if s.Strategy != strategy || s.TS >= ts {
			continue
		}
		switch s.Type {
		case TypeOpen:
			if open == nil {
				open = &s
			}
		case TypeClose:
			if open != nil && open.SessionID == s.SessionID {
				open = nil
			}
			if s.TS > lastClose {
				lastClose = s.TS
			}
		}
	}
	return open, lastClose
}

// Without drops every record of one strategy.
func Without(history []Signal, strategy Strategy) []Signal {
	out := make([]Signal, 0, len(history))
	for _, s := range history {
		if s.Strategy != strategy {
			out = append(out, s)
		}
	}
	return out
}

func sortByTime(signals []Signal) {
	sort.SliceStable(signals, func(i, j int) bool { return signals[i].TS < signals[j].TS })
}

// Store persists the append-only history and the derived active view.
type Store struct {
	HistoryPath string
	ActivePath  string
}

func NewStore(historyPath, activePath string) *Store {
	return &Store{HistoryPath: historyPath, ActivePath: activePath}
}

func (s *Store) Load() ([]Signal, error) {
	var history []Signal
	if _, err := state.ReadJSON(s.HistoryPath, &history); err != nil {
		return nil, err
	}
	sortByTime(history)
	return history, nil
}

func (s *Store) LoadActive() ([]Signal, error) {
	var active []Signal
	if _, err := state.ReadJSON(s.ActivePath, &active); err != nil {
		return nil, err
	}
	return active, nil
}

// Commit merges fresh into the stored history, rewrites both files and
// returns the records that were actually appended.
func (s *Store) Commit(fresh []Signal) ([]Signal, error) {
	history, err := s.Load()
	if err != nil {
		return nil, err
	}
	merged, added := Merge(history, fresh)
	if err := s.Write(merged); err != nil {
		return nil, err
	}
	return added, nil
}

// Write replaces history and regenerates the active view from it.
func (s *Store) Write(history []Signal) error {
	if history == nil {
		history = []Signal{}
	}
	if err := state.WriteJSONAtomic(s.HistoryPath, history); err != nil {
		return err
	}
	return state.WriteJSONAtomic(s.ActivePath, Active(history))
}
