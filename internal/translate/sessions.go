package translate

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/yuguogang/mock-exchange/internal/signal"
	"github.com/yuguogang/mock-exchange/internal/state"
)

const sessionSnapshotKey = "translate:sessions"

// Session is what an OPEN fixed for its CLOSE: base quantities, entry prices
// and sides.
type Session struct {
	ID      string      `msgpack:"id"`
	EntryTS int64       `msgpack:"entry_ts"`
	QtyA    float64     `msgpack:"qty_a"`
	QtyB    float64     `msgpack:"qty_b"`
	PriceA  float64     `msgpack:"price_a"`
	PriceB  float64     `msgpack:"price_b"`
	SideA   signal.Side `msgpack:"side_a"`
	SideB   signal.Side `msgpack:"side_b"`
}

func (s Session) NotionalA() float64 { return s.QtyA * s.PriceA }

func (s Session) NotionalB() float64 { return s.QtyB * s.PriceB }

// SessionTable maps sessionId to its open Session.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[string]Session)}
}

func (t *SessionTable) Put(s Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.ID] = s
}

func (t *SessionTable) Get(id string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

func (t *SessionTable) Delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

func (t *SessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// IDs lists open sessions in sorted order.
func (t *SessionTable) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *SessionTable) MarshalBinary() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return msgpack.Marshal(list)
}

func (t *SessionTable) UnmarshalBinary(data []byte) error {
	var list []Session
	if err := msgpack.Unmarshal(data, &list); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = make(map[string]Session, len(list))
	for _, s := range list {
		t.sessions[s.ID] = s
	}
	return nil
}

// Save snapshots the table into store so a restarted translator still
// closes with the quantities it opened.
func (t *SessionTable) Save(ctx context.Context, store state.Store) error {
	if store == nil {
		return nil
	}
	payload, err := t.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	return store.Set(ctx, sessionSnapshotKey, string(payload))
}

// LoadSessionTable restores the last snapshot, or returns an empty table.
func LoadSessionTable(ctx context.Context, store state.Store) (*SessionTable, error) {
	table := NewSessionTable()
	if store == nil {
		return table, nil
	}
	raw, ok, err := store.Get(ctx, sessionSnapshotKey)
	if err != nil || !ok {
		return table, err
	}
	if err := table.UnmarshalBinary([]byte(raw)); err != nil {
		return NewSessionTable(), fmt.Errorf("decode sessions: %w", err)
	}
	return table, nil
}

// ClearSessions drops the persisted snapshot.
func ClearSessions(ctx context.Context, store state.Store) error {
	if store == nil {
		return nil
	}
	return store.Delete(ctx, sessionSnapshotKey)
}
