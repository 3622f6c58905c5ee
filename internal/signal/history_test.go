package signal

import (
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"
)

func openSig(ts int64, session string) Signal {
	return Signal{Strategy: StrategyHedge, ID: idFor(ts, "open"), TS: ts, Type: TypeOpen, SessionID: session}
}

func closeSig(ts int64, session string) Signal {
	return Signal{Strategy: StrategyHedge, ID: idFor(ts, "close"), TS: ts, Type: TypeClose, SessionID: session}
}

func idFor(ts int64, kind string) string {
	return "sig_" + strconv.FormatInt(ts, 10) + "_" + kind
}

func TestMergeSkipsDuplicateKeys(t *testing.T) {
	history := []Signal{openSig(100, "HEDGE_100")}
	merged, added := Merge(history, []Signal{openSig(100, "HEDGE_100"), closeSig(200, "HEDGE_100")})
	if len(merged) != 2 || len(added) != 1 || added[0].Type != TypeClose {
		t.Fatalf("unexpected merge: merged=%d added=%+v", len(merged), added)
	}
}

func TestMergeNeverAppendsSecondClose(t *testing.T) {
	history := []Signal{openSig(100, "HEDGE_100"), closeSig(200, "HEDGE_100")}
	// a re-run whose window revisits the session closes it at a different tick
	merged, added := Merge(history, []Signal{openSig(100, "HEDGE_100"), closeSig(260, "HEDGE_100")})
	if len(added) != 0 || len(merged) != 2 {
		t.Fatalf("expected no new records, added=%+v", added)
	}
	closes := 0
	for _, s := range merged {
		if s.Type == TypeClose {
			closes++
		}
	}
	if closes != 1 {
		t.Fatalf("expected one CLOSE, got %d", closes)
	}
}

func TestMergeDedupesWithinBatch(t *testing.T) {
	_, added := Merge(nil, []Signal{closeSig(200, "S"), closeSig(300, "S")})
	if len(added) != 1 {
		t.Fatalf("expected only first CLOSE of a batch, got %d", len(added))
	}
}

func TestKeyFallsBackWithoutID(t *testing.T) {
	s := Signal{TS: 5, Type: TypeSettle, SessionID: "ARB_FAKE_1"}
	if s.Key() != "5_SETTLE_ARB_FAKE_1" {
		t.Fatalf("unexpected key %q", s.Key())
	}
}

func TestActiveDropsClosedSessions(t *testing.T) {
	history := []Signal{
		openSig(300, "B"),
		openSig(100, "A"),
		closeSig(200, "A"),
	}
	active := Active(history)
	if len(active) != 1 || active[0].SessionID != "B" {
		t.Fatalf("unexpected active view %+v", active)
	}
	sess, ok := OpenSession(history, StrategyHedge)
	if !ok || sess.SessionID != "B" {
		t.Fatalf("expected open session B, got %+v ok=%v", sess, ok)
	}
	if _, ok := OpenSession(history, StrategyFunding); ok {
		t.Fatalf("expected no funding session")
	}
}

func TestUnmarshalAcceptsTimestampKey(t *testing.T) {
	var s Signal
	if err := json.Unmarshal([]byte(`{"strategy":"FUNDING","timestamp":1700,"type":"SETTLE","sessionId":"X","income":1.5}`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.TS != 1700 || s.Income == nil || *s.Income != 1.5 {
		t.Fatalf("unexpected signal %+v", s)
	}
}

func TestStoreCommitWritesHistoryAndActive(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "indexed_history_TRX.json"), filepath.Join(dir, "signals_TRX.json"))

	added, err := store.Commit([]Signal{openSig(100, "A"), openSig(300, "B")})
	if err != nil || len(added) != 2 {
		t.Fatalf("first commit: added=%d err=%v", len(added), err)
	}
	added, err = store.Commit([]Signal{closeSig(200, "A"), closeSig(200, "A")})
	if err != nil || len(added) != 1 {
		t.Fatalf("second commit: added=%d err=%v", len(added), err)
	}
	history, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(history) != 3 || history[1].TS != 200 {
		t.Fatalf("expected sorted history of 3, got %+v", history)
	}
	active, err := store.LoadActive()
	if err != nil {
		t.Fatalf("load active: %v", err)
	}
	if len(active) != 1 || active[0].SessionID != "B" {
		t.Fatalf("unexpected active file %+v", active)
	}
}

func TestSideReverse(t *testing.T) {
	if SideBuy.Reverse() != SideSell || SideSell.Reverse() != SideBuy {
		t.Fatalf("unexpected reverse")
	}
}

func TestStateBefore(t *testing.T) {
	history := []Signal{
		openSig(100, "HEDGE_100"),
		closeSig(200, "HEDGE_100"),
		openSig(300, "HEDGE_300"),
	}
	open, lastClose := StateBefore(history, StrategyHedge, 250)
	if open != nil || lastClose != 200 {
		t.Fatalf("at 250 expected idle after close at 200, got open=%v lastClose=%d", open, lastClose)
	}
	open, _ = StateBefore(history, StrategyHedge, 150)
	if open == nil || open.SessionID != "HEDGE_100" {
		t.Fatalf("at 150 expected HEDGE_100 open, got %+v", open)
	}
	open, _ = StateBefore(history, StrategyHedge, 301)
	if open == nil || open.SessionID != "HEDGE_300" {
		t.Fatalf("at 301 expected HEDGE_300 open, got %+v", open)
	}
	open, lastClose = StateBefore(history, StrategyHedge, 100)
	if open != nil || lastClose != 0 {
		t.Fatalf("at 100 expected nothing, got open=%v lastClose=%d", open, lastClose)
	}
}
