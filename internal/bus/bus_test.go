package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yuguogang/mock-exchange/internal/signal"
)

type fakeCommander struct {
	published []string
	added     []*redis.XAddArgs
	failXAdd  bool
}

func (f *fakeCommander) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.published = append(f.published, string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (f *fakeCommander) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	if f.failXAdd {
		return redis.NewStringResult("", errors.New("stream down"))
	}
	f.added = append(f.added, a)
	return redis.NewStringResult("1-0", nil)
}

func TestPublishSignalsWritesChannelAndStream(t *testing.T) {
	fake := &fakeCommander{}
	pub := NewPublisher(fake, "replay:signals", "replay:signals:stream", nil)
	signals := []signal.Signal{
		{Strategy: signal.StrategyHedge, ID: "sig_1_open", TS: 1, Type: signal.TypeOpen, SessionID: "HEDGE_1"},
		{Strategy: signal.StrategyHedge, ID: "sig_2_close", TS: 2, Type: signal.TypeClose, SessionID: "HEDGE_1"},
	}
	sent, err := pub.PublishSignals(context.Background(), signals)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if sent != 2 || len(fake.published) != 2 || len(fake.added) != 2 {
		t.Fatalf("unexpected counts sent=%d published=%d added=%d", sent, len(fake.published), len(fake.added))
	}
	var decoded signal.Signal
	if err := json.Unmarshal([]byte(fake.published[1]), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != signal.TypeClose || decoded.SessionID != "HEDGE_1" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
	args := fake.added[0]
	if args.Stream != "replay:signals:stream" || !args.Approx || args.MaxLen != streamMaxLen {
		t.Fatalf("unexpected xadd args %+v", args)
	}
}

func TestPublishSignalsStopsOnFailure(t *testing.T) {
	fake := &fakeCommander{failXAdd: true}
	pub := NewPublisher(fake, "c", "s", nil)
	sent, err := pub.PublishSignals(context.Background(), []signal.Signal{{Strategy: signal.StrategyHedge, TS: 1}})
	if err == nil || sent != 0 {
		t.Fatalf("expected failure, sent=%d err=%v", sent, err)
	}
}

func TestNilPublisherIsNoop(t *testing.T) {
	var pub *Publisher
	sent, err := pub.PublishSignals(context.Background(), []signal.Signal{{TS: 1}})
	if err != nil || sent != 0 {
		t.Fatalf("expected noop, sent=%d err=%v", sent, err)
	}
}

func TestAcquireUnreachableRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lock, err := NewLocker(rdb).Acquire(ctx, "replay:pipeline", time.Minute)
	if err == nil {
		lock.Release()
		t.Fatalf("expected error from unreachable redis")
	}
	if errors.Is(err, ErrLockHeld) {
		t.Fatalf("unreachable redis reported as held lock: %v", err)
	}
}

// fakeLockStore models SET NX PX and the compare-token scripts against a
// manual clock.
type fakeLockStore struct {
	mu      sync.Mutex
	now     time.Time
	vals    map[string]string
	expires map[string]time.Time
}

func newFakeLockStore() *fakeLockStore {
	return &fakeLockStore{now: time.Unix(0, 0), vals: map[string]string{}, expires: map[string]time.Time{}}
}

func (f *fakeLockStore) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeLockStore) expireLocked() {
	for key, at := range f.expires {
		if !f.now.Before(at) {
			delete(f.vals, key)
			delete(f.expires, key)
		}
	}
}

func (f *fakeLockStore) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked()
	if _, ok := f.vals[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.vals[key] = value.(string)
	f.expires[key] = f.now.Add(ttl)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeLockStore) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked()
	key := keys[0]
	if f.vals[key] != args[0].(string) {
		return redis.NewCmdResult(int64(0), nil)
	}
	switch script {
	case unlockLua:
		delete(f.vals, key)
		delete(f.expires, key)
	case extendLua:
		f.expires[key] = f.now.Add(time.Duration(args[1].(int64)) * time.Millisecond)
	}
	return redis.NewCmdResult(int64(1), nil)
}

func TestLockExpiresWithoutRenewal(t *testing.T) {
	store := newFakeLockStore()
	ctx := context.Background()
	locker := NewLocker(store)

	if _, err := locker.Acquire(ctx, "replay:pipeline", 5*time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "replay:pipeline", 5*time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected held lock, got %v", err)
	}
	store.advance(6 * time.Minute)
	if _, err := locker.Acquire(ctx, "replay:pipeline", 5*time.Minute); err != nil {
		t.Fatalf("expected expired lock to be free, got %v", err)
	}
}

func TestLockExtendKeepsOwnership(t *testing.T) {
	store := newFakeLockStore()
	ctx := context.Background()
	locker := NewLocker(store)

	lock, err := locker.Acquire(ctx, "replay:pipeline", 5*time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for i := 0; i < 4; i++ {
		store.advance(2 * time.Minute)
		if err := lock.Extend(ctx); err != nil {
			t.Fatalf("extend %d: %v", i, err)
		}
	}
	if _, err := locker.Acquire(ctx, "replay:pipeline", 5*time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("renewed lock must stay held, got %v", err)
	}

	lock.Release()
	lock.Release()
	if err := lock.Extend(ctx); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected released lock to be lost, got %v", err)
	}
	if _, err := locker.Acquire(ctx, "replay:pipeline", 5*time.Minute); err != nil {
		t.Fatalf("expected released lock to be free, got %v", err)
	}
}

func TestLockExtendAfterTakeoverReportsLost(t *testing.T) {
	store := newFakeLockStore()
	ctx := context.Background()
	locker := NewLocker(store)

	first, err := locker.Acquire(ctx, "replay:pipeline", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	store.advance(2 * time.Minute)
	second, err := locker.Acquire(ctx, "replay:pipeline", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if err := first.Extend(ctx); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected lost lock, got %v", err)
	}
	first.Release()
	if err := second.Extend(ctx); err != nil {
		t.Fatalf("stale release must not drop the new holder: %v", err)
	}
}
