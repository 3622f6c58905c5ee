package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yuguogang/mock-exchange/internal/bus"
	"github.com/yuguogang/mock-exchange/internal/config"

	"go.uber.org/zap"
)

type scriptedLock struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedLock) Extend(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *scriptedLock) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestHoldLockStopsRunWhenLockIsLost(t *testing.T) {
	cfg := &config.Config{}
	cfg.Redis.LockKey = "replay:pipeline"
	a := &App{cfg: cfg, log: zap.NewNop()}
	lock := &scriptedLock{errs: []error{nil, errors.New("redis timeout"), bus.ErrLockLost}}

	ctx, stop := context.WithCancelCause(context.Background())
	defer stop(nil)
	done := make(chan struct{})
	go func() {
		a.holdLock(ctx, lock, 30*time.Millisecond, stop)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("holdLock did not stop after losing the lock")
	}
	if !errors.Is(context.Cause(ctx), bus.ErrLockLost) {
		t.Fatalf("expected lock-lost cause, got %v", context.Cause(ctx))
	}
	if got := lock.callCount(); got != 3 {
		t.Fatalf("expected renewal to survive a transient error, got %d calls", got)
	}
}

func TestHoldLockRenewsUntilCancelled(t *testing.T) {
	cfg := &config.Config{}
	a := &App{cfg: cfg, log: zap.NewNop()}
	lock := &scriptedLock{}

	ctx, stop := context.WithCancelCause(context.Background())
	done := make(chan struct{})
	go func() {
		a.holdLock(ctx, lock, 15*time.Millisecond, stop)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for lock.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stop(nil)
	<-done
	if lock.callCount() < 3 {
		t.Fatalf("expected repeated renewals, got %d", lock.callCount())
	}
	if context.Cause(ctx) != context.Canceled {
		t.Fatalf("expected plain cancellation, got %v", context.Cause(ctx))
	}
}
