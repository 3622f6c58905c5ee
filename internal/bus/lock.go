package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockHeld means another pipeline instance owns the lock.
	ErrLockHeld = errors.New("lock held by another instance")
	// ErrLockLost means the key expired or was taken over since the last renewal.
	ErrLockLost = errors.New("lock no longer held")
)

const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

type lockCommander interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Locker keeps two live loops from driving the same state directory.
type Locker struct {
	rdb lockCommander
}

func NewLocker(rdb lockCommander) *Locker {
	return &Locker{rdb: rdb}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Lock is one holder's claim on a key. It expires after its TTL unless
// Extend is called in time.
type Lock struct {
	rdb      lockCommander
	key      string
	token    string
	ttl      time.Duration
	mu       sync.Mutex
	released bool
}

// Acquire takes the lock with a TTL.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.New().String()
	lk := lockKey(key)
	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{rdb: l.rdb, key: lk, token: token, ttl: ttl}, nil
}

func (lk *Lock) TTL() time.Duration {
	return lk.ttl
}

// Extend resets the TTL while this holder's token is still set.
func (lk *Lock) Extend(ctx context.Context) error {
	lk.mu.Lock()
	released := lk.released
	lk.mu.Unlock()
	if released {
		return ErrLockLost
	}
	n, err := lk.rdb.Eval(ctx, extendLua, []string{lk.key}, lk.token, lk.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis: extend lock %s: %w", lk.key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Release is safe to call more than once and only deletes the key while
// this holder's token is set.
func (lk *Lock) Release() {
	lk.mu.Lock()
	if lk.released {
		lk.mu.Unlock()
		return
	}
	lk.released = true
	lk.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = lk.rdb.Eval(ctx, unlockLua, []string{lk.key}, lk.token).Err()
}
