package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yuguogang/mock-exchange/internal/metrics"
	"github.com/yuguogang/mock-exchange/internal/sink"
	"github.com/yuguogang/mock-exchange/internal/state"

	"go.uber.org/zap"
)

// KeyPrefix namespaces delivered item keys in the state store.
const KeyPrefix = "dispatch:"

const (
	defaultAttempts = 3
	initialBackoff  = 200 * time.Millisecond
)

// Report counts what one Deliver call did with its items.
type Report struct {
	Delivered int
	Skipped   int
	Failed    int
}

func (r Report) Total() int {
	return r.Delivered + r.Skipped + r.Failed
}

// Dispatcher delivers pipeline items to the mock exchange at most once per
// key. A failed item is logged and counted, never returned: the pipeline
// result must not depend on the exchange being reachable.
type Dispatcher struct {
	sink     sink.Sink
	store    state.Store
	metrics  *metrics.Metrics
	log      *zap.Logger
	attempts int
	backoff  time.Duration

	mu    sync.Mutex
	cache map[string]string
}

func New(s sink.Sink, store state.Store, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Dispatcher{
		sink:     s,
		store:    store,
		metrics:  m,
		log:      log,
		attempts: defaultAttempts,
		backoff:  initialBackoff,
		cache:    make(map[string]string),
	}
}

// WithRetry overrides the attempt count and initial backoff.
func (d *Dispatcher) WithRetry(attempts int, backoff time.Duration) *Dispatcher {
	if attempts > 0 {
		d.attempts = attempts
	}
	if backoff > 0 {
		d.backoff = backoff
	}
	return d
}

// Deliver sends items in order. Only context cancellation is returned.
func (d *Dispatcher) Deliver(ctx context.Context, items []sink.Item) (Report, error) {
	var report Report
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if item.Key != "" {
			seen, err := d.seen(ctx, item.Key)
			if err != nil {
				d.log.Warn("idempotence lookup failed", zap.String("key", item.Key), zap.Error(err))
			} else if seen {
				report.Skipped++
				continue
			}
		}
		ref, err := d.deliverWithRetry(ctx, item)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return report, err
			}
			report.Failed++
			d.metrics.SinkFailures.Inc()
			d.log.Warn("sink injection failed",
				zap.String("kind", string(item.Kind)),
				zap.String("exchange", item.Exchange),
				zap.String("key", item.Key),
				zap.Error(err),
			)
			continue
		}
		report.Delivered++
		switch item.Kind {
		case sink.KindOrder:
			d.metrics.OrdersInjected.Inc()
		case sink.KindIncome:
			d.metrics.IncomeInjected.Inc()
		}
		if item.Key != "" {
			d.remember(ctx, item.Key, ref)
		}
	}
	return report, nil
}

func (d *Dispatcher) seen(ctx context.Context, key string) (bool, error) {
	cacheKey := KeyPrefix + key
	d.mu.Lock()
	_, ok := d.cache[cacheKey]
	d.mu.Unlock()
	if ok {
		return true, nil
	}
	if d.store == nil {
		return false, nil
	}
	ref, ok, err := d.store.Get(ctx, cacheKey)
	if err != nil || !ok {
		return false, err
	}
	d.mu.Lock()
	d.cache[cacheKey] = ref
	d.mu.Unlock()
	return true, nil
}

func (d *Dispatcher) remember(ctx context.Context, key, ref string) {
	cacheKey := KeyPrefix + key
	if d.store != nil {
		if err := d.store.Set(ctx, cacheKey, ref); err != nil {
			d.log.Warn("failed to persist delivery", zap.String("key", key), zap.Error(err))
		}
	}
	d.mu.Lock()
	d.cache[cacheKey] = ref
	d.mu.Unlock()
}

// Forget drops every remembered delivery, used when a replay is reset.
func (d *Dispatcher) Forget(ctx context.Context) error {
	d.mu.Lock()
	d.cache = make(map[string]string)
	d.mu.Unlock()
	if d.store == nil {
		return nil
	}
	_, err := state.DeletePrefix(ctx, d.store, KeyPrefix)
	return err
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, item sink.Item) (string, error) {
	var ref string
	err := d.retry(ctx, func() error {
		res, err := d.deliverOnce(ctx, item)
		if err != nil {
			return err
		}
		ref = res
		return nil
	})
	return ref, err
}

func (d *Dispatcher) deliverOnce(ctx context.Context, item sink.Item) (string, error) {
	switch item.Kind {
	case sink.KindOrder:
		if item.Order == nil {
			return "", errors.New("order item without order")
		}
		res := d.sink.InjectOrder(ctx, *item.Order)
		if !res.OK {
			return "", resultErr(res)
		}
		if res.OrderID == "" {
			return "ok", nil
		}
		return res.OrderID, nil
	case sink.KindIncome:
		if item.Income == nil {
			return "", errors.New("income item without income")
		}
		res := d.sink.InjectIncome(ctx, *item.Income)
		if !res.OK {
			return "", resultErr(res)
		}
		return "ok", nil
	default:
		return "", fmt.Errorf("unknown item kind %q", item.Kind)
	}
}

func resultErr(res sink.Result) error {
	if res.Err != nil {
		return res.Err
	}
	return errors.New("rejected")
}

func (d *Dispatcher) retry(ctx context.Context, fn func() error) error {
	backoff := d.backoff
	for attempt := 0; attempt < d.attempts; attempt++ {
		if err := fn(); err != nil {
			if attempt == d.attempts-1 {
				return fmt.Errorf("retry failed: %w", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
			continue
		}
		return nil
	}
	return nil
}
