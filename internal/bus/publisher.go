package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yuguogang/mock-exchange/internal/signal"
)

const streamMaxLen int64 = 10000

// Commander is the subset of *redis.Client the publisher uses.
type Commander interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Publisher fans newly committed signals out to a pub/sub channel for live
// listeners and to a capped stream for late readers.
type Publisher struct {
	rdb     Commander
	channel string
	stream  string
	log     *zap.Logger
}

func NewPublisher(rdb Commander, channel, stream string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{rdb: rdb, channel: channel, stream: stream, log: log}
}

// PublishSignals returns how many signals were published. It stops at the
// first failure; signals are already committed to history by then.
func (p *Publisher) PublishSignals(ctx context.Context, signals []signal.Signal) (int, error) {
	if p == nil || p.rdb == nil {
		return 0, nil
	}
	sent := 0
	for _, sig := range signals {
		payload, err := json.Marshal(sig)
		if err != nil {
			return sent, fmt.Errorf("encode signal %s: %w", sig.Key(), err)
		}
		if p.channel != "" {
			if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
				return sent, fmt.Errorf("redis: publish %s: %w", p.channel, err)
			}
		}
		if p.stream != "" {
			err := p.rdb.XAdd(ctx, &redis.XAddArgs{
				Stream: p.stream,
				MaxLen: streamMaxLen,
				Approx: true,
				Values: map[string]interface{}{
					"strategy": string(sig.Strategy),
					"type":     string(sig.Type),
					"session":  sig.SessionID,
					"ts":       sig.TS,
					"payload":  string(payload),
				},
			}).Err()
			if err != nil {
				return sent, fmt.Errorf("redis: xadd %s: %w", p.stream, err)
			}
		}
		sent++
	}
	if sent > 0 {
		p.log.Debug("signals published", zap.Int("count", sent), zap.String("channel", p.channel))
	}
	return sent, nil
}
