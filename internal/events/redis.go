package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// eventChannel is the pub/sub channel carrying lifecycle events across
	// processes.
	eventChannel = "sync:events"

	// resultChannelPrefix prefixes the per-group poll result channels.
	resultChannelPrefix = "sync:poll:result:"

	// lockKeyPrefix prefixes the named advisory lock keys.
	lockKeyPrefix = "sync:lock:"
)

// RedisBus implements Broadcaster, ResultBus, and Lock on redis pub/sub and
// SET NX, so events and poll coordination work across processes.
type RedisBus struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewRedisBus wraps a redis client.
func NewRedisBus(rdb redis.UniversalClient, logger *zap.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, eventChannel, body).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := b.rdb.Subscribe(ctx, eventChannel)
	out := make(chan Event, subscriberBuffer)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("dropping malformed sync event", zap.Error(err))
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}()

	cancel := func() {
		_ = sub.Close()
	}
	return out, cancel
}

func (b *RedisBus) PublishResult(ctx context.Context, group string, payload []byte) error {
	return b.rdb.Publish(ctx, resultChannelPrefix+group, payload).Err()
}

func (b *RedisBus) SubscribeResults(ctx context.Context, group string) (<-chan []byte, func()) {
	sub := b.rdb.Subscribe(ctx, resultChannelPrefix+group)
	out := make(chan []byte, subscriberBuffer)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			default:
			}
		}
	}()

	cancel := func() {
		_ = sub.Close()
	}
	return out, cancel
}

func (b *RedisBus) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return b.rdb.SetNX(ctx, lockKeyPrefix+name, "1", ttl).Result()
}

func (b *RedisBus) Release(ctx context.Context, name string) error {
	return b.rdb.Del(ctx, lockKeyPrefix+name).Err()
}
