package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRelay carries events over a Redis pub/sub channel.
type RedisRelay struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedisRelay(client *redis.Client, channel string, log *zap.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, log: log}
}

var _ Relay = (*RedisRelay)(nil)

func (r *RedisRelay) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *RedisRelay) Run(ctx context.Context, deliver func(Event)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reading.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}
	r.log.Info("redis relay subscribed", zap.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis relay channel closed")
			}
			var ev Event
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				r.log.Warn("redis relay: bad payload", zap.Error(err))
				continue
			}
			deliver(ev)
		}
	}
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}
