// internal/notify/redis.go
package notify

import (
	"context"
	"fmt"

	"rentalnexus/internal/rental"

	"github.com/redis/go-redis/v9"
)

// redisPublisher is the part of a go-redis client the sink uses.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher broadcasts events on a pub/sub channel, one channel per
// deployment. Subscribers that are offline miss events; the ledger is the
// durable record.
type RedisPublisher struct {
	client  redisPublisher
	channel string
}

func NewRedisPublisher(client redisPublisher, channel string) *RedisPublisher {
	if channel == "" {
		channel = "rental.events"
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Publish(ctx context.Context, e rental.Event) error {
	body, err := encode(e)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", e.Type, err)
	}
	return nil
}
