package events

import (
	"context"

	"github.com/R3E-Network/token_locker/internal/app/domain/locker"
	"github.com/R3E-Network/token_locker/pkg/logger"
	"github.com/go-redis/redis/v8"
)

// DefaultChannel is the pub/sub channel events are published on.
const DefaultChannel = "token-locker:events"

// RedisPublisher publishes the standard JSON of every event to a redis channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	log     *logger.Logger
}

var _ Emitter = (*RedisPublisher)(nil)

// NewRedisPublisher returns a publisher on channel, or DefaultChannel when empty.
func NewRedisPublisher(client redis.UniversalClient, channel string, log *logger.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = logger.NewDefault("events-redis")
	}
	return &RedisPublisher{client: client, channel: channel, log: log}
}

// Emit publishes event. Failures are logged and dropped.
func (p *RedisPublisher) Emit(ctx context.Context, event locker.Event) {
	payload, err := event.StandardJSON()
	if err != nil {
		p.log.WithError(err).Warn("encode event")
		return
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.log.WithContext(ctx).WithError(err).WithField("event", event.Kind).Warn("publish event")
	}
}

// Subscribe returns a subscription to the publisher's channel.
func (p *RedisPublisher) Subscribe(ctx context.Context) *redis.PubSub {
	return p.client.Subscribe(ctx, p.channel)
}

// Close releases the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
