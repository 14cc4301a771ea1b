package eventbus

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// RedisPublisher sends lifecycle events to a redis pub/sub channel
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

// RedisPubSub is factory for building a publisher based on redis pubsub
func RedisPubSub(rdb *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, e *Event) error {
	msg, err := e.ToJSON()
	if err != nil {
		return err
	}

	return p.rdb.Publish(ctx, p.channel, msg).Err()
}

// Subscribe is used by consumers (and tools) interested in the lifecycle events
func (p *RedisPublisher) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := p.rdb.Subscribe(ctx, p.channel)
	// Wait until subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}

	return &Subscription{pubsub: pubsub}, nil
}

func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

type Subscription struct {
	pubsub *redis.PubSub
}

func (s *Subscription) Channel() <-chan *redis.Message {
	return s.pubsub.Channel()
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
