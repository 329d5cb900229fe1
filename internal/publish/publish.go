// Package publish fans decoded order events out to Redis pub/sub.
package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/venuelink/internal/config"
	"github.com/rickgao/venuelink/internal/model"
)

// redisClient is the subset of *redis.Client the publisher uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisPublisher publishes order events as JSON on one channel.
type RedisPublisher struct {
	client  redisClient
	channel string
}

// NewRedisPublisher creates a publisher from config.
func NewRedisPublisher(cfg config.RedisConfig) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisPublisher{client: client, channel: cfg.Channel}
}

// Ping verifies the server is reachable.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Publish sends ev and returns the number of subscribers that received it.
func (p *RedisPublisher) Publish(ctx context.Context, ev model.OrderEvent) (int64, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal order event: %w", err)
	}
	n, err := p.client.Publish(ctx, p.channel, data).Result()
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return n, nil
}

// Close closes the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
