package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTransport publishes every notification to a Redis pub/sub channel,
// giving operators a live feed of policy activity.
type RedisTransport struct {
	client  *redis.Client
	channel string
}

// NewRedisTransport creates a transport publishing to channel on the Redis
// instance at addr.
func NewRedisTransport(addr, password string, db int, channel string) *RedisTransport {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisTransport{client: rdb, channel: channel}
}

// Name implements Transport.
func (t *RedisTransport) Name() string { return "redis" }

// Publish implements Transport.
func (t *RedisTransport) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := t.client.Publish(ctx, t.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}
