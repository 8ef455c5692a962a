package events

import (
	"context"
	"encoding/json"
	"fmt"

	"collab-sync/pkg/db"

	"github.com/redis/go-redis/v9"
)

// ChannelPrefix prefixes the per-session pub/sub channel.
const ChannelPrefix = "collab:session:"

// RedisPublisher publishes each recorded event as JSON on the session's
// channel, for replay tooling and other nodes that follow a session.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, addr, password string, database int) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       database,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisPublisher{client: client}, nil
}

// Channel returns the pub/sub channel for a session.
func Channel(sessionID string) string {
	return ChannelPrefix + sessionID
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, e *db.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return p.client.Publish(ctx, Channel(e.SessionID), payload).Err()
}

// Subscribe follows a session's event channel. The caller closes the
// returned subscription.
func (p *RedisPublisher) Subscribe(ctx context.Context, sessionID string) *redis.PubSub {
	return p.client.Subscribe(ctx, Channel(sessionID))
}

// Close closes the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
