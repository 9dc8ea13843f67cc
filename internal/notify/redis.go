package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sigrelay/internal/domain"
)

const DefaultRedisChannel = "sigrelay:events"

// Redis publishes every event as JSON on a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
}

func NewRedis(rawURL, channel string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 1
	opts.Protocol = 2
	opts.DisableIdentity = true
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &Redis{client: redis.NewClient(opts), channel: channel}, nil
}

func (r *Redis) Notify(ctx context.Context, ev domain.ClassifiedEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
