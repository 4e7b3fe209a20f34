package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes events as JSON on Redis pub/sub. Accepted text goes to
// channel; status events go to channel + ":status".
type RedisSink struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedisSink connects to the server at url and checks it answers.
func NewRedisSink(ctx context.Context, url, channel string, logger *slog.Logger) (*RedisSink, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisSink(client, channel, logger), nil
}

func newRedisSink(client *redis.Client, channel string, logger *slog.Logger) *RedisSink {
	return &RedisSink{client: client, channel: channel, timeout: 2 * time.Second, logger: logger}
}

func (s *RedisSink) Accepted(ctx context.Context, ev TextEvent) {
	s.publish(ctx, s.channel, ev)
}

func (s *RedisSink) Status(ctx context.Context, ev StatusEvent) {
	s.publish(ctx, s.channel+":status", ev)
}

func (s *RedisSink) publish(ctx context.Context, channel string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode event", "channel", channel, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		s.logger.Warn("Failed to publish event", "channel", channel, "error", err)
	}
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
