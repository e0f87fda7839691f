package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"mongowatch/internal/models"
)

// RedisSink publishes each record to a per-session Redis channel,
// <prefix>:<sessionID>:records, so cross-process consumers can follow a
// session without connecting to this service.
type RedisSink struct {
	client *redis.Client
	prefix string
}

// NewRedisSink connects to Redis and verifies the connection before
// returning the sink.
func NewRedisSink(redisURL, prefix string) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Configure connection pool
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Println("✅ Redis sink connected")
	return &RedisSink{client: client, prefix: prefix}, nil
}

func (s *RedisSink) Name() string { return "redis" }

// Channel returns the pub/sub channel a session's records go to.
func (s *RedisSink) Channel(sessionID string) string {
	return fmt.Sprintf("%s:%s:records", s.prefix, sessionID)
}

// Publish serializes the record as JSON and publishes it. Subscriber count is
// not checked; Redis pub/sub is fire-and-forget by design.
func (s *RedisSink) Publish(ctx context.Context, rec *models.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return s.client.Publish(ctx, s.Channel(rec.SessionID), data).Err()
}

// Close closes the Redis connection
func (s *RedisSink) Close() error {
	return s.client.Close()
}
