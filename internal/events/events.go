// Package events fans transfer outcomes out to observers: websocket
// subscribers of the admin API and, optionally, a Redis channel read by
// external analyzers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is published once per completed transfer.
type Event struct {
	Type       string    `json:"type"` // "transfer"
	TransferID string    `json:"transfer_id"`
	Kind       string    `json:"kind"`
	Peer       string    `json:"peer"`
	AgentID    string    `json:"agent_id"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	Status     string    `json:"status"`
	Decrypted  bool      `json:"decrypted"`
	Verified   bool      `json:"verified"`
	Warning    string    `json:"warning,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher delivers events. Publish must not block the caller for long.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi publishes to every member and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultChannel is the Redis channel transfer events are published on.
const DefaultChannel = "archivist:transfers"

// RedisPublisher publishes events as JSON on a Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects to the Redis instance at url.
func NewRedisPublisher(ctx context.Context, url, channel string) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

func (r *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (r *RedisPublisher) Close() error {
	return r.client.Close()
}
