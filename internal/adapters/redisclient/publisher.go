package redisclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"cryptoPaperBot/internal/domain"
)

// Publisher is a lossy event sink that publishes JSON events to a Pub/Sub
// channel.
type Publisher struct {
	rdb     *redis.Client
	channel string
}

// NewPublisher creates a Publisher on channel.
func NewPublisher(c *Client, channel string) *Publisher {
	return &Publisher{rdb: c.rdb, channel: channel}
}

// Name implements ports.EventSink.
func (p *Publisher) Name() string { return "redis" }

// Durable implements ports.EventSink.
func (p *Publisher) Durable() bool { return false }

// Deliver implements ports.EventSink.
func (p *Publisher) Deliver(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", p.channel, err)
	}
	return nil
}
