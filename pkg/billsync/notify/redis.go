package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// DefaultChannel is the pub/sub channel used by RedisSink when none is configured.
const DefaultChannel = "billsync:subscription-changes"

// InvalidationMessage is published for every transition so that caches of
// subscription state can drop their entry for the user.
type InvalidationMessage struct {
	UserID         string `json:"user_id"`
	SubscriptionID string `json:"subscription_id"`
	Status         string `json:"status"`
	Version        int64  `json:"version"`
}

// RedisSink publishes cache invalidation messages on a Redis channel.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisSink creates a sink publishing to channel (DefaultChannel if empty).
func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, t billsync.Transition) error {
	msg := InvalidationMessage{
		UserID:         t.UserID,
		SubscriptionID: t.SubscriptionID,
		Status:         string(t.To),
	}
	if t.Subscription != nil {
		msg.Version = t.Subscription.Version
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal invalidation message: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.channel, err)
	}
	return nil
}
