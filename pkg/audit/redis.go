package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher is the subset of the Redis client used for alert delivery.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisAlertPublisher publishes critical alerts as JSON on a Redis channel.
type RedisAlertPublisher struct {
	client  Publisher
	channel string
}

var _ AlertNotifier = (*RedisAlertPublisher)(nil)

func NewRedisAlertPublisher(client Publisher, channel string) *RedisAlertPublisher {
	return &RedisAlertPublisher{client: client, channel: channel}
}

func (p *RedisAlertPublisher) NotifyCritical(ctx context.Context, alert CriticalAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal critical alert: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish critical alert to %s: %w", p.channel, err)
	}
	return nil
}
