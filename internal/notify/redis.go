package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// Redis publishes events to a pub/sub channel, usually consumed
// by a chat bridge.
type Redis struct {
	client  *redis.Client
	channel string
}

func NewRedis(addr, password, channel string) *Redis {
	if len(channel) == 0 {
		channel = "kvmfleet:events"
	}

	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		channel: channel,
	}
}

func (r *Redis) Name() string {
	return "redis"
}

func (r *Redis) Notify(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
