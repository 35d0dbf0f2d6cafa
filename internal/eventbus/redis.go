package eventbus

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/example/private-dispatch/internal/models"
)

const DefaultChannel = "dispatch:events"

// RedisClient is the part of a redis client the publisher uses.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes each event on a shared channel and on a
// per-principal channel for every principal it involves.
type RedisPublisher struct {
	client  RedisClient
	channel string
}

func NewRedisPublisher(c RedisClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: c, channel: channel}
}

func (r *RedisPublisher) Name() string { return "redis" }

func (r *RedisPublisher) Publish(ctx context.Context, events []models.Event) error {
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return errors.Wrap(err, "encode event")
		}
		for _, ch := range r.Channels(ev) {
			if err := r.client.Publish(ctx, ch, b).Err(); err != nil {
				return errors.Wrapf(err, "publish %s", ch)
			}
		}
	}
	return nil
}

// Channels lists the channels ev is published on.
func (r *RedisPublisher) Channels(ev models.Event) []string {
	out := []string{r.channel}
	seen := map[models.Principal]bool{}
	for _, p := range []models.Principal{ev.Driver, ev.Passenger, ev.Caller, ev.Principal} {
		if p.IsZero() || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, r.channel+":"+p.String())
	}
	return out
}
