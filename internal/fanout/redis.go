package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "fanout:"

// Redis mirrors the local bus over Redis Pub/Sub. Every instance pattern-subscribes
// to all fan-out channels and re-delivers foreign events to its own subscribers.
type Redis struct {
	bridge
	cli *redis.Client
}

func NewRedis(local *Local, cli *redis.Client) *Redis {
	return &Redis{bridge: bridge{local: local, origin: uuid.NewString()}, cli: cli}
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	return r.local.Subscribe(ctx, topic)
}

// Publish delivers locally first, then to other instances. A Redis error is returned
// but local subscribers already have the event.
func (r *Redis) Publish(ctx context.Context, ev Event) error {
	if err := r.local.deliver(ev, "local"); err != nil {
		return err
	}
	data, err := r.encode(ev)
	if err != nil {
		return err
	}
	if err := r.cli.Publish(ctx, redisChannelPrefix+ev.Topic, data).Err(); err != nil {
		return fmt.Errorf("fanout redis publish %s: %w", ev.Topic, err)
	}
	return nil
}

// Run pumps remote events until ctx is done, reconnecting with backoff.
func (r *Redis) Run(ctx context.Context) {
	retryLoop(ctx, "redis", r.pump)
}

func (r *Redis) pump(ctx context.Context) error {
	ps := r.cli.PSubscribe(ctx, redisChannelPrefix+"*")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		r.receive([]byte(msg.Payload))
	}
}
