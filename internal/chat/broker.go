package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Delivery is one encoded event plus its audience. It is what travels between
// processes.
type Delivery struct {
	Scope       Scope           `json:"scope"`
	Room        string          `json:"room,omitempty"`
	ExcludeUser string          `json:"excludeUser,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// Broker carries deliveries to every hub of the deployment, this one included.
// Deliveries published by one goroutine arrive in publish order.
type Broker interface {
	Publish(ctx context.Context, d Delivery) error
	Subscribe(ctx context.Context) (<-chan Delivery, error)
}

// LocalBroker is the single-process Broker.
type LocalBroker struct {
	ch chan Delivery
}

func NewLocalBroker(buffer int) *LocalBroker {
	return &LocalBroker{ch: make(chan Delivery, buffer)}
}

func (b *LocalBroker) Publish(ctx context.Context, d Delivery) error {
	select {
	case b.ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBroker) Subscribe(context.Context) (<-chan Delivery, error) {
	return b.ch, nil
}

// RedisBroker fans deliveries out through a Redis pub/sub channel so that
// sessions held by other processes receive them too.
type RedisBroker struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

func NewRedisBroker(client *redis.Client, channel string, log zerolog.Logger) *RedisBroker {
	if channel == "" {
		channel = "chat:events"
	}
	return &RedisBroker{client: client, channel: channel, log: log}
}

func (b *RedisBroker) Publish(ctx context.Context, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe returns once the subscription is active. The channel closes when
// ctx is done.
func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	out := make(chan Delivery, 256)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var d Delivery
				if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
					b.log.Warn().Err(err).Msg("dropping malformed delivery")
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
