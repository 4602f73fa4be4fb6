package redis

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"spectre.c2/internal/core/ports"
)

const EventChannel = "c2:events"

// Bus is the redis pub/sub event bus. Every server replica publishes to one
// channel; each subscriber (websocket hub, MQTT mirror) gets its own pubsub
// connection so a slow consumer cannot stall the others.
type Bus struct {
	client *redis.Client
}

var _ ports.EventBus = (*Bus)(nil)

func NewBus(url string) (*Bus, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return &Bus{client: client}, client, nil
}

func (b *Bus) Publish(ctx context.Context, event ports.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, EventChannel, data).Err()
}

func (b *Bus) Subscribe(ctx context.Context) (<-chan ports.Event, error) {
	pubsub := b.client.Subscribe(ctx, EventChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	ch := make(chan ports.Event, 64)
	go func() {
		defer pubsub.Close()
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var event ports.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case ch <- event:
				default:
					// Drop rather than block the pubsub reader.
				}
			}
		}
	}()
	return ch, nil
}
