package notify

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster publishes payloads on a Redis pub/sub channel so that
// observers connected to any server instance receive them.
type RedisBroadcaster struct {
	client  redis.UniversalClient
	channel string
	buffer  int
}

func NewRedisBroadcaster(client redis.UniversalClient, channel string) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, channel: channel, buffer: 64}
}

func (r *RedisBroadcaster) Publish(ctx context.Context, payload []byte) error {
	return r.client.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisBroadcaster) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ps := r.client.Subscribe(ctx, r.channel)
	// wait for the subscription confirmation so that errors surface here
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	in := ps.Channel(redis.WithChannelSize(r.buffer))
	out := make(chan []byte, r.buffer)
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
				}
			}
		}
	}()
	return out, nil
}
