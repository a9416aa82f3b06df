package bus

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBroker carries events over Redis pub/sub so every server process
// sees every event regardless of which process accepted the originating
// request.
type RedisBroker struct {
	client redis.UniversalClient
}

// NewRedisBroker connects to the Redis instance described by rawURL
// (redis:// or rediss://) and verifies the connection with a ping.
func NewRedisBroker(ctx context.Context, rawURL string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisBroker{client: client}, nil
}

// NewRedisBrokerFromClient wraps an existing client. The caller keeps
// ownership of the client's lifecycle.
func NewRedisBrokerFromClient(client redis.UniversalClient) *RedisBroker {
	return &RedisBroker{client: client}
}

// Publish sends the payload on the channel. Redis pub/sub is fire and
// forget: messages published with no subscriber are discarded.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

type redisSub struct {
	pubsub *redis.PubSub
	out    chan []byte
}

func (s *redisSub) Messages() <-chan []byte { return s.out }

func (s *redisSub) Close() error { return s.pubsub.Close() }

// Subscribe opens a Redis subscription on the channel and adapts its
// message stream to raw payload bytes. The returned subscription ends when
// Close is called or ctx is canceled.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (BrokerSubscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	s := &redisSub{pubsub: pubsub, out: make(chan []byte, subscriberBufferSize)}
	go func() {
		defer close(s.out)
		for msg := range pubsub.Channel() {
			s.out <- []byte(msg.Payload)
		}
	}()
	return s, nil
}

// Close releases the underlying Redis client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
