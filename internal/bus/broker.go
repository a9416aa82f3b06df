package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed is returned by Subscribe after Close.
var ErrBusClosed = errors.New("bus: closed")

// Broker is the shared pub/sub transport between server processes. Payloads
// are opaque bytes; the Bus owns the event encoding.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (BrokerSubscription, error)
	Close() error
}

// BrokerSubscription is one channel-level subscription on the broker.
// Messages is closed after Close (or when the subscription's context ends).
type BrokerSubscription interface {
	Messages() <-chan []byte
	Close() error
}

// LocalBroker is an in-process Broker for single-node deployments and tests.
// It mirrors the Redis broker's contract: publishes with no subscriber are
// silently discarded, channels are independent, and a closed subscription
// stops receiving immediately.
type LocalBroker struct {
	mu       sync.Mutex
	channels map[string]map[*localSub]struct{}
	closed   bool
}

// NewLocalBroker constructs an empty in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{channels: make(map[string]map[*localSub]struct{})}
}

type localSub struct {
	broker  *LocalBroker
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *localSub) Messages() <-chan []byte { return s.ch }

func (s *localSub) Close() error {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		if subs, ok := b.channels[s.channel]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(b.channels, s.channel)
			}
		}
		b.mu.Unlock()
		close(s.ch)
	})
	return nil
}

// Publish copies the payload to every live subscriber on the channel.
// Subscribers that have fallen behind miss the message rather than blocking
// the publisher.
func (b *LocalBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	for s := range b.channels[channel] {
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscription on the channel. The context, when
// canceled, closes the subscription.
func (b *LocalBroker) Subscribe(ctx context.Context, channel string) (BrokerSubscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	s := &localSub{broker: b, channel: channel, ch: make(chan []byte, subscriberBufferSize)}
	subs, ok := b.channels[channel]
	if !ok {
		subs = make(map[*localSub]struct{})
		b.channels[channel] = subs
	}
	subs[s] = struct{}{}
	b.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = s.Close()
		}()
	}
	return s, nil
}

// Close shuts the broker down and closes every open subscription.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	channels := b.channels
	b.channels = make(map[string]map[*localSub]struct{})
	b.mu.Unlock()

	for _, subs := range channels {
		for s := range subs {
			s.once.Do(func() { close(s.ch) })
		}
	}
	return nil
}
