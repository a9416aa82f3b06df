// Package bus implements the real-time event fan-out for conversations.
//
// Publishing always goes through a Broker (Redis in production) so events
// reach subscribers on every server process. Subscribing is process-local:
// the first local subscriber on a channel opens exactly one broker-level
// subscription for that channel and demultiplexes incoming messages to all
// locally registered handlers; the last local unsubscribe closes the
// broker-level subscription. This keeps the broker at one subscription per
// channel per process no matter how many SSE connections are attached.
//
// Delivery is at-most-once with no replay: a subscriber attached after an
// event was published never sees it, and events are dropped for subscribers
// that cannot keep up. Consumers deduplicate by event ID when they combine
// the stream with polling.
package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event type names published by the messaging core.
const (
	EventConversationCreated = "conversation.created"
	EventMessageCreated      = "message.created"
	EventConversationUpdated = "conversation.updated"
	EventConversationDeleted = "conversation.deleted"
)

// ConversationChannel returns the per-conversation channel name carrying
// end-user-visible events for one thread.
func ConversationChannel(conversationID string) string {
	return "conversation:" + conversationID
}

// OrgInboxChannel returns the per-organization staff channel carrying all
// events, including internal notes.
func OrgInboxChannel(orgID string) string {
	return "org:" + orgID + ":inbox"
}

// Event is the payload delivered to subscribers and serialized onto the
// broker. ID carries the created entity's UUID so consumers that also poll
// can deduplicate.
type Event struct {
	ID   string         `json:"id"`
	Type string         `json:"event"`
	Data map[string]any `json:"data"`
}

// Handler receives events for one subscription. Handlers run on a dedicated
// goroutine per subscription; a slow handler delays (and eventually drops)
// only its own events, never its channel peers.
type Handler func(Event)

// subscriberBufferSize is the default per-subscriber event buffer. Events
// beyond it are dropped rather than blocking the channel demux.
const subscriberBufferSize = 64

// Bus fans broker messages out to local subscribers. Instances are
// explicitly constructed and injected rather than held in a package-level
// singleton, so tests can run isolated buses side by side.
type Bus struct {
	broker  Broker
	log     zerolog.Logger
	bufSize int

	mu       sync.Mutex
	channels map[string]*channelState
	closed   bool
}

// channelState tracks one broker-level subscription and its local fan-out.
type channelState struct {
	subs   map[string]*Subscription
	remote BrokerSubscription
	cancel context.CancelFunc
}

// Subscription is a live registration of one handler on one channel.
// Close removes it; closing the last subscription on a channel tears down
// the underlying broker subscription.
type Subscription struct {
	bus     *Bus
	channel string
	id      string
	events  chan Event
	quit    chan struct{}
	once    sync.Once
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber event buffer.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// New constructs a Bus over the given broker.
func New(broker Broker, log zerolog.Logger, opts ...Option) *Bus {
	b := &Bus{
		broker:   broker,
		log:      log.With().Str("component", "bus").Logger(),
		bufSize:  subscriberBufferSize,
		channels: make(map[string]*channelState),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish serializes the event and hands it to the broker. Publish failures
// are logged and swallowed: an event-bus outage must never fail the API call
// that produced the event.
func (b *Bus) Publish(ctx context.Context, channel string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error().Err(err).Str("channel", channel).Msg("marshal event")
		return
	}
	if err := b.broker.Publish(ctx, channel, payload); err != nil {
		b.log.Warn().Err(err).Str("channel", channel).Str("event", ev.Type).Msg("publish failed, event dropped")
	}
}

// Subscribe registers a handler for a channel and returns its Subscription.
// The first subscriber on a channel opens the broker-level subscription.
func (b *Bus) Subscribe(channel string, h Handler) (*Subscription, error) {
	sub := &Subscription{
		bus:     b,
		channel: channel,
		id:      uuid.NewString(),
		events:  make(chan Event, b.bufSize),
		quit:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	st, ok := b.channels[channel]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		remote, err := b.broker.Subscribe(ctx, channel)
		if err != nil {
			cancel()
			b.mu.Unlock()
			return nil, err
		}
		st = &channelState{
			subs:   make(map[string]*Subscription),
			remote: remote,
			cancel: cancel,
		}
		b.channels[channel] = st
		go b.demux(channel, remote)
	}
	st.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run(h)

	b.log.Debug().Str("channel", channel).Str("sub_id", sub.id).Msg("subscriber added")
	return sub, nil
}

// demux reads broker messages for one channel and fans them out to every
// local subscriber. Malformed payloads are logged and dropped; they never
// reach handlers.
func (b *Bus) demux(channel string, remote BrokerSubscription) {
	for payload := range remote.Messages() {
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			b.log.Warn().Err(err).Str("channel", channel).Msg("malformed broker message dropped")
			continue
		}

		b.mu.Lock()
		st, ok := b.channels[channel]
		if !ok {
			b.mu.Unlock()
			return
		}
		targets := make([]*Subscription, 0, len(st.subs))
		for _, s := range st.subs {
			targets = append(targets, s)
		}
		b.mu.Unlock()

		for _, s := range targets {
			select {
			case s.events <- ev:
			default:
				// Subscriber buffer full; drop for this subscriber only.
				b.log.Debug().Str("channel", channel).Str("sub_id", s.id).Str("event_id", ev.ID).Msg("dropped event for slow subscriber")
			}
		}
	}
}

// run delivers buffered events to the handler until the subscription closes.
func (s *Subscription) run(h Handler) {
	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.events:
			h(ev)
		}
	}
}

// Close removes the subscription from the registry. Closing the last
// subscription on a channel closes the broker-level subscription as well.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.quit)

		b := s.bus
		b.mu.Lock()
		st, ok := b.channels[s.channel]
		if ok {
			delete(st.subs, s.id)
			if len(st.subs) == 0 {
				delete(b.channels, s.channel)
				st.cancel()
				_ = st.remote.Close()
			}
		}
		b.mu.Unlock()

		b.log.Debug().Str("channel", s.channel).Str("sub_id", s.id).Msg("subscriber removed")
	})
}

// HasSubscribers reports whether any local subscription is registered on the
// channel. Exposed for tests and diagnostics.
func (b *Bus) HasSubscribers(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.channels[channel]
	return ok && len(st.subs) > 0
}

// Close tears down every channel and refuses new subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	channels := b.channels
	b.channels = make(map[string]*channelState)
	b.mu.Unlock()

	for _, st := range channels {
		for _, s := range st.subs {
			// Quit the delivery goroutine without re-entering the registry.
			s.once.Do(func() { close(s.quit) })
		}
		st.cancel()
		_ = st.remote.Close()
	}
	b.log.Debug().Msg("bus closed")
}
