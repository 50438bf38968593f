package broker

import (
	"context"
	"sync"
	"time"

	"diagram-collab/internal/protocol"
	"diagram-collab/internal/telemetry"

	"go.uber.org/zap"
)

/*
In-process hub.

One goroutine owns delivery: register, unregister and broadcast requests
arrive on channels and are handled in order, so envelopes from one publisher
reach every subscriber in publish order.

Slow subscribers:
- ephemeral signals are dropped for that subscriber
- persisted events and membership notifications evict the subscriber
  (its Events channel is closed and the client resubscribes)
*/

// MemoryBroker manages channel subscriptions within one process
type MemoryBroker struct {
	channels   map[string]map[*memorySubscription]bool // channel -> set of subscribers
	register   chan *registration
	unregister chan *memorySubscription
	broadcast  chan *protocol.Envelope
	mu         sync.RWMutex

	bufferSize int
	logger     *zap.Logger

	started   bool
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

type registration struct {
	sub   *memorySubscription
	reply chan []protocol.Member
}

type memorySubscription struct {
	broker  *MemoryBroker
	channel string
	self    protocol.Member
	send    chan *protocol.Envelope
	members []protocol.Member

	closeOnce sync.Once
}

// NewMemoryBroker creates a hub; call Start before use
func NewMemoryBroker(logger *zap.Logger, bufferSize int) *MemoryBroker {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &MemoryBroker{
		channels:   make(map[string]map[*memorySubscription]bool),
		register:   make(chan *registration),
		unregister: make(chan *memorySubscription),
		broadcast:  make(chan *protocol.Envelope, bufferSize),
		bufferSize: bufferSize,
		logger:     logger,
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Start begins the hub event loop
func (b *MemoryBroker) Start() {
	b.logger.Info("🔄 Starting in-memory channel broker...")
	b.started = true

	go func() {
		defer close(b.stopped)
		for {
			select {
			case <-b.done:
				b.shutdown()
				return

			case reg := <-b.register:
				reg.reply <- b.handleRegister(reg.sub)

			case sub := <-b.unregister:
				b.handleUnregister(sub)

			case env := <-b.broadcast:
				b.deliver(env, nil)
			}
		}
	}()
}

func (b *MemoryBroker) handleRegister(sub *memorySubscription) []protocol.Member {
	b.mu.Lock()
	if b.channels[sub.channel] == nil {
		b.channels[sub.channel] = make(map[*memorySubscription]bool)
	}
	b.channels[sub.channel][sub] = true
	members := make([]protocol.Member, 0, len(b.channels[sub.channel]))
	for s := range b.channels[sub.channel] {
		members = append(members, s.self)
	}
	total := len(b.channels[sub.channel])
	b.mu.Unlock()

	telemetry.ChannelSubscribers.Inc()
	b.logger.Debug("subscriber attached",
		zap.String("channel", sub.channel),
		zap.String("connection_id", sub.self.ConnectionID),
		zap.Int("subscribers", total),
	)

	b.announce(sub, protocol.MemberAdded{Member: sub.self})
	return members
}

func (b *MemoryBroker) handleUnregister(sub *memorySubscription) {
	if !b.detach(sub) {
		return
	}
	b.announce(sub, protocol.MemberRemoved{Member: sub.self})
}

// detach removes a subscriber and closes its queue; false if it was already gone
func (b *MemoryBroker) detach(sub *memorySubscription) bool {
	b.mu.Lock()
	subs, ok := b.channels[sub.channel]
	if !ok || !subs[sub] {
		b.mu.Unlock()
		return false
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.channels, sub.channel)
	}
	b.mu.Unlock()

	close(sub.send)
	telemetry.ChannelSubscribers.Dec()
	return true
}

func (b *MemoryBroker) announce(sub *memorySubscription, ev protocol.Event) {
	sessionID, _ := protocol.SessionIDFromChannel(sub.channel)
	env, err := protocol.NewEnvelope(sessionID, sub.self.UserID, ev, time.Now())
	if err != nil {
		b.logger.Warn("failed to build membership envelope", zap.Error(err))
		return
	}
	env.Channel = sub.channel
	b.deliver(env, sub)
}

// deliver fans an envelope out to a channel, skipping `skip`
func (b *MemoryBroker) deliver(env *protocol.Envelope, skip *memorySubscription) {
	channel := env.Channel
	if channel == "" {
		channel = protocol.ChannelName(env.SessionID)
	}

	b.mu.RLock()
	subs := make([]*memorySubscription, 0, len(b.channels[channel]))
	for s := range b.channels[channel] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	var evicted []*memorySubscription
	for _, s := range subs {
		if s == skip {
			continue
		}
		select {
		case s.send <- env:
		default:
			telemetry.EventsDropped.WithLabelValues(string(env.Kind)).Inc()
			if env.Kind.Ephemeral() {
				continue
			}
			b.logger.Warn("⚠️  subscriber buffer full, evicting",
				zap.String("channel", channel),
				zap.String("connection_id", s.self.ConnectionID),
			)
			evicted = append(evicted, s)
		}
	}

	for _, s := range evicted {
		b.handleUnregister(s)
	}
}

// Publish queues an envelope for delivery
func (b *MemoryBroker) Publish(ctx context.Context, env *protocol.Envelope) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	select {
	case b.broadcast <- env:
		telemetry.EventsPublished.WithLabelValues(string(env.Kind)).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	}
}

// Subscribe attaches to a channel and returns the membership snapshot taken at attach time
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string, self protocol.Member) (Subscription, error) {
	sub := &memorySubscription{
		broker:  b,
		channel: channel,
		self:    self,
		send:    make(chan *protocol.Envelope, b.bufferSize),
	}
	reg := &registration{sub: sub, reply: make(chan []protocol.Member, 1)}

	select {
	case b.register <- reg:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrClosed
	}

	select {
	case sub.members = <-reg.reply:
		return sub, nil
	case <-b.done:
		return nil, ErrClosed
	case <-ctx.Done():
		// registration already reached the loop; drop it once the reply lands
		go func() {
			select {
			case <-reg.reply:
				_ = sub.Close()
			case <-b.done:
			}
		}()
		return nil, ctx.Err()
	}
}

// Subscribers returns the live members of a channel
func (b *MemoryBroker) Subscribers(channel string) []protocol.Member {
	b.mu.RLock()
	defer b.mu.RUnlock()

	members := make([]protocol.Member, 0, len(b.channels[channel]))
	for s := range b.channels[channel] {
		members = append(members, s.self)
	}
	return members
}

// Close stops the loop and closes every subscription
func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() {
		b.logger.Info("🛑 Shutting down channel broker...")
		close(b.done)
		if b.started {
			<-b.stopped
		} else {
			b.shutdown()
		}
		b.logger.Info("✓ Channel broker shutdown complete")
	})
	return nil
}

func (b *MemoryBroker) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.channels {
		for s := range subs {
			close(s.send)
			telemetry.ChannelSubscribers.Dec()
		}
	}
	b.channels = make(map[string]map[*memorySubscription]bool)
}

func (s *memorySubscription) Events() <-chan *protocol.Envelope { return s.send }

func (s *memorySubscription) Members() []protocol.Member {
	return append([]protocol.Member(nil), s.members...)
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		select {
		case s.broker.unregister <- s:
		case <-s.broker.done:
		}
	})
	return nil
}
