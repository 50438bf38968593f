package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"diagram-collab/internal/protocol"
	"diagram-collab/internal/telemetry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	membersKeyPrefix = "members:"

	// DefaultMemberTTL is how long a member entry outlives its last refresh
	DefaultMemberTTL = 30 * time.Second
)

/*
Membership is a sorted set per channel. Each entry is a member's JSON,
scored with the unix millisecond deadline of its lease:

  Subscribe ──► ZADD (now + ttl) ──► keepalive every ttl/3 re-ZADDs
  Close     ──► ZREM

A process that dies without Close stops refreshing; its entries fall behind
the clock and Subscribe prunes them before reading the snapshot. The key
itself expires after two leases without any refresh.
*/

// RedisBroker relays channels over Redis pub/sub so several processes can
// serve one session.
type RedisBroker struct {
	client     *redis.Client
	logger     *zap.Logger
	bufferSize int
	memberTTL  time.Duration
	now        func() time.Time
}

type RedisOption func(*RedisBroker)

// WithMemberTTL sets the membership lease length
func WithMemberTTL(ttl time.Duration) RedisOption {
	return func(b *RedisBroker) {
		if ttl > 0 {
			b.memberTTL = ttl
		}
	}
}

// WithRedisClock replaces the clock used to score membership leases
func WithRedisClock(now func() time.Time) RedisOption {
	return func(b *RedisBroker) { b.now = now }
}

func NewRedisBroker(client *redis.Client, logger *zap.Logger, bufferSize int, opts ...RedisOption) *RedisBroker {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	b := &RedisBroker{
		client:     client,
		logger:     logger,
		bufferSize: bufferSize,
		memberTTL:  DefaultMemberTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func membersKey(channel string) string {
	return membersKeyPrefix + channel
}

func (b *RedisBroker) Publish(ctx context.Context, env *protocol.Envelope) error {
	channel := env.Channel
	if channel == "" {
		channel = protocol.ChannelName(env.SessionID)
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	telemetry.EventsPublished.WithLabelValues(string(env.Kind)).Inc()
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string, self protocol.Member) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	// wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	memberJSON, err := json.Marshal(self)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	if err := b.lease(ctx, channel, string(memberJSON)); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis register member: %w", err)
	}

	raw, err := b.liveMembers(ctx, channel)
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis list members: %w", err)
	}
	members := make([]protocol.Member, 0, len(raw))
	for _, v := range raw {
		var m protocol.Member
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			b.logger.Warn("skipping malformed member entry", zap.String("channel", channel), zap.Error(err))
			continue
		}
		members = append(members, m)
	}

	sub := &redisSubscription{
		broker:  b,
		channel: channel,
		self:    self,
		ps:      ps,
		events:  make(chan *protocol.Envelope, b.bufferSize),
		members: members,
		entry:   string(memberJSON),
		done:    make(chan struct{}),
		pumped:  make(chan struct{}),
		kept:    make(chan struct{}),
	}
	go sub.pump()
	go sub.keepalive()
	telemetry.ChannelSubscribers.Inc()

	b.announce(ctx, channel, self, protocol.MemberAdded{Member: self})
	return sub, nil
}

func (b *RedisBroker) score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// lease writes or extends a member entry and keeps the key alive
func (b *RedisBroker) lease(ctx context.Context, channel, entry string) error {
	key := membersKey(channel)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: b.score(b.now().Add(b.memberTTL)), Member: entry})
		pipe.PExpire(ctx, key, 2*b.memberTTL)
		return nil
	})
	return err
}

// liveMembers prunes lapsed leases and returns the rest
func (b *RedisBroker) liveMembers(ctx context.Context, channel string) ([]string, error) {
	key := membersKey(channel)
	cutoff := strconv.FormatFloat(b.score(b.now()), 'f', 0, 64)

	pruned, err := b.client.ZRemRangeByScore(ctx, key, "-inf", cutoff).Result()
	if err != nil {
		return nil, err
	}
	if pruned > 0 {
		b.logger.Debug("pruned lapsed members", zap.String("channel", channel), zap.Int64("pruned", pruned))
	}
	return b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + cutoff, Max: "+inf"}).Result()
}

func (b *RedisBroker) announce(ctx context.Context, channel string, self protocol.Member, ev protocol.Event) {
	sessionID, _ := protocol.SessionIDFromChannel(channel)
	env, err := protocol.NewEnvelope(sessionID, self.UserID, ev, time.Now())
	if err != nil {
		b.logger.Warn("failed to build membership envelope", zap.Error(err))
		return
	}
	env.Channel = channel
	if err := b.Publish(ctx, env); err != nil {
		b.logger.Warn("failed to announce membership change",
			zap.String("channel", channel),
			zap.String("kind", string(env.Kind)),
			zap.Error(err),
		)
	}
}

// Close is a no-op; the redis client is owned by the caller
func (b *RedisBroker) Close() error { return nil }

type redisSubscription struct {
	broker  *RedisBroker
	channel string
	self    protocol.Member
	ps      *redis.PubSub
	events  chan *protocol.Envelope
	members []protocol.Member
	// entry is the sorted set member holding this subscriber's lease
	entry string

	done      chan struct{}
	pumped    chan struct{}
	kept      chan struct{}
	closeOnce sync.Once
}

// keepalive extends the membership lease until the subscription closes
func (s *redisSubscription) keepalive() {
	defer close(s.kept)
	ticker := time.NewTicker(s.broker.memberTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *redisSubscription) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), s.broker.memberTTL/3)
	defer cancel()
	if err := s.broker.lease(ctx, s.channel, s.entry); err != nil {
		s.broker.logger.Warn("failed to refresh member lease",
			zap.String("channel", s.channel),
			zap.String("connection_id", s.self.ConnectionID),
			zap.Error(err),
		)
	}
}

func (s *redisSubscription) pump() {
	defer close(s.pumped)
	defer close(s.events)

	msgs := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			env, err := protocol.Unmarshal([]byte(msg.Payload))
			if err != nil {
				s.broker.logger.Warn("dropping malformed envelope", zap.String("channel", s.channel), zap.Error(err))
				continue
			}
			if isOwnMembership(env, s.self) {
				continue
			}
			select {
			case s.events <- env:
			default:
				telemetry.EventsDropped.WithLabelValues(string(env.Kind)).Inc()
				if env.Kind.Ephemeral() {
					continue
				}
				s.broker.logger.Warn("⚠️  subscriber buffer full, evicting",
					zap.String("channel", s.channel),
					zap.String("connection_id", s.self.ConnectionID),
				)
				go s.Close()
				return
			}
		}
	}
}

func (s *redisSubscription) Events() <-chan *protocol.Envelope { return s.events }

func (s *redisSubscription) Members() []protocol.Member {
	return append([]protocol.Member(nil), s.members...)
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
		<-s.pumped
		<-s.kept
		telemetry.ChannelSubscribers.Dec()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if zerr := s.broker.client.ZRem(ctx, membersKey(s.channel), s.entry).Err(); zerr != nil {
			s.broker.logger.Warn("failed to remove member entry", zap.String("channel", s.channel), zap.Error(zerr))
		}
		s.broker.announce(ctx, s.channel, s.self, protocol.MemberRemoved{Member: s.self})
	})
	return err
}
